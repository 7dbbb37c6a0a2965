// Package httpapi wires the safety gateway's HTTP surface: the public
// admission endpoint and the operator/reviewer admin API, behind the
// shared infrastructure/middleware stack.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guardianrail/safety/domain/escalation"
	"github.com/guardianrail/safety/domain/pipeline"
	"github.com/guardianrail/safety/domain/registry"
	"github.com/guardianrail/safety/infrastructure/cache"
	"github.com/guardianrail/safety/infrastructure/logging"
	"github.com/guardianrail/safety/infrastructure/metrics"
	"github.com/guardianrail/safety/infrastructure/middleware"
	"github.com/guardianrail/safety/infrastructure/security"
)

// Deps bundles the collaborators the HTTP surface dispatches to.
type Deps struct {
	Pipeline   *pipeline.Pipeline
	Registry   *registry.Registry
	Escalation *escalation.Service
	Injector   *escalation.Injector
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
	Health     *middleware.HealthChecker
	Ready      *bool
	Broadcaster *EscalationBroadcaster
	// Auth, when non-nil, is mounted globally (skip paths configured by
	// the caller cover /healthz, /readyz, /metrics). Nil means
	// authentication is disabled; neither NewRouter nor cmd/safetygate
	// refuses a nil Auth in runtime.Production.
	Auth *middleware.SubjectAuthMiddleware
	// Replay, when non-nil, rejects a /v1/infer call whose trace id was
	// already admitted within the replay window.
	Replay *security.ReplayProtection
	// RulesCache, when non-nil, backs listRules with a short-lived cache
	// so a burst of operator polling doesn't re-walk the registry
	// snapshot on every call.
	RulesCache *cache.TTLCache
}

// NewRouter builds the gateway's mux.Router with every SPEC_FULL.md HTTP
// operation mounted, ordered the way r3e-network-service_layer's gateway
// mounts its middleware: logging/recovery first, then metrics, then CORS
// and body limits, then security headers, with auth (when configured)
// mounted last for every route.
func NewRouter(deps Deps) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger).Handler)
	if deps.Metrics != nil {
		r.Use(middleware.MetricsMiddleware("safetygate", deps.Metrics))
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	r.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Subject-Token", "X-Trace-ID"},
	}).Handler)
	r.Use(middleware.NewBodyLimitMiddleware(1 << 20).Handler)
	r.Use(middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders()).Handler)
	if deps.Auth != nil {
		r.Use(deps.Auth.Handler)
	}

	if deps.Health != nil {
		r.Handle("/healthz", deps.Health.Handler()).Methods(http.MethodGet)
	}
	if deps.Ready != nil {
		r.HandleFunc("/readyz", middleware.ReadinessHandler(deps.Ready)).Methods(http.MethodGet)
	}

	h := &handler{deps: deps}

	r.HandleFunc("/v1/infer", h.admit).Methods(http.MethodPost)

	r.HandleFunc("/v1/rules", h.listRules).Methods(http.MethodGet)
	r.HandleFunc("/v1/rules", h.injectRule).Methods(http.MethodPost)
	r.HandleFunc("/v1/rules/{id}/enable", h.setRuleEnabled(true)).Methods(http.MethodPatch)
	r.HandleFunc("/v1/rules/{id}/disable", h.setRuleEnabled(false)).Methods(http.MethodPatch)

	r.HandleFunc("/v1/escalations/{id}/review", h.reviewEscalation).Methods(http.MethodPost)
	r.HandleFunc("/v1/escalations/stream", h.streamEscalations)

	return r
}
