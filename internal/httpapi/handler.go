package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/guardianrail/safety/domain/pipeline"
	"github.com/guardianrail/safety/domain/ruletypes"
	"github.com/guardianrail/safety/infrastructure/auth"
	serviceerrors "github.com/guardianrail/safety/infrastructure/errors"
	"github.com/guardianrail/safety/infrastructure/security"
)

type handler struct {
	deps Deps
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeServiceError(w http.ResponseWriter, err *serviceerrors.ServiceError) {
	writeJSON(w, err.HTTPStatus, map[string]string{
		"error":       err.Message,
		"reason_code": string(err.Code),
	})
}

// =============================================================================
// Admission
// =============================================================================

type admitRequest struct {
	TraceID   string `json:"trace_id"`
	InputText string `json:"input"`
}

type admitResponse struct {
	Allowed     bool   `json:"allowed"`
	RequestID   string `json:"request_id"`
	ReasonCode  string `json:"reason_code,omitempty"`
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
}

// admit is the public inference admission endpoint (spec §5): authenticate
// via the Auth middleware already applied by the router, then hand the
// request straight to Pipeline.Admit.
func (h *handler) admit(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if h.deps.Replay != nil && req.TraceID != "" && !h.deps.Replay.ValidateAndMark(req.TraceID) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "duplicate trace_id", "reason_code": "replay_detected"})
		return
	}

	subjectID := auth.GetSubjectID(r.Context())
	if subjectID == "" {
		subjectID = r.Header.Get(auth.SubjectIDHeader)
	}
	tier := auth.GetTier(r.Context())
	if h, ok := r.Header[auth.TierHeader]; ok && len(h) > 0 && tier == auth.TierFree {
		tier = auth.Tier(h[0])
	}

	result, svcErr := h.deps.Pipeline.Admit(r.Context(), pipeline.Request{
		TraceID:   req.TraceID,
		SubjectID: subjectID,
		Tier:      tier,
		InputText: req.InputText,
	})
	if svcErr != nil {
		writeServiceError(w, svcErr)
		return
	}

	writeJSON(w, http.StatusAccepted, admitResponse{
		Allowed:      result.Allowed,
		RequestID:    result.RequestID,
		ReasonCode:   result.ReasonCode,
		RetryAfterMs: result.RetryAfterMs,
	})
}

// =============================================================================
// Rule registry admin (spec §4.1 dynamic injection surface)
// =============================================================================

const rulesCacheKey = "rules-listing"

func (h *handler) listRules(w http.ResponseWriter, r *http.Request) {
	if h.deps.RulesCache != nil {
		if cached, ok := h.deps.RulesCache.Get(r.Context(), rulesCacheKey); ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	snap := h.deps.Registry.Current()
	if snap == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"version": 0, "rules": []ruletypes.Rule{}})
		return
	}
	rules := make([]ruletypes.Rule, 0, len(snap.Rules))
	for _, rule := range snap.Rules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	body := map[string]interface{}{"version": snap.Version, "rules": rules}
	if h.deps.RulesCache != nil {
		h.deps.RulesCache.Set(r.Context(), rulesCacheKey, body)
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handler) injectRule(w http.ResponseWriter, r *http.Request) {
	if auth.GetTier(r.Context()) != auth.TierPrivileged {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "rule injection requires privileged tier"})
		return
	}
	var rule ruletypes.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid rule body"})
		return
	}
	operatorID := auth.GetSubjectID(r.Context())
	version, err := h.deps.Injector.Inject(r.Context(), operatorID, rule)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": security.SanitizeError(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"version": version, "rule_id": rule.ID})
}

func (h *handler) setRuleEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if auth.GetTier(r.Context()) != auth.TierPrivileged {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "rule management requires privileged tier"})
			return
		}
		id := mux.Vars(r)["id"]
		var version int64
		var err error
		if enabled {
			version, err = h.deps.Registry.Enable(id)
		} else {
			version, err = h.deps.Registry.Disable(id)
		}
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": security.SanitizeError(err)})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"version": version, "rule_id": id, "enabled": enabled})
	}
}

// =============================================================================
// Escalation review (spec §4.7 review handler contract)
// =============================================================================

type reviewRequest struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes"`
}

func (h *handler) reviewEscalation(w http.ResponseWriter, r *http.Request) {
	if auth.GetTier(r.Context()) != auth.TierPrivileged {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "escalation review requires privileged tier"})
		return
	}
	auditID := mux.Vars(r)["id"]
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	reviewerID := auth.GetSubjectID(r.Context())
	updatedID, err := h.deps.Escalation.Review(r.Context(), auditID, req.Decision, reviewerID, req.Notes)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": security.SanitizeError(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"audit_id": updatedID})
}
