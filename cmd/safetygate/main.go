// Command safetygate is the HTTP front door for the safety enforcement
// pipeline: it authenticates callers, runs domain/pipeline.Pipeline's
// admission gate, and exposes the operator/reviewer admin surface
// (rule registry, escalation review, live escalation stream).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"

	"github.com/guardianrail/safety/domain/audit"
	"github.com/guardianrail/safety/domain/canary"
	"github.com/guardianrail/safety/domain/escalation"
	"github.com/guardianrail/safety/domain/guardian"
	"github.com/guardianrail/safety/domain/pipeline"
	"github.com/guardianrail/safety/domain/queue"
	"github.com/guardianrail/safety/domain/ratelimit"
	"github.com/guardianrail/safety/domain/registry"
	"github.com/guardianrail/safety/domain/risk"
	"github.com/guardianrail/safety/infrastructure/auth"
	"github.com/guardianrail/safety/infrastructure/broker"
	"github.com/guardianrail/safety/infrastructure/cache"
	"github.com/guardianrail/safety/infrastructure/config"
	"github.com/guardianrail/safety/infrastructure/logging"
	"github.com/guardianrail/safety/infrastructure/metrics"
	"github.com/guardianrail/safety/infrastructure/middleware"
	"github.com/guardianrail/safety/infrastructure/notify"
	"github.com/guardianrail/safety/infrastructure/security"
	"github.com/guardianrail/safety/infrastructure/store"
	"github.com/guardianrail/safety/internal/httpapi"
	"github.com/guardianrail/safety/internal/platform/database"
)

func main() {
	logger := logging.NewFromEnv("safetygate")

	rulesPath := config.GetEnv("SAFETY_RULES_PATH", "rules.yaml")
	redisURL := config.GetEnv("REDIS_URL", "")
	if redisURL == "" {
		log.Fatal("REDIS_URL is required")
	}
	addr := ":" + config.GetEnv("PORT", "8080")

	redisClient := redis.NewClient(mustParseRedisURL(redisURL))
	defer redisClient.Close()

	kv := store.NewRedisKV(redisClient)
	b := broker.NewRedisBroker(redisClient)

	ctx := context.Background()
	q, err := queue.New(ctx, b)
	if err != nil {
		log.Fatalf("initialise queue: %v", err)
	}

	var auditStore audit.Store
	dsn := config.GetEnv("DATABASE_URL", "")
	if dsn != "" {
		db, err := database.Open(ctx, dsn)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		defer db.Close()
		auditStore = audit.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL not set; audit trail will not be durably persisted")
	}

	reg := registry.New(registry.Config{
		OnRegexTimeout: func(ruleID string) {
			logger.WithFields(map[string]interface{}{"rule_id": ruleID}).Warn("rule regex exceeded its evaluation budget")
		},
		OnAutoDisabled: func(ruleID string) {
			logger.WithFields(map[string]interface{}{"rule_id": ruleID}).Error("rule auto-disabled after repeated timeouts")
		},
	}, logger)
	if _, err := reg.LoadFrom(rulesPath); err != nil {
		log.Fatalf("load rule registry from %s: %v", rulesPath, err)
	}
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if err := reg.StartFileWatcher(watchCtx, rulesPath); err != nil {
		logger.WithError(err).Warn("rule file watcher not started")
	}
	engine := guardian.New(reg)

	riskMgr := risk.New(kv)
	limiter := ratelimit.New(kv, riskMgr, ratelimit.DefaultBaselines())
	canarySub := canary.New(kv, riskMgr)

	escalationSvc := escalation.New(escalation.Deps{
		Audit:    auditStore,
		Registry: reg,
		Router:   buildNotifyRouter(),
		KV:       kv,
		Stream:   b,
	})
	injector := escalation.NewInjector(reg, auditStore)

	var m *metrics.Metrics
	if metrics.Enabled() {
		m = metrics.Init("safetygate")
	}

	p := pipeline.New(pipeline.Deps{
		Suspension: escalationSvc,
		RateLimit:  limiter,
		Guardian:   engine,
		Canary:     canarySub,
		Risk:       riskMgr,
		Queue:      q,
		Audit:      auditStore,
		Logger:     logger,
		Metrics:    m,
		Service:    "safetygate",
	})

	authMiddleware := buildAuthMiddleware(logger)

	broadcaster := httpapi.NewEscalationBroadcaster()
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	go consumeEscalationStream(streamCtx, b, broadcaster, logger)

	ready := true
	health := middleware.NewHealthChecker("1.0.0")
	health.RegisterCheck("redis", func() error { return redisClient.Ping(context.Background()).Err() })

	replayGuard := security.NewReplayProtection(5*time.Minute, logger)
	rulesCache := cache.NewTTLCache(2 * time.Second)

	router := httpapi.NewRouter(httpapi.Deps{
		Pipeline:    p,
		Registry:    reg,
		Escalation:  escalationSvc,
		Injector:    injector,
		Logger:      logger,
		Metrics:     m,
		Health:      health,
		Ready:       &ready,
		Broadcaster: broadcaster,
		Auth:        authMiddleware,
		Replay:      replayGuard,
		RulesCache:  rulesCache,
	})

	sweeper := cron.New()
	if _, err := sweeper.AddFunc("0 * * * *", openEscalationSweep(ctx, auditStore, m, logger)); err != nil {
		logger.WithError(err).Warn("open escalation sweep not scheduled")
	} else {
		sweeper.Start()
		defer sweeper.Stop()
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.WithFields(map[string]interface{}{"addr": addr}).Info("safetygate listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	ready = false

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

// openEscalationSweep builds the hourly job that reports the reviewer
// backlog: how many escalations are still awaiting a review decision.
// It reuses the queue-depth gauge (labelled "open_escalations") rather
// than adding a bespoke metric for a single scalar.
func openEscalationSweep(ctx context.Context, auditStore audit.Store, m *metrics.Metrics, logger *logging.Logger) func() {
	return func() {
		if auditStore == nil {
			return
		}
		sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		open, err := auditStore.ListOpen(sweepCtx, 1000)
		if err != nil {
			logger.WithError(err).Warn("open escalation sweep failed")
			return
		}
		logger.WithFields(map[string]interface{}{"open_escalations": len(open)}).Info("open escalation sweep")
		if m != nil {
			m.SetQueueDepth("safetygate", "open_escalations", len(open))
		}
	}
}

// consumeEscalationStream polls the shared broker's escalation stream and
// fans each entry out to connected reviewer dashboards. It runs under its
// own consumer group so multiple safetygate replicas can all observe
// every escalation without stealing entries from one another.
func consumeEscalationStream(ctx context.Context, b broker.Broker, out *httpapi.EscalationBroadcaster, logger *logging.Logger) {
	host, _ := os.Hostname()
	consumer := fmt.Sprintf("safetygate-%s-%d", host, os.Getpid())
	group := "safetygate-stream-" + consumer

	if err := b.EnsureGroup(ctx, escalation.EscalationStream, group); err != nil {
		logger.WithError(err).Error("escalation stream: ensure group failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := b.ReadGroup(ctx, escalation.EscalationStream, group, consumer, 10, 2000)
		if err != nil {
			logger.WithError(err).Warn("escalation stream: read failed")
			continue
		}
		ids := make([]string, 0, len(msgs))
		for _, msg := range msgs {
			out.Publish(httpapi.EscalationEvent{
				AuditID:    msg.Fields["audit_id"],
				SubjectID:  msg.Fields["subject_id"],
				Severity:   msg.Fields["severity"],
				ReasonCode: msg.Fields["reason_code"],
				CreatedAt:  time.Now(),
			})
			ids = append(ids, msg.ID)
		}
		if len(ids) > 0 {
			if err := b.Ack(ctx, escalation.EscalationStream, group, ids...); err != nil {
				logger.WithError(err).Warn("escalation stream: ack failed")
			}
		}
	}
}

func buildNotifyRouter() *notify.Router {
	var routes notify.Routes
	if slackURL := config.GetEnv("ESCALATION_SLACK_WEBHOOK", ""); slackURL != "" {
		routes.Primary = append(routes.Primary, notify.NewSlackChannel(slackURL, config.GetEnv("ESCALATION_SLACK_CHANNEL", "#safety-escalations")))
	}
	if pagingURL := config.GetEnv("ESCALATION_PAGING_WEBHOOK", ""); pagingURL != "" {
		routes.Paging = append(routes.Paging, notify.NewWebhookChannel(pagingURL, nil))
	}
	return notify.NewRouter(routes)
}

func mustParseRedisURL(raw string) *redis.Options {
	opts, err := redis.ParseURL(raw)
	if err != nil {
		log.Fatalf("invalid REDIS_URL: %v", err)
	}
	return opts
}

func buildAuthMiddleware(logger *logging.Logger) *middleware.SubjectAuthMiddleware {
	pubKeyPath := config.GetEnv("SAFETY_JWT_PUBLIC_KEY_PATH", "")
	if pubKeyPath == "" {
		logger.Warn("SAFETY_JWT_PUBLIC_KEY_PATH not set; subject authentication is disabled")
		return nil
	}
	pemBytes, err := os.ReadFile(pubKeyPath)
	if err != nil {
		log.Fatalf("read SAFETY_JWT_PUBLIC_KEY_PATH: %v", err)
	}
	pubKey, err := auth.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		log.Fatalf("parse subject auth public key: %v", err)
	}
	return middleware.NewSubjectAuthMiddleware(middleware.SubjectAuthConfig{
		PublicKey: pubKey,
		Logger:    logger,
		SkipPaths: []string{"/healthz", "/readyz", "/metrics"},
	})
}
