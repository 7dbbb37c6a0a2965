// Command safetyworker runs the async inference worker pool: it claims
// requests admitted by safetygate, calls the backing model, post-checks
// the output, and records the audit trail (spec §4.6).
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/guardianrail/safety/domain/audit"
	"github.com/guardianrail/safety/domain/canary"
	"github.com/guardianrail/safety/domain/escalation"
	"github.com/guardianrail/safety/domain/guardian"
	"github.com/guardianrail/safety/domain/queue"
	"github.com/guardianrail/safety/domain/registry"
	"github.com/guardianrail/safety/domain/risk"
	"github.com/guardianrail/safety/domain/worker"
	"github.com/guardianrail/safety/infrastructure/broker"
	"github.com/guardianrail/safety/infrastructure/config"
	"github.com/guardianrail/safety/infrastructure/logging"
	"github.com/guardianrail/safety/infrastructure/metrics"
	"github.com/guardianrail/safety/infrastructure/notify"
	"github.com/guardianrail/safety/infrastructure/ratelimit"
	"github.com/guardianrail/safety/infrastructure/store"
	"github.com/guardianrail/safety/internal/platform/database"
)

func main() {
	rulesPath := flag.String("rules", config.GetEnv("SAFETY_RULES_PATH", "rules.yaml"), "path to the rule registry YAML file")
	modelURL := flag.String("model-url", config.GetEnv("MODEL_URL", ""), "backing inference model endpoint")
	consumer := flag.String("consumer", config.GetEnv("WORKER_CONSUMER_NAME", "safetyworker"), "queue consumer group identity")
	concurrency := flag.Int("concurrency", config.GetEnvInt("WORKER_CONCURRENCY", 4), "number of concurrent claim/process loops")
	flag.Parse()

	logger := logging.NewFromEnv("safetyworker")

	dsn := config.GetEnv("DATABASE_URL", "")
	redisURL := config.GetEnv("REDIS_URL", "")
	if redisURL == "" {
		log.Fatal("REDIS_URL is required: the worker shares its queue and risk state with safetygate through Redis")
	}

	redisClient := redis.NewClient(mustParseRedisURL(redisURL))
	defer redisClient.Close()

	kv := store.NewRedisKV(redisClient)
	b := broker.NewRedisBroker(redisClient)

	ctx := context.Background()
	q, err := queue.New(ctx, b)
	if err != nil {
		log.Fatalf("initialise queue: %v", err)
	}

	var (
		db         *sql.DB
		auditStore audit.Store
	)
	if dsn != "" {
		db, err = database.Open(ctx, dsn)
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
	if _, err := reg.LoadFrom(*rulesPath); err != nil {
		log.Fatalf("load rule registry from %s: %v", *rulesPath, err)
	}
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if err := reg.StartFileWatcher(watchCtx, *rulesPath); err != nil {
		logger.WithError(err).Warn("rule file watcher not started")
	}
	engine := guardian.New(reg)

	riskMgr := risk.New(kv)
	canarySub := canary.New(kv, riskMgr)

	router := buildNotifyRouter()
	escalationSvc := escalation.New(escalation.Deps{
		Audit:    auditStore,
		Registry: reg,
		Router:   router,
		KV:       kv,
		Stream:   b,
	})

	if *modelURL == "" {
		log.Fatal("MODEL_URL is required")
	}
	// The backing model is shared across every worker replica; bound our
	// own call rate so a burst of admitted requests can't overrun it
	// independently of whatever rate limit the model provider enforces.
	modelRPS := float64(config.GetEnvInt("MODEL_MAX_REQUESTS_PER_SECOND", 50))
	modelClient := ratelimit.NewRateLimitedClient(&http.Client{Timeout: 30 * time.Second}, ratelimit.RateLimitConfig{
		RequestsPerSecond: modelRPS,
		Burst:             int(modelRPS * 2),
	})
	model := &httpModelCaller{endpoint: *modelURL, client: modelClient}

	var m *metrics.Metrics
	if metrics.Enabled() {
		m = metrics.Init("safetyworker")
	}

	w := worker.New(worker.Config{
		Concurrency: *concurrency,
	}, worker.Deps{
		Queue:      q,
		Model:      model,
		Guardian:   engine,
		Risk:       riskMgr,
		Canary:     canarySub,
		Escalation: escalationSvc,
		Suspension: escalationSvc,
		KV:         kv,
		Audit:      auditStore,
		Logger:     logger,
		Metrics:    m,
		Service:    "safetyworker",
	})

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithFields(map[string]interface{}{"consumer": *consumer, "concurrency": *concurrency}).Info("safetyworker starting")
	w.Run(runCtx, *consumer)
	logger.Info("safetyworker stopped")
}

// httpModelCaller implements worker.ModelCaller against a JSON-over-HTTP
// backing model, in the teacher's style of a small single-purpose client
// wrapper rather than a generated SDK.
type httpModelCaller struct {
	endpoint string
	client   *ratelimit.RateLimitedClient
}

type modelRequest struct {
	RequestID string `json:"request_id"`
	Input     string `json:"input"`
}

type modelResponse struct {
	Output string `json:"output"`
}

func (c *httpModelCaller) Call(ctx context.Context, requestID, inputText string) (string, error) {
	payload, err := json.Marshal(modelRequest{RequestID: requestID, Input: inputText})
	if err != nil {
		return "", fmt.Errorf("encode model request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model returned status %d", resp.StatusCode)
	}
	var out modelResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode model response: %w", err)
	}
	return out.Output, nil
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

func init() {
	if strings.TrimSpace(os.Getenv("SAFETY_ENV")) == "" {
		os.Setenv("SAFETY_ENV", "development")
	}
}
