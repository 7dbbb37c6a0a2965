// Package worker implements the async inference worker: claim a queued
// request, verify the subject is still clear to proceed, call the model,
// post-check the output, optionally watermark it, and record the audit
// trail (spec §4.6).
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/guardianrail/safety/domain/audit"
	"github.com/guardianrail/safety/domain/canary"
	"github.com/guardianrail/safety/domain/escalation"
	"github.com/guardianrail/safety/domain/guardian"
	"github.com/guardianrail/safety/domain/queue"
	"github.com/guardianrail/safety/domain/risk"
	"github.com/guardianrail/safety/domain/ruletypes"
	serviceerrors "github.com/guardianrail/safety/infrastructure/errors"
	"github.com/guardianrail/safety/infrastructure/logging"
	"github.com/guardianrail/safety/infrastructure/metrics"
	"github.com/guardianrail/safety/infrastructure/resilience"
	"github.com/guardianrail/safety/infrastructure/store"
)

// ModelCaller invokes the backing inference model. Implementations must
// be safe for concurrent use; the worker pool calls it from every
// consumer goroutine.
type ModelCaller interface {
	Call(ctx context.Context, requestID, inputText string) (outputText string, err error)
}

// SuspensionChecker reports whether a subject is currently suspended,
// consulted as the worker's re-verification step before spending a model
// call on a request that was admitted before a suspension took effect.
type SuspensionChecker interface {
	IsSuspended(ctx context.Context, subjectID string) (bool, error)
}

// Config controls worker pool behavior.
type Config struct {
	Concurrency    int
	ClaimBatch     int64
	ClaimBlock     time.Duration
	CircuitBreaker resilience.Config
	Retry          resilience.RetryConfig
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 10
	}
	if c.ClaimBlock <= 0 {
		c.ClaimBlock = 2 * time.Second
	}
	if c.CircuitBreaker.MaxFailures <= 0 {
		c.CircuitBreaker = resilience.DefaultConfig()
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = resilience.DefaultRetryConfig()
	}
	return c
}

// Worker consumes queued requests and drives them through model call,
// post-check, and audit recording.
type Worker struct {
	cfg        Config
	queue      *queue.Queue
	model      ModelCaller
	guardian   *guardian.Engine
	risk       *risk.Manager
	canary     *canary.Subsystem
	escalation *escalation.Service
	suspension SuspensionChecker
	kv         store.KV
	audit      audit.Store
	breaker    *resilience.CircuitBreaker
	logger     *logging.Logger
	metrics    *metrics.Metrics
	service    string
}

// Deps bundles Worker's collaborators.
type Deps struct {
	Queue      *queue.Queue
	Model      ModelCaller
	Guardian   *guardian.Engine
	Risk       *risk.Manager
	Canary     *canary.Subsystem
	Escalation *escalation.Service
	Suspension SuspensionChecker
	KV         store.KV
	Audit      audit.Store
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
	Service    string
}

// New builds a Worker.
func New(cfg Config, deps Deps) *Worker {
	cfg = cfg.withDefaults()
	service := deps.Service
	if service == "" {
		service = "safetyworker"
	}
	return &Worker{
		cfg:        cfg,
		queue:      deps.Queue,
		model:      deps.Model,
		guardian:   deps.Guardian,
		risk:       deps.Risk,
		canary:     deps.Canary,
		escalation: deps.Escalation,
		suspension: deps.Suspension,
		kv:         deps.KV,
		audit:      deps.Audit,
		breaker:    resilience.New(cfg.CircuitBreaker),
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		service:    service,
	}
}

// Run drives cfg.Concurrency claim-process-ack loops until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context, consumerName string) {
	for i := 0; i < w.cfg.Concurrency; i++ {
		go w.loop(ctx, fmt.Sprintf("%s-%d", consumerName, i))
	}
	<-ctx.Done()
}

func (w *Worker) loop(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := w.queue.Claim(ctx, consumer, w.cfg.ClaimBatch, w.cfg.ClaimBlock)
		if err != nil {
			if w.logger != nil {
				w.logger.WithError(err).Error("worker claim failed")
			}
			continue
		}
		for _, c := range claimed {
			w.process(ctx, c)
		}
	}
}

// process runs the 8-step algorithm from spec §4.6 for a single claimed
// request: idempotency check, re-verify not suspended, model call behind
// the circuit breaker and retry, post-check the output, conditional
// watermark, publish/audit, ack.
func (w *Worker) process(ctx context.Context, c queue.Claimed) {
	req := c.Request
	idempotencyKey := "processed:" + req.RequestID

	already, err := w.kv.SetNX(ctx, idempotencyKey, []byte("1"), 24*time.Hour)
	if err != nil {
		if w.logger != nil {
			w.logger.WithError(err).Error("worker idempotency check failed")
		}
		return // do not ack; let it be reclaimed and retried
	}
	if !already {
		// Already processed by a prior delivery; safe to ack and drop.
		_ = w.queue.Ack(ctx, c.MessageID)
		return
	}

	if w.suspension != nil {
		suspended, err := w.suspension.IsSuspended(ctx, req.SubjectID)
		if err != nil {
			if w.logger != nil {
				w.logger.WithError(err).Error("worker suspension check failed")
			}
			return
		}
		if suspended {
			w.recordAudit(ctx, req, "post", "suspended", ruletypes.SeverityHigh, nil, "blocked")
			_ = w.queue.Ack(ctx, c.MessageID)
			return
		}
	}

	var output string
	callStart := time.Now()
	callErr := w.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, w.cfg.Retry, func() error {
			out, err := w.model.Call(ctx, req.RequestID, req.InputText)
			if err != nil {
				return err
			}
			output = out
			return nil
		})
	})
	if w.logger != nil {
		w.logger.LogModelCall(ctx, req.RequestID, time.Since(callStart), callErr)
	}
	if callErr != nil {
		reasonCode := string(serviceerrors.ErrCodeModelUnavail)
		w.recordAudit(ctx, req, "post", reasonCode, ruletypes.SeverityHigh, nil, "blocked")
		if w.escalation != nil {
			if _, err := w.escalation.Escalate(ctx, escalation.Trigger{
				RequestID: req.RequestID, TraceID: req.TraceID, SubjectID: req.SubjectID,
				Stage: "post", Severity: ruletypes.SeverityHigh,
			}); err != nil && w.logger != nil {
				w.logger.WithError(err).Warn("worker escalation failed")
			}
		}
		if w.logger != nil {
			w.logger.WithError(serviceerrors.ModelUnavailable(req.RequestID, callErr)).Error("worker model call exhausted retries")
		}
		// The model call is exhausted, not transient: acking here avoids an
		// infinite reclaim loop against a backend that has already had its
		// full retry budget spent. The idempotency key keeps a duplicate
		// delivery from re-spending it.
		_ = w.queue.Ack(ctx, c.MessageID)
		return
	}

	postResult := w.guardian.Evaluate(ctx, output, "output")
	if postResult.Blocked() {
		var riskScore *float64
		if w.risk != nil {
			score, err := w.risk.RecordViolation(ctx, req.SubjectID, postResult.HighestSeverity)
			if err != nil && w.logger != nil {
				w.logger.WithError(err).Warn("worker risk accrual failed")
			} else {
				riskScore = &score.Value
			}
		}
		w.recordAudit(ctx, req, "post", "blocked_output", postResult.HighestSeverity, postResult.Matches, "blocked")
		if w.escalation != nil {
			if _, err := w.escalation.Escalate(ctx, escalation.Trigger{
				RequestID: req.RequestID, TraceID: req.TraceID, SubjectID: req.SubjectID,
				Stage: "post", Severity: postResult.HighestSeverity, Matches: postResult.Matches,
				RiskScore: riskScore,
			}); err != nil && w.logger != nil {
				w.logger.WithError(err).Warn("worker escalation failed")
			}
		}
		_ = w.queue.Ack(ctx, c.MessageID)
		return
	}

	finalOutput := output
	watermarked := false
	if w.canary != nil && w.risk != nil {
		score, err := w.risk.Get(ctx, req.SubjectID)
		if err == nil && w.canary.ShouldWatermark(score.Value) {
			if out, _, err := w.canary.Issue(ctx, req.SubjectID, output); err == nil {
				finalOutput = out
				watermarked = true
			} else if w.logger != nil {
				w.logger.WithError(err).Warn("worker canary issue failed")
			}
		}
	}

	if _, err := w.queue.PublishResponse(ctx, queue.Response{
		RequestID:   req.RequestID,
		TraceID:     req.TraceID,
		SubjectID:   req.SubjectID,
		OutputText:  finalOutput,
		Watermarked: watermarked,
		CreatedTs:   time.Now().UnixNano(),
	}); err != nil {
		if w.logger != nil {
			w.logger.WithError(err).Error("worker publish response failed")
		}
		// Leave unacked: the caller has not received a response yet, and
		// idempotency on the processed: key means a retried delivery will
		// short-circuit straight to re-publishing instead of re-calling
		// the model.
		return
	}

	w.recordAudit(ctx, req, "post", "allowed", postResult.HighestSeverity, postResult.Matches, "approved")
	if w.metrics != nil {
		w.metrics.RecordGuardianEvaluation(w.service, "allow", "post", time.Since(callStart))
	}
	_ = w.queue.Ack(ctx, c.MessageID)
}

func (w *Worker) recordAudit(ctx context.Context, req queue.Request, stage, reasonCode string, severity ruletypes.Severity, matches []ruletypes.Match, status string) {
	ruleIDs := make([]string, 0, len(matches))
	for _, m := range matches {
		ruleIDs = append(ruleIDs, m.RuleID)
	}

	if w.audit != nil {
		record := audit.Record{
			RequestID:  req.RequestID,
			TraceID:    req.TraceID,
			SubjectID:  req.SubjectID,
			Stage:      audit.Stage(stage),
			Decision:   reasonCode,
			ReasonCode: reasonCode,
			RuleIDs:    ruleIDs,
			Severity:   severity,
			Status:     audit.Status(status),
		}
		if _, err := w.audit.Append(ctx, record); err != nil && w.logger != nil {
			w.logger.WithError(err).Error("worker audit append failed")
		}
	}

	if w.logger != nil {
		w.logger.WithFields(map[string]interface{}{
			"request_id": req.RequestID,
			"trace_id":   req.TraceID,
			"subject_id": req.SubjectID,
			"stage":      stage,
			"reason":     reasonCode,
			"severity":   severity.String(),
			"status":     status,
		}).Info("worker audit event")
	}
}
