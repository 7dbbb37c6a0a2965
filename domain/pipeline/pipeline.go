// Package pipeline implements the single hot-path admission entry point
// (spec §5): Pipeline.Admit enforces suspension → rate-limit →
// pre-check → canary-detect → enqueue, in that order, each stage bounded
// by its own timeout, and fails closed the moment any stage cannot be
// evaluated.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/guardianrail/safety/domain/audit"
	"github.com/guardianrail/safety/domain/canary"
	"github.com/guardianrail/safety/domain/guardian"
	"github.com/guardianrail/safety/domain/queue"
	"github.com/guardianrail/safety/domain/ratelimit"
	"github.com/guardianrail/safety/domain/risk"
	"github.com/guardianrail/safety/domain/ruletypes"
	"github.com/guardianrail/safety/infrastructure/auth"
	serviceerrors "github.com/guardianrail/safety/infrastructure/errors"
	"github.com/guardianrail/safety/infrastructure/logging"
	"github.com/guardianrail/safety/infrastructure/metrics"
)

// Per-stage timeouts (spec §5 "Suspension points" table): "rate-limit 50
// ms, queue publish 100 ms ... audit 200 ms".
const (
	RateLimitTimeout    = 50 * time.Millisecond
	QueuePublishTimeout = 100 * time.Millisecond
	AuditTimeout        = 200 * time.Millisecond
)

// RequestBudget bounds the entire Admit call end to end (spec §5: "A
// global request budget (default 30 s) bounds end-to-end time; exceeded
// requests return a timeout refusal and an audit record with
// stage=timeout").
const RequestBudget = 30 * time.Second

// SuspensionChecker reports whether a subject is barred from admission.
// domain/escalation.Service satisfies this directly.
type SuspensionChecker interface {
	IsSuspended(ctx context.Context, subjectID string) (bool, error)
}

// Request is one inbound admission request.
type Request struct {
	TraceID   string
	SubjectID string
	Tier      auth.Tier
	InputText string
}

// Result is what Admit returns to the gateway handler.
type Result struct {
	Allowed     bool
	RequestID   string
	ReasonCode  string
	HTTPStatus  int
	AuditID     string
	RetryAfterMs int64
}

// Pipeline wires the admission collaborators together in the order the
// spec mandates.
type Pipeline struct {
	suspension SuspensionChecker
	ratelimit  *ratelimit.Limiter
	guardian   *guardian.Engine
	canary     *canary.Subsystem
	risk       *risk.Manager
	queue      *queue.Queue
	audit      audit.Store
	logger     *logging.Logger
	metrics    *metrics.Metrics
	service    string
}

// Deps bundles Pipeline's collaborators.
type Deps struct {
	Suspension SuspensionChecker
	RateLimit  *ratelimit.Limiter
	Guardian   *guardian.Engine
	Canary     *canary.Subsystem
	Risk       *risk.Manager
	Queue      *queue.Queue
	Audit      audit.Store
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
	Service    string
}

// New builds a Pipeline.
func New(deps Deps) *Pipeline {
	service := deps.Service
	if service == "" {
		service = "safetygate"
	}
	return &Pipeline{
		suspension: deps.Suspension,
		ratelimit:  deps.RateLimit,
		guardian:   deps.Guardian,
		canary:     deps.Canary,
		risk:       deps.Risk,
		queue:      deps.Queue,
		audit:      deps.Audit,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		service:    service,
	}
}

// Admit drives req through the admission pipeline. A non-nil *errors
// .ServiceError indicates a terminal refusal the caller should render
// directly to the client; a nil error with Result.Allowed == true means
// the request was enqueued for async inference.
func (p *Pipeline) Admit(ctx context.Context, req Request) (Result, *serviceerrors.ServiceError) {
	ctx, cancel := context.WithTimeout(ctx, RequestBudget)
	defer cancel()

	requestID := uuid.New().String()

	// 1. Suspension check.
	if p.suspension != nil {
		suspended, err := p.suspension.IsSuspended(ctx, req.SubjectID)
		if err != nil {
			return p.failClosed(ctx, req, requestID, "suspension check", err)
		}
		if suspended {
			p.recordAudit(ctx, req, requestID, "pre", "SUBJECT_SUSPENDED", ruletypes.SeverityHigh, nil, audit.StatusBlocked)
			svcErr := serviceerrors.SubjectSuspended(requestID)
			return Result{RequestID: requestID, ReasonCode: "SUBJECT_SUSPENDED", HTTPStatus: svcErr.HTTPStatus}, svcErr
		}
	}

	// 2. Rate limit, derated by the subject's current risk score.
	if p.ratelimit != nil {
		rlCtx, cancel := context.WithTimeout(ctx, RateLimitTimeout)
		decision, err := p.ratelimit.Admit(rlCtx, req.SubjectID, req.Tier)
		cancel()
		if err != nil {
			return p.failClosed(ctx, req, requestID, "rate limit", err)
		}
		if p.metrics != nil {
			outcome := "allowed"
			if !decision.Allowed {
				outcome = "denied"
			}
			p.metrics.RecordRateLimitAdmission(p.service, string(req.Tier), outcome)
		}
		if !decision.Allowed {
			p.recordAudit(ctx, req, requestID, "pre", "RATE_LIMITED", ruletypes.SeverityLow, nil, audit.StatusBlocked)
			svcErr := serviceerrors.RateLimited(requestID, decision.RetryAfterMs)
			return Result{RequestID: requestID, ReasonCode: "RATE_LIMITED", HTTPStatus: svcErr.HTTPStatus, RetryAfterMs: decision.RetryAfterMs}, svcErr
		}
	}

	// 3. Guardian pre-check.
	if p.guardian == nil {
		return p.failClosed(ctx, req, requestID, "pre-check", fmt.Errorf("pipeline: no guardian engine configured"))
	}
	preResult := p.guardian.Evaluate(ctx, req.InputText, "input")
	if preResult.Blocked() {
		reasonCode := reasonCodeForMatches(preResult.Matches)
		if p.risk != nil {
			if _, err := p.risk.RecordViolation(ctx, req.SubjectID, preResult.HighestSeverity); err != nil && p.logger != nil {
				p.logger.WithError(err).Warn("pipeline risk accrual failed")
			}
		}
		p.recordAudit(ctx, req, requestID, "pre", reasonCode, preResult.HighestSeverity, preResult.Matches, audit.StatusBlocked)
		svcErr := serviceerrors.Refusal(serviceerrors.ErrorCode(reasonCode), requestID)
		return Result{RequestID: requestID, ReasonCode: reasonCode, HTTPStatus: svcErr.HTTPStatus, AuditID: requestID}, svcErr
	}

	// 4. Canary replay detection: a subject presenting a previously
	// issued watermark as new input is treated as a critical violation
	// by canary.Subsystem.Detect itself; the pipeline only needs to act
	// on the outcome.
	if p.canary != nil {
		if _, _, found, err := p.canary.Detect(ctx, req.SubjectID, req.InputText); err != nil {
			if p.logger != nil {
				p.logger.WithError(err).Warn("pipeline canary detect failed")
			}
		} else if found {
			p.recordAudit(ctx, req, requestID, "pre", "CANARY_REPLAY", ruletypes.SeverityCritical, nil, audit.StatusBlocked)
			svcErr := serviceerrors.Refusal(serviceerrors.ErrCodeCanaryReplay, requestID)
			return Result{RequestID: requestID, ReasonCode: "CANARY_REPLAY", HTTPStatus: svcErr.HTTPStatus}, svcErr
		}
	}

	// 5. Enqueue for async inference.
	qCtx, cancel := context.WithTimeout(ctx, QueuePublishTimeout)
	_, err := p.queue.Enqueue(qCtx, queue.Request{
		RequestID:      requestID,
		TraceID:        req.TraceID,
		SubjectID:      req.SubjectID,
		Tier:           req.Tier,
		InputText:      req.InputText,
		SubmittedTs:    time.Now().UnixNano(),
		PreCheckResult: preResult,
	})
	cancel()
	if err != nil {
		return p.failClosed(ctx, req, requestID, "queue publish", err)
	}

	p.recordAudit(ctx, req, requestID, "pre", "allowed", preResult.HighestSeverity, preResult.Matches, audit.StatusOpen)
	return Result{Allowed: true, RequestID: requestID}, nil
}

// failClosed is the single point every infrastructure failure routes
// through: per spec.md's central invariant, any collaborator the
// pipeline cannot reach refuses the request rather than admitting it. A
// cause rooted in the request's own deadline elapsing is a distinct
// refusal (TIMEOUT, stage=timeout) rather than an infrastructure outage
// (spec §5, §7).
func (p *Pipeline) failClosed(ctx context.Context, req Request, requestID, stage string, cause error) (Result, *serviceerrors.ServiceError) {
	if errors.Is(cause, context.DeadlineExceeded) {
		return p.timeoutRefusal(req, requestID, stage)
	}
	if p.logger != nil {
		p.logger.WithError(cause).Error(fmt.Sprintf("pipeline %s unavailable, failing closed", stage))
	}
	if p.metrics != nil {
		p.metrics.RecordError(p.service, "infrastructure_unavailable", stage)
	}
	p.recordAudit(ctx, req, requestID, "pre", "SAFETY_UNAVAILABLE", ruletypes.SeverityCritical, nil, audit.StatusBlocked)
	svcErr := serviceerrors.SafetyUnavailable(requestID)
	svcErr.Err = cause
	return Result{RequestID: requestID, ReasonCode: "SAFETY_UNAVAILABLE", HTTPStatus: svcErr.HTTPStatus}, svcErr
}

// timeoutRefusal handles the request budget elapsing mid-admission (spec
// §5 "exceeded requests return a timeout refusal and an audit record
// with stage=timeout"). ctx itself is already past its deadline at this
// point, so the audit write uses a fresh background context bounded by
// AuditTimeout rather than the expired one.
func (p *Pipeline) timeoutRefusal(req Request, requestID, stage string) (Result, *serviceerrors.ServiceError) {
	if p.logger != nil {
		p.logger.WithFields(map[string]interface{}{
			"request_id": requestID,
			"stage":      stage,
		}).Warn("pipeline request budget exceeded")
	}
	if p.metrics != nil {
		p.metrics.RecordError(p.service, "timeout", stage)
	}
	auditCtx, cancel := context.WithTimeout(context.Background(), AuditTimeout)
	defer cancel()
	reasonCode := string(serviceerrors.ErrCodeRequestTimeout)
	p.recordAudit(auditCtx, req, requestID, string(audit.StageTimeout), reasonCode, ruletypes.SeverityLow, nil, audit.StatusBlocked)
	svcErr := serviceerrors.RequestTimeout(requestID)
	return Result{RequestID: requestID, ReasonCode: reasonCode, HTTPStatus: svcErr.HTTPStatus}, svcErr
}

func (p *Pipeline) recordAudit(ctx context.Context, req Request, requestID, stage, reasonCode string, severity ruletypes.Severity, matches []ruletypes.Match, status audit.Status) {
	if p.audit == nil {
		return
	}
	ruleIDs := make([]string, 0, len(matches))
	for _, m := range matches {
		ruleIDs = append(ruleIDs, m.RuleID)
	}
	auditCtx, cancel := context.WithTimeout(ctx, AuditTimeout)
	defer cancel()
	if _, err := p.audit.Append(auditCtx, audit.Record{
		RequestID:  requestID,
		TraceID:    req.TraceID,
		SubjectID:  req.SubjectID,
		Stage:      audit.Stage(stage),
		Decision:   reasonCode,
		ReasonCode: reasonCode,
		RuleIDs:    ruleIDs,
		Severity:   severity,
		Status:     status,
	}); err != nil && p.logger != nil {
		p.logger.WithError(err).Error("pipeline audit append failed")
	}
}

// reasonCodeForMatches derives the closed refusal reason code (spec
// §6/§7) from the highest-priority blocking match's category.
func reasonCodeForMatches(matches []ruletypes.Match) string {
	if len(matches) == 0 {
		return string(serviceerrors.ErrCodePolicyViolation)
	}
	switch matches[0].Category {
	case ruletypes.CategoryWeapons:
		return string(serviceerrors.ErrCodeHighRiskWeapon)
	case ruletypes.CategoryBio:
		return string(serviceerrors.ErrCodeHighRiskBio)
	case ruletypes.CategoryChem:
		return string(serviceerrors.ErrCodeHighRiskChem)
	case ruletypes.CategoryCyber:
		return string(serviceerrors.ErrCodeHighRiskCyber)
	case ruletypes.CategoryCSAM:
		return string(serviceerrors.ErrCodeCSAM)
	case ruletypes.CategorySelfHarm:
		return string(serviceerrors.ErrCodeSelfHarm)
	case ruletypes.CategoryJailbreak:
		return string(serviceerrors.ErrCodeJailbreak)
	default:
		return string(serviceerrors.ErrCodePolicyViolation)
	}
}
