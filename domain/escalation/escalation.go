// Package escalation implements the escalation handler, the systematic-
// misuse policy, dynamic rule injection, and subject suspension (spec
// §4.7): it wraps the append-only audit ledger, fans notifications out
// through a notify.Router sized to severity, and writes Suspension
// records that the hot path consults on every admission.
package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guardianrail/safety/domain/audit"
	"github.com/guardianrail/safety/domain/registry"
	"github.com/guardianrail/safety/domain/ruletypes"
	"github.com/guardianrail/safety/infrastructure/broker"
	"github.com/guardianrail/safety/infrastructure/notify"
	"github.com/guardianrail/safety/infrastructure/redaction"
	"github.com/guardianrail/safety/infrastructure/store"
)

// EscalationStream is the default broker stream name escalations are
// published to for reviewer-dashboard fan-out (cmd/safetygate's
// /v1/escalations/stream consumes this).
const EscalationStream = "escalations"

// Window is the default lookback window for the systematic-misuse count
// (spec §4.7: "within a configurable window (default 1 h)").
const Window = time.Hour

// TightenThreshold is the escalation count within Window that triggers
// automatic rate-limit tightening for a subject (spec §4.7 first
// threshold, default 3).
const TightenThreshold = 3

// SuspendThreshold is the escalation count within Window that triggers
// a 24h suspension (spec §4.7 second threshold, default 5).
const SuspendThreshold = 5

// SuspensionDuration is how long a SuspendThreshold suspension lasts.
const SuspensionDuration = 24 * time.Hour

// RiskSaturationPoint is the risk score value considered saturated for
// the purposes of ImmediateSuspensionOnSaturatedCritical.
const RiskSaturationPoint = 1.0

// Trigger is what a caller (worker post-check, gateway pre-check)
// reports to Escalate when a Guardian evaluation comes back block or
// escalate.
type Trigger struct {
	RequestID string
	TraceID   string
	SubjectID string
	Stage     string
	Severity  ruletypes.Severity
	Matches   []ruletypes.Match
	// RiskScore, when non-nil, is the subject's current risk score at
	// the time of the trigger, consulted by ImmediateSuspensionOnSaturatedCritical.
	// A nil value (the zero Trigger) means "unknown"; the immediate-
	// suspension check is skipped rather than assumed.
	RiskScore *float64
}

// Suspension records that a subject is barred from admission until
// ExpiresTs (zero meaning indefinite, pending manual review).
type Suspension struct {
	SubjectID string `json:"subject_id"`
	Reason    string `json:"reason"`
	CreatedTs int64  `json:"created_ts"`
	ExpiresTs int64  `json:"expires_ts"` // unix nanos; 0 = indefinite
}

func suspensionKey(subjectID string) string {
	return "suspension:" + subjectID
}

func escalationCountKey(subjectID string) string {
	return "escalation-count:" + subjectID
}

// Service implements the escalation handler contract: escalate, review,
// and the systematic-misuse sweep, plus dynamic rule injection.
type Service struct {
	audit    audit.Store
	registry *registry.Registry
	router   *notify.Router
	kv       store.KV
	stream   broker.Broker
}

// Deps bundles Service's collaborators.
type Deps struct {
	Audit    audit.Store
	Registry *registry.Registry
	Router   *notify.Router
	KV       store.KV
	// Stream, when non-nil, receives one entry per Escalate call on
	// EscalationStream for cmd/safetygate's reviewer dashboard to
	// consume; escalation handling itself never reads it back.
	Stream broker.Broker
}

// New builds an escalation Service.
func New(deps Deps) *Service {
	return &Service{audit: deps.Audit, registry: deps.Registry, router: deps.Router, kv: deps.KV, stream: deps.Stream}
}

// Escalate implements the escalate(audit_record, notification_channels)
// handler contract (spec §4.7): writes an AuditRecord(stage=escalate,
// status=open), notifies reviewers sized to severity, counts this
// escalation against the subject's systematic-misuse window, and applies
// ImmediateSuspensionOnSaturatedCritical before returning.
func (s *Service) Escalate(ctx context.Context, t Trigger) (string, error) {
	ruleIDs := make([]string, 0, len(t.Matches))
	for _, m := range t.Matches {
		ruleIDs = append(ruleIDs, m.RuleID)
	}

	record := audit.Record{
		RequestID:  t.RequestID,
		TraceID:    t.TraceID,
		SubjectID:  t.SubjectID,
		Stage:      audit.StageEscalate,
		Decision:   "escalated",
		ReasonCode: "guardian_" + t.Stage + "_match",
		RuleIDs:    ruleIDs,
		Severity:   t.Severity,
		Status:     audit.StatusOpen,
	}
	saved, err := s.audit.Append(ctx, record)
	if err != nil {
		return "", fmt.Errorf("escalation: append audit record: %w", err)
	}

	if s.stream != nil {
		if _, err := s.stream.Publish(ctx, EscalationStream, map[string]string{
			"audit_id":    saved.AuditID,
			"subject_id":  t.SubjectID,
			"severity":    t.Severity.String(),
			"reason_code": record.ReasonCode,
		}); err != nil {
			// Best-effort: the escalation is already durably recorded in
			// the audit ledger; a lost stream publish only delays a
			// dashboard refresh, never correctness.
			_ = err
		}
	}

	if s.router != nil {
		s.router.Notify(ctx, notify.Message{
			AuditID:   saved.AuditID,
			RequestID: t.RequestID,
			SubjectID: t.SubjectID,
			Severity:  t.Severity.String(),
			Title:     "safety escalation",
			Body:      fmt.Sprintf("rules=%v stage=%s", ruleIDs, t.Stage),
			Timestamp: time.Now(),
		})
	}

	// ImmediateSuspensionOnSaturatedCritical: strictly more conservative
	// than the windowed policy below, so applying it first never
	// contradicts the documented thresholds.
	if t.Severity == ruletypes.SeverityCritical && t.RiskScore != nil && *t.RiskScore >= RiskSaturationPoint {
		if err := s.suspend(ctx, t.SubjectID, "immediate_suspension_saturated_critical", SuspensionDuration); err != nil {
			return saved.AuditID, fmt.Errorf("escalation: immediate suspension: %w", err)
		}
		return saved.AuditID, nil
	}

	if err := s.applyMisusePolicy(ctx, t.SubjectID); err != nil {
		return saved.AuditID, fmt.Errorf("escalation: misuse policy: %w", err)
	}
	return saved.AuditID, nil
}

// applyMisusePolicy implements the systematic-misuse policy (spec §4.7):
// within Window, if a subject accrues escalations >= TightenThreshold,
// its dynamic rules are tightened (delegated to the caller via a
// tighter rate-limit tier; this package owns only the counting and
// suspension); at SuspendThreshold, a 24h Suspension is written.
func (s *Service) applyMisusePolicy(ctx context.Context, subjectID string) error {
	count, err := s.kv.IncrBy(ctx, escalationCountKey(subjectID), 1, Window)
	if err != nil {
		return fmt.Errorf("incr escalation count: %w", err)
	}
	if count >= SuspendThreshold {
		return s.suspend(ctx, subjectID, "systematic_misuse_suspend_threshold", SuspensionDuration)
	}
	if count >= TightenThreshold {
		// Tightening is enforced by the rate limiter reading the risk
		// score the worker/gateway already accrued on the triggering
		// violation; no separate state to write here beyond the count
		// itself, which the rate limiter's derate() already consults
		// indirectly through risk score escalation.
		return nil
	}
	return nil
}

func (s *Service) suspend(ctx context.Context, subjectID, reason string, duration time.Duration) error {
	now := time.Now()
	susp := Suspension{
		SubjectID: subjectID,
		Reason:    reason,
		CreatedTs: now.UnixNano(),
		ExpiresTs: now.Add(duration).UnixNano(),
	}
	encoded, err := json.Marshal(susp)
	if err != nil {
		return fmt.Errorf("encode suspension: %w", err)
	}
	if err := s.kv.Set(ctx, suspensionKey(subjectID), encoded, duration); err != nil {
		return fmt.Errorf("store suspension: %w", err)
	}
	return nil
}

// IsSuspended reports whether subjectID currently has an active
// suspension, satisfying worker.SuspensionChecker so the same Service
// instance can be wired directly as the worker's suspension
// collaborator.
func (s *Service) IsSuspended(ctx context.Context, subjectID string) (bool, error) {
	raw, err := s.kv.Get(ctx, suspensionKey(subjectID))
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("escalation: lookup suspension %s: %w", subjectID, err)
	}
	var susp Suspension
	if err := json.Unmarshal(raw, &susp); err != nil {
		return false, fmt.Errorf("escalation: decode suspension %s: %w", subjectID, err)
	}
	if susp.ExpiresTs != 0 && time.Now().UnixNano() > susp.ExpiresTs {
		return false, nil
	}
	return true, nil
}

// Review implements the review(audit_id, decision, reviewer_id, notes?)
// handler contract (spec §4.7): appends a stage=review record linked to
// the original audit lineage, with status blocked for a "block" decision
// and approved otherwise. A block decision also suspends the record's
// subject for SuspensionDuration. Review does not release any held output
// and does not add anything to the rule registry; an approve decision
// only writes the review record.
func (s *Service) Review(ctx context.Context, auditID, decision, reviewerID, notes string) (string, error) {
	original, err := s.audit.Get(ctx, auditID)
	if err != nil {
		return "", fmt.Errorf("escalation: get audit %s: %w", auditID, err)
	}

	status := audit.StatusApproved
	if decision == "block" {
		status = audit.StatusBlocked
	}

	review := audit.Record{
		RequestID:  original.RequestID,
		TraceID:    original.TraceID,
		SubjectID:  original.SubjectID,
		Stage:      audit.StageReview,
		Decision:   decision,
		ReasonCode: "reviewer_decision",
		RuleIDs:    original.RuleIDs,
		Severity:   original.Severity,
		Status:     status,
		ReviewerID: reviewerID,
		// Reviewer notes are free text pasted by a human; scrub anything
		// that looks like a credential before it lands in the ledger.
		Notes: redaction.RedactAll(notes),
	}
	saved, err := s.audit.Amend(ctx, auditID, review)
	if err != nil {
		return "", fmt.Errorf("escalation: amend audit %s: %w", auditID, err)
	}

	if decision == "block" {
		if err := s.suspend(ctx, original.SubjectID, "reviewer_block_"+auditID, SuspensionDuration); err != nil {
			return saved.AuditID, fmt.Errorf("escalation: suspend after block review: %w", err)
		}
	}
	return saved.AuditID, nil
}

// Injector validates and applies a dynamic rule injection request
// against the live Registry, recording the injection in the audit
// ledger (spec §4.7 "dynamic rule-injection channel").
type Injector struct {
	registry *registry.Registry
	audit    audit.Store
}

// NewInjector builds an Injector over reg and auditStore.
func NewInjector(reg *registry.Registry, auditStore audit.Store) *Injector {
	return &Injector{registry: reg, audit: auditStore}
}

// Inject validates rule (via Registry.Inject's own compile/validate
// path) and, on success, records an audit trail entry for the
// injection under the acting operator's subject id.
func (i *Injector) Inject(ctx context.Context, operatorID string, rule ruletypes.Rule) (version int64, err error) {
	version, err = i.registry.Inject(rule)
	if err != nil {
		return 0, fmt.Errorf("escalation: inject rule %s: %w", rule.ID, err)
	}
	if i.audit != nil {
		_, auditErr := i.audit.Append(ctx, audit.Record{
			RequestID:  "rule-injection",
			SubjectID:  operatorID,
			Stage:      audit.StageInject,
			Decision:   "rule_injected",
			ReasonCode: rule.ID,
			RuleIDs:    []string{rule.ID},
			Severity:   rule.Severity,
			Status:     audit.StatusResolved,
			Notes:      fmt.Sprintf("registry_version=%d", version),
		})
		if auditErr != nil {
			return version, fmt.Errorf("escalation: audit rule injection: %w", auditErr)
		}
	}
	return version, nil
}
