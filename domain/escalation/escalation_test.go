package escalation

import (
	"context"
	"sync"
	"testing"

	"github.com/guardianrail/safety/domain/audit"
	"github.com/guardianrail/safety/domain/registry"
	"github.com/guardianrail/safety/domain/ruletypes"
	"github.com/guardianrail/safety/infrastructure/logging"
	"github.com/guardianrail/safety/infrastructure/store"
)

// memoryAuditStore is a minimal in-process audit.Store fake for tests
// that don't need a real Postgres connection.
type memoryAuditStore struct {
	mu      sync.Mutex
	records map[string]audit.Record
	seq     int
}

func newMemoryAuditStore() *memoryAuditStore {
	return &memoryAuditStore{records: make(map[string]audit.Record)}
}

func (s *memoryAuditStore) Append(ctx context.Context, r audit.Record) (audit.Record, error) {
	return s.insert("", r)
}

func (s *memoryAuditStore) Amend(ctx context.Context, parentAuditID string, r audit.Record) (audit.Record, error) {
	return s.insert(parentAuditID, r)
}

func (s *memoryAuditStore) insert(parentAuditID string, r audit.Record) (audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	r.AuditID = "audit-" + itoa(s.seq)
	r.ParentAuditID = parentAuditID
	s.records[r.AuditID] = r
	return r, nil
}

func (s *memoryAuditStore) Get(ctx context.Context, auditID string) (audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[auditID]
	if !ok {
		return audit.Record{}, errNotFound
	}
	return r, nil
}

func (s *memoryAuditStore) Lineage(ctx context.Context, auditID string) ([]audit.Record, error) {
	return nil, nil
}

func (s *memoryAuditStore) ListOpen(ctx context.Context, limit int) ([]audit.Record, error) {
	return nil, nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var errNotFound = notFoundErr{}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func newTestService(t *testing.T) (*Service, *memoryAuditStore, store.KV) {
	t.Helper()
	kv := store.NewInMemoryKV()
	auditStore := newMemoryAuditStore()
	reg := registry.New(registry.Config{}, logging.New("test", "error", "json"))
	svc := New(Deps{Audit: auditStore, Registry: reg, KV: kv})
	return svc, auditStore, kv
}

func TestService_Escalate_WritesOpenAuditRecord(t *testing.T) {
	svc, auditStore, _ := newTestService(t)
	ctx := context.Background()

	auditID, err := svc.Escalate(ctx, Trigger{
		RequestID: "req-1", SubjectID: "subj-1", Stage: "post",
		Severity: ruletypes.SeverityHigh,
		Matches:  []ruletypes.Match{{RuleID: "kw-weapons-1"}},
	})
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	record, err := auditStore.Get(ctx, auditID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.Stage != audit.StageEscalate || record.Status != audit.StatusOpen {
		t.Errorf("expected stage=escalate status=open, got stage=%s status=%s", record.Stage, record.Status)
	}
}

func TestService_ApplyMisusePolicy_SuspendsAtThreshold(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < SuspendThreshold; i++ {
		if _, err := svc.Escalate(ctx, Trigger{
			RequestID: "req", SubjectID: "subj-misuse", Stage: "post",
			Severity: ruletypes.SeverityMedium,
		}); err != nil {
			t.Fatalf("Escalate #%d: %v", i, err)
		}
	}

	suspended, err := svc.IsSuspended(ctx, "subj-misuse")
	if err != nil {
		t.Fatalf("IsSuspended: %v", err)
	}
	if !suspended {
		t.Error("expected subject to be suspended after reaching SuspendThreshold escalations")
	}
}

func TestService_Escalate_BelowThresholdDoesNotSuspend(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Escalate(ctx, Trigger{RequestID: "req", SubjectID: "subj-clean", Stage: "post", Severity: ruletypes.SeverityLow}); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	suspended, err := svc.IsSuspended(ctx, "subj-clean")
	if err != nil {
		t.Fatalf("IsSuspended: %v", err)
	}
	if suspended {
		t.Error("expected a single low-severity escalation to not trigger suspension")
	}
}

func TestService_Escalate_ImmediateSuspensionOnSaturatedCritical(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	saturated := 1.0

	if _, err := svc.Escalate(ctx, Trigger{
		RequestID: "req-crit", SubjectID: "subj-crit", Stage: "post",
		Severity:  ruletypes.SeverityCritical,
		RiskScore: &saturated,
	}); err != nil {
		t.Fatalf("Escalate: %v", err)
	}

	suspended, err := svc.IsSuspended(ctx, "subj-crit")
	if err != nil {
		t.Fatalf("IsSuspended: %v", err)
	}
	if !suspended {
		t.Error("expected a single saturated-critical escalation to suspend immediately")
	}
}

func TestService_Escalate_CriticalWithoutSaturationFollowsWindowPolicy(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	low := 0.2

	if _, err := svc.Escalate(ctx, Trigger{
		RequestID: "req-crit2", SubjectID: "subj-crit2", Stage: "post",
		Severity:  ruletypes.SeverityCritical,
		RiskScore: &low,
	}); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	suspended, err := svc.IsSuspended(ctx, "subj-crit2")
	if err != nil {
		t.Fatalf("IsSuspended: %v", err)
	}
	if suspended {
		t.Error("expected a single non-saturated critical escalation to not trigger immediate suspension")
	}
}

func TestService_IsSuspended_UnknownSubjectIsFalse(t *testing.T) {
	svc, _, _ := newTestService(t)
	suspended, err := svc.IsSuspended(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("IsSuspended: %v", err)
	}
	if suspended {
		t.Error("expected unknown subject to not be suspended")
	}
}

func TestService_Review_BlockDecisionSuspendsSubject(t *testing.T) {
	svc, auditStore, _ := newTestService(t)
	ctx := context.Background()

	auditID, err := svc.Escalate(ctx, Trigger{RequestID: "req-rev", SubjectID: "subj-rev", Stage: "post", Severity: ruletypes.SeverityHigh})
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}

	reviewID, err := svc.Review(ctx, auditID, "block", "reviewer-1", "confirmed violation")
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	reviewRecord, err := auditStore.Get(ctx, reviewID)
	if err != nil {
		t.Fatalf("Get review record: %v", err)
	}
	if reviewRecord.Stage != audit.StageReview || reviewRecord.Status != audit.StatusBlocked {
		t.Errorf("expected stage=review status=blocked, got stage=%s status=%s", reviewRecord.Stage, reviewRecord.Status)
	}

	suspended, err := svc.IsSuspended(ctx, "subj-rev")
	if err != nil {
		t.Fatalf("IsSuspended: %v", err)
	}
	if !suspended {
		t.Error("expected a block review decision to suspend the subject")
	}
}

func TestService_Review_ApproveDoesNotSuspend(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	auditID, err := svc.Escalate(ctx, Trigger{RequestID: "req-appr", SubjectID: "subj-appr", Stage: "post", Severity: ruletypes.SeverityHigh})
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if _, err := svc.Review(ctx, auditID, "approve", "reviewer-1", ""); err != nil {
		t.Fatalf("Review: %v", err)
	}
	suspended, err := svc.IsSuspended(ctx, "subj-appr")
	if err != nil {
		t.Fatalf("IsSuspended: %v", err)
	}
	if suspended {
		t.Error("expected an approve review decision to not suspend the subject")
	}
}

func TestInjector_Inject_ValidatesAndRecordsAudit(t *testing.T) {
	auditStore := newMemoryAuditStore()
	reg := registry.New(registry.Config{}, logging.New("test", "error", "json"))
	injector := NewInjector(reg, auditStore)

	rule := ruletypes.Rule{
		ID: "kw-injected-1", Category: "test", Severity: ruletypes.SeverityHigh,
		Action: ruletypes.ActionBlock, MatchType: ruletypes.MatchTypeKeyword,
		Patterns: []string{"forbidden phrase"}, Confidence: 0.9, Priority: 1, Enabled: true,
	}
	version, err := injector.Inject(context.Background(), "operator-1", rule)
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if version <= 0 {
		t.Error("expected a positive registry version after injection")
	}

	snap := reg.Current()
	if snap == nil {
		t.Fatal("expected a snapshot after injection")
	}

	open, err := auditStore.ListOpen(context.Background(), 10)
	_ = open
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}

	auditStore.mu.Lock()
	defer auditStore.mu.Unlock()
	found := false
	for _, r := range auditStore.records {
		if r.Stage == audit.StageInject && len(r.RuleIDs) == 1 && r.RuleIDs[0] == "kw-injected-1" {
			found = true
		}
	}
	if !found {
		t.Error("expected an inject-stage audit record naming kw-injected-1")
	}
}

func TestInjector_Inject_RejectsInvalidRule(t *testing.T) {
	auditStore := newMemoryAuditStore()
	reg := registry.New(registry.Config{}, logging.New("test", "error", "json"))
	injector := NewInjector(reg, auditStore)

	_, err := injector.Inject(context.Background(), "operator-1", ruletypes.Rule{ID: ""})
	if err == nil {
		t.Error("expected an invalid rule (no id) to fail validation")
	}
}
