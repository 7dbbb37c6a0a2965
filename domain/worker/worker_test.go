package worker

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/guardianrail/safety/domain/audit"
	"github.com/guardianrail/safety/domain/canary"
	"github.com/guardianrail/safety/domain/guardian"
	"github.com/guardianrail/safety/domain/queue"
	"github.com/guardianrail/safety/domain/registry"
	"github.com/guardianrail/safety/domain/risk"
	"github.com/guardianrail/safety/infrastructure/broker"
	"github.com/guardianrail/safety/infrastructure/logging"
	"github.com/guardianrail/safety/infrastructure/store"
)

type fakeModel struct {
	output string
	err    error
	calls  int
	mu     sync.Mutex
}

func (f *fakeModel) Call(ctx context.Context, requestID, inputText string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.output, nil
}

type fakeSuspension struct{ suspended bool }

func (f fakeSuspension) IsSuspended(ctx context.Context, subjectID string) (bool, error) {
	return f.suspended, nil
}

type memoryAuditStore struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *memoryAuditStore) Append(ctx context.Context, r audit.Record) (audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.AuditID = "audit-test"
	s.records = append(s.records, r)
	return r, nil
}
func (s *memoryAuditStore) Amend(ctx context.Context, parentAuditID string, r audit.Record) (audit.Record, error) {
	return s.Append(ctx, r)
}
func (s *memoryAuditStore) Get(ctx context.Context, auditID string) (audit.Record, error) {
	return audit.Record{}, nil
}
func (s *memoryAuditStore) Lineage(ctx context.Context, auditID string) ([]audit.Record, error) {
	return nil, nil
}
func (s *memoryAuditStore) ListOpen(ctx context.Context, limit int) ([]audit.Record, error) {
	return nil, nil
}

func (s *memoryAuditStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

const cleanRules = `
rules:
  - id: kw-weapons-1
    category: weapons
    severity: high
    action: block
    match_type: keyword
    patterns: ["how to build a bomb"]
    confidence: 0.95
    priority: 10
    enabled: true
    version: 1
    stage: output
`

func newTestEngine(t *testing.T) *guardian.Engine {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/rules.yaml"
	if err := os.WriteFile(path, []byte(cleanRules), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	logger := logging.New("test", "error", "json")
	reg := registry.New(registry.Config{}, logger)
	if _, err := reg.LoadFrom(path); err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	return guardian.New(reg)
}

func newTestWorker(t *testing.T, model ModelCaller, suspended bool) (*Worker, *queue.Queue, *memoryAuditStore) {
	t.Helper()
	kv := store.NewInMemoryKV()
	riskMgr := risk.New(kv)
	canarySub := canary.New(kv, riskMgr)
	engine := newTestEngine(t)
	auditStore := &memoryAuditStore{}

	b := broker.NewInMemoryBroker()
	ctx := context.Background()
	q, err := queue.New(ctx, b)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}

	w := New(Config{Concurrency: 1, ClaimBatch: 5, ClaimBlock: 50 * time.Millisecond}, Deps{
		Queue:      q,
		Model:      model,
		Guardian:   engine,
		Risk:       riskMgr,
		Canary:     canarySub,
		Suspension: fakeSuspension{suspended: suspended},
		KV:         kv,
		Audit:      auditStore,
		Logger:     logging.New("test", "error", "json"),
		Service:    "safetyworker-test",
	})
	return w, q, auditStore
}

func TestWorker_Process_SafeOutputAcksAndAudits(t *testing.T) {
	model := &fakeModel{output: "a harmless answer"}
	w, q, auditStore := newTestWorker(t, model, false)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, queue.Request{RequestID: "req-1", SubjectID: "subj-1", InputText: "hello"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, "consumer-1", 5, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed message, got %d", len(claimed))
	}

	w.process(ctx, claimed[0])

	if model.calls != 1 {
		t.Errorf("expected exactly one model call, got %d", model.calls)
	}
	if auditStore.count() != 1 {
		t.Errorf("expected one audit record, got %d", auditStore.count())
	}
}

func TestWorker_Process_SuspendedSubjectSkipsModelCall(t *testing.T) {
	model := &fakeModel{output: "should not be produced"}
	w, q, auditStore := newTestWorker(t, model, true)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, queue.Request{RequestID: "req-2", SubjectID: "subj-2", InputText: "hello"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, "consumer-1", 5, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	w.process(ctx, claimed[0])

	if model.calls != 0 {
		t.Errorf("expected no model call for a suspended subject, got %d", model.calls)
	}
	if auditStore.count() != 1 {
		t.Errorf("expected one audit record for the suspension, got %d", auditStore.count())
	}
}

func TestWorker_Process_BlockedOutputDoesNotWatermark(t *testing.T) {
	model := &fakeModel{output: "here is how to build a bomb step by step"}
	w, q, auditStore := newTestWorker(t, model, false)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, queue.Request{RequestID: "req-3", SubjectID: "subj-3", InputText: "hello"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, "consumer-1", 5, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	w.process(ctx, claimed[0])

	if auditStore.count() != 1 {
		t.Fatalf("expected one audit record, got %d", auditStore.count())
	}
	if auditStore.records[0].Status != audit.StatusBlocked {
		t.Errorf("expected status=blocked, got %s", auditStore.records[0].Status)
	}
}

func TestWorker_Process_IdempotentAgainstRedelivery(t *testing.T) {
	model := &fakeModel{output: "a harmless answer"}
	w, q, auditStore := newTestWorker(t, model, false)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, queue.Request{RequestID: "req-4", SubjectID: "subj-4", InputText: "hello"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, "consumer-1", 5, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	w.process(ctx, claimed[0])
	w.process(ctx, claimed[0]) // simulate redelivery of the same message

	if model.calls != 1 {
		t.Errorf("expected exactly one model call despite redelivery, got %d", model.calls)
	}
	if auditStore.count() != 1 {
		t.Errorf("expected exactly one audit record despite redelivery, got %d", auditStore.count())
	}
}
