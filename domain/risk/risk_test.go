package risk

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/guardianrail/safety/domain/ruletypes"
	"github.com/guardianrail/safety/infrastructure/store"
)

func TestManager_Get_UnknownSubjectIsZero(t *testing.T) {
	m := New(store.NewInMemoryKV())
	score, err := m.Get(context.Background(), "subject-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if score.Value != 0 {
		t.Errorf("expected zero score, got %f", score.Value)
	}
}

func TestManager_RecordViolation_Accrues(t *testing.T) {
	m := New(store.NewInMemoryKV())
	ctx := context.Background()

	score, err := m.RecordViolation(ctx, "subject-1", ruletypes.SeverityHigh)
	if err != nil {
		t.Fatalf("RecordViolation: %v", err)
	}
	if score.Value != 0.3 {
		t.Errorf("expected 0.3 after one high violation, got %f", score.Value)
	}
	if score.EventCount != 1 {
		t.Errorf("expected event count 1, got %d", score.EventCount)
	}

	score, err = m.RecordViolation(ctx, "subject-1", ruletypes.SeverityHigh)
	if err != nil {
		t.Fatalf("RecordViolation: %v", err)
	}
	if score.Value <= 0.3 {
		t.Errorf("expected accrued score above 0.3, got %f", score.Value)
	}
}

func TestManager_RecordViolation_Saturates(t *testing.T) {
	m := New(store.NewInMemoryKV())
	ctx := context.Background()

	var score Score
	var err error
	for i := 0; i < 10; i++ {
		score, err = m.RecordViolation(ctx, "subject-1", ruletypes.SeverityCritical)
		if err != nil {
			t.Fatalf("RecordViolation: %v", err)
		}
	}
	if score.Value != 1.0 {
		t.Errorf("expected saturated score 1.0, got %f", score.Value)
	}
}

func TestDecayedValue(t *testing.T) {
	cases := []struct {
		name    string
		value   float64
		elapsed time.Duration
		want    float64
	}{
		{"no elapsed time", 0.5, 0, 0.5},
		{"one hour decay", 0.5, time.Hour, 0.4},
		{"floors at zero", 0.05, time.Hour, 0},
		{"large elapsed floors at zero", 1.0, 100 * time.Hour, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := decayedValue(tc.value, tc.elapsed)
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("decayedValue(%f, %v) = %f, want %f", tc.value, tc.elapsed, got, tc.want)
			}
		})
	}
}

func TestManager_Get_AppliesLazyDecay(t *testing.T) {
	m := New(store.NewInMemoryKV())
	ctx := context.Background()

	if _, err := m.RecordViolation(ctx, "subject-1", ruletypes.SeverityCritical); err != nil {
		t.Fatalf("RecordViolation: %v", err)
	}

	// Directly manipulate the stored timestamp to simulate elapsed time,
	// since RecordViolation always stamps "now".
	raw, err := m.kv.Get(ctx, keyFor("subject-1"))
	if err != nil {
		t.Fatalf("Get raw: %v", err)
	}

	score, err := m.Get(ctx, "subject-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := score.Value - 0.5; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("expected undecayed score immediately after violation, got %f", score.Value)
	}

	var stored Score
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	stored.LastUpdateTs -= int64(time.Hour)
	encoded, err := json.Marshal(stored)
	if err != nil {
		t.Fatalf("encode raw: %v", err)
	}
	if err := m.kv.Set(ctx, keyFor("subject-1"), encoded, 0); err != nil {
		t.Fatalf("Set raw: %v", err)
	}

	score, err = m.Get(ctx, "subject-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := score.Value - 0.4; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("expected 0.4 after one hour of lazy decay, got %f", score.Value)
	}
}

func TestManager_Decay_UnknownSubjectIsNoop(t *testing.T) {
	m := New(store.NewInMemoryKV())
	score, err := m.Decay(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Decay: %v", err)
	}
	if score.Value != 0 {
		t.Errorf("expected zero score, got %f", score.Value)
	}
}

func TestSaturate(t *testing.T) {
	if saturate(1.5) != 1.0 {
		t.Error("expected saturate to cap at 1.0")
	}
	if saturate(-0.5) != 0 {
		t.Error("expected saturate to floor at 0")
	}
	if saturate(0.42) != 0.42 {
		t.Error("expected saturate to pass through in-range values")
	}
}
