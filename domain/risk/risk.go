// Package risk implements the per-subject risk score: a decaying measure of
// trust erosion accrued from rule violations and consulted by the rate
// limiter and canary subsystem.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guardianrail/safety/domain/ruletypes"
	"github.com/guardianrail/safety/infrastructure/store"
)

// DecayRate is the linear decay applied per hour of elapsed time, floored
// at 0.0 (spec §4.3).
const DecayRate = 0.1

// accrual maps a violation's severity to the amount added to the risk
// score, saturating at 1.0.
var accrual = map[ruletypes.Severity]float64{
	ruletypes.SeverityCritical: 0.5,
	ruletypes.SeverityHigh:     0.3,
	ruletypes.SeverityMedium:   0.15,
	ruletypes.SeverityLow:      0.05,
}

// Score is the persisted shape of a subject's risk score.
type Score struct {
	Value        float64 `json:"value"`
	LastUpdateTs int64   `json:"last_update_ts"` // unix nanos
	EventCount   int     `json:"event_count"`
}

// Manager computes and stores per-subject risk scores.
type Manager struct {
	kv store.KV
}

// New builds a risk Manager backed by kv.
func New(kv store.KV) *Manager {
	return &Manager{kv: kv}
}

func keyFor(subjectID string) string {
	return "risk:" + subjectID
}

// decayedValue is the single place decay math is computed: value decays
// linearly at DecayRate per hour of elapsed wall time, floored at zero.
// Both Get (lazy decay on read) and Decay (explicit sweep) call this, so
// there is exactly one decay formula in the codebase.
func decayedValue(value float64, elapsed time.Duration) float64 {
	decayed := value - DecayRate*elapsed.Hours()
	if decayed < 0 {
		return 0
	}
	return decayed
}

// Get returns subjectID's current risk score with lazy decay applied for
// the time elapsed since LastUpdateTs. A subject never seen before has a
// zero score.
func (m *Manager) Get(ctx context.Context, subjectID string) (Score, error) {
	raw, err := m.kv.Get(ctx, keyFor(subjectID))
	if err != nil {
		if err == store.ErrNotFound {
			return Score{}, nil
		}
		return Score{}, fmt.Errorf("risk: get %s: %w", subjectID, err)
	}
	var s Score
	if err := json.Unmarshal(raw, &s); err != nil {
		return Score{}, fmt.Errorf("risk: decode %s: %w", subjectID, err)
	}
	elapsed := time.Since(time.Unix(0, s.LastUpdateTs))
	s.Value = decayedValue(s.Value, elapsed)
	return s, nil
}

// RecordViolation accrues severity's weight onto subjectID's risk score
// (after applying decay for elapsed time), saturating at 1.0, and persists
// the result via an atomic compare-and-swap loop so concurrent violations
// from different workers never lose an update.
func (m *Manager) RecordViolation(ctx context.Context, subjectID string, severity ruletypes.Severity) (Score, error) {
	key := keyFor(subjectID)
	weight := accrual[severity]

	for attempt := 0; attempt < 8; attempt++ {
		raw, err := m.kv.Get(ctx, key)
		var current Score
		var oldRaw []byte
		switch {
		case err == nil:
			oldRaw = raw
			if jsonErr := json.Unmarshal(raw, &current); jsonErr != nil {
				return Score{}, fmt.Errorf("risk: decode %s: %w", subjectID, jsonErr)
			}
		case err == store.ErrNotFound:
			oldRaw = nil
		default:
			return Score{}, fmt.Errorf("risk: get %s: %w", subjectID, err)
		}

		now := time.Now()
		elapsed := time.Duration(0)
		if current.LastUpdateTs != 0 {
			elapsed = now.Sub(time.Unix(0, current.LastUpdateTs))
		}
		next := Score{
			Value:        saturate(decayedValue(current.Value, elapsed) + weight),
			LastUpdateTs: now.UnixNano(),
			EventCount:   current.EventCount + 1,
		}
		newRaw, err := json.Marshal(next)
		if err != nil {
			return Score{}, fmt.Errorf("risk: encode %s: %w", subjectID, err)
		}

		ok, err := m.kv.CompareAndSwap(ctx, key, oldRaw, newRaw, 0)
		if err != nil {
			return Score{}, fmt.Errorf("risk: cas %s: %w", subjectID, err)
		}
		if ok {
			return next, nil
		}
		// Lost the race to a concurrent writer; retry with fresh state.
	}
	return Score{}, fmt.Errorf("risk: record violation for %s: exhausted retries under contention", subjectID)
}

// Decay forces a persisted re-write of subjectID's score with current-time
// decay applied, without any accrual. Used by a periodic sweep so idle
// subjects' stored values don't go stale indefinitely between violations.
func (m *Manager) Decay(ctx context.Context, subjectID string) (Score, error) {
	key := keyFor(subjectID)

	for attempt := 0; attempt < 8; attempt++ {
		raw, err := m.kv.Get(ctx, key)
		if err == store.ErrNotFound {
			return Score{}, nil
		}
		if err != nil {
			return Score{}, fmt.Errorf("risk: get %s: %w", subjectID, err)
		}
		var current Score
		if err := json.Unmarshal(raw, &current); err != nil {
			return Score{}, fmt.Errorf("risk: decode %s: %w", subjectID, err)
		}

		now := time.Now()
		elapsed := now.Sub(time.Unix(0, current.LastUpdateTs))
		next := Score{
			Value:        decayedValue(current.Value, elapsed),
			LastUpdateTs: now.UnixNano(),
			EventCount:   current.EventCount,
		}
		newRaw, err := json.Marshal(next)
		if err != nil {
			return Score{}, fmt.Errorf("risk: encode %s: %w", subjectID, err)
		}
		ok, err := m.kv.CompareAndSwap(ctx, key, raw, newRaw, 0)
		if err != nil {
			return Score{}, fmt.Errorf("risk: cas %s: %w", subjectID, err)
		}
		if ok {
			return next, nil
		}
	}
	return Score{}, fmt.Errorf("risk: decay %s: exhausted retries under contention", subjectID)
}

func saturate(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0 {
		return 0
	}
	return v
}
