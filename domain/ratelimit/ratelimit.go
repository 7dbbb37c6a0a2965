// Package ratelimit implements the adaptive, risk-aware token bucket that
// gates admission per spec §4.4: capacity and refill rate are derived from
// the subject's tier and current risk score, and the bucket itself is
// stored centrally so every safetygate replica shares state.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guardianrail/safety/domain/risk"
	"github.com/guardianrail/safety/infrastructure/auth"
	"github.com/guardianrail/safety/infrastructure/store"
)

// TierBaseline is the capacity/refill-rate pair a tier is granted before
// any risk-based derating is applied. Generalized from the teacher's
// infrastructure/ratelimit.RateLimitConfig shape (RequestsPerSecond/Burst)
// into a per-tier table.
type TierBaseline struct {
	Capacity   int64
	RefillRate float64 // tokens per second
}

// DefaultBaselines returns the stock tier table: free < standard <
// verified < privileged, with capacities 20, 100, 250 and 500.
func DefaultBaselines() map[auth.Tier]TierBaseline {
	return map[auth.Tier]TierBaseline{
		auth.TierFree:       {Capacity: 20, RefillRate: 0.5},
		auth.TierStandard:   {Capacity: 100, RefillRate: 2},
		auth.TierVerified:   {Capacity: 250, RefillRate: 5},
		auth.TierPrivileged: {Capacity: 500, RefillRate: 10},
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed      bool
	Remaining    int64
	RetryAfterMs int64
	RiskScore    float64
}

// bucketState is the persisted token bucket shape.
type bucketState struct {
	Tokens       float64 `json:"tokens"`
	LastRefillTs int64   `json:"last_refill_ts"` // unix nanos
}

// Limiter admits or rejects requests using a risk-derated token bucket per
// subject.
type Limiter struct {
	kv        store.KV
	risk      *risk.Manager
	baselines map[auth.Tier]TierBaseline
}

// New builds a Limiter. baselines defaults to DefaultBaselines() if nil.
func New(kv store.KV, riskMgr *risk.Manager, baselines map[auth.Tier]TierBaseline) *Limiter {
	if baselines == nil {
		baselines = DefaultBaselines()
	}
	return &Limiter{kv: kv, risk: riskMgr, baselines: baselines}
}

func bucketKey(subjectID string) string {
	return "ratelimit:" + subjectID
}

// derate applies the risk-based capacity/refill reduction from spec §4.4:
// 0.3 <= risk < 0.7 halves both; risk >= 0.7 reduces both to 10%.
func derate(b TierBaseline, riskScore float64) TierBaseline {
	switch {
	case riskScore >= 0.7:
		return TierBaseline{Capacity: maxInt64(1, b.Capacity/10), RefillRate: b.RefillRate * 0.1}
	case riskScore >= 0.3:
		return TierBaseline{Capacity: maxInt64(1, b.Capacity/2), RefillRate: b.RefillRate * 0.5}
	default:
		return b
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Admit evaluates one admission request for subjectID at tier, consuming
// one token on success. It fails closed: if the backing store is
// unreachable, Admit returns a denied Decision and a non-nil error rather
// than ever falling through to unlimited admission (spec §4.4, §9
// "infrastructure fail-closed").
func (l *Limiter) Admit(ctx context.Context, subjectID string, tier auth.Tier) (Decision, error) {
	score, err := l.risk.Get(ctx, subjectID)
	if err != nil {
		return Decision{Allowed: false}, fmt.Errorf("ratelimit: risk lookup for %s: %w", subjectID, err)
	}

	baseline, ok := l.baselines[tier]
	if !ok {
		baseline = l.baselines[auth.TierFree]
	}
	effective := derate(baseline, score.Value)

	key := bucketKey(subjectID)

	for attempt := 0; attempt < 8; attempt++ {
		raw, getErr := l.kv.Get(ctx, key)
		var state bucketState
		var oldRaw []byte
		now := time.Now()

		switch {
		case getErr == nil:
			oldRaw = raw
			if err := json.Unmarshal(raw, &state); err != nil {
				return Decision{Allowed: false}, fmt.Errorf("ratelimit: decode bucket %s: %w", subjectID, err)
			}
		case getErr == store.ErrNotFound:
			state = bucketState{Tokens: float64(effective.Capacity), LastRefillTs: now.UnixNano()}
			oldRaw = nil
		default:
			return Decision{Allowed: false}, fmt.Errorf("ratelimit: bucket lookup for %s: %w", subjectID, getErr)
		}

		elapsed := now.Sub(time.Unix(0, state.LastRefillTs)).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		tokens := state.Tokens + elapsed*effective.RefillRate
		capacity := float64(effective.Capacity)
		if tokens > capacity {
			tokens = capacity
		}

		allowed := tokens >= 1.0
		var retryAfterMs int64
		if allowed {
			tokens -= 1.0
		} else if effective.RefillRate > 0 {
			deficit := 1.0 - tokens
			retryAfterMs = int64((deficit / effective.RefillRate) * 1000)
		}

		next := bucketState{Tokens: tokens, LastRefillTs: now.UnixNano()}
		newRaw, err := json.Marshal(next)
		if err != nil {
			return Decision{Allowed: false}, fmt.Errorf("ratelimit: encode bucket %s: %w", subjectID, err)
		}

		swapped, err := l.kv.CompareAndSwap(ctx, key, oldRaw, newRaw, 0)
		if err != nil {
			return Decision{Allowed: false}, fmt.Errorf("ratelimit: cas bucket %s: %w", subjectID, err)
		}
		if !swapped {
			continue // lost the race, retry with fresh state
		}

		return Decision{
			Allowed:      allowed,
			Remaining:    int64(tokens),
			RetryAfterMs: retryAfterMs,
			RiskScore:    score.Value,
		}, nil
	}
	return Decision{Allowed: false}, fmt.Errorf("ratelimit: admit %s: exhausted retries under contention", subjectID)
}
