// Package guardian implements the Guardian Engine: the bounded-latency
// evaluator that scans normalized text against the current rule registry
// snapshot and derives a terminal action.
package guardian

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/guardianrail/safety/domain/registry"
	"github.com/guardianrail/safety/domain/ruletypes"
	"github.com/guardianrail/safety/infrastructure/metrics"
)

// Budget is the hard wall-clock ceiling for one evaluation, per spec §4.2.
const Budget = 50 * time.Millisecond

// MaxInputChars bounds the text length submitted to normalization and
// scanning, protecting the regex and trie passes from pathological input.
const MaxInputChars = 20000

// Engine evaluates text against a rule registry's current snapshot.
type Engine struct {
	reg     *registry.Registry
	cache   *resultCache
	metrics *metrics.Metrics
	service string
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithCacheCapacity overrides the default 10,000-entry result cache size.
func WithCacheCapacity(capacity int) Option {
	return func(e *Engine) { e.cache = newResultCache(capacity) }
}

// WithMetrics wires Prometheus instrumentation into the engine.
func WithMetrics(m *metrics.Metrics, service string) Option {
	return func(e *Engine) { e.metrics = m; e.service = service }
}

// New builds an Engine bound to reg. reg.Current() must return a non-nil
// snapshot before the first Evaluate call.
func New(reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{reg: reg, cache: newResultCache(0), service: "guardian"}
	for _, opt := range opts {
		opt(e)
	}
	reg.Subscribe(func(int64) { e.cache.InvalidateAll() })
	return e
}

// Evaluate runs the full 7-step algorithm from spec §4.2: normalize, cache
// lookup, Aho-Corasick keyword scan, regex scan, composite evaluation,
// ordering, and terminal-action derivation. It never blocks past Budget:
// the regex pass is individually time-boxed per pattern, and ctx should
// carry a deadline matching Budget so a caller-side timeout is consistent
// with the engine's own guarantee.
func (e *Engine) Evaluate(ctx context.Context, text string, stage string) ruletypes.EvaluationResult {
	start := time.Now()
	snap := e.reg.Current()
	if snap == nil {
		// Fail closed: no rules loaded means nothing can be verified safe.
		return ruletypes.EvaluationResult{
			TerminalAction: ruletypes.ActionBlock,
			HighestSeverity: ruletypes.SeverityCritical,
			LatencyMs:      sinceMs(start),
		}
	}

	normalized, lowered := registry.NormalizeForMatching(text, MaxInputChars)
	cacheKey := cacheKeyFor(snap.Version, stage, normalized)

	if cached, ok := e.cache.Get(cacheKey); ok {
		cached.CacheHit = true
		cached.LatencyMs = sinceMs(start)
		e.recordEvaluation(stage, string(cached.TerminalAction), start, true)
		return cached
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, Budget)
	defer cancel()

	var matches []ruletypes.Match

	if snap.Trie != nil {
		for _, hit := range snap.Trie.Scan(lowered) {
			rule, ok := snap.Rule(hit.RuleID)
			if !ok || !rule.Enabled || rule.EffectiveStage() != stage {
				continue
			}
			matches = append(matches, matchFromRule(rule, hit.Start, hit.End))
		}
	}

	if snap.RegexSet != nil {
		for _, hit := range snap.RegexSet.Scan(deadlineCtx, normalized) {
			rule, ok := snap.Rule(hit.RuleID)
			if !ok || !rule.Enabled || rule.EffectiveStage() != stage {
				continue
			}
			matches = append(matches, matchFromRule(rule, hit.Start, hit.End))
		}
	}

	matchedIDs := make(map[string]bool, len(matches))
	for _, m := range matches {
		matchedIDs[m.RuleID] = true
	}
	for _, rule := range snap.CompositeRules {
		if !rule.Enabled || rule.EffectiveStage() != stage {
			continue
		}
		if rule.Composite.Eval(matchedIDs) {
			matches = append(matches, matchFromRule(rule, 0, 0))
		}
	}

	orderMatches(matches)

	terminal, highest := ruletypes.DeriveTerminalAction(matches)
	result := ruletypes.EvaluationResult{
		Matches:         matches,
		HighestSeverity: highest,
		TerminalAction:  terminal,
		RegistryVersion: snap.Version,
		CacheKey:        cacheKey,
	}
	result.LatencyMs = sinceMs(start)

	e.cache.Put(cacheKey, result)
	e.recordEvaluation(stage, string(terminal), start, false)
	return result
}

// QuickCheck runs only the keyword (Aho-Corasick) pass, skipping regex and
// composite evaluation, for callers that need a sub-millisecond verdict
// (e.g. the rate limiter's admission heuristics) and can tolerate missing
// regex-only rules.
func (e *Engine) QuickCheck(text string) bool {
	snap := e.reg.Current()
	if snap == nil || snap.Trie == nil {
		return false
	}
	_, lowered := registry.NormalizeForMatching(text, MaxInputChars)
	for _, hit := range snap.Trie.Scan(lowered) {
		if rule, ok := snap.Rule(hit.RuleID); ok && rule.Mandatory() {
			return true
		}
	}
	return false
}

func (e *Engine) recordEvaluation(stage, action string, start time.Time, cacheHit bool) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordGuardianEvaluation(e.service, action, stage, time.Since(start))
	e.metrics.RecordGuardianCacheResult(e.service, cacheHit)
}

// orderMatches sorts by severity (highest first), then priority (lowest
// wins ties), then rule id, so terminal-action derivation and audit
// logging are both deterministic across runs against the same snapshot.
func orderMatches(matches []ruletypes.Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Severity != matches[j].Severity {
			return matches[i].Severity > matches[j].Severity
		}
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority < matches[j].Priority
		}
		return matches[i].RuleID < matches[j].RuleID
	})
}

func matchFromRule(rule ruletypes.Rule, start, end int) ruletypes.Match {
	return ruletypes.Match{
		RuleID:     rule.ID,
		Category:   rule.Category,
		Severity:   rule.Severity,
		Action:     rule.Action,
		Confidence: rule.Confidence,
		Priority:   rule.Priority,
		Span:       ruletypes.Span{Start: start, End: end},
	}
}

func cacheKeyFor(version int64, stage, normalized string) string {
	h := sha256.Sum256([]byte(stage + "\x00" + normalized))
	return stage + ":" + itoa(version) + ":" + hex.EncodeToString(h[:16])
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func sinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
