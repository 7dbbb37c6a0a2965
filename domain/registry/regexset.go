package registry

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"time"
)

// RE2's guaranteed-linear-time matching (no backtracking, no catastrophic
// blowup) is exactly what an adversarial-input rule engine needs; the
// standard library's regexp package already wraps RE2, so no third-party
// regex engine is pulled in here (see SPEC_FULL.md §4.1).

// regexRule is one compiled regex pattern bound to its owning rule.
type regexRule struct {
	ruleID      string
	pattern     *regexp.Regexp
	timeouts    int32 // consecutive timeout count, atomic
	autoDisable int32 // 1 once auto-disabled, atomic
}

// RegexMatch is one regex hit.
type RegexMatch struct {
	RuleID string
	Start  int
	End    int
}

// RegexSet evaluates a collection of independently-compiled regex rules
// against a text, honoring a per-pattern timeout and auto-disabling a
// pattern after three consecutive timeouts.
type RegexSet struct {
	rules          []*regexRule
	perPatternCap  time.Duration
	onTimeout      func(ruleID string)
	onAutoDisabled func(ruleID string)
}

// RegexSetOption configures a RegexSet at construction.
type RegexSetOption func(*RegexSet)

// WithTimeoutHook registers a callback invoked every time a pattern times
// out, for the degradation metric.
func WithTimeoutHook(fn func(ruleID string)) RegexSetOption {
	return func(rs *RegexSet) { rs.onTimeout = fn }
}

// WithAutoDisableHook registers a callback invoked when a pattern is
// auto-disabled after three consecutive timeouts, for the fatal alert.
func WithAutoDisableHook(fn func(ruleID string)) RegexSetOption {
	return func(rs *RegexSet) { rs.onAutoDisabled = fn }
}

// BuildRegexSet compiles patternsByRule (ruleID -> regex source list) into
// a RegexSet bounded by perPatternCap per evaluation (default 5ms).
func BuildRegexSet(patternsByRule map[string][]string, perPatternCap time.Duration, opts ...RegexSetOption) (*RegexSet, error) {
	if perPatternCap <= 0 {
		perPatternCap = 5 * time.Millisecond
	}
	rs := &RegexSet{perPatternCap: perPatternCap}
	for _, opt := range opts {
		opt(rs)
	}
	for ruleID, patterns := range patternsByRule {
		for _, p := range patterns {
			compiled, err := regexp.Compile(p)
			if err != nil {
				return nil, err
			}
			rs.rules = append(rs.rules, &regexRule{ruleID: ruleID, pattern: compiled})
		}
	}
	return rs, nil
}

// Scan evaluates every non-auto-disabled pattern against text (original
// case preserved), bounded by perPatternCap each. A timed-out pattern
// contributes no match.
func (rs *RegexSet) Scan(ctx context.Context, text string) []RegexMatch {
	if rs == nil {
		return nil
	}
	var (
		mu      sync.Mutex
		matches []RegexMatch
		wg      sync.WaitGroup
	)
	for _, r := range rs.rules {
		if atomic.LoadInt32(&r.autoDisable) == 1 {
			continue
		}
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			loc, timedOut := rs.matchWithTimeout(ctx, r, text)
			if timedOut {
				n := atomic.AddInt32(&r.timeouts, 1)
				if rs.onTimeout != nil {
					rs.onTimeout(r.ruleID)
				}
				if n >= 3 && atomic.CompareAndSwapInt32(&r.autoDisable, 0, 1) {
					if rs.onAutoDisabled != nil {
						rs.onAutoDisabled(r.ruleID)
					}
				}
				return
			}
			atomic.StoreInt32(&r.timeouts, 0)
			if loc == nil {
				return
			}
			mu.Lock()
			matches = append(matches, RegexMatch{RuleID: r.ruleID, Start: loc[0], End: loc[1]})
			mu.Unlock()
		}()
	}
	wg.Wait()
	return matches
}

// matchWithTimeout runs r's pattern against text in its own goroutine,
// racing the per-pattern timeout. A timed-out match leaks a goroutine that
// will still complete eventually (Go's regexp has no cancellation hook);
// this is bounded since three consecutive timeouts auto-disable the
// pattern for future scans.
func (rs *RegexSet) matchWithTimeout(ctx context.Context, r *regexRule, text string) (loc []int, timedOut bool) {
	done := make(chan []int, 1)
	go func() {
		done <- r.pattern.FindStringIndex(text)
	}()

	timer := time.NewTimer(rs.perPatternCap)
	defer timer.Stop()

	select {
	case loc := <-done:
		return loc, false
	case <-timer.C:
		return nil, true
	case <-ctx.Done():
		return nil, true
	}
}
