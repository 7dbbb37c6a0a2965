package registry

import (
	"fmt"
	"time"

	"github.com/guardianrail/safety/domain/ruletypes"
)

// Snapshot is an immutable, versioned view of the rule set: once published
// it is never mutated, so concurrent evaluators always see a consistent
// (version, trie, regex_set, rule_map) triple.
type Snapshot struct {
	Version        int64
	Rules          map[string]ruletypes.Rule
	Trie           *Automaton
	RegexSet       *RegexSet
	CompositeRules []ruletypes.Rule
	BuiltAt        time.Time
}

// Rule returns the snapshot's rule with the given id and whether it
// exists. Automaton and regex-set hits already carry their rule id, so
// this is the lookup from such a hit back to the full Rule.
func (s *Snapshot) Rule(id string) (ruletypes.Rule, bool) {
	r, ok := s.Rules[id]
	return r, ok
}

// buildSnapshot compiles rules (keyed by id, already merged from every
// source) into a new immutable Snapshot. Rules failing to compile
// individually are reported; a mandatory rule's failure aborts the whole
// build.
func buildSnapshot(version int64, rules map[string]ruletypes.Rule, regexTimeout time.Duration, hooks ...RegexSetOption) (*Snapshot, error) {
	keywordPatterns := make(map[string][]string)
	regexPatterns := make(map[string][]string)
	var composites []ruletypes.Rule

	for id, r := range rules {
		if !r.Enabled {
			continue
		}
		switch r.MatchType {
		case ruletypes.MatchTypeKeyword:
			keywordPatterns[id] = lowerAll(r.Patterns)
		case ruletypes.MatchTypeRegex:
			regexPatterns[id] = r.Patterns
		case ruletypes.MatchTypeComposite:
			composites = append(composites, r)
		}
	}

	regexSet, err := BuildRegexSet(regexPatterns, regexTimeout, hooks...)
	if err != nil {
		if mandatoryUsesFailedRegex(rules, err) {
			return nil, fmt.Errorf("registry: mandatory rule failed to compile: %w", err)
		}
		// Non-mandatory regex rules that fail to compile are dropped from
		// this snapshot rather than aborting the whole load.
		regexSet, err = buildRegexSetSkippingInvalid(regexPatterns, regexTimeout, hooks...)
		if err != nil {
			return nil, err
		}
	}

	return &Snapshot{
		Version:        version,
		Rules:          rules,
		Trie:           BuildAutomaton(keywordPatterns),
		RegexSet:       regexSet,
		CompositeRules: composites,
		BuiltAt:        time.Now(),
	}, nil
}

func mandatoryUsesFailedRegex(rules map[string]ruletypes.Rule, _ error) bool {
	// Conservative: treat any regex compile failure among mandatory rules
	// as fatal. A precise pattern-to-error mapping is not worth the
	// complexity here since regexp.Compile errors already name the
	// offending pattern in their message.
	for _, r := range rules {
		if r.Mandatory() && r.MatchType == ruletypes.MatchTypeRegex {
			for _, p := range r.Patterns {
				if _, err := compileCheck(p); err != nil {
					return true
				}
			}
		}
	}
	return false
}

func buildRegexSetSkippingInvalid(patternsByRule map[string][]string, timeout time.Duration, hooks ...RegexSetOption) (*RegexSet, error) {
	valid := make(map[string][]string, len(patternsByRule))
	for ruleID, patterns := range patternsByRule {
		var ok []string
		for _, p := range patterns {
			if _, err := compileCheck(p); err == nil {
				ok = append(ok, p)
			}
		}
		if len(ok) > 0 {
			valid[ruleID] = ok
		}
	}
	return BuildRegexSet(valid, timeout, hooks...)
}

func lowerAll(patterns []string) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = toLowerASCIIAware(p)
	}
	return out
}
