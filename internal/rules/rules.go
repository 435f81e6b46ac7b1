// Package rules implements operator-authored override routing. Rules are
// loaded from a YAML file, validated individually, and evaluated in strict
// priority order; the first match is authoritative at confidence 1.0.
package rules

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"triage/internal/logging"
	"triage/internal/types"
)

// Kind discriminates the rule tagged union.
type Kind string

const (
	KindRegex   Kind = "regex"
	KindKeyword Kind = "keyword"
)

// ruleSpec is the raw YAML form of one override rule.
type ruleSpec struct {
	Name        string      `yaml:"name"`
	Kind        string      `yaml:"kind"`
	Patterns    []string    `yaml:"patterns"`
	Keywords    []string    `yaml:"keywords"`
	RequireAll  bool        `yaml:"require_all"`
	Priority    int         `yaml:"priority"`
	Route       types.Route `yaml:"route"`
	Reason      string      `yaml:"reason"`
	Category    string      `yaml:"category"`
	Description string      `yaml:"description"`
}

type rulesFile struct {
	Overrides []ruleSpec `yaml:"overrides"`
}

// Rule is a validated override rule. Regex rules hold compiled
// case-insensitive patterns; keyword rules hold lowercased keywords.
type Rule struct {
	Name        string
	Kind        Kind
	Priority    int
	Route       types.Route
	Reason      string
	Category    string
	Description string

	patterns   []*regexp.Regexp
	keywords   []string
	RequireAll bool
}

// matches reports whether the query satisfies this rule. Regex rules use OR
// semantics across patterns; keyword rules use AND when RequireAll is set.
func (r *Rule) matches(query string) bool {
	switch r.Kind {
	case KindRegex:
		for _, p := range r.patterns {
			if p.MatchString(query) {
				return true
			}
		}
		return false
	case KindKeyword:
		q := strings.ToLower(query)
		if r.RequireAll {
			for _, kw := range r.keywords {
				if !strings.Contains(q, kw) {
					return false
				}
			}
			return true
		}
		for _, kw := range r.keywords {
			if strings.Contains(q, kw) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Match is the outcome of an override hit.
type Match struct {
	Rule *Rule
}

// Set is an immutable, priority-ordered collection of rules. A Set is never
// mutated after construction; reloads build a new Set and swap the pointer.
type Set struct {
	rules   []*Rule
	skipped int
}

// Len returns the number of loaded rules.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// compile validates one spec into a Rule. Malformed specs yield an error and
// are skipped by the loader, never failing the whole load.
func compile(spec ruleSpec) (*Rule, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("rule missing name")
	}

	rule := &Rule{
		Name:        spec.Name,
		Kind:        Kind(strings.ToLower(spec.Kind)),
		Priority:    spec.Priority,
		Route:       spec.Route,
		Reason:      spec.Reason,
		Category:    spec.Category,
		Description: spec.Description,
		RequireAll:  spec.RequireAll,
	}
	if rule.Reason == "" {
		rule.Reason = "override:" + rule.Name
	}
	if rule.Category == "" {
		rule.Category = types.CategoryUnknown
	}

	switch rule.Kind {
	case KindRegex:
		if len(spec.Patterns) == 0 {
			return nil, fmt.Errorf("rule %q: regex kind requires patterns", spec.Name)
		}
		for _, raw := range spec.Patterns {
			p, err := regexp.Compile("(?i)" + raw)
			if err != nil {
				return nil, fmt.Errorf("rule %q: invalid pattern %q: %w", spec.Name, raw, err)
			}
			rule.patterns = append(rule.patterns, p)
		}
	case KindKeyword:
		if len(spec.Keywords) == 0 {
			return nil, fmt.Errorf("rule %q: keyword kind requires keywords", spec.Name)
		}
		for _, kw := range spec.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			rule.keywords = append(rule.keywords, kw)
		}
		if len(rule.keywords) == 0 {
			return nil, fmt.Errorf("rule %q: keywords are all empty", spec.Name)
		}
	default:
		return nil, fmt.Errorf("rule %q: unknown kind %q", spec.Name, spec.Kind)
	}

	return rule, nil
}

// loadSet parses and validates a ruleset file.
func loadSet(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse ruleset: %w", err)
	}

	set := &Set{}
	for _, spec := range file.Overrides {
		rule, err := compile(spec)
		if err != nil {
			// Skip only this rule; the rest of the set still loads.
			logging.Get(logging.CategoryRules).Warn("Skipping rule: %v", err)
			set.skipped++
			continue
		}
		set.rules = append(set.rules, rule)
	}

	// Highest priority first. Stable sort keeps file order among equals.
	sort.SliceStable(set.rules, func(i, j int) bool {
		return set.rules[i].Priority > set.rules[j].Priority
	})

	return set, nil
}

// Matcher evaluates override rules against queries. The active Set is held
// behind an atomic pointer so unbounded concurrent Check calls never block
// a Reload.
type Matcher struct {
	path string
	set  atomic.Pointer[Set]
}

// NewMatcher loads the ruleset at path. A missing or corrupt file disables
// the override tier (logged, not fatal): Check simply returns no match.
func NewMatcher(path string) *Matcher {
	m := &Matcher{path: path}
	if err := m.Reload(); err != nil {
		logging.Get(logging.CategoryRules).Warn("Override rules disabled: %v", err)
	}
	return m
}

// Reload builds a fresh Set from disk and swaps it in atomically.
func (m *Matcher) Reload() error {
	set, err := loadSet(m.path)
	if err != nil {
		return err
	}
	m.set.Store(set)
	logging.Rules("Loaded %d override rules from %s (%d skipped)", set.Len(), m.path, set.skipped)
	return nil
}

// Check evaluates rules in descending priority order and returns the first
// match, or nil so control passes to the next tier.
func (m *Matcher) Check(query string) *Match {
	set := m.set.Load()
	if set == nil || len(set.rules) == 0 {
		return nil
	}

	for _, rule := range set.rules {
		if rule.matches(query) {
			logging.RulesDebug("Rule %q matched query %q", rule.Name, query)
			return &Match{Rule: rule}
		}
	}
	return nil
}

// Stats describes the loaded ruleset for observability surfaces.
type Stats struct {
	Initialized     bool           `json:"initialized"`
	TotalRules      int            `json:"total_rules"`
	SkippedRules    int            `json:"skipped_rules"`
	RulesPath       string         `json:"rules_path"`
	ByCategory      map[string]int `json:"category_breakdown,omitempty"`
	ByKind          map[string]int `json:"kind_breakdown,omitempty"`
	HighestPriority int            `json:"highest_priority"`
	LowestPriority  int            `json:"lowest_priority"`
}

// Stats returns counts over the active set. Tolerates a disabled tier.
func (m *Matcher) Stats() Stats {
	set := m.set.Load()
	if set == nil {
		return Stats{RulesPath: m.path}
	}

	stats := Stats{
		Initialized:  true,
		TotalRules:   set.Len(),
		SkippedRules: set.skipped,
		RulesPath:    m.path,
		ByCategory:   make(map[string]int),
		ByKind:       make(map[string]int),
	}
	for _, rule := range set.rules {
		stats.ByCategory[rule.Category]++
		stats.ByKind[string(rule.Kind)]++
	}
	if n := len(set.rules); n > 0 {
		stats.HighestPriority = set.rules[0].Priority
		stats.LowestPriority = set.rules[n-1].Priority
	}
	return stats
}
