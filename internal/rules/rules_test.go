package rules

import (
	"os"
	"path/filepath"
	"testing"

	"triage/internal/types"
)

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routing_rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	return path
}

func TestRegexRuleMatchesCaseInsensitive(t *testing.T) {
	path := writeRules(t, `
overrides:
  - name: cve-lookup
    kind: regex
    patterns:
      - 'CVE-\d{4}-\d+'
    priority: 100
    route:
      use_intel: true
    reason: override:cve-pattern
    category: threat_intelligence
`)
	m := NewMatcher(path)

	match := m.Check("check cve-2024-1234 for impact")
	if match == nil {
		t.Fatal("expected a match")
	}
	if match.Rule.Name != "cve-lookup" {
		t.Fatalf("matched rule = %q, want cve-lookup", match.Rule.Name)
	}
	if !match.Rule.Route.UseIntel {
		t.Fatal("matched rule route missing use_intel")
	}

	if m.Check("nothing to see here") != nil {
		t.Fatal("expected no match")
	}
}

func TestRegexRuleORSemantics(t *testing.T) {
	path := writeRules(t, `
overrides:
  - name: multi-pattern
    kind: regex
    patterns:
      - 'foo\d+'
      - 'bar\d+'
    priority: 10
    route:
      use_corpus: true
`)
	m := NewMatcher(path)

	if m.Check("only bar42 present") == nil {
		t.Fatal("second pattern alone should match")
	}
}

func TestKeywordRequireAll(t *testing.T) {
	path := writeRules(t, `
overrides:
  - name: failed-logins
    kind: keyword
    keywords: [failed, login]
    require_all: true
    priority: 50
    route:
      use_events: true
`)
	m := NewMatcher(path)

	if m.Check("show FAILED Login attempts") == nil {
		t.Fatal("all keywords present, expected match")
	}
	if m.Check("show login attempts") != nil {
		t.Fatal("missing keyword, expected no match")
	}
}

func TestKeywordAnySemantics(t *testing.T) {
	path := writeRules(t, `
overrides:
  - name: auth-any
    kind: keyword
    keywords: [logout, password]
    priority: 50
    route:
      use_events: true
`)
	m := NewMatcher(path)

	if m.Check("reset my password") == nil {
		t.Fatal("single keyword should match without require_all")
	}
}

func TestPriorityOrdering(t *testing.T) {
	path := writeRules(t, `
overrides:
  - name: low
    kind: keyword
    keywords: [cve]
    priority: 10
    route:
      use_corpus: true
  - name: high
    kind: keyword
    keywords: [cve]
    priority: 100
    route:
      use_intel: true
`)
	m := NewMatcher(path)

	match := m.Check("any cve news?")
	if match == nil {
		t.Fatal("expected a match")
	}
	if match.Rule.Name != "high" {
		t.Fatalf("matched rule = %q, want high-priority rule", match.Rule.Name)
	}
}

func TestMalformedRuleSkippedNotFatal(t *testing.T) {
	path := writeRules(t, `
overrides:
  - name: broken
    kind: regex
    patterns: ['[unclosed']
    priority: 100
    route:
      use_intel: true
  - name: nameless-keywords
    kind: keyword
    priority: 90
    route:
      use_corpus: true
  - name: good
    kind: keyword
    keywords: [policy]
    priority: 10
    route:
      use_corpus: true
`)
	m := NewMatcher(path)

	stats := m.Stats()
	if stats.TotalRules != 1 {
		t.Fatalf("loaded rules = %d, want 1", stats.TotalRules)
	}
	if stats.SkippedRules != 2 {
		t.Fatalf("skipped rules = %d, want 2", stats.SkippedRules)
	}
	if m.Check("password policy") == nil {
		t.Fatal("surviving rule should still match")
	}
}

func TestMissingFileDisablesTier(t *testing.T) {
	m := NewMatcher(filepath.Join(t.TempDir(), "absent.yaml"))

	if m.Check("anything") != nil {
		t.Fatal("disabled matcher must return no match")
	}
	if m.Stats().Initialized {
		t.Fatal("stats should report uninitialized")
	}
}

func TestReloadSwapsSet(t *testing.T) {
	path := writeRules(t, `
overrides:
  - name: first
    kind: keyword
    keywords: [alpha]
    priority: 1
    route:
      use_corpus: true
`)
	m := NewMatcher(path)
	if m.Check("alpha") == nil {
		t.Fatal("initial set should match alpha")
	}

	next := `
overrides:
  - name: second
    kind: keyword
    keywords: [beta]
    priority: 1
    route:
      use_events: true
`
	if err := os.WriteFile(path, []byte(next), 0644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload error = %v", err)
	}

	if m.Check("alpha") != nil {
		t.Fatal("old rule still matching after reload")
	}
	if m.Check("beta") == nil {
		t.Fatal("new rule should match after reload")
	}
}

func TestDefaultsFilledOnCompile(t *testing.T) {
	path := writeRules(t, `
overrides:
  - name: bare
    kind: keyword
    keywords: [x]
    priority: 1
    route:
      use_corpus: true
`)
	m := NewMatcher(path)
	match := m.Check("x marks the spot")
	if match == nil {
		t.Fatal("expected a match")
	}
	if match.Rule.Reason != "override:bare" {
		t.Fatalf("reason = %q, want override:bare", match.Rule.Reason)
	}
	if match.Rule.Category != types.CategoryUnknown {
		t.Fatalf("category = %q, want %q", match.Rule.Category, types.CategoryUnknown)
	}
}
