package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"triage/internal/config"
	"triage/internal/index"
	"triage/internal/rules"
	"triage/internal/types"
)

func TestMain(m *testing.M) {
	// go.opencensus.io (an indirect dependency) starts a worker goroutine in
	// its package init that can never be stopped; ignore it so leak detection
	// covers only goroutines this package creates.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// stubSearcher returns canned neighbors for exact query strings.
type stubSearcher struct {
	results     map[string][]index.Neighbor
	err         error
	initialized bool
}

func (s *stubSearcher) Search(ctx context.Context, query string, k int) ([]index.Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	n := s.results[query]
	if len(n) > k {
		n = n[:k]
	}
	return n, nil
}

func (s *stubSearcher) Initialized() bool { return s.initialized }

// memSink collects appended decisions.
type memSink struct {
	mu        sync.Mutex
	decisions []types.Decision
}

func (m *memSink) AppendDecision(d types.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.decisions)
}

func neighbor(query, category string, route types.Route, distance float64) index.Neighbor {
	return index.Neighbor{
		Example: index.Example{
			Query:    query,
			Category: category,
			Route:    route,
			Source:   index.SourceSeed,
		},
		Distance: distance,
	}
}

func writeRules(t *testing.T, content string) *rules.Matcher {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routing_rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}
	return rules.NewMatcher(path)
}

const cveRules = `
overrides:
  - name: cve-pattern
    kind: regex
    priority: 100
    patterns:
      - 'CVE-\d{4}-\d{4,7}'
    route:
      use_intel: true
    category: threat_intelligence
`

func TestOverrideTierWins(t *testing.T) {
	cfg := config.DefaultConfig()
	matcher := writeRules(t, cveRules)
	// The index would disagree, proving the override short-circuits it.
	searcher := &stubSearcher{
		initialized: true,
		results: map[string][]index.Neighbor{
			"what is CVE-2024-1234": {
				neighbor("policy question", types.CategoryPolicy, types.Route{UseCorpus: true}, 0.1),
			},
		},
	}

	r := New(cfg, matcher, searcher, nil)
	d := r.Route(context.Background(), "what is CVE-2024-1234")

	if d.Method != types.MethodOverride {
		t.Fatalf("expected override method, got %s", d.Method)
	}
	if d.Confidence != 1.0 {
		t.Errorf("expected confidence 1.0, got %.2f", d.Confidence)
	}
	if !d.UseIntel || d.UseCorpus || d.UseEvents {
		t.Errorf("expected intel-only route, got %+v", d.Route)
	}
	if d.MatchedRule != "cve-pattern" {
		t.Errorf("expected matched rule cve-pattern, got %q", d.MatchedRule)
	}
	if d.Category != types.CategoryThreatIntel {
		t.Errorf("expected threat_intelligence, got %s", d.Category)
	}
}

func TestSimilarityHighConfidence(t *testing.T) {
	cfg := config.DefaultConfig()
	searcher := &stubSearcher{
		initialized: true,
		results: map[string][]index.Neighbor{
			"incident response playbook": {
				// Distance 0.2 maps to similarity 0.9, above the 0.85 threshold.
				neighbor("show me the IR playbook", types.CategoryPolicy, types.Route{UseCorpus: true}, 0.2),
			},
		},
	}

	r := New(cfg, nil, searcher, nil)
	d := r.Route(context.Background(), "incident response playbook")

	if d.Method != types.MethodSimilarity {
		t.Fatalf("expected similarity method, got %s (reason=%s)", d.Method, d.Reason)
	}
	if d.Confidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %.4f", d.Confidence)
	}
	if d.LowConfidenceWarning {
		t.Error("unexpected low-confidence warning on a confident match")
	}
	if d.Reason != "semantic:policy_guidance" {
		t.Errorf("unexpected reason %q", d.Reason)
	}
	if d.MatchedExample != "show me the IR playbook" {
		t.Errorf("unexpected matched example %q", d.MatchedExample)
	}
	if d.MatchSource != index.SourceSeed {
		t.Errorf("unexpected match source %q", d.MatchSource)
	}
}

func TestSimilarityLowConfidenceWarns(t *testing.T) {
	cfg := config.DefaultConfig()
	searcher := &stubSearcher{
		initialized: true,
		results: map[string][]index.Neighbor{
			"vague question": {
				// Distance 0.6 maps to similarity 0.7: between min and high.
				neighbor("somewhat related", types.CategoryAuthLogs, types.Route{UseEvents: true}, 0.6),
			},
		},
	}

	r := New(cfg, nil, searcher, nil)
	d := r.Route(context.Background(), "vague question")

	if d.Method != types.MethodSimilarity {
		t.Fatalf("expected similarity method, got %s", d.Method)
	}
	if !d.LowConfidenceWarning {
		t.Error("expected low-confidence warning")
	}
	if d.Reason != "semantic_low_conf:authentication_logs" {
		t.Errorf("unexpected reason %q", d.Reason)
	}
	if d.Confidence < 0.69 || d.Confidence > 0.71 {
		t.Errorf("expected confidence near 0.7, got %.4f", d.Confidence)
	}
}

func TestSimilarityBelowMinFallsThrough(t *testing.T) {
	cfg := config.DefaultConfig()
	searcher := &stubSearcher{
		initialized: true,
		results: map[string][]index.Neighbor{
			"what about that cve thing": {
				// Distance 1.9 maps to similarity 0.05, far below minimum.
				neighbor("unrelated", types.CategoryPolicy, types.Route{UseCorpus: true}, 1.9),
			},
		},
	}

	r := New(cfg, nil, searcher, nil)
	d := r.Route(context.Background(), "what about that cve thing")

	if d.Method != types.MethodFallback {
		t.Fatalf("expected fallback method, got %s", d.Method)
	}
	if !d.UseIntel {
		t.Errorf("expected intel route from cve keyword, got %+v", d.Route)
	}
	if d.Confidence != 0.5 {
		t.Errorf("expected keyword confidence 0.5, got %.2f", d.Confidence)
	}
	if d.Category != types.CategoryThreatIntel {
		t.Errorf("expected threat_intelligence, got %s", d.Category)
	}
}

func TestSimilarityErrorFallsThrough(t *testing.T) {
	cfg := config.DefaultConfig()
	searcher := &stubSearcher{
		initialized: true,
		err:         fmt.Errorf("embedding engine unreachable"),
	}

	r := New(cfg, nil, searcher, nil)
	d := r.Route(context.Background(), "show failed logins")

	if d.Method != types.MethodFallback {
		t.Fatalf("expected fallback on similarity error, got %s", d.Method)
	}
	if !d.UseEvents {
		t.Errorf("expected events route from auth keywords, got %+v", d.Route)
	}
}

func TestUninitializedIndexSkipsSimilarity(t *testing.T) {
	cfg := config.DefaultConfig()
	searcher := &stubSearcher{initialized: false}

	r := New(cfg, nil, searcher, nil)
	d := r.Route(context.Background(), "password reset procedure")

	if d.Method != types.MethodFallback {
		t.Fatalf("expected fallback with uninitialized index, got %s", d.Method)
	}
}

func TestFallbackKeywordPrecedence(t *testing.T) {
	cfg := config.DefaultConfig()
	r := New(cfg, nil, nil, nil)

	// Threat terms outrank auth terms.
	d := r.Route(context.Background(), "malware in the login flow")
	if !d.UseIntel || d.UseEvents {
		t.Errorf("expected intel to win keyword precedence, got %+v", d.Route)
	}

	// Auth terms outrank policy terms.
	d = r.Route(context.Background(), "authentication policy")
	if !d.UseEvents || d.UseCorpus {
		t.Errorf("expected events to win over corpus, got %+v", d.Route)
	}
}

func TestFallbackDefaultRoute(t *testing.T) {
	cfg := config.DefaultConfig()
	r := New(cfg, nil, nil, nil)

	d := r.Route(context.Background(), "tell me something interesting")
	if d.Method != types.MethodFallback {
		t.Fatalf("expected fallback method, got %s", d.Method)
	}
	if !d.UseCorpus {
		t.Errorf("expected default corpus route, got %+v", d.Route)
	}
	if d.Confidence != 0.3 {
		t.Errorf("expected default confidence 0.3, got %.2f", d.Confidence)
	}
	if d.Reason != "fallback:default-corpus" {
		t.Errorf("unexpected reason %q", d.Reason)
	}
}

func TestRouteTotality(t *testing.T) {
	cfg := config.DefaultConfig()
	r := New(cfg, nil, nil, nil)

	for _, query := range []string{"", "   ", "xyzzy", "!!@@##", "42"} {
		d := r.Route(context.Background(), query)
		if !d.Any() {
			t.Errorf("query %q produced a route with no capabilities: %+v", query, d.Route)
		}
		if d.Method == "" {
			t.Errorf("query %q produced no method", query)
		}
	}
}

func TestRouteIdempotent(t *testing.T) {
	cfg := config.DefaultConfig()
	matcher := writeRules(t, cveRules)
	searcher := &stubSearcher{
		initialized: true,
		results: map[string][]index.Neighbor{
			"incident response playbook": {
				neighbor("show me the IR playbook", types.CategoryPolicy, types.Route{UseCorpus: true}, 0.2),
			},
		},
	}
	r := New(cfg, matcher, searcher, nil)

	for _, query := range []string{"what is CVE-2024-1234", "incident response playbook", "random chatter"} {
		first := r.Route(context.Background(), query)
		for i := 0; i < 3; i++ {
			again := r.Route(context.Background(), query)
			if again.Route != first.Route || again.Method != first.Method ||
				again.Confidence != first.Confidence || again.Reason != first.Reason {
				t.Errorf("query %q not stable: first %+v then %+v", query, first, again)
			}
		}
	}
}

func TestMethodIsAlwaysExactlyOne(t *testing.T) {
	cfg := config.DefaultConfig()
	matcher := writeRules(t, cveRules)
	searcher := &stubSearcher{initialized: true}
	r := New(cfg, matcher, searcher, nil)

	valid := map[string]bool{
		types.MethodOverride:   true,
		types.MethodSimilarity: true,
		types.MethodFallback:   true,
	}
	for _, query := range []string{"what is CVE-2024-1234", "show failed logins", "hello"} {
		d := r.Route(context.Background(), query)
		if !valid[d.Method] {
			t.Errorf("query %q produced unknown method %q", query, d.Method)
		}
	}
}

func TestDecisionsReachSink(t *testing.T) {
	cfg := config.DefaultConfig()
	sink := &memSink{}
	r := New(cfg, nil, nil, sink)

	d := r.Route(context.Background(), "show failed logins")
	r.Wait()

	if sink.count() != 1 {
		t.Fatalf("expected 1 logged decision, got %d", sink.count())
	}
	sink.mu.Lock()
	logged := sink.decisions[0]
	sink.mu.Unlock()
	if logged.ID != d.ID {
		t.Errorf("logged decision ID %s does not match returned %s", logged.ID, d.ID)
	}
	if logged.Query != "show failed logins" {
		t.Errorf("unexpected logged query %q", logged.Query)
	}
}

func TestCancelledContextFallsThrough(t *testing.T) {
	cfg := config.DefaultConfig()
	searcher := &stubSearcher{
		initialized: true,
		results: map[string][]index.Neighbor{
			"policy docs": {
				neighbor("policy docs", types.CategoryPolicy, types.Route{UseCorpus: true}, 0.0),
			},
		},
	}
	r := New(cfg, nil, searcher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := r.Route(ctx, "policy docs")

	if d.Method != types.MethodFallback {
		t.Fatalf("expected fallback with cancelled context, got %s", d.Method)
	}
	if !d.Any() {
		t.Errorf("expected a usable route even when cancelled, got %+v", d.Route)
	}
}

func TestDistanceToSimilarityBounds(t *testing.T) {
	cases := []struct {
		distance float64
		want     float64
	}{
		{0.0, 1.0},
		{1.0, 0.5},
		{2.0, 0.0},
		{-0.5, 1.0}, // clamped
		{2.5, 0.0},  // clamped
	}
	for _, tc := range cases {
		if got := distanceToSimilarity(tc.distance); got != tc.want {
			t.Errorf("distanceToSimilarity(%.2f) = %.2f, want %.2f", tc.distance, got, tc.want)
		}
	}
}

func TestStatsTolerateNilTiers(t *testing.T) {
	cfg := config.DefaultConfig()
	r := New(cfg, nil, nil, nil)

	s := r.Stats()
	if s.Rules.Initialized {
		t.Error("expected uninitialized rules stats with nil matcher")
	}
	if s.Index.Initialized {
		t.Error("expected uninitialized index stats with nil searcher")
	}
	if s.Thresholds.High != 0.85 || s.Thresholds.Min != 0.60 {
		t.Errorf("unexpected thresholds: %+v", s.Thresholds)
	}
}
