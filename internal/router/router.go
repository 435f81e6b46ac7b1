// Package router implements the tiered routing pipeline: override rules
// first, vector similarity second, keyword fallback last. Route always
// produces a usable decision; degraded tiers fall through instead of failing.
package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"triage/internal/config"
	"triage/internal/index"
	"triage/internal/logging"
	"triage/internal/rules"
	"triage/internal/types"
)

// DecisionSink receives every decision for persistence. Appends happen off
// the routing path; a sink failure never surfaces to the caller.
type DecisionSink interface {
	AppendDecision(d types.Decision) error
}

// Router routes free-form queries to capability flags.
type Router struct {
	cfg      *config.Config
	matcher  *rules.Matcher
	searcher index.Searcher
	sink     DecisionSink

	wg sync.WaitGroup
}

// New builds a Router. matcher, searcher, and sink may each be nil; the
// corresponding tier or behavior is disabled and the pipeline degrades to
// the remaining tiers.
func New(cfg *config.Config, matcher *rules.Matcher, searcher index.Searcher, sink DecisionSink) *Router {
	return &Router{
		cfg:      cfg,
		matcher:  matcher,
		searcher: searcher,
		sink:     sink,
	}
}

// Route resolves one query through the pipeline. It never returns an error:
// any tier failure falls through, and the final fallback guarantees a route
// with at least one capability enabled.
func (r *Router) Route(ctx context.Context, query string) types.Decision {
	start := time.Now()

	d, matched := r.checkOverrides(query)
	if !matched {
		d, matched = r.checkSimilarity(ctx, query)
	}
	if !matched {
		d = r.fallback(query)
	}

	d.ID = uuid.New().String()
	d.Query = query
	d.Timestamp = time.Now().UTC()
	d.LatencyMS = time.Since(start).Milliseconds()

	logging.Routing("Routed query via %s: category=%s confidence=%.2f reason=%s",
		d.Method, d.Category, d.Confidence, d.Reason)

	if r.sink != nil {
		logged := d
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.sink.AppendDecision(logged); err != nil {
				logging.Routing("Failed to log decision %s: %v", logged.ID, err)
			}
		}()
	}

	return d
}

// Wait blocks until all in-flight decision appends have finished. Called on
// shutdown so the log does not lose the tail.
func (r *Router) Wait() {
	r.wg.Wait()
}

// checkOverrides runs the override tier. An override match is authoritative
// and carries full confidence.
func (r *Router) checkOverrides(query string) (types.Decision, bool) {
	if r.matcher == nil {
		return types.Decision{}, false
	}
	m := r.matcher.Check(query)
	if m == nil {
		return types.Decision{}, false
	}
	return types.Decision{
		Route:       m.Rule.Route,
		Confidence:  1.0,
		Method:      types.MethodOverride,
		Category:    m.Rule.Category,
		Reason:      m.Rule.Reason,
		MatchedRule: m.Rule.Name,
	}, true
}

// checkSimilarity runs the vector tier. Distance from the index is cosine
// distance in [0, 2]; similarity is mapped to [0, 1] so 0 distance scores
// 1.0 and opposite vectors score 0.0. Three outcomes: confident match,
// low-confidence match with a warning, or fall-through.
func (r *Router) checkSimilarity(ctx context.Context, query string) (types.Decision, bool) {
	if r.searcher == nil || !r.searcher.Initialized() {
		return types.Decision{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.GetSimilarityTimeout())
	defer cancel()

	neighbors, err := r.searcher.Search(ctx, query, r.cfg.Routing.TopK)
	if err != nil {
		logging.Routing("Similarity tier unavailable: %v", err)
		return types.Decision{}, false
	}
	if len(neighbors) == 0 {
		return types.Decision{}, false
	}

	best := neighbors[0]
	sim := distanceToSimilarity(best.Distance)

	category := best.Category
	if category == "" {
		category = best.Route.Category()
	}

	switch {
	case sim >= r.cfg.Routing.HighConfidenceThreshold:
		return types.Decision{
			Route:          best.Route,
			Confidence:     sim,
			Method:         types.MethodSimilarity,
			Category:       category,
			Reason:         "semantic:" + category,
			MatchedExample: best.Query,
			MatchSource:    best.Source,
		}, true
	case sim >= r.cfg.Routing.MinConfidenceThreshold:
		return types.Decision{
			Route:                best.Route,
			Confidence:           sim,
			Method:               types.MethodSimilarity,
			Category:             category,
			Reason:               "semantic_low_conf:" + category,
			MatchedExample:       best.Query,
			MatchSource:          best.Source,
			LowConfidenceWarning: true,
		}, true
	default:
		logging.RoutingDebug("Best similarity %.2f below minimum %.2f, falling through",
			sim, r.cfg.Routing.MinConfidenceThreshold)
		return types.Decision{}, false
	}
}

// distanceToSimilarity maps cosine distance in [0, 2] to similarity in
// [0, 1], clamping out-of-range inputs.
func distanceToSimilarity(d float64) float64 {
	s := 1 - d/2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// Keyword sets for the fallback tier, checked in precedence order. Threat
// terms outrank auth terms outrank policy terms, so a query mentioning both
// "cve" and "login" routes to intel.
var fallbackSets = []struct {
	keywords []string
	route    types.Route
	category string
	reason   string
}{
	{
		keywords: []string{"cve", "vulnerability", "vulnerabilities", "exploit", "exploits",
			"threat", "threats", "malware", "breach", "attack"},
		route:    types.Route{UseIntel: true},
		category: types.CategoryThreatIntel,
		reason:   "fallback:threat-keywords",
	},
	{
		keywords: []string{"login", "logins", "failed", "auth", "authentication",
			"attempt", "attempts", "logout", "logouts", "password"},
		route:    types.Route{UseEvents: true},
		category: types.CategoryAuthLogs,
		reason:   "fallback:auth-keywords",
	},
	{
		keywords: []string{"policy", "policies", "playbook", "playbooks", "procedure",
			"procedures", "process", "processes", "guideline", "guidelines"},
		route:    types.Route{UseCorpus: true},
		category: types.CategoryPolicy,
		reason:   "fallback:policy-keywords",
	},
}

// fallback runs the keyword tier. A keyword hit scores 0.5; no hit yields
// the configured default route at 0.3.
func (r *Router) fallback(query string) types.Decision {
	lowered := strings.ToLower(query)
	for _, set := range fallbackSets {
		for _, kw := range set.keywords {
			if strings.Contains(lowered, kw) {
				return types.Decision{
					Route:      set.route,
					Confidence: 0.5,
					Method:     types.MethodFallback,
					Category:   set.category,
					Reason:     set.reason,
				}
			}
		}
	}

	route := r.cfg.Routing.DefaultRoute
	if !route.Any() {
		route = types.Route{UseCorpus: true}
	}
	return types.Decision{
		Route:      route,
		Confidence: 0.3,
		Method:     types.MethodFallback,
		Category:   route.Category(),
		Reason:     "fallback:default-corpus",
	}
}

// Stats reports the pipeline's tier health for the analytics surface.
type Stats struct {
	Rules      rules.Stats `json:"rules"`
	Index      index.Stats `json:"index"`
	Thresholds struct {
		High float64 `json:"high_confidence"`
		Min  float64 `json:"min_confidence"`
		TopK int     `json:"top_k"`
	} `json:"thresholds"`
}

// Stats snapshots tier health. A nil or uninitialized tier reports as such
// rather than erroring.
func (r *Router) Stats() Stats {
	var s Stats
	if r.matcher != nil {
		s.Rules = r.matcher.Stats()
	}
	if r.searcher != nil {
		if provider, ok := r.searcher.(interface{ Stats() index.Stats }); ok {
			s.Index = provider.Stats()
		} else {
			s.Index.Initialized = r.searcher.Initialized()
		}
	}
	s.Thresholds.High = r.cfg.Routing.HighConfidenceThreshold
	s.Thresholds.Min = r.cfg.Routing.MinConfidenceThreshold
	s.Thresholds.TopK = r.cfg.Routing.TopK
	return s
}
