// Package types defines the shared data model for the triage routing core:
// capability routes, routing decisions, feedback records, and the training
// candidates mined from feedback.
package types

import (
	"time"
)

// Routing methods. Every decision carries exactly one of these.
const (
	MethodOverride   = "override"
	MethodSimilarity = "similarity"
	MethodFallback   = "fallback"
)

// Feedback types accepted by the feedback store.
const (
	FeedbackCorrect   = "correct"
	FeedbackIncorrect = "incorrect"
	FeedbackPartial   = "partial"
)

// Routing categories used for analytics and training-example synthesis.
const (
	CategoryThreatIntel = "threat_intelligence"
	CategoryAuthLogs    = "authentication_logs"
	CategoryPolicy      = "policy_guidance"
	CategoryUnknown     = "unknown"
)

// Route is the set of capability flags the calling layer reads to decide
// which downstream tools to invoke. The core never invokes them itself.
type Route struct {
	UseCorpus bool `json:"use_corpus" yaml:"use_corpus"`
	UseEvents bool `json:"use_events" yaml:"use_events"`
	UseIntel  bool `json:"use_intel" yaml:"use_intel"`
}

// Any reports whether at least one capability flag is set.
func (r Route) Any() bool {
	return r.UseCorpus || r.UseEvents || r.UseIntel
}

// Category maps a route to its analytics category by fixed precedence:
// intel wins over events, events over corpus.
func (r Route) Category() string {
	switch {
	case r.UseIntel:
		return CategoryThreatIntel
	case r.UseEvents:
		return CategoryAuthLogs
	case r.UseCorpus:
		return CategoryPolicy
	default:
		return CategoryUnknown
	}
}

// Decision is the immutable record of one routing call. It is JSON-serializable
// for transport to the calling layer and append-only in the decision log.
type Decision struct {
	ID    string `json:"id"`
	Query string `json:"query"`

	Route

	Confidence float64 `json:"confidence"`
	Method     string  `json:"method"`
	Category   string  `json:"category"`
	Reason     string  `json:"reason"`

	// Populated by the tier that produced the decision.
	MatchedRule    string `json:"matched_rule,omitempty"`
	MatchedExample string `json:"matched_example,omitempty"`
	MatchSource    string `json:"match_source,omitempty"`

	// Set when similarity landed between the minimum and high thresholds:
	// the decision is still authoritative but surfaced for review.
	LowConfidenceWarning bool `json:"low_confidence_warning,omitempty"`

	LatencyMS int64     `json:"execution_time_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// FeedbackRecord is one human-supplied correctness judgement on a past
// decision. Only Query, ActualRoute, and Type are mandatory. Processed flips
// 0 -> 1 exactly once, when the record is exported into a training candidate.
type FeedbackRecord struct {
	ID            int64     `json:"id"`
	Query         string    `json:"query"`
	ActualRoute   Route     `json:"actual_route"`
	ExpectedRoute *Route    `json:"expected_route,omitempty"`
	Type          string    `json:"feedback_type"`
	Confidence    *float64  `json:"confidence_score,omitempty"`
	Method        string    `json:"routing_method,omitempty"`
	Comment       string    `json:"user_comment,omitempty"`
	Processed     bool      `json:"processed"`
	CreatedAt     time.Time `json:"created_at"`
}

// Pattern is a recurring misroute mined from unprocessed incorrect feedback,
// grouped by (query, actual route, expected route).
type Pattern struct {
	Query         string  `json:"query"`
	ActualRoute   Route   `json:"actual_route"`
	ExpectedRoute Route   `json:"expected_route"`
	Occurrences   int     `json:"occurrences"`
	AvgConfidence float64 `json:"avg_confidence"`
	Comments      string  `json:"user_comments,omitempty"`
	Priority      string  `json:"priority"` // high when occurrences >= 5, else medium
}

// TrainingCandidate is a feedback-derived suggestion for a new labeled
// example. AutoApproved is a deterministic function of Occurrences and the
// configured threshold, never of human judgement; the export file is the only
// channel by which candidates reach the live corpus.
type TrainingCandidate struct {
	Query        string `json:"query"`
	Category     string `json:"category"`
	Route        Route  `json:"route"`
	Source       string `json:"source"`
	Occurrences  int    `json:"occurrences"`
	AutoApproved bool   `json:"auto_approved"`
	Priority     string `json:"priority"`
	Comments     string `json:"user_comments,omitempty"`
}
