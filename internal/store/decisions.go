package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"triage/internal/logging"
	"triage/internal/types"
)

// Query and matched-example text are truncated before persisting so a single
// pasted document cannot bloat the decision log.
const (
	maxLoggedQueryLen   = 500
	maxLoggedExampleLen = 200
)

// DecisionStats summarizes the decision log for the analytics surface. Error
// carries a read failure description; counts are zero in that case.
type DecisionStats struct {
	TotalDecisions     int                `json:"total_decisions"`
	MethodBreakdown    map[string]int     `json:"method_breakdown"`
	CategoryBreakdown  map[string]int     `json:"category_breakdown"`
	AvgConfidence      map[string]float64 `json:"avg_confidence_by_method"`
	LowConfidenceCount int                `json:"low_confidence_count"`
	AvgLatencyMS       float64            `json:"avg_latency_ms"`
	Error              string             `json:"error,omitempty"`
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// AppendDecision persists one routing decision. The decision itself was
// already returned to the caller; a write failure here is logged and reported
// but never affects routing.
func (s *Store) AppendDecision(d types.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO routing_decisions (
			id, timestamp, query, method, category,
			use_corpus, use_events, use_intel,
			confidence, reason, matched_example, matched_rule, match_source,
			low_confidence_warning, execution_time_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.Timestamp.UTC().Format(time.RFC3339),
		truncate(d.Query, maxLoggedQueryLen),
		d.Method,
		d.Category,
		boolToInt(d.UseCorpus),
		boolToInt(d.UseEvents),
		boolToInt(d.UseIntel),
		d.Confidence,
		d.Reason,
		truncate(d.MatchedExample, maxLoggedExampleLen),
		d.MatchedRule,
		d.MatchSource,
		boolToInt(d.LowConfidenceWarning),
		d.LatencyMS,
	)
	if err != nil {
		logging.Store("Failed to append decision %s: %v", d.ID, err)
		return fmt.Errorf("failed to append decision: %w", err)
	}
	logging.StoreDebug("Appended decision %s method=%s category=%s", d.ID, d.Method, d.Category)
	return nil
}

// LowConfidence returns the decisions with confidence below the threshold,
// weakest first, ties broken newest first. Override decisions are excluded:
// their fixed confidence of 1.0 carries no review signal.
func (s *Store) LowConfidence(threshold float64, limit int) []types.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, timestamp, query, method, category,
		       use_corpus, use_events, use_intel,
		       confidence, reason, matched_example, matched_rule, match_source,
		       low_confidence_warning, execution_time_ms
		FROM routing_decisions
		WHERE confidence < ? AND method != 'override'
		ORDER BY confidence ASC, timestamp DESC
		LIMIT ?`, threshold, limit)
	if err != nil {
		logging.Store("Failed to query low-confidence decisions: %v", err)
		return nil
	}
	defer rows.Close()

	var out []types.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			logging.Store("Failed to scan decision row: %v", err)
			continue
		}
		out = append(out, d)
	}
	return out
}

// RecentDecisions returns up to limit decisions, newest first.
func (s *Store) RecentDecisions(limit int) []types.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, timestamp, query, method, category,
		       use_corpus, use_events, use_intel,
		       confidence, reason, matched_example, matched_rule, match_source,
		       low_confidence_warning, execution_time_ms
		FROM routing_decisions
		ORDER BY timestamp DESC
		LIMIT ?`, limit)
	if err != nil {
		logging.Store("Failed to query recent decisions: %v", err)
		return nil
	}
	defer rows.Close()

	var out []types.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			logging.Store("Failed to scan decision row: %v", err)
			continue
		}
		out = append(out, d)
	}
	return out
}

// MethodBreakdown counts decisions per routing method over the last N days.
func (s *Store) MethodBreakdown(days int) map[string]int {
	return s.breakdown("method", days)
}

// CategoryBreakdown counts decisions per category over the last N days.
func (s *Store) CategoryBreakdown(days int) map[string]int {
	return s.breakdown("category", days)
}

func (s *Store) breakdown(column string, days int) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int)
	// column is one of two compile-time constants, never user input.
	query := fmt.Sprintf(`
		SELECT %s, COUNT(*) FROM routing_decisions
		WHERE datetime(timestamp) >= datetime('now', '-' || ? || ' days')
		GROUP BY %s`, column, column)
	rows, err := s.db.Query(query, days)
	if err != nil {
		logging.Store("Failed to query %s breakdown: %v", column, err)
		return out
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			continue
		}
		out[key] = count
	}
	return out
}

// AvgConfidenceByMethod returns the mean confidence per routing method.
func (s *Store) AvgConfidenceByMethod() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]float64)
	rows, err := s.db.Query(`
		SELECT method, AVG(confidence) FROM routing_decisions GROUP BY method`)
	if err != nil {
		logging.Store("Failed to query confidence averages: %v", err)
		return out
	}
	defer rows.Close()

	for rows.Next() {
		var method string
		var avg float64
		if err := rows.Scan(&method, &avg); err != nil {
			continue
		}
		out[method] = avg
	}
	return out
}

// DecisionStats assembles the decision-log analytics snapshot. Read failures
// are reported through the Error field rather than an error return so a
// broken store never breaks the stats surface.
func (s *Store) DecisionStats(days int) DecisionStats {
	stats := DecisionStats{
		MethodBreakdown:   s.MethodBreakdown(days),
		CategoryBreakdown: s.CategoryBreakdown(days),
		AvgConfidence:     s.AvgConfidenceByMethod(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(low_confidence_warning), 0),
		       COALESCE(AVG(execution_time_ms), 0)
		FROM routing_decisions
		WHERE datetime(timestamp) >= datetime('now', '-' || ? || ' days')`, days)
	if err := row.Scan(&stats.TotalDecisions, &stats.LowConfidenceCount, &stats.AvgLatencyMS); err != nil {
		stats.Error = err.Error()
	}
	return stats
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDecision(row rowScanner) (types.Decision, error) {
	var d types.Decision
	var ts string
	var useCorpus, useEvents, useIntel, warn int
	err := row.Scan(
		&d.ID, &ts, &d.Query, &d.Method, &d.Category,
		&useCorpus, &useEvents, &useIntel,
		&d.Confidence, &d.Reason, &d.MatchedExample, &d.MatchedRule, &d.MatchSource,
		&warn, &d.LatencyMS,
	)
	if err != nil {
		return types.Decision{}, err
	}
	d.UseCorpus = useCorpus != 0
	d.UseEvents = useEvents != 0
	d.UseIntel = useIntel != 0
	d.LowConfidenceWarning = warn != 0
	if parsed, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
		d.Timestamp = parsed
	}
	return d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
