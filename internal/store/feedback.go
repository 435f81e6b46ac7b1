package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"triage/internal/logging"
	"triage/internal/types"
)

// FeedbackStats summarizes the feedback store over a trailing window.
type FeedbackStats struct {
	PeriodDays          int            `json:"period_days"`
	TotalFeedback       int            `json:"total_feedback"`
	Breakdown           map[string]int `json:"feedback_breakdown"`
	AccuracyRate        float64        `json:"accuracy_rate"`
	UnprocessedPatterns int            `json:"unprocessed_patterns"`
	CanGenerate         bool           `json:"can_generate_examples"`
	Error               string         `json:"error,omitempty"`
}

func validFeedbackType(t string) bool {
	switch t {
	case types.FeedbackCorrect, types.FeedbackIncorrect, types.FeedbackPartial:
		return true
	}
	return false
}

// RecordFeedback stores one correctness judgement and returns its row id.
func (s *Store) RecordFeedback(fb types.FeedbackRecord) (int64, error) {
	if fb.Query == "" {
		return 0, fmt.Errorf("feedback query is required")
	}
	if !validFeedbackType(fb.Type) {
		return 0, fmt.Errorf("invalid feedback type %q", fb.Type)
	}

	actualJSON, err := json.Marshal(fb.ActualRoute)
	if err != nil {
		return 0, fmt.Errorf("failed to encode actual route: %w", err)
	}
	var expectedJSON interface{}
	if fb.ExpectedRoute != nil {
		b, err := json.Marshal(*fb.ExpectedRoute)
		if err != nil {
			return 0, fmt.Errorf("failed to encode expected route: %w", err)
		}
		expectedJSON = string(b)
	}
	var confidence interface{}
	if fb.Confidence != nil {
		confidence = *fb.Confidence
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO routing_feedback (
			query, actual_route, expected_route, feedback_type,
			confidence_score, routing_method, user_comment, processed, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		truncate(fb.Query, maxLoggedQueryLen),
		string(actualJSON),
		expectedJSON,
		fb.Type,
		confidence,
		fb.Method,
		fb.Comment,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record feedback: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read feedback id: %w", err)
	}
	logging.Feedback("Recorded %s feedback #%d for query %q", fb.Type, id, truncate(fb.Query, 80))
	return id, nil
}

// AnalyzePatterns mines unprocessed incorrect feedback for recurring misroutes.
// Records are grouped by (query, actual route, expected route); groups below
// minOccurrences are noise and dropped. Only records that carry an expected
// route participate since a pattern without a correction is not actionable.
func (s *Store) AnalyzePatterns(windowDays, minOccurrences int) []types.Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT query, actual_route, expected_route,
		       COUNT(*) AS occurrences,
		       COALESCE(AVG(confidence_score), 0),
		       COALESCE(GROUP_CONCAT(user_comment, ' | '), '')
		FROM routing_feedback
		WHERE feedback_type = 'incorrect'
		  AND processed = 0
		  AND expected_route IS NOT NULL
		  AND datetime(timestamp) >= datetime('now', '-' || ? || ' days')
		GROUP BY query, actual_route, expected_route
		HAVING COUNT(*) >= ?
		ORDER BY occurrences DESC`, windowDays, minOccurrences)
	if err != nil {
		logging.Feedback("Failed to analyze feedback patterns: %v", err)
		return nil
	}
	defer rows.Close()

	var patterns []types.Pattern
	for rows.Next() {
		var p types.Pattern
		var actualJSON, expectedJSON string
		if err := rows.Scan(&p.Query, &actualJSON, &expectedJSON, &p.Occurrences, &p.AvgConfidence, &p.Comments); err != nil {
			logging.Feedback("Failed to scan pattern row: %v", err)
			continue
		}
		if err := json.Unmarshal([]byte(actualJSON), &p.ActualRoute); err != nil {
			logging.Feedback("Skipping pattern with bad actual route %q: %v", actualJSON, err)
			continue
		}
		if err := json.Unmarshal([]byte(expectedJSON), &p.ExpectedRoute); err != nil {
			logging.Feedback("Skipping pattern with bad expected route %q: %v", expectedJSON, err)
			continue
		}
		if p.Occurrences >= 5 {
			p.Priority = "high"
		} else {
			p.Priority = "medium"
		}
		patterns = append(patterns, p)
	}
	logging.Feedback("Pattern analysis found %d patterns (window=%dd min=%d)", len(patterns), windowDays, minOccurrences)
	return patterns
}

// GenerateTrainingExamples converts mined patterns into training candidates.
// AutoApproved is purely a function of occurrence count against the threshold;
// a human still gates every candidate at ingestion time.
func GenerateTrainingExamples(patterns []types.Pattern, autoApproveThreshold int) []types.TrainingCandidate {
	candidates := make([]types.TrainingCandidate, 0, len(patterns))
	for _, p := range patterns {
		candidates = append(candidates, types.TrainingCandidate{
			Query:        p.Query,
			Category:     p.ExpectedRoute.Category(),
			Route:        p.ExpectedRoute,
			Source:       "user_feedback",
			Occurrences:  p.Occurrences,
			AutoApproved: p.Occurrences >= autoApproveThreshold,
			Priority:     p.Priority,
			Comments:     p.Comments,
		})
	}
	return candidates
}

// ExportOptions controls a training-example export run.
type ExportOptions struct {
	Path                 string
	WindowDays           int
	MinOccurrences       int
	AutoApproveThreshold int
	AutoApprovedOnly     bool
}

// ExportTrainingExamples mines patterns, converts them to candidates, writes
// them to a JSON file, and marks the source feedback processed so the same
// records are never exported twice. Returns the number of candidates written.
func (s *Store) ExportTrainingExamples(opts ExportOptions) (int, error) {
	patterns := s.AnalyzePatterns(opts.WindowDays, opts.MinOccurrences)
	candidates := GenerateTrainingExamples(patterns, opts.AutoApproveThreshold)

	if opts.AutoApprovedOnly {
		filtered := candidates[:0]
		for _, c := range candidates {
			if c.AutoApproved {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}
	data, err := json.MarshalIndent(candidates, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to encode training examples: %w", err)
	}
	if err := os.WriteFile(opts.Path, data, 0644); err != nil {
		return 0, fmt.Errorf("failed to write export file: %w", err)
	}

	for _, c := range candidates {
		if err := s.MarkProcessed(c.Query); err != nil {
			logging.Feedback("Failed to mark feedback processed for %q: %v", c.Query, err)
		}
	}

	logging.Feedback("Exported %d training candidates to %s", len(candidates), opts.Path)
	return len(candidates), nil
}

// MarkProcessed flips the processed flag on all incorrect feedback for the
// given query. Already-processed rows are untouched, so repeated calls are
// safe no-ops.
func (s *Store) MarkProcessed(query string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE routing_feedback SET processed = 1
		WHERE query = ? AND feedback_type = 'incorrect' AND processed = 0`, query)
	if err != nil {
		return fmt.Errorf("failed to mark feedback processed: %w", err)
	}
	return nil
}

// FeedbackStats summarizes feedback volume, accuracy, and the mining backlog
// over the trailing window. Read failures populate Error instead of failing.
func (s *Store) FeedbackStats(windowDays int) FeedbackStats {
	stats := FeedbackStats{
		PeriodDays: windowDays,
		Breakdown:  make(map[string]int),
	}

	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT feedback_type, COUNT(*) FROM routing_feedback
		WHERE datetime(timestamp) >= datetime('now', '-' || ? || ' days')
		GROUP BY feedback_type`, windowDays)
	if err != nil {
		s.mu.RUnlock()
		stats.Error = err.Error()
		return stats
	}
	for rows.Next() {
		var ftype string
		var count int
		if err := rows.Scan(&ftype, &count); err != nil {
			continue
		}
		stats.Breakdown[ftype] = count
		stats.TotalFeedback += count
	}
	if err := rows.Err(); err != nil {
		stats.Error = err.Error()
	}
	rows.Close()

	var unprocessed int
	row := s.db.QueryRow(`
		SELECT COUNT(DISTINCT query) FROM routing_feedback
		WHERE feedback_type = 'incorrect' AND processed = 0`)
	if err := row.Scan(&unprocessed); err != nil && err != sql.ErrNoRows {
		stats.Error = err.Error()
	}
	s.mu.RUnlock()

	if stats.TotalFeedback > 0 {
		stats.AccuracyRate = float64(stats.Breakdown[types.FeedbackCorrect]) / float64(stats.TotalFeedback) * 100
	}
	stats.UnprocessedPatterns = unprocessed
	stats.CanGenerate = unprocessed > 0
	return stats
}
