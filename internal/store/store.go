// Package store provides SQLite persistence for the routing core: the
// append-only decision log and the feedback store that feeds pattern mining.
// Writes are short atomic inserts; reads are best-effort and return empty
// structures instead of failing analytics surfaces.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"triage/internal/logging"
)

// Store wraps the SQLite database holding decisions and feedback.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Store ready at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	decisionsTable := `
	CREATE TABLE IF NOT EXISTS routing_decisions (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		query TEXT NOT NULL,
		method TEXT NOT NULL,
		category TEXT,
		use_corpus INTEGER NOT NULL,
		use_events INTEGER NOT NULL,
		use_intel INTEGER NOT NULL,
		confidence REAL,
		reason TEXT,
		matched_example TEXT,
		matched_rule TEXT,
		match_source TEXT,
		low_confidence_warning INTEGER NOT NULL DEFAULT 0,
		execution_time_ms INTEGER,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON routing_decisions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_decisions_method ON routing_decisions(method);
	CREATE INDEX IF NOT EXISTS idx_decisions_confidence ON routing_decisions(confidence);
	CREATE INDEX IF NOT EXISTS idx_decisions_category ON routing_decisions(category);
	`

	feedbackTable := `
	CREATE TABLE IF NOT EXISTS routing_feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query TEXT NOT NULL,
		actual_route TEXT NOT NULL,
		expected_route TEXT,
		feedback_type TEXT NOT NULL,
		confidence_score REAL,
		routing_method TEXT,
		user_comment TEXT,
		processed INTEGER NOT NULL DEFAULT 0,
		timestamp TEXT NOT NULL,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_query ON routing_feedback(query);
	CREATE INDEX IF NOT EXISTS idx_feedback_type ON routing_feedback(feedback_type);
	CREATE INDEX IF NOT EXISTS idx_feedback_processed ON routing_feedback(processed);
	`

	for _, schema := range []string{decisionsTable, feedbackTable} {
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
