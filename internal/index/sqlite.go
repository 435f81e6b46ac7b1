package index

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"triage/internal/embedding"
	"triage/internal/logging"
)

// snapshot is an immutable view of the corpus. Search reads whichever
// snapshot the pointer held when the call started; Rebuild installs a new one
// with a single atomic store.
type snapshot struct {
	examples []Example
}

// SQLiteIndex persists labeled examples in SQLite and serves nearest-neighbor
// search over them. When the sqlite-vec extension is available KNN runs
// through a vec0 virtual table; otherwise a cosine scan over the in-memory
// snapshot serves the same contract.
type SQLiteIndex struct {
	db     *sql.DB
	dbPath string
	engine embedding.Engine

	snap atomic.Pointer[snapshot]

	// Serializes Rebuild against itself. Readers never take it.
	rebuildMu sync.Mutex

	vectorExt bool
}

// New opens (or creates) the example index at path.
func New(path string, engine embedding.Engine) (*SQLiteIndex, error) {
	timer := logging.StartTimer(logging.CategoryIndex, "index.New")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.IndexDebug("Failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.IndexDebug("Failed to set journal_mode=WAL: %v", err)
	}

	idx := &SQLiteIndex{db: db, dbPath: path, engine: engine}
	if err := idx.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	idx.detectVecExtension()
	if idx.vectorExt {
		logging.Index("sqlite-vec extension detected, ANN search enabled")
	} else {
		logging.Get(logging.CategoryIndex).Warn("sqlite-vec extension not available; using cosine scan")
	}

	if err := idx.loadSnapshot(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Index("Example index ready at %s (%d examples)", path, idx.snap.Load().len())
	return idx, nil
}

func (s *snapshot) len() int {
	if s == nil {
		return 0
	}
	return len(s.examples)
}

func (idx *SQLiteIndex) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS examples (
		id TEXT PRIMARY KEY,
		query TEXT NOT NULL,
		embedding BLOB,
		category TEXT NOT NULL,
		use_corpus INTEGER NOT NULL,
		use_events INTEGER NOT NULL,
		use_intel INTEGER NOT NULL,
		source TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_examples_category ON examples(category);
	CREATE INDEX IF NOT EXISTS idx_examples_source ON examples(source);
	`
	if _, err := idx.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize index schema: %w", err)
	}
	return nil
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (idx *SQLiteIndex) detectVecExtension() {
	if _, err := idx.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		idx.vectorExt = true
		_, _ = idx.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	idx.vectorExt = false
}

// loadSnapshot reads every example into a fresh snapshot and swaps it in.
func (idx *SQLiteIndex) loadSnapshot() error {
	rows, err := idx.db.Query(`
		SELECT id, query, embedding, category, use_corpus, use_events, use_intel, source
		FROM examples`)
	if err != nil {
		return fmt.Errorf("failed to load examples: %w", err)
	}
	defer rows.Close()

	snap := &snapshot{}
	for rows.Next() {
		var ex Example
		var blob []byte
		if err := rows.Scan(&ex.ID, &ex.Query, &blob, &ex.Category,
			&ex.Route.UseCorpus, &ex.Route.UseEvents, &ex.Route.UseIntel, &ex.Source); err != nil {
			continue
		}
		ex.Embedding = decodeFloat32Blob(blob)
		snap.examples = append(snap.examples, ex)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	idx.snap.Store(snap)
	return nil
}

// Initialized reports whether the index holds any examples.
func (idx *SQLiteIndex) Initialized() bool {
	return idx != nil && idx.snap.Load().len() > 0
}

// Search embeds the query and returns the k nearest labeled examples,
// closest first. The caller bounds the call with its context deadline.
func (idx *SQLiteIndex) Search(ctx context.Context, query string, k int) ([]Neighbor, error) {
	timer := logging.StartTimer(logging.CategoryIndex, "Search")
	defer timer.Stop()

	if k <= 0 {
		k = 3
	}
	snap := idx.snap.Load()
	if snap.len() == 0 {
		return nil, fmt.Errorf("index not initialized")
	}

	queryVec, err := idx.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	if idx.vectorExt {
		neighbors, err := idx.searchVec(ctx, queryVec, k)
		if err == nil {
			return neighbors, nil
		}
		logging.Get(logging.CategoryIndex).Warn("ANN search failed, falling back to scan: %v", err)
	}

	return idx.searchScan(snap, queryVec, k)
}

// searchVec runs KNN through the vec0 virtual table. The table is rebuilt
// together with the examples table, so both views agree.
func (idx *SQLiteIndex) searchVec(ctx context.Context, queryVec []float32, k int) ([]Neighbor, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT e.id, e.query, e.category, e.use_corpus, e.use_events, e.use_intel, e.source, v.distance
		FROM vec_examples v
		JOIN examples e ON e.rowid = v.rowid
		WHERE v.embedding MATCH ? AND v.k = ?
		ORDER BY v.distance ASC`, encodeFloat32Blob(queryVec), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var neighbors []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.Example.ID, &n.Example.Query, &n.Example.Category,
			&n.Example.Route.UseCorpus, &n.Example.Route.UseEvents, &n.Example.Route.UseIntel,
			&n.Example.Source, &n.Distance); err != nil {
			continue
		}
		neighbors = append(neighbors, n)
	}
	return neighbors, rows.Err()
}

// searchScan is the cosine fallback over the in-memory snapshot.
func (idx *SQLiteIndex) searchScan(snap *snapshot, queryVec []float32, k int) ([]Neighbor, error) {
	neighbors := make([]Neighbor, 0, len(snap.examples))
	for _, ex := range snap.examples {
		if len(ex.Embedding) == 0 {
			continue
		}
		dist, err := embedding.CosineDistance(queryVec, ex.Embedding)
		if err != nil {
			continue
		}
		neighbors = append(neighbors, Neighbor{Example: ex, Distance: dist})
	}
	if len(neighbors) == 0 {
		return nil, fmt.Errorf("no comparable examples in index")
	}

	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].Distance < neighbors[j].Distance })
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// Stats returns corpus counts. Never errors on an uninitialized index.
func (idx *SQLiteIndex) Stats() Stats {
	if idx == nil {
		return Stats{Error: "index not initialized"}
	}
	snap := idx.snap.Load()
	if snap.len() == 0 {
		return Stats{Error: "index not initialized", ANNEnabled: idx.vectorExt}
	}

	stats := Stats{
		Initialized:   true,
		TotalExamples: snap.len(),
		ByCategory:    make(map[string]int),
		BySource:      make(map[string]int),
		ANNEnabled:    idx.vectorExt,
	}
	for _, ex := range snap.examples {
		stats.ByCategory[ex.Category]++
		stats.BySource[ex.Source]++
	}
	return stats
}

// Examples returns a copy of the current corpus. Used by the ingest flow to
// merge new examples into an existing index.
func (idx *SQLiteIndex) Examples() []Example {
	snap := idx.snap.Load()
	if snap == nil {
		return nil
	}
	out := make([]Example, len(snap.examples))
	copy(out, snap.examples)
	return out
}

// Close closes the underlying database.
func (idx *SQLiteIndex) Close() error {
	return idx.db.Close()
}

// LoadSeedFile parses a seed-examples JSON file, deduplicating by normalized
// query text. Used by the ingest command to assemble a rebuild input.
func LoadSeedFile(path string) ([]Example, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var raw []Example
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	seen := make(map[string]bool)
	examples := make([]Example, 0, len(raw))
	for i, ex := range raw {
		key := normalizeQuery(ex.Query)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		if ex.ID == "" {
			ex.ID = fmt.Sprintf("seed_%04d", i)
		}
		if ex.Source == "" {
			ex.Source = SourceSeed
		}
		if ex.Category == "" {
			ex.Category = ex.Route.Category()
		}
		examples = append(examples, ex)
	}
	return examples, nil
}

func encodeFloat32Blob(vec []float32) []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil
	}
	return buf.Bytes()
}

func decodeFloat32Blob(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec); err != nil {
		return nil
	}
	return vec
}
