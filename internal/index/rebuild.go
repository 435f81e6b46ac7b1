package index

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"triage/internal/logging"
)

const (
	embedBatchSize = 32
	embedWorkers   = 4
)

// Rebuild replaces the whole corpus with the given examples: embeddings are
// generated for any example missing one, rows are written to a staging table,
// and the live table plus in-memory snapshot are swapped atomically. Rebuild
// never runs concurrently with itself; Search keeps serving the previous
// snapshot until the swap lands.
func (idx *SQLiteIndex) Rebuild(ctx context.Context, examples []Example) error {
	idx.rebuildMu.Lock()
	defer idx.rebuildMu.Unlock()

	timer := logging.StartTimer(logging.CategoryIndex, "Rebuild")
	defer timer.Stop()

	if len(examples) == 0 {
		return fmt.Errorf("rebuild requires at least one example")
	}

	if err := idx.embedMissing(ctx, examples); err != nil {
		return err
	}

	if err := idx.stageAndSwap(examples); err != nil {
		return err
	}

	if err := idx.loadSnapshot(); err != nil {
		return fmt.Errorf("failed to reload snapshot after rebuild: %w", err)
	}

	logging.Index("Index rebuilt with %d examples", len(examples))
	return nil
}

// embedMissing fills in embeddings batch by batch, batches running in
// parallel workers. Any failed batch aborts the rebuild; a corpus with holes
// would silently shrink the searchable set.
func (idx *SQLiteIndex) embedMissing(ctx context.Context, examples []Example) error {
	var pending []int
	for i := range examples {
		if len(examples[i].Embedding) == 0 {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	logging.IndexDebug("Embedding %d examples in batches of %d", len(pending), embedBatchSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedWorkers)

	for start := 0; start < len(pending); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		g.Go(func() error {
			texts := make([]string, len(batch))
			for j, i := range batch {
				texts[j] = examples[i].Query
			}
			vecs, err := idx.engine.EmbedBatch(gctx, texts)
			if err != nil {
				return fmt.Errorf("failed to embed batch: %w", err)
			}
			for j, i := range batch {
				examples[i].Embedding = vecs[j]
			}
			return nil
		})
	}

	return g.Wait()
}

// stageAndSwap writes the new corpus into a staging table and promotes it in
// one transaction, then rebuilds the vec0 side table when ANN is available.
func (idx *SQLiteIndex) stageAndSwap(examples []Example) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin rebuild transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DROP TABLE IF EXISTS examples_staging`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		CREATE TABLE examples_staging (
			id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			embedding BLOB,
			category TEXT NOT NULL,
			use_corpus INTEGER NOT NULL,
			use_events INTEGER NOT NULL,
			use_intel INTEGER NOT NULL,
			source TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO examples_staging
			(id, query, embedding, category, use_corpus, use_events, use_intel, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ex := range examples {
		if _, err := stmt.Exec(ex.ID, ex.Query, encodeFloat32Blob(ex.Embedding), ex.Category,
			ex.Route.UseCorpus, ex.Route.UseEvents, ex.Route.UseIntel, ex.Source); err != nil {
			return fmt.Errorf("failed to stage example %s: %w", ex.ID, err)
		}
	}

	if _, err := tx.Exec(`DROP TABLE examples`); err != nil {
		return err
	}
	if _, err := tx.Exec(`ALTER TABLE examples_staging RENAME TO examples`); err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_examples_category ON examples(category)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_examples_source ON examples(source)`); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}

	if idx.vectorExt {
		if err := idx.rebuildVecTable(examples); err != nil {
			// ANN stays stale or absent; the scan path still serves.
			logging.Get(logging.CategoryIndex).Warn("Failed to rebuild vec table: %v", err)
			idx.vectorExt = false
		}
	}

	return nil
}

func (idx *SQLiteIndex) rebuildVecTable(examples []Example) error {
	dims := 0
	for _, ex := range examples {
		if len(ex.Embedding) > 0 {
			dims = len(ex.Embedding)
			break
		}
	}
	if dims == 0 {
		return fmt.Errorf("no embeddings available for vec table")
	}

	if _, err := idx.db.Exec(`DROP TABLE IF EXISTS vec_examples`); err != nil {
		return err
	}
	create := fmt.Sprintf(
		`CREATE VIRTUAL TABLE vec_examples USING vec0(embedding float[%d] distance_metric=cosine)`, dims)
	if _, err := idx.db.Exec(create); err != nil {
		return err
	}
	if _, err := idx.db.Exec(`
		INSERT INTO vec_examples(rowid, embedding)
		SELECT rowid, embedding FROM examples WHERE embedding IS NOT NULL`); err != nil {
		return err
	}
	return nil
}

// normalizeQuery is the dedup key for corpus assembly.
func normalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}
