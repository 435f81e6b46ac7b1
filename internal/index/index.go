// Package index implements the labeled example index the similarity tier
// searches. Examples live in SQLite with their embeddings; lookups run
// against an immutable in-memory snapshot that is replaced wholesale by
// Rebuild, so routing reads never observe a partially-built index.
package index

import (
	"context"

	"triage/internal/types"
)

// Example provenance values.
const (
	SourceSeed     = "seed"
	SourceAudit    = "audit_log"
	SourceFeedback = "user_feedback"
)

// Example is one labeled query in the corpus. The embedding is opaque to the
// routing core; only this package and the embedding engine touch it.
type Example struct {
	ID        string      `json:"id"`
	Query     string      `json:"query"`
	Embedding []float32   `json:"-"`
	Category  string      `json:"category"`
	Route     types.Route `json:"route"`
	Source    string      `json:"source"`
}

// Neighbor is one similarity search result. The example's fields are promoted
// so consumers read the label directly. Distance is normalized to [0,2] where
// 0 is identical; the router converts it to a similarity score.
type Neighbor struct {
	Example
	Distance float64
}

// Searcher is the similarity collaborator contract the router depends on.
// Implementations must support unlimited concurrent readers.
type Searcher interface {
	// Search returns up to k nearest labeled examples for the query text,
	// closest first.
	Search(ctx context.Context, query string, k int) ([]Neighbor, error)

	// Initialized reports whether the index holds any examples. When false
	// the router skips the similarity tier entirely.
	Initialized() bool
}

// Stats describes the index for observability. Must tolerate an
// uninitialized index rather than erroring.
type Stats struct {
	Initialized   bool           `json:"initialized"`
	TotalExamples int            `json:"total_examples"`
	ByCategory    map[string]int `json:"category_breakdown,omitempty"`
	BySource      map[string]int `json:"source_breakdown,omitempty"`
	ANNEnabled    bool           `json:"ann_enabled"`
	Error         string         `json:"error,omitempty"`
}
