package core

import "context"

// Excerpt is a recalled memory fragment with a relevance score.
type Excerpt struct {
	ID    string
	Text  string
	Score float64
}

// Store is the dual-store memory layer shared by all units. Implementations
// must serialize concurrent writes to the same dedup key (insert-if-absent)
// but require no coordination across distinct keys.
//
// Writes are best-effort from the pipeline's perspective: units log store
// errors and continue rather than stalling.
type Store interface {
	// Find returns the stored id for (kind, dedupKey) if present.
	Find(ctx context.Context, kind Kind, dedupKey string) (string, bool, error)

	// Insert persists the entity unless an entity of the same kind and dedup
	// key already exists, in which case it is a no-op.
	Insert(ctx context.Context, e Entity) error

	// Link records a directed relationship between two stored entities.
	Link(ctx context.Context, fromID string, rel Relation, toID string) error

	// Recall returns up to limit impression excerpts ordered by relevance to
	// the query text.
	Recall(ctx context.Context, query string, limit int) ([]Excerpt, error)
}
