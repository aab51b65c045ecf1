package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go sqlite driver

	"github.com/daringsby/psyche/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	dedup_key  TEXT NOT NULL,
	created_at TEXT NOT NULL,
	payload    TEXT NOT NULL,
	UNIQUE (kind, dedup_key)
);
CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities (kind);

CREATE TABLE IF NOT EXISTS links (
	from_id    TEXT NOT NULL,
	relation   TEXT NOT NULL,
	to_id      TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (from_id, relation, to_id)
);
CREATE INDEX IF NOT EXISTS idx_links_from ON links (from_id, relation);
`

// SQLiteStore is a durable core.Store backed by a single SQLite database
// file. The UNIQUE (kind, dedup_key) constraint serializes concurrent
// insert-if-absent across units; no application-level locking is needed.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) the database at path and applies
// the schema. Use ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Writes come from many units; a single connection avoids SQLITE_BUSY
	// churn with the pure Go driver.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Find implements core.Store.
func (s *SQLiteStore) Find(ctx context.Context, kind core.Kind, dedupKey string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM entities WHERE kind = ? AND dedup_key = ?`, string(kind), dedupKey).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find %s: %w", kind, err)
	}
	return id, true, nil
}

// Insert implements core.Store. The unique constraint turns duplicate
// (kind, dedup key) inserts into no-ops.
func (s *SQLiteStore) Insert(ctx context.Context, e core.Entity) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", e.EntityKind(), e.EntityID(), err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (id, kind, dedup_key, created_at, payload)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (kind, dedup_key) DO NOTHING`,
		e.EntityID(), string(e.EntityKind()), e.DedupKey(),
		time.Now().UTC().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("insert %s %s: %w", e.EntityKind(), e.EntityID(), err)
	}
	return nil
}

// Link implements core.Store.
func (s *SQLiteStore) Link(ctx context.Context, fromID string, rel core.Relation, toID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO links (from_id, relation, to_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (from_id, relation, to_id) DO NOTHING`,
		fromID, string(rel), toID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("link %s -%s-> %s: %w", fromID, rel, toID, err)
	}
	return nil
}

// Recall implements core.Store: impressions are loaded and ranked by token
// overlap in process. Good enough for the narrative sizes involved; swap in
// a vector index behind the same interface for large corpora.
func (s *SQLiteStore) Recall(ctx context.Context, query string, limit int) ([]core.Excerpt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM entities WHERE kind = ?`, string(core.KindImpression))
	if err != nil {
		return nil, fmt.Errorf("recall query: %w", err)
	}
	defer rows.Close()

	var impressions []core.Impression
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("recall scan: %w", err)
		}
		var imp core.Impression
		if err := json.Unmarshal([]byte(payload), &imp); err != nil {
			continue // tolerate rows written by newer versions
		}
		impressions = append(impressions, imp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recall rows: %w", err)
	}
	return rankImpressions(query, impressions, limit), nil
}

// LinksFrom returns the target ids of edges leaving fromID with the given
// relation, oldest first.
func (s *SQLiteStore) LinksFrom(ctx context.Context, fromID string, rel core.Relation) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT to_id FROM links WHERE from_id = ? AND relation = ? ORDER BY created_at`,
		fromID, string(rel))
	if err != nil {
		return nil, fmt.Errorf("links from %s: %w", fromID, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var to string
		if err := rows.Scan(&to); err != nil {
			return nil, err
		}
		out = append(out, to)
	}
	return out, rows.Err()
}

// Count returns the number of stored entities of a kind.
func (s *SQLiteStore) Count(ctx context.Context, kind core.Kind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE kind = ?`, string(kind)).Scan(&n)
	return n, err
}
