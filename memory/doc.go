// Package memory provides core.Store implementations: a process-local
// InMemoryStore for tests and demos, and a durable SQLiteStore (pure Go
// driver) for real deployments. Both enforce the same semantics: inserts are
// idempotent under (kind, dedup key), links are set-valued, and Recall ranks
// impression narratives by token overlap with the query.
package memory
