package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/daringsby/psyche/core"
)

type link struct {
	from     string
	relation core.Relation
	to       string
}

// InMemoryStore is a process-local core.Store. Concurrency is handled with a
// single RWMutex; recall is a linear scan over impressions. Suitable for
// tests and demos; use SQLiteStore for durability.
type InMemoryStore struct {
	mu       sync.RWMutex
	entities map[string]core.Entity
	index    map[core.Kind]map[string]string // kind -> dedup key -> id
	links    []link
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entities: make(map[string]core.Entity),
		index:    make(map[core.Kind]map[string]string),
	}
}

// Find implements core.Store.
func (s *InMemoryStore) Find(_ context.Context, kind core.Kind, dedupKey string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKey, ok := s.index[kind]
	if !ok {
		return "", false, nil
	}
	id, ok := byKey[dedupKey]
	return id, ok, nil
}

// Insert implements core.Store. Re-inserting an entity whose (kind, dedup
// key) already exists is a no-op, keeping sensation ingestion idempotent.
func (s *InMemoryStore) Insert(_ context.Context, e core.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind := e.EntityKind()
	byKey, ok := s.index[kind]
	if !ok {
		byKey = make(map[string]string)
		s.index[kind] = byKey
	}
	if _, exists := byKey[e.DedupKey()]; exists {
		return nil
	}
	if _, exists := s.entities[e.EntityID()]; exists {
		return fmt.Errorf("memory: entity id %s already stored", e.EntityID())
	}
	s.entities[e.EntityID()] = e
	byKey[e.DedupKey()] = e.EntityID()
	return nil
}

// Link implements core.Store. Duplicate edges collapse to one.
func (s *InMemoryStore) Link(_ context.Context, fromID string, rel core.Relation, toID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if l.from == fromID && l.relation == rel && l.to == toID {
			return nil
		}
	}
	s.links = append(s.links, link{from: fromID, relation: rel, to: toID})
	return nil
}

// Recall implements core.Store via token-overlap ranking over impressions.
func (s *InMemoryStore) Recall(_ context.Context, query string, limit int) ([]core.Excerpt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var impressions []core.Impression
	for _, e := range s.entities {
		if imp, ok := e.(core.Impression); ok {
			impressions = append(impressions, imp)
		}
	}
	return rankImpressions(query, impressions, limit), nil
}

// Entity returns the stored entity by id, for inspection.
func (s *InMemoryStore) Entity(id string) (core.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	return e, ok
}

// Count returns the number of stored entities of the given kind.
func (s *InMemoryStore) Count(kind core.Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index[kind])
}

// LinksFrom returns the target ids of edges leaving fromID with the given
// relation, in insertion order.
func (s *InMemoryStore) LinksFrom(fromID string, rel core.Relation) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, l := range s.links {
		if l.from == fromID && l.relation == rel {
			out = append(out, l.to)
		}
	}
	return out
}

// EntitiesOf returns all stored entities of a kind, in unspecified order.
func (s *InMemoryStore) EntitiesOf(kind core.Kind) []core.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Entity
	for _, id := range s.index[kind] {
		out = append(out, s.entities[id])
	}
	return out
}
