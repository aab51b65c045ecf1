// Package core defines the entity model and the narrow interfaces shared by
// every cognitive unit: the durable Store, the observability Broker and the
// Stimulus abstraction that lets Sensations and Impressions flow through the
// same distillation pipelines.
//
// All entities are immutable once persisted and keyed by a UUID. The Store
// enforces uniqueness on that key and deduplicates inserts via each entity's
// DedupKey, so concurrent units can write without coordination.
package core
