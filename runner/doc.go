// Package runner implements the supervision layer.
//
// The Supervisor owns every scheduled unit of the cognitive pipeline: the
// distillers, the decision engine and the input adapters. Units are
// registered as factories so each (re)start builds a fresh instance with its
// own model and store handles; no two units share mutable state.
//
// Failure policy: a panic or unexpected error is caught at the supervision
// boundary, recorded as a Lifecycle entity, and the unit is rebuilt after an
// exponential backoff. Sibling units are never affected. Shutdown is
// cooperative with a bounded timeout; stragglers are abandoned and recorded
// as killed.
package runner
