package core

import "sync"

// HealthTracker counts consecutive failures of a recurring operation (model
// calls, store writes). Individual failures are absorbed by retry/drop
// policies; only a sustained streak surfaces as a degraded signal for
// operators.
type HealthTracker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
}

// NewHealthTracker creates a tracker that reports degraded after threshold
// consecutive failures. A threshold of 0 disables the signal.
func NewHealthTracker(threshold int) *HealthTracker {
	return &HealthTracker{threshold: threshold}
}

// Failure records one failed cycle.
func (h *HealthTracker) Failure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutive++
}

// Success resets the streak.
func (h *HealthTracker) Success() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutive = 0
}

// Failures returns the current consecutive failure count.
func (h *HealthTracker) Failures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutive
}

// Degraded reports whether the failure streak has reached the threshold.
func (h *HealthTracker) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.threshold > 0 && h.consecutive >= h.threshold
}
