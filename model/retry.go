package model

import (
	"context"
	"fmt"
	"time"
)

// Retry is a bounded exponential backoff policy for model calls. Each
// attempt runs under its own timeout; exceeding it counts as a failed
// attempt. Exhausting the budget returns the last error so the caller can
// drop the cycle.
type Retry struct {
	Attempts    int           // total attempts, minimum 1
	BaseDelay   time.Duration // delay before the 2nd attempt, doubled after
	MaxDelay    time.Duration // backoff ceiling, 0 means uncapped
	CallTimeout time.Duration // per-attempt deadline, 0 means none
}

// DefaultRetry mirrors the distiller failure semantics: three attempts with
// a one second base backoff and a thirty second per-call timeout.
func DefaultRetry() Retry {
	return Retry{Attempts: 3, BaseDelay: time.Second, MaxDelay: 8 * time.Second, CallTimeout: 30 * time.Second}
}

func (r Retry) attempts() int {
	if r.Attempts < 1 {
		return 1
	}
	return r.Attempts
}

// Collect calls Collect under the retry policy. Collection has no side
// effects, so every failure (including mid-stream) is retryable.
func (r Retry) Collect(ctx context.Context, m Model, req Request) (string, error) {
	var lastErr error
	delay := r.BaseDelay
	for attempt := 1; attempt <= r.attempts(); attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if r.MaxDelay > 0 && delay > r.MaxDelay {
				delay = r.MaxDelay
			}
		}
		attemptCtx := ctx
		cancel := func() {}
		if r.CallTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.CallTimeout)
		}
		text, err := Collect(attemptCtx, m, req)
		cancel()
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
	}
	return "", fmt.Errorf("model call failed after %d attempts: %w", r.attempts(), lastErr)
}

// Stream drives a streaming Generate call, handing each partial chunk to fn
// in arrival order. Failures before the first chunk are retried under the
// policy; once output has been forwarded a failure is returned as-is, since
// chunks already had side effects and must not be replayed.
func (r Retry) Stream(ctx context.Context, m Model, req Request, fn func(chunk string)) error {
	req.Stream = true
	var lastErr error
	delay := r.BaseDelay
	for attempt := 1; attempt <= r.attempts(); attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if r.MaxDelay > 0 && delay > r.MaxDelay {
				delay = r.MaxDelay
			}
		}
		attemptCtx := ctx
		cancel := func() {}
		if r.CallTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.CallTimeout)
		}
		forwarded, err := streamOnce(attemptCtx, m, req, fn)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if forwarded {
			return fmt.Errorf("model stream failed mid-response: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("model call failed after %d attempts: %w", r.attempts(), lastErr)
}

func streamOnce(ctx context.Context, m Model, req Request, fn func(chunk string)) (bool, error) {
	respCh, errCh := m.Generate(ctx, req)
	forwarded := false
	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return forwarded, ctx.Err()
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if resp.Partial && resp.Text != "" {
				forwarded = true
				fn(resp.Text)
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return forwarded, err
			}
		}
	}
	return forwarded, nil
}
