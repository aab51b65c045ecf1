package model

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Model = (*MockModel)(nil)

// flakyModel fails a configured number of calls before succeeding, optionally
// emitting some partial chunks before each failure.
type flakyModel struct {
	failures    int32
	chunksFirst []string // partials emitted before each failure, may be empty
	success     string
	calls       int32
}

func (f *flakyModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	// Unbuffered so partials are observed before a trailing error.
	respCh := make(chan Response)
	errCh := make(chan error, 1)
	call := atomic.AddInt32(&f.calls, 1)
	go func() {
		defer close(respCh)
		defer close(errCh)
		if call <= atomic.LoadInt32(&f.failures) {
			for _, c := range f.chunksFirst {
				respCh <- Response{Text: c, Partial: true}
			}
			errCh <- errors.New("connection reset")
			return
		}
		if req.Stream {
			for _, r := range f.success {
				respCh <- Response{Text: string(r), Partial: true}
			}
		}
		respCh <- Response{Text: f.success, FinishReason: "stop"}
	}()
	return respCh, errCh
}

func (f *flakyModel) Info() Info { return Info{Name: "flaky", Provider: "test"} }

func TestMockModelStreaming(t *testing.T) {
	m := NewMockModel("test")
	m.AddResponse("ping", "pong")

	text, err := Collect(context.Background(), m, Request{Input: "ping", Stream: true})
	require.NoError(t, err)
	assert.Equal(t, "pong", text)
	assert.Equal(t, 1, m.Calls())
}

func TestMockModelNonStreaming(t *testing.T) {
	m := NewMockModel("test")
	text, err := Collect(context.Background(), m, Request{Input: "anything"})
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: anything", text)
}

func TestRetryCollectEventuallySucceeds(t *testing.T) {
	m := &flakyModel{failures: 2, success: "ok"}
	r := Retry{Attempts: 3, BaseDelay: time.Millisecond}

	text, err := r.Collect(context.Background(), m, Request{Input: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(3), atomic.LoadInt32(&m.calls))
}

func TestRetryCollectExhaustsBudget(t *testing.T) {
	m := &flakyModel{failures: 10, success: "never"}
	r := Retry{Attempts: 3, BaseDelay: time.Millisecond}

	_, err := r.Collect(context.Background(), m, Request{Input: "x"})
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&m.calls))
}

func TestRetryStreamRetriesBeforeFirstChunk(t *testing.T) {
	m := &flakyModel{failures: 1, success: "ab"}
	r := Retry{Attempts: 2, BaseDelay: time.Millisecond}

	var got []string
	err := r.Stream(context.Background(), m, Request{Input: "x"}, func(chunk string) {
		got = append(got, chunk)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestRetryStreamDoesNotReplayForwardedChunks(t *testing.T) {
	m := &flakyModel{failures: 5, chunksFirst: []string{"partial"}, success: "never"}
	r := Retry{Attempts: 3, BaseDelay: time.Millisecond}

	var got []string
	err := r.Stream(context.Background(), m, Request{Input: "x"}, func(chunk string) {
		got = append(got, chunk)
	})
	require.Error(t, err)
	// One call only: chunks were already forwarded, replay is forbidden.
	assert.Equal(t, int32(1), atomic.LoadInt32(&m.calls))
	assert.Equal(t, []string{"partial"}, got)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	m := &flakyModel{failures: 100, success: "never"}
	r := Retry{Attempts: 10, BaseDelay: 50 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Collect(ctx, m, Request{Input: "x"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
