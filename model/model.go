package model

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Request captures one normalized model invocation: fixed instruction text
// plus the rendered prompt body.
type Request struct {
	Instructions string `json:"instructions"`
	Input        string `json:"input"`
	Stream       bool   `json:"stream,omitempty"`
}

// Response is a (partial or final) chunk emitted by a streaming model. For
// non-streaming calls a single final Response carries the full text.
type Response struct {
	Text         string `json:"text"`
	Partial      bool   `json:"partial"`
	FinishReason string `json:"finish_reason,omitempty"` // "stop", "length", ...
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", ...
}

// Model is the minimal interface units use to drive generation. Generate
// returns a response channel and an error channel; both are closed when the
// call finishes. Implementations must respect ctx cancellation.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Collect drains a Generate call into the concatenated response text.
// It returns the first error observed, including ctx cancellation.
func Collect(ctx context.Context, m Model, req Request) (string, error) {
	respCh, errCh := m.Generate(ctx, req)
	var sb strings.Builder
	sawPartial := false
	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if resp.Partial {
				sawPartial = true
				sb.WriteString(resp.Text)
				continue
			}
			// The final response repeats the full text only on
			// non-streaming paths.
			if !sawPartial {
				sb.WriteString(resp.Text)
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return sb.String(), err
			}
		}
	}
	return sb.String(), nil
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Responses are matched on the request input; unmatched inputs echo back.
type MockModel struct {
	mu        sync.Mutex
	info      Info
	responses map[string]string
	fallback  string
	calls     int
}

// NewMockModel constructs a MockModel.
func NewMockModel(name string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: "mock"},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input.
func (m *MockModel) AddResponse(input, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[input] = response
}

// SetFallback sets the completion returned for unregistered inputs.
func (m *MockModel) SetFallback(response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = response
}

// Calls returns how many Generate invocations have been made.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Generate implements Model; emits optional streaming rune chunks then the
// final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.calls++
	full, ok := m.responses[req.Input]
	if !ok {
		if m.fallback != "" {
			full = m.fallback
		} else {
			full = fmt.Sprintf("Mock response to: %s", req.Input)
		}
	}
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)
		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Text: string(r), Partial: true}:
				}
			}
		}
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{Text: full, Partial: false, FinishReason: "stop"}:
		}
	}()
	return respCh, errCh
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }
