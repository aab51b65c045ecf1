// Package model defines the streaming language-model abstraction the
// cognitive units depend on: a Request/Response channel pair, a MockModel
// for tests, and a bounded exponential Retry policy with per-call timeouts.
// Provider adapters live in the openai and anthropic subpackages.
package model
