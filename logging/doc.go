// Package logging provides a minimal logging interface and adapters for the
// psyche runtime.
//
// The Logger interface defines the standard logging methods (Debug, Info,
// Warn, Error) that units use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	sup := runner.NewSupervisor(store, broker, runner.WithLogger(logger))
//
// The design intentionally keeps the interface minimal to avoid vendor lock-in
// while supporting structured logging where available.
package logging
