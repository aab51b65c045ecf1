// Package motor implements the action subsystem: named motors with declared
// attribute schemas, a registry that renders the action manifest for the
// decision prompt, and an executor that runs intentions and records their
// terminal outcomes.
package motor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/daringsby/psyche/core"
)

// Attr declares one attribute a motor accepts on its action tag.
type Attr struct {
	Name        string
	Description string
	Required    bool
}

// Descriptor is a motor's manifest entry: everything the decision engine
// needs to render the action into its prompt and everything the executor
// needs to validate and schedule an intention.
type Descriptor struct {
	// Name is the action tag, snake_case ("say", "read_file").
	Name string
	// Description is shown verbatim to the model.
	Description string
	// Attributes accepted on the opening tag.
	Attributes []Attr
	// AcceptsStream marks motors that can consume body text incrementally,
	// before the closing tag has been parsed.
	AcceptsStream bool
	// Exclusive marks motors bound to a single physical resource: a newer
	// intention supersedes an in-flight call instead of running alongside it.
	Exclusive bool
}

// Invocation is the input handed to a motor when an intention executes.
type Invocation struct {
	Intention core.Intention
	// Stream delivers body text incrementally for AcceptsStream motors
	// dispatched at tag-open. Nil when the body arrived complete; motors must
	// fall back to Intention.Body in that case.
	Stream <-chan string
}

// Body returns the complete body when no stream is attached, or drains the
// stream into one string otherwise. Draining respects ctx cancellation.
func (in Invocation) Body(ctx context.Context) (string, error) {
	if in.Stream == nil {
		return in.Intention.Body, nil
	}
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return b.String(), ctx.Err()
		case chunk, ok := <-in.Stream:
			if !ok {
				return b.String(), nil
			}
			b.WriteString(chunk)
		}
	}
}

// Motor is a single named action implementation. Perform must honor ctx
// cancellation: a superseded or shutting-down call has its context cancelled
// and should return promptly.
type Motor interface {
	Describe() Descriptor
	Perform(ctx context.Context, in Invocation) (Result, error)
}

// Result is a motor's successful outcome. Sensations are re-ingested into
// the sensation stream so the agent perceives its own effects (a say motor
// reporting "I said ...").
type Result struct {
	Summary    string
	Sensations []core.Sensation
}

// Error codes raised by the executor and by motor implementations.
const (
	CodeUnknownAction = "UNKNOWN_ACTION"
	CodeValidation    = "VALIDATION_ERROR"
	CodeExecution     = "EXECUTION_ERROR"
)

// MotorError categorizes motor failures for uniform downstream handling.
type MotorError struct {
	Motor   string `json:"motor"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *MotorError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("motor error [%s] in %s: %s", e.Code, e.Motor, e.Message)
	}
	return fmt.Sprintf("motor error in %s: %s", e.Motor, e.Message)
}

// NewMotorError creates a MotorError with the given categorization code.
func NewMotorError(motor, message, code string) *MotorError {
	return &MotorError{Motor: motor, Message: message, Code: code}
}

// Registry is the fixed set of motors available to the decision engine.
// Registration happens at assembly time; lookups afterwards are read-only,
// so the registry is safe for concurrent use once the pipeline is running.
type Registry struct {
	mu     sync.RWMutex
	motors map[string]Motor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{motors: make(map[string]Motor)}
}

// Register adds a motor, replacing any previous motor of the same name.
func (r *Registry) Register(m Motor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.motors[m.Describe().Name] = m
}

// Get returns the motor registered under name.
func (r *Registry) Get(name string) (Motor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.motors[name]
	return m, ok
}

// Descriptors returns all manifest entries sorted by action name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.motors))
	for _, m := range r.motors {
		out = append(out, m.Describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered action names sorted alphabetically.
func (r *Registry) Names() []string {
	descs := r.Descriptors()
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	return names
}

// Manifest renders the registry as the action list injected verbatim into
// the decision prompt: one example tag plus description per motor.
func (r *Registry) Manifest() string {
	var b strings.Builder
	for _, d := range r.Descriptors() {
		b.WriteString("<")
		b.WriteString(d.Name)
		for _, a := range d.Attributes {
			b.WriteString(fmt.Sprintf(" %s=%q", a.Name, "..."))
		}
		b.WriteString(">...</")
		b.WriteString(d.Name)
		b.WriteString("> - ")
		b.WriteString(d.Description)
		if req := requiredNames(d); len(req) > 0 {
			b.WriteString(" (required: ")
			b.WriteString(strings.Join(req, ", "))
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func requiredNames(d Descriptor) []string {
	var req []string
	for _, a := range d.Attributes {
		if a.Required {
			req = append(req, a.Name)
		}
	}
	return req
}

// ValidateAttributes checks the intention's attribute map against the
// descriptor: required attributes must be present and non-empty, unknown
// attributes are rejected.
func ValidateAttributes(d Descriptor, attrs map[string]string) error {
	known := make(map[string]bool, len(d.Attributes))
	for _, a := range d.Attributes {
		known[a.Name] = true
		if a.Required {
			if v, ok := attrs[a.Name]; !ok || v == "" {
				return NewMotorError(d.Name, fmt.Sprintf("missing required attribute %q", a.Name), CodeValidation)
			}
		}
	}
	for name := range attrs {
		if !known[name] {
			return NewMotorError(d.Name, fmt.Sprintf("unknown attribute %q", name), CodeValidation)
		}
	}
	return nil
}
