package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the entity table an object belongs to.
type Kind string

// Entity kinds persisted by the Store.
const (
	KindSensation    Kind = "sensation"
	KindImpression   Kind = "impression"
	KindIntention    Kind = "intention"
	KindMotorCall    Kind = "motor_call"
	KindCompletion   Kind = "completion"
	KindInterruption Kind = "interruption"
	KindLifecycle    Kind = "lifecycle"
)

// Relation names a directed edge between two persisted entities.
type Relation string

const (
	// RelationSummarizes links an Impression to every source it compresses.
	RelationSummarizes Relation = "SUMMARIZES"
	// RelationDerivedFrom marks a feedback re-entry: a Sensation wrapping an
	// Impression that was routed back into a distiller.
	RelationDerivedFrom Relation = "DERIVED_FROM"
)

// Entity is anything the Store can persist. DedupKey returns a stable key
// used for insert-if-absent; entities that never collide return their ID.
type Entity interface {
	EntityID() string
	EntityKind() Kind
	DedupKey() string
}

// Stimulus is a unit of experience a distiller can buffer: raw Sensations and
// already-compressed Impressions both qualify, which is what allows
// Instant -> Situation -> Episode chaining without special cases.
type Stimulus interface {
	StimulusID() string
	StimulusText() string
	StimulusTime() time.Time
}

// NewID generates a UUID string used as the primary key for all entities.
func NewID() string { return uuid.NewString() }

// Source describes where a Sensation came from: a modality ("chat", "vision",
// "system") plus an optional device identifier.
type Source struct {
	Modality string `json:"modality"`
	Device   string `json:"device,omitempty"`
}

// ParseSource converts an ingress path such as "/vision/camera0" into a
// Source. The first segment is the modality, the rest names the device.
func ParseSource(path string) Source {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return Source{Modality: "unknown"}
	}
	parts := strings.SplitN(trimmed, "/", 2)
	src := Source{Modality: parts[0]}
	if len(parts) == 2 {
		src.Device = parts[1]
	}
	return src
}

// String renders the source as a path-like descriptor.
func (s Source) String() string {
	if s.Device == "" {
		return s.Modality
	}
	return s.Modality + "/" + s.Device
}

// Sensation is one atomic unit of raw experience. It is created by an input
// adapter (or by a motor echoing its own effect) and never mutated.
type Sensation struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Text      string    `json:"text"`
	// FromImpression is set when this sensation wraps an Impression fed back
	// into a downstream distiller, retaining lineage across levels.
	FromImpression string `json:"from_impression,omitempty"`
}

// NewSensation builds a Sensation observed now.
func NewSensation(source Source, text string) Sensation {
	return Sensation{ID: NewID(), Timestamp: time.Now().UTC(), Source: source, Text: text}
}

// EntityID implements Entity.
func (s Sensation) EntityID() string { return s.ID }

// EntityKind implements Entity.
func (s Sensation) EntityKind() Kind { return KindSensation }

// DedupKey makes Sensation insertion idempotent under identical source,
// content and second-rounded timestamp.
func (s Sensation) DedupKey() string {
	return hashKey(s.Source.String(), s.Text, s.Timestamp.Truncate(time.Second).UTC().Format(time.RFC3339))
}

// StimulusID implements Stimulus.
func (s Sensation) StimulusID() string { return s.ID }

// StimulusText implements Stimulus.
func (s Sensation) StimulusText() string { return s.Text }

// StimulusTime implements Stimulus.
func (s Sensation) StimulusTime() time.Time { return s.Timestamp }

// Level orders impressions by abstraction: Instant < Situation < Episode <
// Narrative.
type Level int

const (
	// LevelInstant summarizes seconds of raw sensation.
	LevelInstant Level = iota
	// LevelSituation summarizes a handful of instants.
	LevelSituation
	// LevelEpisode summarizes a scene or exchange.
	LevelEpisode
	// LevelNarrative is the long-arc self story.
	LevelNarrative
)

var levelNames = [...]string{"instant", "situation", "episode", "narrative"}

// String returns the lowercase level tag used in config and storage.
func (l Level) String() string {
	if l < LevelInstant || l > LevelNarrative {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel maps a config tag back to a Level.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("unknown impression level %q", s)
}

// Impression is a compressed first-person summary over one or more lower
// entities, linked to each of them via SUMMARIZES.
type Impression struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Narrative string    `json:"narrative"`
}

// NewImpression builds an Impression produced now.
func NewImpression(level Level, narrative string) Impression {
	return Impression{ID: NewID(), Timestamp: time.Now().UTC(), Level: level, Narrative: narrative}
}

// EntityID implements Entity.
func (i Impression) EntityID() string { return i.ID }

// EntityKind implements Entity.
func (i Impression) EntityKind() Kind { return KindImpression }

// DedupKey returns the ID: impressions are unique per distillation.
func (i Impression) DedupKey() string { return i.ID }

// StimulusID implements Stimulus so impressions can feed further distillers.
func (i Impression) StimulusID() string { return i.ID }

// StimulusText implements Stimulus.
func (i Impression) StimulusText() string { return i.Narrative }

// StimulusTime implements Stimulus.
func (i Impression) StimulusTime() time.Time { return i.Timestamp }

// AsSensation wraps the impression as a feedback Sensation for a downstream
// distiller, retaining lineage through FromImpression.
func (i Impression) AsSensation(unit string) Sensation {
	s := NewSensation(Source{Modality: "wit", Device: unit}, i.Narrative)
	s.FromImpression = i.ID
	return s
}

// Intention is a parsed, not-yet-executed action request produced by the
// decision engine. Body carries streamed tag content once complete.
type Intention struct {
	ID         string            `json:"id"`
	Action     string            `json:"action"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Body       string            `json:"body,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// NewIntention builds an Intention for the named action.
func NewIntention(action string, attrs map[string]string) Intention {
	return Intention{ID: NewID(), Action: action, Attributes: attrs, Timestamp: time.Now().UTC()}
}

// EntityID implements Entity.
func (i Intention) EntityID() string { return i.ID }

// EntityKind implements Entity.
func (i Intention) EntityKind() Kind { return KindIntention }

// DedupKey returns the ID: every parsed tag is a distinct intention.
func (i Intention) DedupKey() string { return i.ID }

// MotorCall is the audit record created when an intention begins executing.
type MotorCall struct {
	ID          string    `json:"id"`
	IntentionID string    `json:"intention_id"`
	StartedAt   time.Time `json:"started_at"`
}

// NewMotorCall builds the audit record for an intention starting now.
func NewMotorCall(intentionID string) MotorCall {
	return MotorCall{ID: NewID(), IntentionID: intentionID, StartedAt: time.Now().UTC()}
}

// EntityID implements Entity.
func (m MotorCall) EntityID() string { return m.ID }

// EntityKind implements Entity.
func (m MotorCall) EntityKind() Kind { return KindMotorCall }

// DedupKey returns the ID.
func (m MotorCall) DedupKey() string { return m.ID }

// Completion is the terminal success record for a MotorCall.
type Completion struct {
	ID          string    `json:"id"`
	MotorCallID string    `json:"motor_call_id"`
	Result      string    `json:"result,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewCompletion records a successful motor call outcome.
func NewCompletion(motorCallID, result string) Completion {
	return Completion{ID: NewID(), MotorCallID: motorCallID, Result: result, Timestamp: time.Now().UTC()}
}

// EntityID implements Entity.
func (c Completion) EntityID() string { return c.ID }

// EntityKind implements Entity.
func (c Completion) EntityKind() Kind { return KindCompletion }

// DedupKey returns the ID.
func (c Completion) DedupKey() string { return c.ID }

// InterruptCause classifies why a motor call did not complete.
type InterruptCause string

const (
	// CauseSuperseded: a newer conflicting intention pre-empted the call.
	CauseSuperseded InterruptCause = "superseded"
	// CauseError: the action failed or was malformed.
	CauseError InterruptCause = "error"
	// CauseCancelled: shutdown cancelled the call.
	CauseCancelled InterruptCause = "cancelled"
)

// Interruption is the terminal non-success record for a MotorCall.
type Interruption struct {
	ID          string         `json:"id"`
	MotorCallID string         `json:"motor_call_id"`
	Cause       InterruptCause `json:"cause"`
	Detail      string         `json:"detail,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewInterruption records a non-success motor call outcome.
func NewInterruption(motorCallID string, cause InterruptCause, detail string) Interruption {
	return Interruption{ID: NewID(), MotorCallID: motorCallID, Cause: cause, Detail: detail, Timestamp: time.Now().UTC()}
}

// EntityID implements Entity.
func (i Interruption) EntityID() string { return i.ID }

// EntityKind implements Entity.
func (i Interruption) EntityKind() Kind { return KindInterruption }

// DedupKey returns the ID.
func (i Interruption) DedupKey() string { return i.ID }

// LifecycleEvent names a supervised unit state transition.
type LifecycleEvent string

const (
	// LifecycleStarted: the unit began running.
	LifecycleStarted LifecycleEvent = "started"
	// LifecycleStopped: the unit exited cleanly.
	LifecycleStopped LifecycleEvent = "stopped"
	// LifecycleCrashed: the unit panicked or returned an unexpected error.
	LifecycleCrashed LifecycleEvent = "crashed"
	// LifecycleRestarted: the supervisor relaunched the unit after backoff.
	LifecycleRestarted LifecycleEvent = "restarted"
	// LifecycleKilled: the unit did not stop within the shutdown deadline.
	LifecycleKilled LifecycleEvent = "killed"
)

// Lifecycle is the observability record of a scheduled unit transition.
type Lifecycle struct {
	ID        string         `json:"id"`
	Unit      string         `json:"unit"`
	Event     LifecycleEvent `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewLifecycle records a unit transition happening now.
func NewLifecycle(unit string, event LifecycleEvent) Lifecycle {
	return Lifecycle{ID: NewID(), Unit: unit, Event: event, Timestamp: time.Now().UTC()}
}

// EntityID implements Entity.
func (l Lifecycle) EntityID() string { return l.ID }

// EntityKind implements Entity.
func (l Lifecycle) EntityKind() Kind { return KindLifecycle }

// DedupKey returns the ID.
func (l Lifecycle) DedupKey() string { return l.ID }

func hashKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
