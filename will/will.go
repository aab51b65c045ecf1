// Package will implements the decision engine: on each new impression at
// the decision level it assembles a snapshot (impression, recalled memory,
// action manifest), throttles on the snapshot hash, streams a model response
// and incrementally parses it into intentions for the motor executor.
package will

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/daringsby/psyche/core"
	"github.com/daringsby/psyche/internal/util"
	"github.com/daringsby/psyche/logging"
	"github.com/daringsby/psyche/model"
	"github.com/daringsby/psyche/motor"
)

// Options configures a Will.
type Options struct {
	// Level is the impression level that triggers a decision cycle.
	Level core.Level
	// MinInterval suppresses a model call when an identical snapshot was
	// evaluated this recently.
	MinInterval time.Duration
	// RecallLimit bounds the recalled memory excerpts per snapshot.
	RecallLimit int
	// Instruction is the prompt preamble. It may reference {{.manifest}}.
	Instruction string
	// Retry is the model call policy.
	Retry model.Retry
	// Health tracks consecutive decision failures.
	Health *core.HealthTracker
	// StreamBuffer sizes the body channel handed to streaming motors.
	StreamBuffer int
}

const defaultWillInstruction = "You are the will of an embodied agent. Given the current situation " +
	"and your memories, decide what to do right now. Available actions:\n{{.manifest}}\n" +
	"Respond with one or more action tags. Text outside tags is your private reasoning."

// Will is the decision engine unit. Exactly one decision cycle runs at a
// time; impressions arriving mid-cycle replace any pending trigger, so the
// next cycle always sees the latest situation.
type Will struct {
	name     string
	model    model.Model
	store    core.Store
	registry *motor.Registry
	executor *motor.Executor
	broker   *core.Broker
	logger   *logging.PsycheLogger
	opts     Options

	mu      sync.Mutex
	pending *core.Impression
	wake    chan struct{}

	lastHash string
	lastAt   time.Time
}

// New creates the decision engine.
func New(name string, m model.Model, store core.Store, registry *motor.Registry, executor *motor.Executor, broker *core.Broker, logger *logging.PsycheLogger, optFns ...func(o *Options)) *Will {
	opts := Options{
		Level:        core.LevelSituation,
		MinInterval:  5 * time.Second,
		RecallLimit:  4,
		Instruction:  defaultWillInstruction,
		Retry:        model.DefaultRetry(),
		StreamBuffer: 16,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Instruction == "" {
		opts.Instruction = defaultWillInstruction
	}
	if opts.StreamBuffer < 1 {
		opts.StreamBuffer = 1
	}
	if opts.Health == nil {
		opts.Health = core.NewHealthTracker(0)
	}
	if logger == nil {
		logger = logging.NewLogger(nil)
	}
	return &Will{
		name:     name,
		model:    m,
		store:    store,
		registry: registry,
		executor: executor,
		broker:   broker,
		logger:   logger.WithUnit(name),
		opts:     opts,
		wake:     make(chan struct{}, 1),
	}
}

// Name returns the unit name used in logs and lifecycle records.
func (w *Will) Name() string { return w.name }

// Notify hands a fresh impression to the engine. Impressions below or above
// the decision level are ignored; a newer trigger replaces an unprocessed
// older one. Never blocks.
func (w *Will) Notify(imp core.Impression) {
	if imp.Level != w.opts.Level {
		return
	}
	w.mu.Lock()
	w.pending = &imp
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run is the unit loop: one decision cycle per trigger until ctx ends.
func (w *Will) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
		}
		w.mu.Lock()
		imp := w.pending
		w.pending = nil
		w.mu.Unlock()
		if imp == nil {
			continue
		}
		w.decide(ctx, *imp)
	}
}

// decide runs one cycle: snapshot, throttle, stream, parse, dispatch.
func (w *Will) decide(ctx context.Context, imp core.Impression) {
	prompt, err := w.buildPrompt(ctx, imp)
	if err != nil {
		w.logger.Error("will.prompt_failed", "error", err.Error())
		w.opts.Health.Failure()
		return
	}

	hash := snapshotHash(prompt)
	if hash == w.lastHash && time.Since(w.lastAt) < w.opts.MinInterval {
		w.logger.Debug("will.throttled", "hash", hash[:12])
		return
	}
	w.lastHash = hash
	w.lastAt = time.Now()

	sink := &dispatchSink{will: w, ctx: ctx}
	parser := NewParser(w.lookupAction, sink, w.logger)

	start := time.Now()
	err = w.opts.Retry.Stream(ctx, w.model, model.Request{Input: prompt, Stream: true}, parser.Feed)
	parser.Flush()
	w.logger.LogModelCall(w.model.Info().Name, time.Since(start), err == nil, err)
	if err != nil {
		w.opts.Health.Failure()
		return
	}
	w.opts.Health.Success()

	if sink.intentions == 0 {
		// A decision with no action is an anomaly, not a failure.
		w.logger.Warn("will.no_intentions", "impression_id", imp.ID)
	}
}

func (w *Will) lookupAction(name string) (motor.Descriptor, bool) {
	m, ok := w.registry.Get(name)
	if !ok {
		return motor.Descriptor{}, false
	}
	return m.Describe(), true
}

// buildPrompt assembles the decision snapshot: instruction with the action
// manifest, the triggering impression and recalled memory.
func (w *Will) buildPrompt(ctx context.Context, imp core.Impression) (string, error) {
	instruction, err := util.RenderTemplate(w.opts.Instruction, map[string]any{
		"manifest": w.registry.Manifest(),
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n\nCurrent situation:\n")
	b.WriteString(imp.Narrative)
	b.WriteString("\n")

	if w.opts.RecallLimit > 0 {
		excerpts, err := w.store.Recall(ctx, imp.Narrative, w.opts.RecallLimit)
		if err != nil {
			w.logger.Warn("will.recall_failed", "error", err.Error())
		} else if len(excerpts) > 0 {
			b.WriteString("\nRelevant memories:\n")
			for _, ex := range excerpts {
				b.WriteString("- ")
				b.WriteString(ex.Text)
				b.WriteString("\n")
			}
		}
	}
	return b.String(), nil
}

// dispatchSink routes parse events into the executor, the store and the
// observability broker.
type dispatchSink struct {
	will       *Will
	ctx        context.Context
	intentions int
}

func (s *dispatchSink) OnThought(text string) {
	if s.will.broker != nil {
		s.will.broker.Publish(core.BusEvent{Kind: core.BusThought, Unit: s.will.name, Text: text})
	}
}

func (s *dispatchSink) OnTagOpen(intention core.Intention, desc motor.Descriptor) chan<- string {
	stream := make(chan string, s.will.opts.StreamBuffer)
	s.will.executor.Execute(intention, stream)
	return stream
}

func (s *dispatchSink) OnIntention(intention core.Intention, streamed bool) {
	s.intentions++
	s.will.persist(s.ctx, intention)
	if !streamed {
		s.will.executor.Execute(intention, nil)
	}
}

// persist is best-effort, matching the rest of the pipeline.
func (w *Will) persist(ctx context.Context, e core.Entity) {
	if err := w.store.Insert(ctx, e); err != nil {
		w.opts.Health.Failure()
		w.logger.Error("will.store_write_failed", "kind", string(e.EntityKind()), "id", e.EntityID(), "error", err.Error())
	}
}

func snapshotHash(snapshot string) string {
	sum := sha256.Sum256([]byte(snapshot))
	return hex.EncodeToString(sum[:])
}
