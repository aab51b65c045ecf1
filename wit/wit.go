// Package wit implements distillers: units that window a stream of lower
// level experience and compress each window into one higher-level Impression
// via a language model, linked to its sources.
package wit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/daringsby/psyche/core"
	"github.com/daringsby/psyche/internal/util"
	"github.com/daringsby/psyche/logging"
	"github.com/daringsby/psyche/model"
)

// Options configures a Wit.
type Options struct {
	// CountThreshold distills as soon as this many items are buffered.
	CountThreshold int
	// Quiescence distills a non-empty buffer once this long has passed since
	// the previous distillation.
	Quiescence time.Duration
	// Instruction is the unit's fixed prompt preamble. It may reference
	// {{.unit}} and {{.level}}.
	Instruction string
	// RecallLimit folds up to this many related prior impressions into the
	// prompt. Zero disables recall augmentation.
	RecallLimit int
	// Retry is the model call policy.
	Retry model.Retry
	// Health tracks consecutive distillation failures.
	Health *core.HealthTracker
}

// defaultInstruction is used when the config provides none.
const defaultInstruction = "You are the {{.level}}-level memory of an embodied agent. " +
	"Compress the experiences below into one short first-person paragraph. " +
	"Keep concrete details; drop repetition. Respond with the paragraph only."

// Wit is one distiller unit. Inputs are enqueued without blocking (the
// queue is unbounded); Run drains them in arrival order with exactly one
// distillation in flight at a time.
type Wit struct {
	name   string
	level  core.Level
	model  model.Model
	store  core.Store
	logger *logging.PsycheLogger
	opts   Options

	mu    sync.Mutex
	queue []core.Stimulus
	wake  chan struct{}

	feedback func(core.Sensation)
	observer func(core.Impression)
}

// New creates a Wit producing impressions at the given level.
func New(name string, level core.Level, m model.Model, store core.Store, logger *logging.PsycheLogger, optFns ...func(o *Options)) *Wit {
	opts := Options{
		CountThreshold: 5,
		Quiescence:     10 * time.Second,
		Instruction:    defaultInstruction,
		Retry:          model.DefaultRetry(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.CountThreshold < 1 {
		opts.CountThreshold = 1
	}
	if opts.Quiescence <= 0 {
		opts.Quiescence = 10 * time.Second
	}
	if opts.Instruction == "" {
		opts.Instruction = defaultInstruction
	}
	if opts.Health == nil {
		opts.Health = core.NewHealthTracker(0)
	}
	if logger == nil {
		logger = logging.NewLogger(nil)
	}
	return &Wit{
		name:   name,
		level:  level,
		model:  m,
		store:  store,
		logger: logger.WithUnit(name),
		opts:   opts,
		wake:   make(chan struct{}, 1),
	}
}

// Name returns the unit name used in logs and lifecycle records.
func (w *Wit) Name() string { return w.name }

// Level returns the abstraction level of produced impressions.
func (w *Wit) Level() core.Level { return w.level }

// SetFeedback wires the produced impressions into a downstream consumer,
// wrapped as feedback sensations. Call before Run.
func (w *Wit) SetFeedback(fn func(core.Sensation)) { w.feedback = fn }

// SetObserver registers a hook invoked with every produced impression, used
// to trigger the decision engine. Call before Run.
func (w *Wit) SetObserver(fn func(core.Impression)) { w.observer = fn }

// Enqueue adds a stimulus to the input queue. It never blocks.
func (w *Wit) Enqueue(st core.Stimulus) {
	w.mu.Lock()
	w.queue = append(w.queue, st)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// EnqueueSensation adapts Enqueue for sensation-typed producers.
func (w *Wit) EnqueueSensation(s core.Sensation) { w.Enqueue(s) }

// Pending returns the number of items waiting in the queue.
func (w *Wit) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Run is the unit loop: drain the queue, distill when the count threshold is
// reached or the quiescence interval has elapsed with items buffered, repeat
// until ctx is cancelled.
func (w *Wit) Run(ctx context.Context) error {
	var buf []core.Stimulus
	last := time.Now()
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()
		buf = append(buf, batch...)

		if len(buf) >= w.opts.CountThreshold || (len(buf) > 0 && time.Since(last) >= w.opts.Quiescence) {
			w.distill(ctx, buf)
			buf = nil
			last = time.Now()
			continue
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if len(buf) > 0 {
			timer = time.NewTimer(w.opts.Quiescence - time.Since(last))
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-w.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}

// distill compresses the buffered window into one Impression. An exhausted
// retry budget drops the window: items are not re-queued, the loop moves on.
func (w *Wit) distill(ctx context.Context, buf []core.Stimulus) {
	start := time.Now()
	prompt, err := w.buildPrompt(ctx, buf)
	if err != nil {
		w.logger.Error("wit.prompt_failed", "error", err.Error())
		w.opts.Health.Failure()
		return
	}

	text, err := w.opts.Retry.Collect(ctx, w.model, model.Request{Input: prompt, Stream: true})
	w.logger.LogDistillation(w.name, len(buf), w.level.String(), time.Since(start), err)
	if err != nil {
		w.opts.Health.Failure()
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		w.logger.Warn("wit.empty_distillation", "sources", len(buf))
		w.opts.Health.Failure()
		return
	}
	w.opts.Health.Success()

	imp := core.NewImpression(w.level, text)
	w.persist(ctx, imp)
	for _, src := range buf {
		w.link(ctx, imp.ID, core.RelationSummarizes, src.StimulusID())
	}

	if w.observer != nil {
		w.observer(imp)
	}
	if w.feedback != nil {
		fs := imp.AsSensation(w.name)
		w.persist(ctx, fs)
		w.link(ctx, fs.ID, core.RelationDerivedFrom, imp.ID)
		w.feedback(fs)
	}
}

// buildPrompt renders the instruction plus the buffered window and, when
// recall augmentation is on, related prior impressions.
func (w *Wit) buildPrompt(ctx context.Context, buf []core.Stimulus) (string, error) {
	instruction, err := util.RenderTemplate(w.opts.Instruction, map[string]any{
		"unit":  w.name,
		"level": w.level.String(),
	})
	if err != nil {
		return "", fmt.Errorf("render instruction: %w", err)
	}

	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n\nRecent experience:\n")
	for _, st := range buf {
		b.WriteString("- [")
		b.WriteString(st.StimulusTime().UTC().Format(time.TimeOnly))
		b.WriteString("] ")
		b.WriteString(st.StimulusText())
		b.WriteString("\n")
	}

	if w.opts.RecallLimit > 0 {
		excerpts, err := w.store.Recall(ctx, windowText(buf), w.opts.RecallLimit)
		if err != nil {
			w.logger.Warn("wit.recall_failed", "error", err.Error())
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

func windowText(buf []core.Stimulus) string {
	parts := make([]string, len(buf))
	for i, st := range buf {
		parts[i] = st.StimulusText()
	}
	return strings.Join(parts, " ")
}

// persist and link are best-effort: failures are logged and counted, never
// propagated, so a store outage degrades durability without stalling the
// pipeline.
func (w *Wit) persist(ctx context.Context, e core.Entity) {
	if err := w.store.Insert(ctx, e); err != nil {
		w.opts.Health.Failure()
		w.logger.Error("wit.store_write_failed", "kind", string(e.EntityKind()), "id", e.EntityID(), "error", err.Error())
	}
}

func (w *Wit) link(ctx context.Context, fromID string, rel core.Relation, toID string) {
	if err := w.store.Link(ctx, fromID, rel, toID); err != nil {
		w.opts.Health.Failure()
		w.logger.Error("wit.store_link_failed", "relation", string(rel), "error", err.Error())
	}
}
