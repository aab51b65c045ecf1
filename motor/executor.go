package motor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/daringsby/psyche/core"
	"github.com/daringsby/psyche/logging"
)

// Handle tracks one dispatched intention. Done closes once the call has
// resolved; Outcome is valid after that.
type Handle struct {
	Call core.MotorCall

	done    chan struct{}
	mu      sync.Mutex
	outcome core.Entity
}

// Done returns a channel that closes when the call resolves.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome returns the terminal record: a core.Completion or a
// core.Interruption. Nil until Done is closed.
func (h *Handle) Outcome() core.Entity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Options configures an Executor.
type Options struct {
	// MaxConcurrent bounds how many motor calls run at once.
	MaxConcurrent int64
	// CallTimeout bounds a single motor call; exceeding it resolves the call
	// as Interruption(error). Zero disables the bound.
	CallTimeout time.Duration
	// Emit receives follow-up sensations produced by motors (the say echo).
	// Nil discards them.
	Emit func(core.Sensation)
	// Health tracks consecutive store-write failures.
	Health *core.HealthTracker
}

// Executor runs intentions against registered motors and guarantees that
// every MotorCall resolves to exactly one of Completion or Interruption.
// Exclusive motors allow one in-flight call at a time: a newer intention for
// the same action supersedes the older call. Unrelated actions run
// concurrently, bounded by a weighted semaphore.
type Executor struct {
	registry *Registry
	store    core.Store
	logger   *logging.PsycheLogger
	opts     Options

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*activeCall // keyed by action name, exclusive motors only
}

// activeCall pairs a running call with its cancel and once-resolution guard.
type activeCall struct {
	handle *Handle
	cancel context.CancelFunc
	once   sync.Once
}

// NewExecutor creates an executor over the registry, persisting audit
// records to store.
func NewExecutor(registry *Registry, store core.Store, logger *logging.PsycheLogger, optFns ...func(o *Options)) *Executor {
	opts := Options{MaxConcurrent: 4}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.Health == nil {
		opts.Health = core.NewHealthTracker(0)
	}
	if logger == nil {
		logger = logging.NewLogger(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		registry: registry,
		store:    store,
		logger:   logger.WithUnit("motor"),
		opts:     opts,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]*activeCall),
	}
}

// Execute dispatches the intention. It returns immediately with a Handle;
// the call itself runs on its own goroutine. stream may carry body text for
// streaming-capable motors dispatched at tag-open, nil otherwise. The caller
// persists the Intention itself (the decision engine does so at tag-close,
// once the body is complete); the executor persists the MotorCall and its
// terminal outcome.
//
// Failure modes never crash the hosting unit: unknown action names, missing
// required attributes and execution errors all resolve the call as
// Interruption(cause=error).
func (e *Executor) Execute(intention core.Intention, stream <-chan string) *Handle {
	call := core.NewMotorCall(intention.ID)
	handle := &Handle{Call: call, done: make(chan struct{})}
	active := &activeCall{handle: handle}

	e.persist(call)

	m, ok := e.registry.Get(intention.Action)
	if !ok {
		err := NewMotorError(intention.Action, "unknown action", CodeUnknownAction)
		e.logger.Warn("motor.unknown_action", "action", intention.Action, "intention_id", intention.ID)
		e.resolve(active, core.NewInterruption(call.ID, core.CauseError, err.Error()))
		drain(stream)
		return handle
	}
	desc := m.Describe()
	if err := ValidateAttributes(desc, intention.Attributes); err != nil {
		e.logger.Warn("motor.validation_failed", "action", intention.Action, "error", err.Error())
		e.resolve(active, core.NewInterruption(call.ID, core.CauseError, err.Error()))
		drain(stream)
		return handle
	}

	callCtx, callCancel := context.WithCancel(e.ctx)
	active.cancel = callCancel

	if desc.Exclusive {
		e.mu.Lock()
		if prev, ok := e.inflight[desc.Name]; ok {
			e.resolve(prev, core.NewInterruption(prev.handle.Call.ID, core.CauseSuperseded, "superseded by "+intention.ID))
			prev.cancel()
		}
		e.inflight[desc.Name] = active
		e.mu.Unlock()
	}

	e.wg.Add(1)
	go e.run(callCtx, active, m, desc, Invocation{Intention: intention, Stream: stream})
	return handle
}

func (e *Executor) run(ctx context.Context, active *activeCall, m Motor, desc Descriptor, in Invocation) {
	defer e.wg.Done()
	defer active.cancel()
	defer e.clearInflight(desc, active)
	// Whatever happens, leftover stream chunks are consumed so the parser
	// feeding them never blocks on a call that stopped reading.
	defer drain(in.Stream)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.resolve(active, core.NewInterruption(active.handle.Call.ID, e.causeFor(ctx), err.Error()))
		drain(in.Stream)
		return
	}
	defer e.sem.Release(1)

	if e.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := m.Perform(ctx, in)
	if err != nil {
		e.logger.LogMotorCall(desc.Name, time.Since(start), false, err)
		e.resolve(active, core.NewInterruption(active.handle.Call.ID, e.causeFor(ctx), err.Error()))
		return
	}
	e.logger.LogMotorCall(desc.Name, time.Since(start), true, nil)
	e.resolve(active, core.NewCompletion(active.handle.Call.ID, result.Summary))

	if e.opts.Emit != nil {
		for _, s := range result.Sensations {
			e.opts.Emit(s)
		}
	}
}

// causeFor distinguishes a shutdown or supersede cancellation from a plain
// execution failure.
func (e *Executor) causeFor(ctx context.Context) core.InterruptCause {
	if e.ctx.Err() != nil {
		return core.CauseCancelled
	}
	if ctx.Err() == context.Canceled {
		// The per-call context was cancelled while the executor still runs,
		// which only a supersede does. A timeout stays an error.
		return core.CauseSuperseded
	}
	return core.CauseError
}

// resolve records the terminal outcome exactly once. Later attempts (a
// supersede racing the call's own completion) are no-ops, which is what
// keeps MotorCall totality: one outcome, never two.
func (e *Executor) resolve(active *activeCall, outcome core.Entity) {
	active.once.Do(func() {
		e.persist(outcome)
		active.handle.mu.Lock()
		active.handle.outcome = outcome
		active.handle.mu.Unlock()
		close(active.handle.done)
	})
}

func (e *Executor) clearInflight(desc Descriptor, active *activeCall) {
	if !desc.Exclusive {
		return
	}
	e.mu.Lock()
	if e.inflight[desc.Name] == active {
		delete(e.inflight, desc.Name)
	}
	e.mu.Unlock()
}

// persist writes best-effort: a store failure is logged and counted toward
// the health tracker, never propagated.
func (e *Executor) persist(entity core.Entity) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.Insert(ctx, entity); err != nil {
		e.opts.Health.Failure()
		e.logger.Error("motor.store_write_failed", "kind", string(entity.EntityKind()), "id", entity.EntityID(), "error", err.Error())
		return
	}
	e.opts.Health.Success()
}

// Shutdown cancels all in-flight calls and waits for them to resolve. Calls
// cancelled here record Interruption(cause=cancelled).
func (e *Executor) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain consumes a leftover body stream so the parser never blocks on a
// call that was rejected before running.
func drain(stream <-chan string) {
	if stream == nil {
		return
	}
	go func() {
		for range stream {
		}
	}()
}
