package runner

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/daringsby/psyche/core"
	"github.com/daringsby/psyche/logging"
)

// Unit is one independently scheduled worker: a distiller, the decision
// engine or an input adapter. Run blocks until ctx is cancelled or the unit
// fails; a context-cancellation return counts as a clean stop.
type Unit interface {
	Name() string
	Run(ctx context.Context) error
}

// Factory builds a fresh unit instance. The supervisor calls it on every
// (re)start so a restarted unit gets fresh model and store handles instead
// of inheriting state from the crashed incarnation.
type Factory func() (Unit, error)

// Options holds configuration overrides passed to NewSupervisor().
type Options struct {
	// RestartBackoff is the wait before the first restart after a crash;
	// it doubles per consecutive crash.
	RestartBackoff time.Duration
	// MaxBackoff caps the doubling.
	MaxBackoff time.Duration
	// StableAfter resets the backoff when an incarnation survived this long.
	StableAfter time.Duration
	// ShutdownTimeout bounds the cooperative shutdown wait per Stop call;
	// units still running afterwards are abandoned and recorded as killed.
	ShutdownTimeout time.Duration
	// Broker mirrors lifecycle records onto the observability bus.
	Broker *core.Broker
}

// registration pairs a factory with its scheduling options.
type registration struct {
	name    string
	factory Factory
	pinned  bool
}

// Supervisor owns all scheduled units. Each unit runs on its own goroutine;
// a panic or unexpected error is caught at the supervision boundary, a
// Lifecycle record is written, and the unit is rebuilt after backoff. No
// unit failure ever propagates to a sibling.
type Supervisor struct {
	store  core.Store
	logger *logging.PsycheLogger
	opts   Options

	mu      sync.Mutex
	regs    []registration
	started bool
	cancel  context.CancelFunc
	unitWG  sync.WaitGroup
	done    map[string]chan struct{}
}

// NewSupervisor constructs a Supervisor persisting lifecycle records to
// store.
func NewSupervisor(store core.Store, logger *logging.PsycheLogger, optFns ...func(o *Options)) *Supervisor {
	opts := Options{
		RestartBackoff:  time.Second,
		MaxBackoff:      30 * time.Second,
		StableAfter:     time.Minute,
		ShutdownTimeout: 10 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = time.Second
	}
	if logger == nil {
		logger = logging.NewLogger(nil)
	}
	return &Supervisor{
		store:  store,
		logger: logger.WithUnit("supervisor"),
		opts:   opts,
		done:   make(map[string]chan struct{}),
	}
}

// Register adds a unit factory under a unique name. Must be called before
// Start.
func (s *Supervisor) Register(name string, factory Factory) {
	s.register(registration{name: name, factory: factory})
}

// RegisterPinned is Register for units whose Run blocks on syscalls (socket
// accept loops, database drivers): the unit goroutine is locked to its own
// OS thread so a stall cannot hold up scheduling of sibling goroutines.
func (s *Supervisor) RegisterPinned(name string, factory Factory) {
	s.register(registration{name: name, factory: factory, pinned: true})
}

func (s *Supervisor) register(reg registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("runner: Register after Start")
	}
	s.regs = append(s.regs, reg)
}

// Start launches every registered unit. It returns immediately.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for _, reg := range s.regs {
		finished := make(chan struct{})
		s.done[reg.name] = finished
		s.unitWG.Add(1)
		go func(reg registration, finished chan struct{}) {
			defer s.unitWG.Done()
			defer close(finished)
			if reg.pinned {
				runtime.LockOSThread()
			}
			s.supervise(ctx, reg)
		}(reg, finished)
	}
}

// Stop signals every unit, waits up to ShutdownTimeout for cooperative
// exits, then abandons stragglers with a killed record. It returns an error
// when at least one unit had to be abandoned.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.started || s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()

	finished := make(chan struct{})
	go func() {
		s.unitWG.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-time.After(s.opts.ShutdownTimeout):
	}

	killed := 0
	s.mu.Lock()
	stragglers := make([]string, 0)
	for name, ch := range s.done {
		select {
		case <-ch:
		default:
			stragglers = append(stragglers, name)
		}
	}
	s.mu.Unlock()
	for _, name := range stragglers {
		killed++
		s.record(name, core.LifecycleKilled)
	}
	return fmt.Errorf("shutdown timed out: %d unit(s) abandoned", killed)
}

// Run is the blocking convenience form: start everything, wait for ctx, then
// stop.
func (s *Supervisor) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	return s.Stop()
}

// supervise is the restart loop for one unit registration.
func (s *Supervisor) supervise(ctx context.Context, reg registration) {
	backoff := s.opts.RestartBackoff
	for restarts := 0; ; restarts++ {
		unit, err := reg.factory()
		if err != nil {
			s.logger.Error("unit.build_failed", "unit", reg.name, "error", err.Error())
			s.record(reg.name, core.LifecycleCrashed)
			if !s.sleep(ctx, backoff) {
				return
			}
			backoff = s.nextBackoff(backoff)
			continue
		}

		if restarts == 0 {
			s.record(reg.name, core.LifecycleStarted)
		} else {
			s.record(reg.name, core.LifecycleRestarted)
		}

		began := time.Now()
		err = s.runUnit(ctx, unit)

		if ctx.Err() != nil || err == nil {
			s.record(reg.name, core.LifecycleStopped)
			return
		}

		s.logger.ErrorWithStack(err, "unit.crashed", "unit", reg.name, "restarts", restarts)
		s.record(reg.name, core.LifecycleCrashed)

		if s.opts.StableAfter > 0 && time.Since(began) >= s.opts.StableAfter {
			backoff = s.opts.RestartBackoff
		}
		if !s.sleep(ctx, backoff) {
			return
		}
		backoff = s.nextBackoff(backoff)
	}
}

// runUnit runs one incarnation, converting a panic into an error at the
// supervision boundary.
func (s *Supervisor) runUnit(ctx context.Context, unit Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unit %s panicked: %v", unit.Name(), r)
		}
	}()
	err = unit.Run(ctx)
	if ctx.Err() != nil || err == context.Canceled {
		return nil
	}
	return err
}

func (s *Supervisor) nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if s.opts.MaxBackoff > 0 && next > s.opts.MaxBackoff {
		next = s.opts.MaxBackoff
	}
	return next
}

// sleep waits for d unless ctx ends first; reports whether the wait ran its
// course.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// record persists a lifecycle transition and mirrors it onto the broker.
// Best-effort, like all pipeline writes.
func (s *Supervisor) record(unit string, event core.LifecycleEvent) {
	lc := core.NewLifecycle(unit, event)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Insert(ctx, lc); err != nil {
		s.logger.Error("lifecycle.store_write_failed", "unit", unit, "event", string(event), "error", err.Error())
	}
	s.logger.Info("unit.lifecycle", "unit", unit, "event", string(event))
	if s.opts.Broker != nil {
		s.opts.Broker.Publish(core.BusEvent{Kind: core.BusLifecycle, Unit: unit, Text: string(event), Timestamp: lc.Timestamp})
	}
}
