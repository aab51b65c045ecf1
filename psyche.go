// Package psyche provides a high-level façade over the cognitive runtime:
// memory stores, distillers ("wits"), the decision engine ("will"), the
// motor executor and the supervisor. Most applications interact with this
// package by:
//  1. Loading or building a config.Config
//  2. Creating a Psyche via New() (optionally overriding the model or store)
//  3. Calling Run(ctx), or Start()/Stop() for manual lifecycle control
//
// The façade wires config-declared units together and registers everything
// with the supervisor; defaults (in-memory store, mock model) are safe for
// local development and testing.
package psyche

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/daringsby/psyche/config"
	"github.com/daringsby/psyche/core"
	"github.com/daringsby/psyche/ingress"
	"github.com/daringsby/psyche/logging"
	"github.com/daringsby/psyche/memory"
	"github.com/daringsby/psyche/model"
	"github.com/daringsby/psyche/model/anthropic"
	"github.com/daringsby/psyche/model/openai"
	"github.com/daringsby/psyche/motor"
	"github.com/daringsby/psyche/runner"
	"github.com/daringsby/psyche/will"
	"github.com/daringsby/psyche/wit"
)

// Options configures the Psyche instance beyond what the config file
// declares.
type Options struct {
	// Store overrides the config-selected backend.
	Store core.Store
	// ModelFactory overrides the config-selected provider. Called once per
	// unit (re)start so every unit owns a fresh handle.
	ModelFactory func() model.Model
	// Logger overrides the config-built logger.
	Logger *logging.PsycheLogger
	// Motors are registered in addition to the config-enabled built-ins.
	Motors []motor.Motor
	// DisableIngress skips the socket adapter (embedding applications feed
	// sensations through InjectSensation instead).
	DisableIngress bool
}

// witSlot is a stable indirection to the current incarnation of a wit, so
// routes and feedback wiring survive supervisor restarts.
type witSlot struct {
	mu sync.RWMutex
	w  *wit.Wit
}

func (s *witSlot) get() *wit.Wit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w
}

func (s *witSlot) set(w *wit.Wit) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

// willSlot is the same indirection for the decision engine.
type willSlot struct {
	mu sync.RWMutex
	w  *will.Will
}

func (s *willSlot) notify(imp core.Impression) {
	s.mu.RLock()
	w := s.w
	s.mu.RUnlock()
	if w != nil {
		w.Notify(imp)
	}
}

func (s *willSlot) set(w *will.Will) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

// Psyche aggregates the assembled runtime.
type Psyche struct {
	cfg    *config.Config
	opts   Options
	logger *logging.PsycheLogger

	store      core.Store
	broker     *core.Broker
	registry   *motor.Registry
	executor   *motor.Executor
	supervisor *runner.Supervisor
	health     *core.HealthTracker

	witSlots map[string]*witSlot
	willSlot *willSlot
	closer   func() error
}

// New assembles the runtime from cfg. Any unset dependency is built from the
// config: store backend, model provider, logger, built-in motors.
func New(cfg *config.Config, optFns ...func(o *Options)) (*Psyche, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = buildLogger(cfg.Logging)
	}

	p := &Psyche{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		broker:   core.NewBroker(),
		health:   core.NewHealthTracker(cfg.HealthThreshold),
		witSlots: make(map[string]*witSlot),
		willSlot: &willSlot{},
	}

	if err := p.buildStore(); err != nil {
		return nil, err
	}
	p.buildMotors()
	p.buildSupervisor()
	return p, nil
}

// Start launches every unit. It returns immediately.
func (p *Psyche) Start() { p.supervisor.Start() }

// Stop shuts the pipeline down: units first, then in-flight motor calls,
// then the store.
func (p *Psyche) Stop() error {
	err := p.supervisor.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Supervisor.ShutdownTimeout.Std(10*time.Second))
	defer cancel()
	if serr := p.executor.Shutdown(ctx); serr != nil && err == nil {
		err = serr
	}
	if p.closer != nil {
		if cerr := p.closer(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Run starts everything and blocks until ctx ends, then stops.
func (p *Psyche) Run(ctx context.Context) error {
	p.Start()
	<-ctx.Done()
	return p.Stop()
}

// Broker exposes the observability bus for subscribers (thought and
// lifecycle events).
func (p *Psyche) Broker() *core.Broker { return p.broker }

// Store exposes the memory layer.
func (p *Psyche) Store() core.Store { return p.store }

// Health reports whether repeated failures have crossed the configured
// threshold.
func (p *Psyche) Health() *core.HealthTracker { return p.health }

// InjectSensation feeds a sensation directly into the pipeline, bypassing
// the socket. The sensation is persisted and routed like socket input.
func (p *Psyche) InjectSensation(ctx context.Context, path, text string) core.Sensation {
	s := core.NewSensation(core.ParseSource(path), text)
	if err := p.store.Insert(ctx, s); err != nil {
		p.health.Failure()
		p.logger.Error("psyche.store_write_failed", "error", err.Error())
	}
	p.routeSensation(path, s)
	return s
}

// routeSensation fans a sensation out to every wit whose source prefixes
// match the path.
func (p *Psyche) routeSensation(path string, s core.Sensation) {
	trimmed := strings.Trim(path, "/")
	for _, wc := range p.cfg.Wits {
		if !matchesSources(wc.Sources, trimmed) {
			continue
		}
		if w := p.witSlots[wc.Name].get(); w != nil {
			w.EnqueueSensation(s)
		}
	}
}

func matchesSources(sources []string, path string) bool {
	for _, src := range sources {
		if src == "" || strings.HasPrefix(path, strings.Trim(src, "/")) {
			return true
		}
	}
	return false
}

func (p *Psyche) buildStore() error {
	if p.opts.Store != nil {
		p.store = p.opts.Store
		return nil
	}
	switch p.cfg.Store.Backend {
	case "sqlite":
		s, err := memory.OpenSQLite(p.cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		p.store = s
		p.closer = s.Close
	default:
		p.store = memory.NewInMemoryStore()
	}
	return nil
}

func (p *Psyche) buildMotors() {
	p.registry = motor.NewRegistry()
	for _, name := range p.cfg.Motors.Enabled {
		switch name {
		case "say":
			p.registry.Register(motor.NewSayMotor(os.Stdout))
		case "log":
			p.registry.Register(motor.NewLogMotor(p.logger))
		case "read_file":
			p.registry.Register(motor.NewReadFileMotor(p.cfg.Motors.WorkspaceRoot))
		}
	}
	for _, m := range p.opts.Motors {
		p.registry.Register(m)
	}

	p.executor = motor.NewExecutor(p.registry, p.store, p.logger, func(o *motor.Options) {
		o.MaxConcurrent = p.cfg.Motors.MaxConcurrent
		o.CallTimeout = p.cfg.Motors.CallTimeout.Std(0)
		o.Health = p.health
		// Motor echoes re-enter the sensation stream so the agent hears
		// itself act.
		o.Emit = func(s core.Sensation) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.store.Insert(ctx, s); err != nil {
				p.health.Failure()
				p.logger.Error("psyche.echo_write_failed", "error", err.Error())
			}
			p.routeSensation(s.Source.String(), s)
		}
	})
}

// buildModel constructs a fresh provider handle per unit incarnation.
func (p *Psyche) buildModel() model.Model {
	if p.opts.ModelFactory != nil {
		return p.opts.ModelFactory()
	}
	mc := p.cfg.Model
	switch mc.Provider {
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			if mc.Name != "" {
				o.Model = mc.Name
			}
		})
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			if mc.Name != "" {
				o.Model = mc.Name
			}
			if mc.APIKeyEnv != "" {
				o.APIKey = os.Getenv(mc.APIKeyEnv)
			}
		})
	default:
		return model.NewMockModel(mc.Name)
	}
}

func (p *Psyche) buildSupervisor() {
	p.supervisor = runner.NewSupervisor(p.store, p.logger, func(o *runner.Options) {
		o.RestartBackoff = p.cfg.Supervisor.RestartBackoff.Std(time.Second)
		o.ShutdownTimeout = p.cfg.Supervisor.ShutdownTimeout.Std(10 * time.Second)
		o.Broker = p.broker
	})

	for _, wc := range p.cfg.Wits {
		p.witSlots[wc.Name] = &witSlot{}
	}
	for _, wc := range p.cfg.Wits {
		wc := wc
		slot := p.witSlots[wc.Name]
		p.supervisor.Register(wc.Name, func() (runner.Unit, error) {
			level, err := core.ParseLevel(wc.Level)
			if err != nil {
				return nil, err
			}
			w := wit.New(wc.Name, level, p.buildModel(), p.store, p.logger, func(o *wit.Options) {
				if wc.CountThreshold > 0 {
					o.CountThreshold = wc.CountThreshold
				}
				o.Quiescence = wc.Quiescence.Std(10 * time.Second)
				o.RecallLimit = wc.RecallLimit
				if wc.Instruction != "" {
					o.Instruction = wc.Instruction
				}
				o.Health = p.health
			})
			w.SetObserver(p.willSlot.notify)
			if wc.Feedback != "" {
				target := p.witSlots[wc.Feedback]
				w.SetFeedback(func(s core.Sensation) {
					if next := target.get(); next != nil {
						next.EnqueueSensation(s)
					}
				})
			}
			slot.set(w)
			return w, nil
		})
	}

	p.supervisor.Register("will", func() (runner.Unit, error) {
		level, err := core.ParseLevel(p.cfg.Will.Level)
		if err != nil {
			return nil, err
		}
		w := will.New("will", p.buildModel(), p.store, p.registry, p.executor, p.broker, p.logger, func(o *will.Options) {
			o.Level = level
			o.MinInterval = p.cfg.Will.MinInterval.Std(5 * time.Second)
			o.RecallLimit = p.cfg.Will.RecallLimit
			if p.cfg.Will.Instruction != "" {
				o.Instruction = p.cfg.Will.Instruction
			}
			o.Health = p.health
		})
		p.willSlot.set(w)
		return w, nil
	})

	if !p.opts.DisableIngress {
		p.supervisor.RegisterPinned("ingress", func() (runner.Unit, error) {
			srv := ingress.NewServer(p.cfg.Socket, p.store, p.logger, func(o *ingress.Options) {
				o.Health = p.health
			})
			srv.Route("", func(s core.Sensation) {
				p.routeSensation(s.Source.String(), s)
			})
			return srv, nil
		})
	}
}

func buildLogger(lc config.LoggingConfig) *logging.PsycheLogger {
	level := logging.LogLevelInfo
	switch lc.Level {
	case "debug":
		level = logging.LogLevelDebug
	case "warn":
		level = logging.LogLevelWarn
	case "error":
		level = logging.LogLevelError
	}
	return logging.NewSlogLogger(level, lc.Format, false)
}
