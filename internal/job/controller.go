// Package job runs at most one generation at a time. Starting a run
// cancels the previous one; every event a run produces is relayed, in
// step order, to an Emitter.
package job

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/samcharles93/moondream/internal/errdefs"
	"github.com/samcharles93/moondream/internal/logger"
	"github.com/samcharles93/moondream/internal/pipeline"
	"github.com/samcharles93/moondream/internal/tensor"
)

// ErrMaxSteps ends a run that reached the configured step limit without
// sampling the stop token.
var ErrMaxSteps = errors.New("maximum generation steps reached")

// ErrShutdown is returned by Start once Shutdown has been called.
var ErrShutdown = errors.New("job controller is shut down")

var errRunFinished = errors.New("run already finished")

type Request struct {
	Prompt    string `json:"prompt"`
	ImagePath string `json:"image"`
	// Image replaces ImagePath when set.
	Image *tensor.Tensor3 `json:"-"`
	// Cleanup runs once the run has ended and its events are relayed. When
	// Start fails the caller still owns it.
	Cleanup func() `json:"-"`
}

// Run is a started generation: a source of steps plus the resources
// behind it.
type Run interface {
	Next() pipeline.Step
	Close()
}

// BuildFunc prepares a run. It is called on the worker goroutine.
type BuildFunc func(ctx context.Context, req Request) (Run, error)

// Emitter receives the events of every run.
type Emitter interface {
	Emit(Event)
}

type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

type Config struct {
	Build BuildFunc
	Emit  Emitter
	// MaxSteps bounds the events of a single run. Zero means unbounded.
	MaxSteps int
	// Buffer is the capacity of each run's event channel.
	Buffer int
	Logger logger.Logger
}

// slot is the cancellation handle of one run. ch carries at most one
// signal; done is closed when the worker exits.
type slot struct {
	id   string
	ch   chan struct{}
	done chan struct{}
}

func newSlot(id string) *slot {
	return &slot{id: id, ch: make(chan struct{}, 1), done: make(chan struct{})}
}

// signal delivers the one-shot cancellation without blocking.
func (s *slot) signal() error {
	select {
	case <-s.done:
		return errRunFinished
	default:
	}
	select {
	case s.ch <- struct{}{}:
		return nil
	default:
		return errors.New("cancellation already pending")
	}
}

func (s *slot) cancelled() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

type Controller struct {
	build    BuildFunc
	emit     Emitter
	maxSteps int
	buffer   int
	log      logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	slot *slot
	wg   sync.WaitGroup
}

func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	if cfg.Emit == nil {
		cfg.Emit = EmitterFunc(func(Event) {})
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		build:    cfg.Build,
		emit:     cfg.Emit,
		maxSteps: cfg.MaxSteps,
		buffer:   cfg.Buffer,
		log:      cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start installs a new current run, signals the one it replaces and
// returns without waiting for any generation work.
func (c *Controller) Start(req Request) (string, error) {
	if c.ctx.Err() != nil {
		return "", ErrShutdown
	}
	id := uuid.NewString()
	next := newSlot(id)

	c.mu.Lock()
	prev := c.slot
	c.slot = next
	c.mu.Unlock()

	if prev != nil {
		if err := prev.signal(); err != nil {
			c.log.Debug("previous run not signalled", "run_id", prev.id, "reason", err)
		} else {
			c.log.Info("previous run cancelled", "run_id", prev.id)
		}
	}

	c.wg.Add(1)
	go c.run(next, req)
	c.log.Info("run started", "run_id", id)
	return id, nil
}

// Stop signals the current run, if any, and clears the slot. It reports
// whether a run was installed.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	s := c.slot
	c.slot = nil
	c.mu.Unlock()

	if s == nil {
		return false
	}
	if err := s.signal(); err != nil {
		c.log.Debug("stop signal not delivered", "run_id", s.id, "reason", err)
	} else {
		c.log.Info("run stopped", "run_id", s.id)
	}
	return true
}

// Current returns the id of the installed run, or "".
func (c *Controller) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slot == nil {
		return ""
	}
	return c.slot.id
}

// Wait blocks until every worker has exited.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Shutdown stops the current run, aborts pending builds and waits for the
// workers.
func (c *Controller) Shutdown() {
	c.Stop()
	c.cancel()
	c.Wait()
}

func (c *Controller) run(s *slot, req Request) {
	defer c.wg.Done()
	defer close(s.done)
	if req.Cleanup != nil {
		defer req.Cleanup()
	}

	log := c.log.With("run_id", s.id)

	events := make(chan Event, c.buffer)
	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		for ev := range events {
			c.emit.Emit(ev)
		}
	}()
	defer func() {
		close(events)
		<-relayed
	}()

	r, err := c.safeBuild(req)
	if err != nil {
		log.Error("run failed to start", "error", err)
		events <- Event{RunID: s.id, Err: err}
		return
	}
	defer r.Close()

	if s.cancelled() {
		log.Info("run cancelled before first step")
		return
	}
	for steps := 0; ; {
		st := r.Next()
		if st.Done {
			return
		}
		if st.Err != nil {
			log.Error("generation failed", "step", steps, "error", st.Err)
			events <- Event{RunID: s.id, Err: st.Err}
			return
		}
		g := st.Generation
		events <- Event{RunID: s.id, Generation: &g}
		steps++

		if g.Final() {
			log.Info("run finished", "steps", steps)
			return
		}
		if s.cancelled() {
			log.Info("run cancelled", "steps", steps)
			return
		}
		if c.maxSteps > 0 && steps >= c.maxSteps {
			log.Warn("run reached step limit", "steps", steps)
			events <- Event{RunID: s.id, Err: ErrMaxSteps}
			return
		}
	}
}

func (c *Controller) safeBuild(req Request) (r Run, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errdefs.Tensor("build pipeline", errors.New("panic during build"))
			c.log.Error("panic in build", "panic", rec)
		}
	}()
	if c.build == nil {
		return nil, errors.New("job: no build function")
	}
	return c.build(c.ctx, req)
}
