// Package engine owns run admission, lifecycle and the background
// goroutine that drives each run to an end state. It is the only
// component allowed to start or resume loops.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"foreman/internal/admission"
	"foreman/internal/checkpoint"
	"foreman/internal/events"
	"foreman/internal/logger"
	"foreman/internal/metrics"
	"foreman/internal/plan"
	"foreman/internal/react"
	"foreman/internal/run"
	"foreman/internal/think"
)

type Mode string

const (
	ModeReact Mode = "react"
	ModeThink Mode = "think"
)

const (
	DefaultAdmissionTimeout = 2 * time.Minute
	DefaultClaimTTL         = 600 * time.Second
)

type Config struct {
	Mode              Mode
	GlobalConcurrency int
	AdmissionTimeout  time.Duration
	EventBuffer       int
	ClaimTTL          time.Duration

	// Think-mode knobs; zero values fall back to the loop defaults.
	Planners    int
	Reflections int
	Strategy    think.Strategy

	// React-loop knobs.
	MaxSteps   int
	MaxReplans int
}

func (c Config) mode() Mode {
	if c.Mode == ModeThink {
		return ModeThink
	}
	return ModeReact
}

func (c Config) admissionTimeout() time.Duration {
	if c.AdmissionTimeout > 0 {
		return c.AdmissionTimeout
	}
	return DefaultAdmissionTimeout
}

func (c Config) claimTTL() time.Duration {
	if c.ClaimTTL > 0 {
		return c.ClaimTTL
	}
	return DefaultClaimTTL
}

// handle is the engine's per-run bookkeeping. It outlives the driving
// goroutine for runs that park in waiting.
type handle struct {
	id      string
	run     *run.Run
	goal    string
	emitter *events.Emitter
	loop    *react.Loop
	brain   *think.Loop
	ticket  *admission.Ticket
	cancel  context.CancelFunc
	pumping bool
}

type Engine struct {
	cfg   Config
	queue *admission.Queue
	store *checkpoint.Store
	seq   *events.Sequencer

	Source  react.DecisionSource
	Exec    react.Executor
	Eval    react.Evaluator
	Planner think.Planner
	Scorer  think.Scorer
	// Sink, when set, consumes every run's event stream; StartRun then
	// returns a nil channel.
	Sink events.Sink

	mu     sync.Mutex
	runs   map[string]*handle
	claims *claimTable
	wg     sync.WaitGroup
}

func New(cfg Config, store *checkpoint.Store) *Engine {
	size := cfg.GlobalConcurrency
	if size <= 0 {
		size = admission.DefaultGlobalConcurrency
	}
	return &Engine{
		cfg:    cfg,
		queue:  admission.NewQueue(size),
		store:  store,
		seq:    events.NewSequencer(),
		runs:   make(map[string]*handle),
		claims: newClaimTable(cfg.claimTTL()),
	}
}

// StartRun admits a new run for the goal: plan, then drive to an end
// state on a background goroutine. The returned channel carries the
// run's event stream unless a Sink is attached.
func (e *Engine) StartRun(ctx context.Context, goal, sessionKey string) (string, <-chan events.Event, error) {
	if goal == "" {
		return "", nil, fmt.Errorf("engine: empty goal")
	}
	runID := uuid.NewString()
	taskID := uuid.NewString()
	em := events.NewEmitter(e.seq, sessionKey, runID, taskID, e.cfg.EventBuffer)

	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{id: runID, goal: goal, emitter: em, cancel: cancel}

	e.mu.Lock()
	e.runs[runID] = h
	e.mu.Unlock()

	var ch <-chan events.Event
	if e.Sink != nil {
		go events.Forward(em.Events(), e.Sink)
	} else {
		ch = em.Events()
	}
	h.pumping = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drive(runCtx, h, func(dctx context.Context) (*run.Run, error) {
			return e.admitAndPlan(dctx, runID, taskID, sessionKey, goal, h)
		})
	}()
	return runID, ch, nil
}

// admitAndPlan waits for an admission ticket, plans the goal and
// registers the planned run. The ticket is parked on the context so
// drive can release it on every exit path.
func (e *Engine) admitAndPlan(ctx context.Context, runID, taskID, sessionKey, goal string, h *handle) (*run.Run, error) {
	ticket, err := e.queue.Acquire(ctx, sessionKey, e.cfg.admissionTimeout())
	if err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}
	h.loop = e.newLoop(goal, h.emitter)

	var p *plan.Plan
	st := run.NewAgentState()
	st.Context["goal"] = goal
	if e.cfg.mode() == ModeThink {
		h.brain = e.newBrain(h.loop)
		p, err = h.brain.Brainstorm(ctx, goal, st)
	} else {
		st.SetStage("planning")
		p, err = e.Planner.Plan(ctx, goal)
	}
	if err != nil {
		ticket.Release()
		return nil, fmt.Errorf("planning: %w", err)
	}

	r := run.New(runID, taskID, sessionKey, p)
	r.State = st
	h.loop.Metrics = metrics.NewRecorder(runID)

	e.mu.Lock()
	h.run = r
	e.mu.Unlock()

	h.emitter.Status(run.StatusPlanned)
	e.checkpointNow(r)
	h.ticket = ticket
	return r, nil
}

// drive runs setup then the mode loop, and settles the stream on exit.
// A waiting run keeps its emitter open for the resume path.
func (e *Engine) drive(ctx context.Context, h *handle, setup func(context.Context) (*run.Run, error)) {
	var r *run.Run
	defer func() {
		if h.ticket != nil {
			h.ticket.Release()
			h.ticket = nil
		}
		if rec := recover(); rec != nil {
			logger.Log.Printf("run panic: %v", rec)
			if r != nil {
				_ = h.loop.Fail(r, fmt.Errorf("panic: %v", rec))
			}
		}
		if r == nil || r.Status != run.StatusWaiting {
			h.emitter.CloseWith(e.reloadStatus())
			e.dropHandle(h.id)
		}
	}()

	var err error
	r, err = setup(ctx)
	if err != nil {
		logger.Log.Printf("run not started: %v", err)
		h.emitter.Error(events.ErrorInfo{Code: "start_failed", Message: err.Error(), Phase: "admit"})
		return
	}

	if e.cfg.mode() == ModeThink {
		err = h.brain.Run(ctx, r)
	} else {
		err = h.loop.Run(ctx, r)
	}
	if err != nil {
		logger.Log.Printf("run %s ended with error: %v", r.ID, err)
	}
	if h.loop.Metrics != nil {
		m := h.loop.Metrics.Finish(r.Status == run.StatusDone)
		logger.Log.Printf("run %s finished in %dms over %d steps", m.RunID, m.DurationMs, len(m.Steps))
	}
}

func (e *Engine) newLoop(goal string, em *events.Emitter) *react.Loop {
	return &react.Loop{
		Source:     e.Source,
		Exec:       e.Exec,
		Eval:       e.Eval,
		Emitter:    em,
		Store:      e.store,
		Goal:       goal,
		MaxSteps:   e.cfg.MaxSteps,
		MaxReplans: e.cfg.MaxReplans,
	}
}

func (e *Engine) newBrain(loop *react.Loop) *think.Loop {
	return &think.Loop{
		Planner:     e.Planner,
		Scorer:      e.Scorer,
		React:       loop,
		Agents:      e.cfg.Planners,
		Reflections: e.cfg.Reflections,
		Strategy:    e.cfg.Strategy,
	}
}

func (e *Engine) reloadStatus() func(string) (run.Status, bool) {
	if e.store == nil {
		return nil
	}
	return e.store.LoadStatus
}

func (e *Engine) checkpointNow(r *run.Run) {
	if e.store == nil {
		return
	}
	if err := e.store.Persist(r.ID, checkpoint.Take(r), true); err != nil {
		logger.Log.Printf("run %s: checkpoint write failed: %v", r.ID, err)
	}
}

// StopRun cancels the run's driving goroutine. The loop observes the
// cancellation and settles the run as stopped. A waiting run has no
// driving goroutine, so it is settled here instead.
func (e *Engine) StopRun(runID string) error {
	e.mu.Lock()
	h, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: unknown run %s", runID)
	}
	if h.run != nil && h.loop != nil {
		switch st := h.loop.StatusOf(h.run); {
		case run.IsTerminal(st):
			return fmt.Errorf("engine: run %s already %s", runID, st)
		case st == run.StatusWaiting:
			if err := h.loop.Stop(h.run); err != nil {
				return err
			}
			h.emitter.CloseWith(e.reloadStatus())
			e.dropHandle(runID)
			return nil
		}
	}
	h.cancel()
	return nil
}

// Status reports the run's current status, falling back to the
// checkpoint store for runs the engine no longer tracks.
func (e *Engine) Status(runID string) (run.Status, bool) {
	e.mu.Lock()
	h, ok := e.runs[runID]
	e.mu.Unlock()
	if ok && h.run != nil {
		if h.loop != nil {
			return h.loop.StatusOf(h.run), true
		}
		return h.run.Status, true
	}
	if e.store != nil {
		return e.store.LoadStatus(runID)
	}
	return "", false
}

// Waiting returns the paused prompt for a waiting run.
func (e *Engine) Waiting(runID string) (*run.Paused, bool) {
	e.mu.Lock()
	h, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok || h.run == nil || h.loop == nil {
		return nil, false
	}
	p := h.loop.PausedOf(h.run)
	if p == nil {
		return nil, false
	}
	return p, true
}

func (e *Engine) dropHandle(runID string) {
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
}

// Shutdown waits for in-flight runs to settle after cancelling them.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, h := range e.runs {
		h.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}
