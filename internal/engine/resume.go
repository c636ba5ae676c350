package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"foreman/internal/events"
	"foreman/internal/plan"
	"foreman/internal/run"
)

var (
	ErrRunUnknown      = errors.New("engine: run not found")
	ErrRunActive       = errors.New("engine: run is still executing")
	ErrRunDone         = errors.New("engine: run already completed")
	ErrSessionMissing  = errors.New("engine: resume requires a session key")
	ErrSessionMismatch = errors.New("engine: session key does not match the paused run")
	ErrTokenMissing    = errors.New("engine: resume requires the prompt token")
	ErrTokenMismatch   = errors.New("engine: prompt token does not match the paused run")
	ErrAlreadyClaimed  = errors.New("engine: prompt token already claimed")
)

const (
	claimPending   = "in_progress"
	claimSucceeded = "succeeded"
	claimFailed    = "failed"
)

// claim tracks one (run, token) resume from first submission to its
// outcome. resultID names the run continuing the work once the claim
// succeeds; a failed claim releases the token for retry.
type claim struct {
	at       time.Time
	state    string
	resultID string
}

// claimTable makes resume idempotent: the first claim of a (run, token)
// pair wins, and duplicates inside the TTL are rejected with the first
// claim's state attached.
type claimTable struct {
	mu     sync.Mutex
	ttl    time.Duration
	claims map[string]*claim
}

func newClaimTable(ttl time.Duration) *claimTable {
	return &claimTable{ttl: ttl, claims: make(map[string]*claim)}
}

func claimKey(runID, token string) string { return runID + "|" + token }

func (c *claimTable) begin(runID, token string) (claim, error) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, cl := range c.claims {
		if now.Sub(cl.at) > c.ttl {
			delete(c.claims, k)
		}
	}
	key := claimKey(runID, token)
	if prior, dup := c.claims[key]; dup && prior.state != claimFailed {
		return *prior, ErrAlreadyClaimed
	}
	c.claims[key] = &claim{at: now, state: claimPending}
	return claim{}, nil
}

func (c *claimTable) finalize(runID, token, state, resultID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.claims[claimKey(runID, token)]; ok {
		cl.state = state
		cl.resultID = resultID
	}
}

func (c *claimTable) succeed(runID, token, resultID string) {
	c.finalize(runID, token, claimSucceeded, resultID)
}

func (c *claimTable) fail(runID, token string) {
	c.finalize(runID, token, claimFailed, "")
}

// claimConflict turns a duplicate claim into an error that tells the
// caller what became of the first submission.
func (e *Engine) claimConflict(prior claim) error {
	if prior.state == claimSucceeded && prior.resultID != "" {
		if st, ok := e.Status(prior.resultID); ok {
			return fmt.Errorf("%w: first resume continues as run %s (%s)", ErrAlreadyClaimed, prior.resultID, st)
		}
		return fmt.Errorf("%w: first resume continues as run %s", ErrAlreadyClaimed, prior.resultID)
	}
	return fmt.Errorf("%w: first resume still in progress", ErrAlreadyClaimed)
}

// Resume is the input to ResumeRun. Token and SessionKey must match the
// paused prompt exactly; Answer is the user's reply.
type Resume struct {
	RunID      string
	SessionKey string
	Token      string
	Answer     string
}

// ResumeRun continues a parked run. A waiting run resumes in place; a
// stopped or failed run is continued as a fresh run over the same task,
// since a settled run never changes status again.
func (e *Engine) ResumeRun(ctx context.Context, req Resume) (string, <-chan events.Event, error) {
	e.mu.Lock()
	h, tracked := e.runs[req.RunID]
	e.mu.Unlock()

	var r *run.Run
	var status run.Status
	if tracked && h.run != nil {
		r = h.run
		status = r.Status
		if h.loop != nil {
			status = h.loop.StatusOf(r)
		}
	} else if e.store != nil {
		snap, err := e.store.Load(req.RunID)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %s", ErrRunUnknown, req.RunID)
		}
		r = snap.Restore(req.RunID, req.SessionKey)
		status = r.Status
	} else {
		return "", nil, fmt.Errorf("%w: %s", ErrRunUnknown, req.RunID)
	}

	switch status {
	case run.StatusWaiting:
		return e.resumeWaiting(ctx, h, r, req)
	case run.StatusStopped, run.StatusFailed:
		return e.restartSettled(ctx, r, req)
	case run.StatusDone:
		return "", nil, fmt.Errorf("%w: %s", ErrRunDone, req.RunID)
	default:
		return "", nil, fmt.Errorf("%w: %s is %s", ErrRunActive, req.RunID, status)
	}
}

// resumeWaiting verifies the prompt credentials, answers the feedback
// step and re-enters the loop on the same run.
func (e *Engine) resumeWaiting(ctx context.Context, h *handle, r *run.Run, req Resume) (string, <-chan events.Event, error) {
	paused := r.State.Paused
	if paused == nil {
		return "", nil, fmt.Errorf("engine: run %s is waiting but has no paused record", r.ID)
	}
	if paused.SessionKey != "" {
		if req.SessionKey == "" {
			return "", nil, ErrSessionMissing
		}
		if req.SessionKey != paused.SessionKey {
			return "", nil, ErrSessionMismatch
		}
	}
	if paused.PromptToken != "" {
		if req.Token == "" {
			return "", nil, ErrTokenMissing
		}
		if req.Token != paused.PromptToken {
			return "", nil, ErrTokenMismatch
		}
	}
	if prior, err := e.claims.begin(r.ID, paused.PromptToken); err != nil {
		return "", nil, e.claimConflict(prior)
	}

	if h == nil {
		// Restored from the checkpoint store after a restart: a fresh
		// handle with a fresh emitter carries the rest of the stream.
		h = &handle{id: r.ID, run: r, emitter: events.NewEmitter(e.seq, r.SessionKey, r.ID, r.TaskID, e.cfg.EventBuffer)}
		h.loop = e.newLoop(r.State.Context["goal"], h.emitter)
		if e.cfg.mode() == ModeThink {
			h.brain = e.newBrain(h.loop)
		}
		e.mu.Lock()
		e.runs[r.ID] = h
		e.mu.Unlock()
	}

	e.answerFeedback(r, paused.StepID, req.Answer)

	// Everything already done: settle without another decision call.
	if r.Plan.AllDone() {
		if err := h.loop.Transition(r, run.StatusDone); err != nil {
			e.claims.fail(r.ID, paused.PromptToken)
			return "", nil, err
		}
		e.claims.succeed(r.ID, paused.PromptToken, r.ID)
		h.emitter.CloseWith(e.reloadStatus())
		e.dropHandle(r.ID)
		return r.ID, nil, nil
	}

	return e.launch(h, r, r.ID, paused.PromptToken)
}

// restartSettled continues a stopped or failed run as a brand-new run
// over the same task, starting from the reconciled plan position.
func (e *Engine) restartSettled(ctx context.Context, prev *run.Run, req Resume) (string, <-chan events.Event, error) {
	if prev.SessionKey != "" && req.SessionKey != prev.SessionKey {
		if req.SessionKey == "" {
			return "", nil, ErrSessionMissing
		}
		return "", nil, ErrSessionMismatch
	}
	if prior, err := e.claims.begin(prev.ID, req.Token); err != nil {
		return "", nil, e.claimConflict(prior)
	}

	p := plan.FromCompact(prev.Plan.ToCompact())
	r := run.New(uuid.NewString(), prev.TaskID, prev.SessionKey, p)
	r.State = prev.State
	r.State.Paused = nil
	r.ResetInFlight()
	reconcileStepOrder(r)
	if req.Answer != "" {
		r.State.Observe("user: " + req.Answer)
		r.State.Context["user_answer"] = req.Answer
	}

	em := events.NewEmitter(e.seq, r.SessionKey, r.ID, r.TaskID, e.cfg.EventBuffer)
	h := &handle{id: r.ID, run: r, emitter: em}
	h.loop = e.newLoop(r.State.Context["goal"], em)
	if e.cfg.mode() == ModeThink {
		h.brain = e.newBrain(h.loop)
	}
	e.mu.Lock()
	e.runs[r.ID] = h
	e.mu.Unlock()

	h.emitter.Status(run.StatusPlanned)
	e.checkpointNow(r)
	return e.launch(h, r, prev.ID, req.Token)
}

// launch re-admits the run and drives it on a background goroutine.
// The claim settles with admission: succeeded once the run holds a
// ticket, failed otherwise, so a failed relaunch never burns the token.
func (e *Engine) launch(h *handle, r *run.Run, claimRun, claimToken string) (string, <-chan events.Event, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	// A run resumed in place still has its original consumer attached;
	// only a freshly created handle needs its stream wired up.
	var ch <-chan events.Event
	if !h.pumping {
		if e.Sink != nil {
			go events.Forward(h.emitter.Events(), e.Sink)
		} else {
			ch = h.emitter.Events()
		}
		h.pumping = true
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drive(runCtx, h, func(dctx context.Context) (*run.Run, error) {
			ticket, err := e.queue.Acquire(dctx, r.SessionKey, e.cfg.admissionTimeout())
			if err != nil {
				e.claims.fail(claimRun, claimToken)
				return nil, fmt.Errorf("admission: %w", err)
			}
			h.ticket = ticket
			e.claims.succeed(claimRun, claimToken, r.ID)
			return r, nil
		})
	}()
	return r.ID, ch, nil
}

// answerFeedback marks the paused feedback step done with the user's
// reply, so re-entering the loop does not re-ask.
func (e *Engine) answerFeedback(r *run.Run, stepID int, answer string) {
	step := r.Plan.FindByID(stepID)
	if step == nil {
		return
	}
	payload := map[string]any{"answer": answer}
	if b, err := json.Marshal(payload); err == nil {
		step.Result = string(b)
	}
	step.Status = plan.StepDone
	r.State.Context["user_answer"] = answer
	r.State.Observe(fmt.Sprintf("user answered step %d: %s", stepID, answer))
	if ord := r.Plan.IndexOf(stepID); ord >= 0 {
		r.State.StepOrder = ord + 1
	}
}

// reconcileStepOrder repositions the cursor from the plan itself, so a
// stale persisted ordinal cannot skip or repeat work.
func reconcileStepOrder(r *run.Run) {
	r.State.StepOrder = r.Plan.NextUnexecuted()
}
