package react

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"foreman/internal/action"
	"foreman/internal/checkpoint"
	"foreman/internal/events"
	"foreman/internal/logger"
	"foreman/internal/metrics"
	"foreman/internal/plan"
	"foreman/internal/run"
)

const (
	DefaultMaxSteps       = 32
	DefaultReservedTail   = 1
	DefaultProposeRetries = 2
	DefaultMaxReplans     = 2
	DefaultProposeTimeout = 45 * time.Second
)

// Loop executes one run's plan step by step. It owns the run's state for
// the duration of Run; nothing else may mutate it concurrently.
type Loop struct {
	Source  DecisionSource
	Exec    Executor
	Eval    Evaluator
	Emitter *events.Emitter
	Store   *checkpoint.Store
	Metrics *metrics.Recorder

	Goal           string
	MaxSteps       int
	ReservedTail   int
	ProposeRetries int
	MaxReplans     int
	ProposeTimeout time.Duration

	// mu guards run-state mutation so the think loop can dispatch
	// independent-role steps through RunStep concurrently.
	mu       sync.Mutex
	replans  int
	executed int
}

func (l *Loop) maxSteps() int {
	if l.MaxSteps > 0 {
		return l.MaxSteps
	}
	return DefaultMaxSteps
}

func (l *Loop) reservedTail() int {
	if l.ReservedTail > 0 {
		return l.ReservedTail
	}
	return DefaultReservedTail
}

func (l *Loop) proposeRetries() int {
	if l.ProposeRetries > 0 {
		return l.ProposeRetries
	}
	return DefaultProposeRetries
}

func (l *Loop) maxReplans() int {
	if l.MaxReplans > 0 {
		return l.MaxReplans
	}
	return DefaultMaxReplans
}

func (l *Loop) proposeTimeout() time.Duration {
	if l.ProposeTimeout > 0 {
		return l.ProposeTimeout
	}
	return DefaultProposeTimeout
}

// Run drives the plan to convergence. Iteration re-reads the live plan
// length each pass so steps inserted mid-flight are not skipped.
func (l *Loop) Run(ctx context.Context, r *run.Run) error {
	if r.Status == run.StatusPlanned || r.Status == run.StatusWaiting {
		if err := l.Transition(r, run.StatusRunning); err != nil {
			return err
		}
	}
	r.State.SetStage("execute")

	for i := r.State.StepOrder; i < len(r.Plan.Steps); i++ {
		if ctx.Err() != nil {
			return l.Stop(r)
		}
		step := r.Plan.Steps[i]
		if step.Status != plan.StepPending && step.Status != plan.StepRunning {
			continue
		}

		if l.IsFeedback(step) {
			inserted, err := l.ReviewGate(ctx, r, i)
			if err != nil && ctx.Err() != nil {
				return l.Stop(r)
			}
			if inserted {
				i-- // the ordinal now holds the first repair step
				continue
			}
			return l.Pause(r, i)
		}

		if l.executed >= l.maxSteps()-l.reservedTail() {
			l.setStepStatus(r, step, i, plan.StepSkipped)
			l.observe(r, fmt.Sprintf("step %d skipped: step budget exhausted", step.ID))
			continue
		}

		l.mu.Lock()
		r.State.StepOrder = i
		l.mu.Unlock()

		if err := l.RunStep(ctx, r, step, i); err != nil {
			if ctx.Err() != nil {
				return l.Stop(r)
			}
			return l.Fail(r, err)
		}
		l.executed++
		l.Checkpoint(r, false)
	}

	return l.Finish(r)
}

// RunStep proposes, validates and executes a single step. Safe for
// concurrent invocation on distinct steps.
func (l *Loop) RunStep(ctx context.Context, r *run.Run, step *plan.Step, ordinal int) error {
	l.setStepStatus(r, step, ordinal, plan.StepRunning)

	decision, err := l.propose(ctx, r, step)
	if err != nil {
		l.setStepStatus(r, step, ordinal, plan.StepFailed)
		l.Emitter.Error(events.ErrorInfo{
			Code: "proposal_exhausted", Message: err.Error(), Phase: "propose", Retryable: false,
		})
		return err
	}

	act := decision.Action
	policy := r.State.Policy
	attempts := 0
	var result map[string]any
	for {
		started := time.Now()
		execCtx, cancel := context.WithTimeout(ctx, action.Timeout(act.Kind))
		result, err = l.Exec.Execute(execCtx, step, act)
		cancel()
		l.recordAttempt(step, act, started, err)
		if err == nil {
			break
		}
		l.observe(r, fmt.Sprintf("step %d (%s) attempt %d failed: %v", step.ID, act.Kind, attempts+1, err))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if policy.OnFailure == "retry" && attempts < policy.MaxActionRetries {
			attempts++
			continue
		}
		if policy.OnFailure == "skip" {
			l.setStepStatus(r, step, ordinal, plan.StepSkipped)
			return nil
		}
		l.setStepStatus(r, step, ordinal, plan.StepFailed)
		l.Emitter.Error(events.ErrorInfo{
			Code: "action_failed", Message: err.Error(), Phase: "execute", Retryable: true,
		})
		return fmt.Errorf("step %d (%s): %w", step.ID, act.Kind, err)
	}

	l.recordResult(r, step, result)
	l.setStepStatus(r, step, ordinal, plan.StepDone)
	l.Emitter.StepResult(step.ID, result)

	if decision.Patch != nil {
		if err := l.applyPatch(r, decision.Patch, ordinal+1); err != nil {
			l.observe(r, fmt.Sprintf("plan patch rejected: %v", err))
		}
	}
	return nil
}

// propose retries the decision source through normalize, autofill and
// validation, up to the retry cap.
func (l *Loop) propose(ctx context.Context, r *run.Run, step *plan.Step) (*Decision, error) {
	// Snapshot the mutable run state under the lock; sibling steps in a
	// parallel group append observations and write the context bag while
	// this request is in flight, so the source never sees the live map.
	l.mu.Lock()
	bag := make(map[string]string, len(r.State.Context))
	for k, v := range r.State.Context {
		bag[k] = v
	}
	req := ProposeRequest{
		Goal:         l.Goal,
		Step:         *step,
		Allow:        step.Allow,
		Observations: append([]string(nil), r.State.Observations...),
		Context:      bag,
	}
	l.mu.Unlock()
	var lastErr error
	for attempt := 0; attempt <= l.proposeRetries(); attempt++ {
		pctx, cancel := context.WithTimeout(ctx, l.proposeTimeout())
		decision, err := l.Source.Propose(pctx, req)
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			lastErr = err
			continue
		}
		if decision == nil || decision.Action == nil {
			lastErr = errors.New("decision source returned no action")
			continue
		}
		act := decision.Action
		kind, ok := action.Normalize(string(act.Kind))
		if !ok && len(step.Allow) == 1 && !r.State.Policy.StrictValidation {
			// A lone-kind allow-list maps shorthands 1:1 onto the
			// declared kind.
			kind, ok = action.Normalize(step.Allow[0])
		}
		if !ok {
			lastErr = fmt.Errorf("unknown action kind %q", act.Kind)
			continue
		}
		act.Kind = kind
		action.Autofill(act, step.Title, bag)
		if err := action.Validate(act); err != nil {
			lastErr = err
			continue
		}
		if !action.Allowed(kind, step.Allow) {
			lastErr = fmt.Errorf("action kind %q not in step %d allow-list %v", kind, step.ID, step.Allow)
			continue
		}
		return decision, nil
	}
	return nil, fmt.Errorf("step %d: proposal retries exhausted: %w", step.ID, lastErr)
}

// ReviewGate consults the evaluator before the feedback step. If the
// work is incomplete, suggested repair steps are spliced in ahead of the
// feedback step, bounded by the replan cap. Gate failures never block
// the user from being asked.
func (l *Loop) ReviewGate(ctx context.Context, r *run.Run, feedbackOrdinal int) (bool, error) {
	if l.Eval == nil || l.replans >= l.maxReplans() {
		return false, nil
	}
	verdict, err := l.Eval.Evaluate(ctx, r)
	if err != nil {
		logger.Log.Printf("run %s: review gate error: %v", r.ID, err)
		return false, err
	}
	if verdict == nil || verdict.Pass || len(verdict.RepairSteps) == 0 {
		return false, nil
	}
	l.replans++
	if err := r.Plan.Insert(feedbackOrdinal, verdict.RepairSteps); err != nil {
		return false, err
	}
	for off := range verdict.RepairSteps {
		ord := feedbackOrdinal + off
		s := r.Plan.Steps[ord]
		l.Emitter.Delta(plan.Delta{StepID: s.ID, Ordinal: ord, Status: s.Status, Title: s.Title})
	}
	if verdict.Notes != "" {
		l.observe(r, "review gate: "+verdict.Notes)
	}
	l.Checkpoint(r, false)
	return true, nil
}

// Pause parks the run on a feedback step: a Paused record with a fresh
// single-use prompt token is written and persisted synchronously.
func (l *Loop) Pause(r *run.Run, ordinal int) error {
	step := r.Plan.Steps[ordinal]
	question := step.Brief
	if question == "" {
		question = step.Title
	}
	l.mu.Lock()
	r.State.StepOrder = ordinal
	r.State.Paused = &run.Paused{
		StepID:      step.ID,
		Question:    question,
		SessionKey:  r.SessionKey,
		PromptToken: uuid.NewString(),
		AskedAt:     time.Now(),
	}
	l.mu.Unlock()
	l.setStepStatus(r, step, ordinal, plan.StepWaiting)
	return l.Transition(r, run.StatusWaiting)
}

func (l *Loop) Finish(r *run.Run) error {
	return l.Transition(r, run.StatusDone)
}

func (l *Loop) Fail(r *run.Run, cause error) error {
	if err := l.Transition(r, run.StatusFailed); err != nil {
		logger.Log.Printf("run %s: %v", r.ID, err)
	}
	return cause
}

// Stop handles external cancellation: in-flight steps return to pending
// so a future resume can safely re-enter.
func (l *Loop) Stop(r *run.Run) error {
	r.ResetInFlight()
	return l.Transition(r, run.StatusStopped)
}

func (l *Loop) Transition(r *run.Run, next run.Status) error {
	l.mu.Lock()
	err := r.SetStatus(next)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.Emitter.Status(next)
	l.Checkpoint(r, true)
	return nil
}

// StatusOf reads the run's status under the loop's lock, for callers
// outside the driving goroutine.
func (l *Loop) StatusOf(r *run.Run) run.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return r.Status
}

// PausedOf returns a copy of the paused prompt, or nil when the run is
// not waiting on input.
func (l *Loop) PausedOf(r *run.Run) *run.Paused {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.Status != run.StatusWaiting || r.State.Paused == nil {
		return nil
	}
	p := *r.State.Paused
	return &p
}

func (l *Loop) Checkpoint(r *run.Run, force bool) {
	if l.Store == nil {
		return
	}
	if err := l.Store.Persist(r.ID, checkpoint.Take(r), force); err != nil {
		logger.Log.Printf("run %s: checkpoint write failed: %v", r.ID, err)
	}
}

func (l *Loop) setStepStatus(r *run.Run, step *plan.Step, ordinal int, status plan.StepStatus) {
	l.mu.Lock()
	step.Status = status
	l.mu.Unlock()
	l.Emitter.Delta(plan.Delta{StepID: step.ID, Ordinal: ordinal, Status: status})
	if l.Metrics != nil && status != plan.StepRunning && status != plan.StepPending {
		l.Metrics.StepDone(step.ID, string(status))
	}
}

func (l *Loop) recordAttempt(step *plan.Step, act *action.Action, started time.Time, err error) {
	if l.Metrics == nil {
		return
	}
	m := metrics.AttemptMetrics{
		Kind: string(act.Kind), Start: started, End: time.Now(), Success: err == nil,
	}
	if err != nil {
		m.Err = err.Error()
	}
	l.Metrics.Attempt(step.ID, step.Title, m)
}

func (l *Loop) observe(r *run.Run, text string) {
	l.mu.Lock()
	r.State.Observe(text)
	l.mu.Unlock()
}

func (l *Loop) recordResult(r *run.Run, step *plan.Step, result map[string]any) {
	serialized := ""
	if result != nil {
		if b, err := json.Marshal(result); err == nil {
			serialized = string(b)
		}
	}
	l.mu.Lock()
	step.Result = serialized
	if serialized != "" {
		r.State.Context["last_result"] = serialized
	}
	r.State.Observe(fmt.Sprintf("step %d (%s) done: %s", step.ID, step.Title, serialized))
	l.mu.Unlock()
}

func (l *Loop) applyPatch(r *run.Run, patch *plan.Patch, nextUnexecuted int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	before := len(r.Plan.Steps)
	if err := r.Plan.ApplyPatch(patch, nextUnexecuted); err != nil {
		return err
	}
	if len(r.Plan.Steps) > before {
		for off := 0; off < len(r.Plan.Steps)-before; off++ {
			ord := patch.Index + off
			s := r.Plan.Steps[ord]
			l.Emitter.Delta(plan.Delta{StepID: s.ID, Ordinal: ord, Status: s.Status, Title: s.Title})
		}
	} else if patch.Index < len(r.Plan.Steps) {
		s := r.Plan.Steps[patch.Index]
		l.Emitter.Delta(plan.Delta{StepID: s.ID, Ordinal: patch.Index, Status: s.Status, Title: s.Title, Brief: s.Brief})
	}
	return nil
}

// IsFeedback reports whether the step exists to collect user input.
func (l *Loop) IsFeedback(step *plan.Step) bool {
	return action.Allowed(action.KindAskUser, step.Allow)
}
