package react

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"foreman/internal/action"
	"foreman/internal/events"
	"foreman/internal/plan"
	"foreman/internal/run"
)

type fakeSource struct {
	propose func(req ProposeRequest) (*Decision, error)
}

func (f *fakeSource) Propose(_ context.Context, req ProposeRequest) (*Decision, error) {
	return f.propose(req)
}

type fakeExec struct {
	mu       sync.Mutex
	executed []action.Kind
	fail     map[action.Kind]int // remaining failures per kind
}

func (f *fakeExec) Execute(_ context.Context, step *plan.Step, act *action.Action) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[act.Kind] > 0 {
		f.fail[act.Kind]--
		return nil, errors.New("transient failure")
	}
	f.executed = append(f.executed, act.Kind)
	return map[string]any{"step": step.ID}, nil
}

type fakeEval struct {
	verdicts []*Verdict
	calls    int
}

func (f *fakeEval) Evaluate(_ context.Context, _ *run.Run) (*Verdict, error) {
	if f.calls >= len(f.verdicts) {
		return &Verdict{Pass: true}, nil
	}
	v := f.verdicts[f.calls]
	f.calls++
	return v, nil
}

// firstAllowed proposes the step's first allowed kind with an empty
// payload, leaving autofill to complete it.
func firstAllowed(req ProposeRequest) (*Decision, error) {
	return &Decision{Action: &action.Action{
		Kind:    action.Kind(req.Allow[0]),
		Payload: map[string]any{"command": "true", "text": "done", "path": "x.txt", "content": "y"},
	}}, nil
}

func newTestLoop(src DecisionSource, exec Executor, eval Evaluator) (*Loop, *events.Emitter) {
	em := events.NewEmitter(events.NewSequencer(), "sess", "run-1", "task-1", 256)
	return &Loop{
		Source:  src,
		Exec:    exec,
		Eval:    eval,
		Emitter: em,
		Goal:    "test goal",
	}, em
}

func collect(em *events.Emitter) []events.Event {
	em.CloseWith(nil)
	var out []events.Event
	for ev := range em.Events() {
		out = append(out, ev)
	}
	return out
}

func TestRunDrivesPlanToDone(t *testing.T) {
	exec := &fakeExec{}
	l, em := newTestLoop(&fakeSource{propose: firstAllowed}, exec, nil)
	r := run.New("run-1", "task-1", "sess", plan.New(
		plan.Step{Title: "run the check", Allow: []string{"shell_command"}},
		plan.Step{Title: "report the outcome", Allow: []string{"task_output"}},
	))

	if err := l.Run(context.Background(), r); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.Status != run.StatusDone {
		t.Fatalf("status = %s, want done", r.Status)
	}
	if len(exec.executed) != 2 {
		t.Fatalf("executed %v, want two actions", exec.executed)
	}
	for _, s := range r.Plan.Steps {
		if s.Status != plan.StepDone {
			t.Errorf("step %d status = %s, want done", s.ID, s.Status)
		}
		if s.Result == "" {
			t.Errorf("step %d has no recorded result", s.ID)
		}
	}

	var deltas, statuses int
	for _, ev := range collect(em) {
		switch ev.Type {
		case events.TypePlanDelta:
			deltas++
		case events.TypeRunStatus:
			statuses++
		}
	}
	if deltas == 0 || statuses == 0 {
		t.Errorf("stream missing progress events: %d deltas, %d statuses", deltas, statuses)
	}
}

func TestFeedbackStepPausesWithToken(t *testing.T) {
	exec := &fakeExec{}
	l, _ := newTestLoop(&fakeSource{propose: firstAllowed}, exec, nil)
	r := run.New("run-1", "task-1", "sess", plan.New(
		plan.Step{Title: "do the work", Allow: []string{"shell_command"}},
		plan.Step{Title: "Is this acceptable?", Allow: []string{"ask_user"}},
	))

	if err := l.Run(context.Background(), r); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.Status != run.StatusWaiting {
		t.Fatalf("status = %s, want waiting", r.Status)
	}
	p := r.State.Paused
	if p == nil {
		t.Fatal("no paused record")
	}
	if p.PromptToken == "" {
		t.Error("paused record has no prompt token")
	}
	if p.StepID != 2 {
		t.Errorf("paused on step %d, want 2", p.StepID)
	}
	if r.Plan.Steps[1].Status != plan.StepWaiting {
		t.Errorf("feedback step status = %s, want waiting", r.Plan.Steps[1].Status)
	}
	// ask_user never reaches the executor.
	for _, k := range exec.executed {
		if k == action.KindAskUser {
			t.Error("feedback step was executed")
		}
	}
}

func TestReviewGateInsertsRepairSteps(t *testing.T) {
	exec := &fakeExec{}
	eval := &fakeEval{verdicts: []*Verdict{
		{Pass: false, RepairSteps: []plan.Step{{Title: "fix the output", Allow: []string{"shell_command"}}}},
		{Pass: true},
	}}
	l, _ := newTestLoop(&fakeSource{propose: firstAllowed}, exec, eval)
	r := run.New("run-1", "task-1", "sess", plan.New(
		plan.Step{Title: "do the work", Allow: []string{"shell_command"}},
		plan.Step{Title: "happy?", Allow: []string{"ask_user"}},
	))

	if err := l.Run(context.Background(), r); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.Status != run.StatusWaiting {
		t.Fatalf("status = %s, want waiting", r.Status)
	}
	if len(r.Plan.Steps) != 3 {
		t.Fatalf("plan has %d steps, want repair step spliced in", len(r.Plan.Steps))
	}
	if r.Plan.Steps[1].Title != "fix the output" {
		t.Errorf("ordinal 1 = %q, want the repair step ahead of feedback", r.Plan.Steps[1].Title)
	}
	if r.Plan.Steps[1].Status != plan.StepDone {
		t.Errorf("repair step status = %s, want done", r.Plan.Steps[1].Status)
	}
	if eval.calls != 2 {
		t.Errorf("evaluator consulted %d times, want 2", eval.calls)
	}
}

func TestReplansAreBounded(t *testing.T) {
	exec := &fakeExec{}
	failing := &Verdict{Pass: false, RepairSteps: []plan.Step{{Title: "more repair", Allow: []string{"shell_command"}}}}
	eval := &fakeEval{verdicts: []*Verdict{failing, failing, failing, failing}}
	l, _ := newTestLoop(&fakeSource{propose: firstAllowed}, exec, eval)
	l.MaxReplans = 2
	r := run.New("run-1", "task-1", "sess", plan.New(
		plan.Step{Title: "happy?", Allow: []string{"ask_user"}},
	))

	if err := l.Run(context.Background(), r); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.Status != run.StatusWaiting {
		t.Fatalf("status = %s, want waiting after bounded replans", r.Status)
	}
	if eval.calls != 2 {
		t.Errorf("evaluator consulted %d times, cap is 2", eval.calls)
	}
}

func TestMidRunPatchExecutesInsertedStep(t *testing.T) {
	exec := &fakeExec{}
	patched := false
	src := &fakeSource{propose: func(req ProposeRequest) (*Decision, error) {
		d, _ := firstAllowed(req)
		if req.Step.ID == 1 && !patched {
			patched = true
			d.Patch = &plan.Patch{
				Index:       1,
				InsertSteps: []plan.Step{{Title: "also verify", Allow: []string{"shell_command"}}},
			}
		}
		return d, nil
	}}
	l, _ := newTestLoop(src, exec, nil)
	r := run.New("run-1", "task-1", "sess", plan.New(
		plan.Step{Title: "do the work", Allow: []string{"shell_command"}},
		plan.Step{Title: "report", Allow: []string{"task_output"}},
	))

	if err := l.Run(context.Background(), r); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.Status != run.StatusDone {
		t.Fatalf("status = %s, want done", r.Status)
	}
	if len(r.Plan.Steps) != 3 {
		t.Fatalf("plan has %d steps, want 3 after patch", len(r.Plan.Steps))
	}
	if len(exec.executed) != 3 {
		t.Errorf("executed %d actions, want the inserted step to run too", len(exec.executed))
	}
	// The inserted step got a fresh id, shifted step 2 kept its id.
	if r.Plan.Steps[1].ID != 3 || r.Plan.Steps[2].ID != 2 {
		t.Errorf("ids after patch = %d,%d, want 3,2", r.Plan.Steps[1].ID, r.Plan.Steps[2].ID)
	}
}

func TestPolicyRetryThenSkipAndFail(t *testing.T) {
	t.Run("retry succeeds on second attempt", func(t *testing.T) {
		exec := &fakeExec{fail: map[action.Kind]int{action.KindShell: 1}}
		l, _ := newTestLoop(&fakeSource{propose: firstAllowed}, exec, nil)
		r := run.New("run-1", "task-1", "sess", plan.New(
			plan.Step{Title: "flaky step", Allow: []string{"shell_command"}},
		))
		if err := l.Run(context.Background(), r); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if r.Status != run.StatusDone {
			t.Errorf("status = %s, want done after retry", r.Status)
		}
	})

	t.Run("skip policy marks step skipped", func(t *testing.T) {
		exec := &fakeExec{fail: map[action.Kind]int{action.KindShell: 99}}
		l, _ := newTestLoop(&fakeSource{propose: firstAllowed}, exec, nil)
		r := run.New("run-1", "task-1", "sess", plan.New(
			plan.Step{Title: "doomed step", Allow: []string{"shell_command"}},
			plan.Step{Title: "report", Allow: []string{"task_output"}},
		))
		r.State.Policy = run.Policy{OnFailure: "skip"}
		if err := l.Run(context.Background(), r); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if r.Plan.Steps[0].Status != plan.StepSkipped {
			t.Errorf("step status = %s, want skipped", r.Plan.Steps[0].Status)
		}
		if r.Status != run.StatusDone {
			t.Errorf("status = %s, want done", r.Status)
		}
	})

	t.Run("fail policy fails the run", func(t *testing.T) {
		exec := &fakeExec{fail: map[action.Kind]int{action.KindShell: 99}}
		l, _ := newTestLoop(&fakeSource{propose: firstAllowed}, exec, nil)
		r := run.New("run-1", "task-1", "sess", plan.New(
			plan.Step{Title: "doomed step", Allow: []string{"shell_command"}},
		))
		r.State.Policy = run.Policy{OnFailure: "fail"}
		if err := l.Run(context.Background(), r); err == nil {
			t.Fatal("Run returned nil for a failed step under the fail policy")
		}
		if r.Status != run.StatusFailed {
			t.Errorf("status = %s, want failed", r.Status)
		}
		if r.Plan.Steps[0].Status != plan.StepFailed {
			t.Errorf("step status = %s, want failed", r.Plan.Steps[0].Status)
		}
	})
}

func TestProposeCoercesLoneAllowKind(t *testing.T) {
	exec := &fakeExec{}
	src := &fakeSource{propose: func(req ProposeRequest) (*Decision, error) {
		// A shorthand the registry does not know at all.
		return &Decision{Action: &action.Action{
			Kind:    "run-it",
			Payload: map[string]any{"command": "true"},
		}}, nil
	}}
	l, _ := newTestLoop(src, exec, nil)
	r := run.New("run-1", "task-1", "sess", plan.New(
		plan.Step{Title: "single kind step", Allow: []string{"shell_command"}},
	))

	if err := l.Run(context.Background(), r); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(exec.executed) != 1 || exec.executed[0] != action.KindShell {
		t.Errorf("executed = %v, want coerced shell_command", exec.executed)
	}
}

func TestStrictValidationRefusesCoercion(t *testing.T) {
	exec := &fakeExec{}
	src := &fakeSource{propose: func(req ProposeRequest) (*Decision, error) {
		return &Decision{Action: &action.Action{Kind: "run-it", Payload: map[string]any{"command": "true"}}}, nil
	}}
	l, _ := newTestLoop(src, exec, nil)
	r := run.New("run-1", "task-1", "sess", plan.New(
		plan.Step{Title: "single kind step", Allow: []string{"shell_command"}},
	))
	r.State.Policy.StrictValidation = true

	err := l.Run(context.Background(), r)
	if err == nil {
		t.Fatal("strict validation accepted an unknown kind")
	}
	if r.Status != run.StatusFailed {
		t.Errorf("status = %s, want failed", r.Status)
	}
}

func TestStepBudgetSkipsExcessSteps(t *testing.T) {
	exec := &fakeExec{}
	l, _ := newTestLoop(&fakeSource{propose: firstAllowed}, exec, nil)
	l.MaxSteps = 3
	l.ReservedTail = 1

	steps := make([]plan.Step, 0, 5)
	for i := 0; i < 5; i++ {
		steps = append(steps, plan.Step{Title: fmt.Sprintf("step %d", i+1), Allow: []string{"shell_command"}})
	}
	r := run.New("run-1", "task-1", "sess", plan.New(steps...))

	if err := l.Run(context.Background(), r); err != nil {
		t.Fatalf("Run: %v", err)
	}
	executed, skipped := 0, 0
	for _, s := range r.Plan.Steps {
		switch s.Status {
		case plan.StepDone:
			executed++
		case plan.StepSkipped:
			skipped++
		}
	}
	if executed != 2 || skipped != 3 {
		t.Errorf("executed=%d skipped=%d, want budget of 2 executions", executed, skipped)
	}
}
