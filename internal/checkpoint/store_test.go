package checkpoint

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"foreman/internal/plan"
	"foreman/internal/run"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRun(id string) *run.Run {
	p := plan.New(
		plan.Step{Title: "fetch the page", Allow: []string{"fetch_url"}},
		plan.Step{Title: "summarize", Allow: []string{"llm_generate"}},
	)
	return run.New(id, "task-"+id, "sess-1", p)
}

func TestPersistLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	r := testRun("run-1")
	r.Plan.Steps[0].Status = plan.StepDone
	r.Plan.Steps[0].Result = `{"status_code":200}`
	r.State.StepOrder = 1
	r.State.Context["last_result"] = `{"status_code":200}`

	if err := s.Persist(r.ID, Take(r), true); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	snap, err := s.Load(r.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := snap.Restore(r.ID, r.SessionKey)
	if got.Status != r.Status || got.TaskID != r.TaskID {
		t.Errorf("restored status/task = %s/%s, want %s/%s", got.Status, got.TaskID, r.Status, r.TaskID)
	}
	if got.State.StepOrder != 1 {
		t.Errorf("restored StepOrder = %d, want 1", got.State.StepOrder)
	}
	if got.Plan.Steps[0].Result != r.Plan.Steps[0].Result {
		t.Errorf("restored step result = %q", got.Plan.Steps[0].Result)
	}
	if got.State.Context["last_result"] == "" {
		t.Error("restored context lost last_result")
	}
}

func TestLoadUnknownRun(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Load("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load err = %v, want ErrNotFound", err)
	}
	if _, ok := s.LoadStatus("nope"); ok {
		t.Error("LoadStatus reported a hit for an unknown run")
	}
}

func TestPersistThrottlesRoutineWrites(t *testing.T) {
	s := openTestStore(t)
	r := testRun("run-2")
	_ = r.SetStatus(run.StatusRunning)

	if err := s.Persist(r.ID, Take(r), false); err != nil {
		t.Fatal(err)
	}
	// Same status, immediately after: dropped by the throttle.
	r.State.StepOrder = 1
	if err := s.Persist(r.ID, Take(r), false); err != nil {
		t.Fatal(err)
	}
	snap, err := s.Load(r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.State.StepOrder != 0 {
		t.Errorf("throttled write landed: StepOrder = %d, want 0", snap.State.StepOrder)
	}

	// force bypasses the throttle.
	if err := s.Persist(r.ID, Take(r), true); err != nil {
		t.Fatal(err)
	}
	snap, _ = s.Load(r.ID)
	if snap.State.StepOrder != 1 {
		t.Errorf("forced write dropped: StepOrder = %d, want 1", snap.State.StepOrder)
	}
}

func TestPersistNeverThrottlesWaitingOrTerminal(t *testing.T) {
	s := openTestStore(t)
	r := testRun("run-3")
	_ = r.SetStatus(run.StatusRunning)
	if err := s.Persist(r.ID, Take(r), false); err != nil {
		t.Fatal(err)
	}

	// waiting must land even when the previous write was moments ago.
	r.State.Paused = &run.Paused{StepID: 2, Question: "ship it?", PromptToken: "tok", AskedAt: time.Now()}
	_ = r.SetStatus(run.StatusWaiting)
	if err := s.Persist(r.ID, Take(r), false); err != nil {
		t.Fatal(err)
	}
	if st, ok := s.LoadStatus(r.ID); !ok || st != run.StatusWaiting {
		t.Errorf("persisted status = %s, want waiting", st)
	}
	snap, _ := s.Load(r.ID)
	if snap.State.Paused == nil || snap.State.Paused.PromptToken != "tok" {
		t.Error("waiting snapshot lost the paused record")
	}

	_ = r.SetStatus(run.StatusDone)
	if err := s.Persist(r.ID, Take(r), false); err != nil {
		t.Fatal(err)
	}
	if st, _ := s.LoadStatus(r.ID); st != run.StatusDone {
		t.Errorf("persisted status = %s, want done", st)
	}
}

func TestTerminalWriteEvictsThrottleEntry(t *testing.T) {
	s := openTestStore(t)
	r := testRun("run-5")
	_ = r.SetStatus(run.StatusRunning)

	if err := s.Persist(r.ID, Take(r), false); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	_, tracked := s.last[r.ID]
	s.mu.Unlock()
	if !tracked {
		t.Fatal("running write left no throttle entry")
	}

	_ = r.SetStatus(run.StatusDone)
	if err := s.Persist(r.ID, Take(r), false); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	_, tracked = s.last[r.ID]
	s.mu.Unlock()
	if tracked {
		t.Error("settled run still holds a throttle entry")
	}
	if st, _ := s.LoadStatus(r.ID); st != run.StatusDone {
		t.Errorf("persisted status = %s, want done", st)
	}
}

func TestStatusTransitionBypassesThrottle(t *testing.T) {
	s := openTestStore(t)
	r := testRun("run-4")

	if err := s.Persist(r.ID, Take(r), false); err != nil {
		t.Fatal(err)
	}
	_ = r.SetStatus(run.StatusRunning)
	if err := s.Persist(r.ID, Take(r), false); err != nil {
		t.Fatal(err)
	}
	if st, _ := s.LoadStatus(r.ID); st != run.StatusRunning {
		t.Errorf("status transition was throttled: got %s", st)
	}
}
