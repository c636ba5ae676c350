// Package metrics collects per-run timing aggregated over steps and
// their action attempts. Purely in-memory; callers decide where the
// finished record goes.
package metrics

import (
	"sync"
	"time"
)

type AttemptMetrics struct {
	Kind       string    `json:"kind"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Err        string    `json:"err,omitempty"`
}

type StepMetrics struct {
	StepID     int              `json:"step_id"`
	Title      string           `json:"title"`
	Start      time.Time        `json:"start"`
	End        time.Time        `json:"end"`
	DurationMs int64            `json:"duration_ms"`
	Status     string           `json:"status"`
	Attempts   []AttemptMetrics `json:"attempts"`
}

type RunMetrics struct {
	RunID      string        `json:"run_id"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	DurationMs int64         `json:"duration_ms"`
	Succeeded  bool          `json:"succeeded"`
	Steps      []StepMetrics `json:"steps"`
}

// Recorder accumulates metrics for one run. Safe for the role-parallel
// dispatch path where several steps finish concurrently.
type Recorder struct {
	mu  sync.Mutex
	run RunMetrics
}

func NewRecorder(runID string) *Recorder {
	return &Recorder{run: RunMetrics{RunID: runID, Start: time.Now()}}
}

// Attempt records one action attempt under its step, creating the step
// record on first sight.
func (r *Recorder) Attempt(stepID int, title string, m AttemptMetrics) {
	m.DurationMs = m.End.Sub(m.Start).Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.run.Steps {
		if r.run.Steps[i].StepID == stepID {
			r.run.Steps[i].Attempts = append(r.run.Steps[i].Attempts, m)
			return
		}
	}
	r.run.Steps = append(r.run.Steps, StepMetrics{
		StepID: stepID, Title: title, Start: m.Start,
		Attempts: []AttemptMetrics{m},
	})
}

// StepDone closes out a step's record with its final status.
func (r *Recorder) StepDone(stepID int, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.run.Steps {
		if r.run.Steps[i].StepID == stepID {
			s := &r.run.Steps[i]
			s.End = time.Now()
			s.Status = status
			s.DurationMs = s.End.Sub(s.Start).Milliseconds()
			return
		}
	}
}

// Finish stamps the run totals and returns a copy of the record.
func (r *Recorder) Finish(succeeded bool) RunMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run.End = time.Now()
	r.run.Succeeded = succeeded
	r.run.DurationMs = r.run.End.Sub(r.run.Start).Milliseconds()
	out := r.run
	out.Steps = append([]StepMetrics(nil), r.run.Steps...)
	return out
}
