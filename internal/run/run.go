// Package run holds the run lifecycle state machine and the mutable
// state owned by a single execution attempt.
package run

import (
	"fmt"
	"strings"
	"time"

	"foreman/internal/plan"
)

type Status string

const (
	StatusPlanned Status = "planned"
	StatusRunning Status = "running"
	StatusWaiting Status = "waiting"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusStopped Status = "stopped"
)

// Terminal statuses never transition to anything else.
func IsTerminal(s Status) bool {
	return s == StatusDone || s == StatusFailed || s == StatusStopped
}

var legalNext = map[Status][]Status{
	StatusPlanned: {StatusRunning, StatusFailed, StatusStopped},
	StatusRunning: {StatusWaiting, StatusDone, StatusFailed, StatusStopped},
	StatusWaiting: {StatusRunning, StatusDone, StatusFailed, StatusStopped},
}

// IsLegalTransition reports whether prev -> next is allowed. A terminal
// status only permits next == prev (a no-op rewrite).
func IsLegalTransition(prev, next Status) bool {
	if prev == next {
		return true
	}
	if IsTerminal(prev) {
		return false
	}
	for _, s := range legalNext[prev] {
		if s == next {
			return true
		}
	}
	return false
}

// Paused captures what a waiting run is blocked on. Present only while
// the run status is waiting.
type Paused struct {
	StepID      int       `json:"step_id"`
	Question    string    `json:"question"`
	SessionKey  string    `json:"session_key,omitempty"`
	PromptToken string    `json:"prompt_token,omitempty"`
	AskedAt     time.Time `json:"asked_at"`
}

// Policy holds the feature toggles that govern loop behavior.
type Policy struct {
	StrictValidation bool   `json:"strict_validation"`
	OnFailure        string `json:"on_failure"` // "fail", "skip" or "retry"
	MaxActionRetries int    `json:"max_action_retries"`
}

func DefaultPolicy() Policy {
	return Policy{OnFailure: "retry", MaxActionRetries: 1}
}

const (
	maxObservations   = 64
	maxObservationLen = 2000
)

// AgentState is the run-scoped mutable context. It is owned exclusively
// by the loop currently driving the run and is never shared across runs.
type AgentState struct {
	StepOrder    int               `json:"step_order"`
	Observations []string          `json:"observations,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
	Paused       *Paused           `json:"paused,omitempty"`
	Policy       Policy            `json:"policy"`
	Stage        string            `json:"stage,omitempty"`
	StageAt      time.Time         `json:"stage_at,omitempty"`
}

func NewAgentState() *AgentState {
	return &AgentState{
		Context: make(map[string]string),
		Policy:  DefaultPolicy(),
	}
}

// Observe appends a truncated observation, dropping the oldest entries
// once the bounded log is full.
func (st *AgentState) Observe(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if len(text) > maxObservationLen {
		text = text[:maxObservationLen] + "…(truncated)"
	}
	st.Observations = append(st.Observations, text)
	if len(st.Observations) > maxObservations {
		st.Observations = st.Observations[len(st.Observations)-maxObservations:]
	}
}

// SetStage records the current pipeline stage (retrieval, planning,
// execute, ...) with its timestamp.
func (st *AgentState) SetStage(stage string) {
	st.Stage = stage
	st.StageAt = time.Now()
}

// Run is one execution attempt of a task.
type Run struct {
	ID         string      `json:"id"`
	TaskID     string      `json:"task_id"`
	SessionKey string      `json:"session_key"`
	Status     Status      `json:"status"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Plan       *plan.Plan  `json:"plan"`
	State      *AgentState `json:"state"`
}

func New(id, taskID, sessionKey string, p *plan.Plan) *Run {
	return &Run{
		ID:         id,
		TaskID:     taskID,
		SessionKey: sessionKey,
		Status:     StatusPlanned,
		StartedAt:  time.Now(),
		Plan:       p,
		State:      NewAgentState(),
	}
}

// SetStatus validates and applies a status transition. Leaving waiting
// clears the Paused record; entering a terminal status stamps FinishedAt.
func (r *Run) SetStatus(next Status) error {
	if !IsLegalTransition(r.Status, next) {
		return fmt.Errorf("run %s: illegal status transition %s -> %s", r.ID, r.Status, next)
	}
	if r.Status == StatusWaiting && next != StatusWaiting {
		r.State.Paused = nil
	}
	r.Status = next
	if IsTerminal(next) && r.FinishedAt == nil {
		now := time.Now()
		r.FinishedAt = &now
	}
	return nil
}

// ResetInFlight returns running and waiting steps to pending so a later
// resume can safely re-enter the loop.
func (r *Run) ResetInFlight() {
	for _, s := range r.Plan.Steps {
		if s.Status == plan.StepRunning || s.Status == plan.StepWaiting {
			s.Status = plan.StepPending
		}
	}
}
