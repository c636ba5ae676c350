// Package events converts internal run progress into an ordered,
// versioned, typed event stream consumable by any transport.
package events

import (
	"sync"
	"time"

	"foreman/internal/plan"
	"foreman/internal/run"
)

type Type string

const (
	TypeRunStatus  Type = "run_status"
	TypePlanDelta  Type = "plan_delta"
	TypeStepResult Type = "step_result"
	TypeError      Type = "error"
	TypeDiagnostic Type = "diagnostic"
	TypeRunClosed  Type = "run_closed"
)

const (
	SchemaName = "foreman.run.stream"
	// SchemaVersion stamps every emitted event.
	SchemaVersion = 3
	// MinSchemaVersion is the oldest version consumers must accept.
	// Events below it are discarded, never a reason to crash.
	MinSchemaVersion = 2
)

// Terminal source tags carried by the closing event.
const (
	SourceRuntime  = "runtime"
	SourceDB       = "db"
	SourceFallback = "fallback"
)

// ErrorInfo is the user-visible failure payload: stable code, human
// message, originating phase and recoverability flags.
type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Phase       string `json:"phase,omitempty"`
	Recoverable bool   `json:"recoverable"`
	Retryable   bool   `json:"retryable"`
}

// Event is append-only: never mutated after emission. Seq increases
// monotonically per session; Cause is the session key, correlating
// event bursts that belong to one conversational lineage.
type Event struct {
	Type          Type           `json:"type"`
	Schema        string         `json:"schema"`
	SchemaVersion int            `json:"schema_version"`
	Seq           int64          `json:"seq"`
	SessionKey    string         `json:"session_key"`
	RunID         string         `json:"run_id"`
	TaskID        string         `json:"task_id"`
	TS            time.Time      `json:"ts"`
	Cause         string         `json:"cause"`
	Status        run.Status     `json:"status,omitempty"`
	Delta         *plan.Delta    `json:"delta,omitempty"`
	Error         *ErrorInfo     `json:"error,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Source        string         `json:"source,omitempty"`
	Note          string         `json:"note,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Compatible reports whether a consumer on the current minimum schema
// version may process the event.
func Compatible(ev Event) bool {
	return ev.SchemaVersion >= MinSchemaVersion
}

// Sink receives events in emission order per session.
type Sink interface {
	Send(ev Event) error
}

// Sequencer hands out monotonic per-session sequence numbers. One
// instance is shared process-wide.
type Sequencer struct {
	mu   sync.Mutex
	next map[string]int64
}

func NewSequencer() *Sequencer {
	return &Sequencer{next: make(map[string]int64)}
}

func (s *Sequencer) Next(sessionKey string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[sessionKey]++
	return s.next[sessionKey]
}
