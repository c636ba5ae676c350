package events

import (
	"fmt"
	"sync"
	"time"

	"foreman/internal/plan"
	"foreman/internal/run"

	"foreman/internal/logger"
)

const DefaultBuffer = 256

// Emitter turns one run's progress into stream events. Delivery goes
// through a bounded channel so the execution loop never blocks on a slow
// consumer; overflow is dropped and counted, except closing events.
type Emitter struct {
	seq        *Sequencer
	sessionKey string
	runID      string
	taskID     string

	mu         sync.Mutex
	ch         chan Event
	closed     bool
	dropped    int64
	lastStatus run.Status
	endSeen    bool // terminal status or waiting observed
}

func NewEmitter(seq *Sequencer, sessionKey, runID, taskID string, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Emitter{
		seq:        seq,
		sessionKey: sessionKey,
		runID:      runID,
		taskID:     taskID,
		ch:         make(chan Event, buffer),
	}
}

// Events is the ordered stream. The channel closes after CloseWith.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Dropped reports how many events were discarded due to backpressure.
func (e *Emitter) Dropped() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func (e *Emitter) stamp(ev Event) Event {
	ev.Schema = SchemaName
	ev.SchemaVersion = SchemaVersion
	ev.Seq = e.seq.Next(e.sessionKey)
	ev.SessionKey = e.sessionKey
	ev.RunID = e.runID
	ev.TaskID = e.taskID
	ev.TS = time.Now()
	ev.Cause = e.sessionKey
	return ev
}

// closeFlush bounds how long closing events may wait on a full buffer.
const closeFlush = time.Second

// emit must be called with e.mu held.
func (e *Emitter) emit(ev Event, block bool) {
	if e.closed {
		return
	}
	ev = e.stamp(ev)
	if block {
		select {
		case e.ch <- ev:
		case <-time.After(closeFlush):
			e.dropped++
		}
		return
	}
	select {
	case e.ch <- ev:
	default:
		e.dropped++
	}
}

// Status emits a run_status event. A terminal status is sticky: once
// seen, any attempt to regress to a non-terminal status is rejected and
// reported as a diagnostic instead.
func (e *Emitter) Status(st run.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if run.IsTerminal(e.lastStatus) && st != e.lastStatus {
		logger.Log.Printf("emitter run=%s: refused status regression %s -> %s", e.runID, e.lastStatus, st)
		e.emit(Event{Type: TypeDiagnostic, Note: fmt.Sprintf("refused status regression %s -> %s", e.lastStatus, st)}, false)
		return
	}
	e.lastStatus = st
	if run.IsTerminal(st) || st == run.StatusWaiting {
		e.endSeen = true
	}
	e.emit(Event{Type: TypeRunStatus, Status: st}, false)
}

func (e *Emitter) Delta(d plan.Delta) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emit(Event{Type: TypePlanDelta, Delta: &d}, false)
}

func (e *Emitter) StepResult(stepID int, payload map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emit(Event{Type: TypeStepResult, Delta: &plan.Delta{StepID: stepID}, Payload: payload}, false)
}

func (e *Emitter) Error(info ErrorInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emit(Event{Type: TypeError, Error: &info}, false)
}

func (e *Emitter) Diagnostic(note string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emit(Event{Type: TypeDiagnostic, Note: note}, false)
}

func reasonFor(st run.Status) string {
	switch st {
	case run.StatusDone:
		return "completed"
	case run.StatusWaiting:
		return "waiting_input"
	case run.StatusFailed:
		return "failed"
	case run.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CloseWith ends the stream. If no terminal or waiting status was ever
// observed, the resolution order is: in-memory last-known status, then
// the persisted run via reload, then a failed fallback. Out-of-band
// resolutions always ride with a diagnostic; the run is never silently
// reported done.
func (e *Emitter) CloseWith(reload func(string) (run.Status, bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	status := e.lastStatus
	reason := reasonFor(status)
	source := SourceRuntime

	if !e.endSeen {
		resolved := false
		if reload != nil {
			if st, ok := reload(e.runID); ok && (run.IsTerminal(st) || st == run.StatusWaiting) {
				status, reason, source = st, reasonFor(st)+"_from_db", SourceDB
				resolved = true
			}
		}
		if !resolved {
			status, reason, source = run.StatusFailed, reasonFor(run.StatusFailed)+"_from_fallback", SourceFallback
		}
		e.emit(Event{
			Type: TypeDiagnostic,
			Note: fmt.Sprintf("stream ended without a terminal status; resolved %s via %s", status, source),
		}, true)
		e.emit(Event{Type: TypeRunStatus, Status: status}, true)
	}

	if e.dropped > 0 {
		e.emit(Event{Type: TypeDiagnostic, Note: fmt.Sprintf("%d events dropped due to slow consumer", e.dropped)}, true)
	}
	e.emit(Event{Type: TypeRunClosed, Status: status, Reason: reason, Source: source}, true)
	e.closed = true
	close(e.ch)
}
