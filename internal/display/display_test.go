package display

import (
	"strings"
	"testing"

	"foreman/internal/events"
	"foreman/internal/plan"
	"foreman/internal/run"
)

func TestFormatPlan(t *testing.T) {
	p := plan.New(
		plan.Step{Title: "gather sources", Brief: "find recent articles", Allow: []string{"fetch_url", "parse_html"}},
		plan.Step{Title: "write summary", Role: "writer"},
	)
	p.Artifacts = []string{"summary.md"}

	out := FormatPlan(p)
	for _, want := range []string{
		" 1. [pending] gather sources",
		"find recent articles",
		"allow: fetch_url, parse_html",
		" 2. [pending] write summary",
		"role: writer",
		"Artifacts: summary.md",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("FormatPlan output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatEvent(t *testing.T) {
	id := "0123456789abcdef"
	cases := []struct {
		name string
		ev   events.Event
		want string
	}{
		{
			"status",
			events.Event{Type: events.TypeRunStatus, RunID: id, Status: run.StatusRunning},
			"[run 01234567] status: running",
		},
		{
			"plan delta",
			events.Event{Type: events.TypePlanDelta, RunID: id, Delta: &plan.Delta{StepID: 3, Status: plan.StepDone, Title: "fetch"}},
			"[run 01234567] step 3 -> done (fetch)",
		},
		{
			"error",
			events.Event{Type: events.TypeError, RunID: id, Error: &events.ErrorInfo{Code: "start_failed", Message: "no ticket"}},
			"[run 01234567] ERROR start_failed: no ticket",
		},
		{
			"closed",
			events.Event{Type: events.TypeRunClosed, RunID: id, Status: run.StatusDone, Reason: "completed"},
			"[run 01234567] closed: done (completed)",
		},
		{
			"unsurfaced type",
			events.Event{Type: "heartbeat", RunID: id},
			"",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FormatEvent(tc.ev); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestStepResultIsClipped(t *testing.T) {
	ev := events.Event{
		Type:    events.TypeStepResult,
		RunID:   "abc",
		Delta:   &plan.Delta{StepID: 1},
		Payload: map[string]any{"stdout": strings.Repeat("x", 500) + "\nmore"},
	}
	out := FormatEvent(ev)
	if strings.Contains(out, "\n") {
		t.Error("newlines leaked into the one-line rendering")
	}
	if !strings.HasSuffix(out, "...") {
		t.Errorf("long payload not clipped: %d chars", len(out))
	}
}
