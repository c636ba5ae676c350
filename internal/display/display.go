// Package display renders plans, events and metrics for the terminal.
package display

import (
	"fmt"
	"strings"

	"foreman/internal/events"
	"foreman/internal/plan"
)

const maxResultLength = 100

func FormatPlan(p *plan.Plan) string {
	var sb strings.Builder
	sb.WriteString("Execution plan:\n")
	sb.WriteString("--------------------------------------------------\n")
	for i, s := range p.Steps {
		sb.WriteString(fmt.Sprintf("%2d. [%s] %s\n", i+1, s.Status, s.Title))
		if s.Brief != "" {
			sb.WriteString("      " + s.Brief + "\n")
		}
		if len(s.Allow) > 0 {
			sb.WriteString("      allow: " + strings.Join(s.Allow, ", ") + "\n")
		}
		if s.Role != "" {
			sb.WriteString("      role: " + s.Role + "\n")
		}
	}
	if len(p.Artifacts) > 0 {
		sb.WriteString("Artifacts: " + strings.Join(p.Artifacts, ", ") + "\n")
	}
	sb.WriteString("--------------------------------------------------")
	return sb.String()
}

// FormatEvent renders one stream event as a single line, or "" for
// event types the terminal does not surface.
func FormatEvent(ev events.Event) string {
	switch ev.Type {
	case events.TypeRunStatus:
		return fmt.Sprintf("[run %s] status: %s", short(ev.RunID), ev.Status)
	case events.TypePlanDelta:
		line := fmt.Sprintf("[run %s] step %d -> %s", short(ev.RunID), ev.Delta.StepID, ev.Delta.Status)
		if ev.Delta.Title != "" {
			line += " (" + ev.Delta.Title + ")"
		}
		return line
	case events.TypeStepResult:
		if ev.Delta == nil {
			return ""
		}
		return fmt.Sprintf("[run %s] step %d result: %s", short(ev.RunID), ev.Delta.StepID, clip(fmt.Sprintf("%v", ev.Payload)))
	case events.TypeError:
		if ev.Error == nil {
			return ""
		}
		return fmt.Sprintf("[run %s] ERROR %s: %s", short(ev.RunID), ev.Error.Code, ev.Error.Message)
	case events.TypeRunClosed:
		return fmt.Sprintf("[run %s] closed: %s (%s)", short(ev.RunID), ev.Status, ev.Reason)
	default:
		return ""
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clip(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	if len(s) > maxResultLength {
		return s[:maxResultLength] + "..."
	}
	return s
}
