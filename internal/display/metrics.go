package display

import (
	"fmt"
	"strings"

	"foreman/internal/metrics"
)

func FormatRunMetrics(rm metrics.RunMetrics) string {
	var sb strings.Builder
	sb.WriteString("Run metrics:\n")
	sb.WriteString(fmt.Sprintf("- Total: %d ms  (success=%v)\n", rm.DurationMs, rm.Succeeded))
	for _, s := range rm.Steps {
		sb.WriteString(fmt.Sprintf("  Step %d: %s  %d ms  [%s]\n", s.StepID, s.Title, s.DurationMs, s.Status))
		for _, a := range s.Attempts {
			status := "ok"
			if !a.Success {
				status = "err"
			}
			sb.WriteString(fmt.Sprintf("    - %-16s %5d ms  [%s]\n", a.Kind, a.DurationMs, status))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
