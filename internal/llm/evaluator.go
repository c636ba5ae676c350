package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"foreman/internal/plan"
	"foreman/internal/react"
	"foreman/internal/run"
)

// Evaluator is the review gate: before a run asks the user for
// satisfaction it checks the work against the goal and may propose
// repair steps to splice in first.
type Evaluator struct {
	Model string
}

type wireVerdict struct {
	Pass  bool       `json:"pass"`
	Notes string     `json:"notes,omitempty"`
	Steps []wireStep `json:"repair_steps,omitempty"`
}

func (e *Evaluator) Evaluate(ctx context.Context, r *run.Run) (*react.Verdict, error) {
	var sb strings.Builder
	sb.WriteString("Review whether the executed steps achieved the goal.\n")
	sb.WriteString("Respond ONLY with JSON: {\"pass\": true|false, \"notes\": \"\", \"repair_steps\": [{\"title\": \"\", \"brief\": \"\", \"allow\": [\"<kind>\"]}]}\n")
	sb.WriteString("Action kinds: " + kindCatalog + "\n")
	sb.WriteString("When pass is false, repair_steps must contain the minimal concrete follow-up work.\n\n")
	sb.WriteString(fmt.Sprintf("Goal: %q\n", r.State.Context["goal"]))
	sb.WriteString("Steps:\n")
	for _, s := range r.Plan.Steps {
		line := fmt.Sprintf("- [%s] %s", s.Status, s.Title)
		if s.Result != "" && len(s.Result) < 400 {
			line += " => " + s.Result
		}
		sb.WriteString(line + "\n")
	}

	raw, err := GenerateJSON(ctx, sb.String(), e.Model, nil)
	if err != nil {
		return nil, fmt.Errorf("review gate: %w", err)
	}
	var wire wireVerdict
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("parse verdict JSON: %v\nRaw Response: %s", err, raw)
	}
	verdict := &react.Verdict{Pass: wire.Pass, Notes: wire.Notes}
	for _, ws := range wire.Steps {
		if strings.TrimSpace(ws.Title) == "" {
			continue
		}
		verdict.RepairSteps = append(verdict.RepairSteps, plan.Step{
			Title: ws.Title, Brief: ws.Brief, Allow: ws.Allow,
		})
	}
	if !verdict.Pass && len(verdict.RepairSteps) == 0 {
		// Nothing actionable came back; treat as a pass rather than
		// spinning on an empty replan.
		verdict.Pass = true
	}
	return verdict, nil
}
