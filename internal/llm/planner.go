package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"foreman/internal/plan"
)

// Planner turns a goal into a candidate plan via the active provider and
// refines candidates with reviewer notes. It satisfies the brainstorm
// loop's planner contract.
type Planner struct {
	Model string
	// Role biases the prompt so concurrent planner agents diverge.
	Role string
}

type wireStep struct {
	Title string   `json:"title"`
	Brief string   `json:"brief"`
	Allow []string `json:"allow"`
	Role  string   `json:"role,omitempty"`
	Needs []int    `json:"needs,omitempty"`
}

type wirePlan struct {
	Steps     []wireStep `json:"steps"`
	Artifacts []string   `json:"artifacts,omitempty"`
}

const kindCatalog = `shell_command, write_file, read_file, list_dir, fetch_url, parse_html, llm_generate, task_output, ask_user`

func planPrompt(goal, role string) string {
	var sb strings.Builder
	sb.WriteString("Break the goal into an ordered execution plan.\n")
	sb.WriteString("Respond ONLY with JSON: {\"steps\": [{\"title\": \"\", \"brief\": \"\", \"allow\": [\"<kind>\"], \"role\": \"\", \"needs\": []}], \"artifacts\": []}\n")
	sb.WriteString("Action kinds: " + kindCatalog + "\n")
	sb.WriteString("The final step must allow task_output. Add an ask_user step only when user confirmation is genuinely needed.\n")
	if role != "" {
		sb.WriteString(fmt.Sprintf("Plan from the perspective of a %s.\n", role))
	}
	sb.WriteString(fmt.Sprintf("\nGoal: %q\n", goal))
	return sb.String()
}

func (p *Planner) Plan(ctx context.Context, goal string) (*plan.Plan, error) {
	raw, err := GenerateJSON(ctx, planPrompt(goal, p.Role), p.Model, nil)
	if err != nil {
		return nil, fmt.Errorf("plan goal: %w", err)
	}
	return decodePlan(raw)
}

func (p *Planner) Improve(ctx context.Context, goal string, candidate *plan.Plan, notes []string) (*plan.Plan, error) {
	current, err := json.Marshal(candidate.ToCompact())
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString("Improve this execution plan: tighten vague steps, remove redundant ones, keep the same JSON shape as the catalog below.\n")
	sb.WriteString("Respond ONLY with JSON: {\"steps\": [{\"title\": \"\", \"brief\": \"\", \"allow\": [\"<kind>\"]}], \"artifacts\": []}\n")
	sb.WriteString("Action kinds: " + kindCatalog + "\n")
	sb.WriteString(fmt.Sprintf("\nGoal: %q\nCurrent plan: %s\n", goal, current))
	if len(notes) > 0 {
		sb.WriteString("Observations so far:\n")
		for _, n := range notes {
			sb.WriteString("- " + n + "\n")
		}
	}
	raw, err := GenerateJSON(ctx, sb.String(), p.Model, nil)
	if err != nil {
		return nil, fmt.Errorf("improve plan: %w", err)
	}
	return decodePlan(raw)
}

func decodePlan(raw string) (*plan.Plan, error) {
	var wire wirePlan
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("parse plan JSON: %v\nRaw Response: %s", err, raw)
	}
	if len(wire.Steps) == 0 {
		return nil, fmt.Errorf("plan carried no steps")
	}
	steps := make([]plan.Step, 0, len(wire.Steps))
	for _, ws := range wire.Steps {
		if strings.TrimSpace(ws.Title) == "" {
			continue
		}
		steps = append(steps, plan.Step{
			Title: ws.Title,
			Brief: ws.Brief,
			Allow: ws.Allow,
			Role:  ws.Role,
			Needs: ws.Needs,
		})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan carried no usable steps")
	}
	out := plan.New(steps...)
	out.Artifacts = append(out.Artifacts, wire.Artifacts...)
	return out, nil
}
