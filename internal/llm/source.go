package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"foreman/internal/action"
	"foreman/internal/plan"
	"foreman/internal/react"
)

// Source implements the decision source contract on top of the active
// provider. One proposal per call, constrained to the step's allow-list.
type Source struct {
	Model string
}

type wireDecision struct {
	Action *struct {
		Kind    string         `json:"kind"`
		Payload map[string]any `json:"payload"`
	} `json:"action"`
	Patch    *plan.Patch `json:"patch,omitempty"`
	Question string      `json:"question,omitempty"`
}

func buildProposePrompt(req react.ProposeRequest) string {
	var sb strings.Builder
	sb.WriteString("You select the next action for one step of an execution plan.\n")
	sb.WriteString("Respond ONLY with JSON: {\"action\": {\"kind\": \"<kind>\", \"payload\": {}}, \"patch\": null, \"question\": \"\"}\n\n")
	sb.WriteString(fmt.Sprintf("Goal: %q\n", req.Goal))
	sb.WriteString(fmt.Sprintf("Step %d: %q\n", req.Step.ID, req.Step.Title))
	if req.Step.Brief != "" {
		sb.WriteString(fmt.Sprintf("Brief: %q\n", req.Step.Brief))
	}
	sb.WriteString(fmt.Sprintf("Allowed kinds: [%s]\n", strings.Join(req.Allow, ", ")))
	for k, v := range req.Context {
		if k == "last_result" && len(v) > 600 {
			v = v[:600] + "..."
		}
		sb.WriteString(fmt.Sprintf("Context %s: %q\n", k, v))
	}
	if len(req.Observations) > 0 {
		sb.WriteString("Recent observations:\n")
		for _, o := range req.Observations {
			sb.WriteString("- " + o + "\n")
		}
	}
	sb.WriteString("Pick exactly one allowed kind and fill its payload. ")
	sb.WriteString("Optionally include a patch inserting follow-up steps at a later index.\n")
	return sb.String()
}

func (s *Source) Propose(ctx context.Context, req react.ProposeRequest) (*react.Decision, error) {
	raw, err := GenerateJSON(ctx, buildProposePrompt(req), s.Model, nil)
	if err != nil {
		return nil, fmt.Errorf("propose for step %d: %w", req.Step.ID, err)
	}
	var wire wireDecision
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("parse proposal JSON: %v\nRaw Response: %s", err, raw)
	}
	if wire.Action == nil {
		return nil, fmt.Errorf("proposal carried no action")
	}
	return &react.Decision{
		Action:   &action.Action{Kind: action.Kind(wire.Action.Kind), Payload: wire.Action.Payload},
		Patch:    wire.Patch,
		Question: wire.Question,
	}, nil
}
