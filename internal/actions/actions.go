// Package actions is the default executor: it dispatches validated
// actions to their handlers and owns the process, filesystem and
// network side effects of a run.
package actions

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"foreman/internal/action"
	"foreman/internal/llm"
	"foreman/internal/plan"
)

// Runner executes actions on behalf of the loop. Zero value is not
// usable; construct with NewRunner.
type Runner struct {
	// Workdir anchors relative paths and shell commands.
	Workdir string
	// Model overrides the provider default for llm_generate.
	Model string

	client *http.Client
}

func NewRunner(workdir string) *Runner {
	return &Runner{
		Workdir: workdir,
		client:  &http.Client{Timeout: 25 * time.Second},
	}
}

func (r *Runner) Execute(ctx context.Context, step *plan.Step, act *action.Action) (map[string]any, error) {
	switch act.Kind {
	case action.KindShell:
		return r.runShell(ctx, act.Payload)
	case action.KindWriteFile:
		return r.writeFile(act.Payload)
	case action.KindReadFile:
		return r.readFile(act.Payload)
	case action.KindListDir:
		return r.listDir(act.Payload)
	case action.KindFetchURL:
		return r.fetchURL(ctx, act.Payload)
	case action.KindParseHTML:
		return r.parseHTML(act.Payload)
	case action.KindGenerate:
		return r.generate(ctx, act.Payload)
	case action.KindOutput:
		text, err := stringField(act.Payload, "text")
		if err != nil {
			return nil, err
		}
		return map[string]any{"text": text}, nil
	case action.KindAskUser:
		// The loop pauses on ask_user before it ever reaches an
		// executor; getting here is a wiring bug.
		return nil, fmt.Errorf("ask_user cannot be executed directly (step %d)", step.ID)
	default:
		return nil, fmt.Errorf("no handler for action kind '%s'", act.Kind)
	}
}

func (r *Runner) generate(ctx context.Context, payload map[string]any) (map[string]any, error) {
	prompt, err := stringField(payload, "prompt")
	if err != nil {
		return nil, err
	}
	model, _ := payload["model"].(string)
	if model == "" {
		model = r.Model
	}
	text, err := llm.Generate(ctx, prompt, model)
	if err != nil {
		return nil, fmt.Errorf("llm_generate: %w", err)
	}
	return map[string]any{"text": text}, nil
}

func stringField(payload map[string]any, key string) (string, error) {
	value, ok := payload[key]
	if !ok {
		return "", fmt.Errorf("payload is missing required key: '%s'", key)
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("payload key '%s' has an invalid type (expected string)", key)
	}
	return s, nil
}

func intField(payload map[string]any, key string) (int, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
