// Package react drives a plan to convergence: it asks a decision source
// for the next action, validates it against the step's allow-list,
// executes it, accepts in-flight plan patches and decides termination.
package react

import (
	"context"

	"foreman/internal/action"
	"foreman/internal/plan"
	"foreman/internal/run"
)

// ProposeRequest constrains the decision source to one step.
type ProposeRequest struct {
	Goal         string
	Step         plan.Step
	Allow        []string
	Observations []string
	Context      map[string]string
}

// Decision is what the decision source returns: the proposed action, an
// optional structural plan patch, and an optional question for the user.
type Decision struct {
	Action   *action.Action
	Patch    *plan.Patch
	Question string
}

// DecisionSource is the external completion service. Calls are always
// bounded by a timeout; concurrency to it is what the admission queue
// protects.
type DecisionSource interface {
	Propose(ctx context.Context, req ProposeRequest) (*Decision, error)
}

// Executor runs a validated action. The loop treats it as opaque.
type Executor interface {
	Execute(ctx context.Context, step *plan.Step, act *action.Action) (map[string]any, error)
}

// Verdict is the review gate's answer: pass, or repair work to splice in
// ahead of the feedback step.
type Verdict struct {
	Pass        bool
	RepairSteps []plan.Step
	Notes       string
}

// Evaluator is the external review gate consulted before the run asks
// the user for satisfaction.
type Evaluator interface {
	Evaluate(ctx context.Context, r *run.Run) (*Verdict, error)
}
