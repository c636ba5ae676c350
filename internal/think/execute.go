package think

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"foreman/internal/logger"
	"foreman/internal/plan"
	"foreman/internal/run"
)

// Run executes the run's plan like the react loop, but steps tagged with
// pairwise-independent roles and no declared data dependency between
// them are dispatched concurrently and joined before the loop advances.
func (l *Loop) Run(ctx context.Context, r *run.Run) error {
	if r.Status == run.StatusPlanned || r.Status == run.StatusWaiting {
		if err := l.React.Transition(r, run.StatusRunning); err != nil {
			return err
		}
	}
	r.State.SetStage("execute")

	for i := r.State.StepOrder; i < len(r.Plan.Steps); i++ {
		if ctx.Err() != nil {
			return l.React.Stop(r)
		}
		step := r.Plan.Steps[i]
		if step.Status != plan.StepPending && step.Status != plan.StepRunning {
			continue
		}
		if l.React.IsFeedback(step) {
			inserted, err := l.React.ReviewGate(ctx, r, i)
			if err != nil && ctx.Err() != nil {
				return l.React.Stop(r)
			}
			if inserted {
				i--
				continue
			}
			return l.React.Pause(r, i)
		}

		group := parallelGroup(r.Plan, i)
		r.State.StepOrder = i
		if len(group) == 1 {
			if err := l.React.RunStep(ctx, r, step, i); err != nil {
				if ctx.Err() != nil {
					return l.React.Stop(r)
				}
				return l.React.Fail(r, err)
			}
		} else {
			if err := l.dispatch(ctx, r, group); err != nil {
				if ctx.Err() != nil {
					return l.React.Stop(r)
				}
				return l.React.Fail(r, err)
			}
			i += len(group) - 1
		}
		l.React.Checkpoint(r, false)
	}

	if err := l.reflect(ctx, r); err != nil {
		return err
	}
	return l.React.Finish(r)
}

// dispatch fans the group out, one goroutine per step, and joins all
// completions at the barrier before the loop advances.
func (l *Loop) dispatch(ctx context.Context, r *run.Run, group []int) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ord := range group {
		ordinal := ord
		step := r.Plan.Steps[ordinal]
		g.Go(func() error {
			return l.React.RunStep(gctx, r, step, ordinal)
		})
	}
	return g.Wait()
}

// parallelGroup collects the maximal run of consecutive pending steps
// starting at ordinal whose roles are pairwise distinct and non-empty
// and that declare no data dependency on each other.
func parallelGroup(p *plan.Plan, start int) []int {
	group := []int{start}
	roles := map[string]bool{}
	ids := map[int]bool{p.Steps[start].ID: true}
	first := p.Steps[start]
	if first.Role == "" {
		return group
	}
	roles[first.Role] = true

	for j := start + 1; j < len(p.Steps); j++ {
		s := p.Steps[j]
		if s.Status != plan.StepPending || s.Role == "" || roles[s.Role] {
			break
		}
		if dependsOnAny(s, ids) {
			break
		}
		group = append(group, j)
		roles[s.Role] = true
		ids[s.ID] = true
	}
	return group
}

func dependsOnAny(s *plan.Step, ids map[int]bool) bool {
	for _, need := range s.Needs {
		if ids[need] {
			return true
		}
	}
	return false
}

// reflect re-invokes the planner after execution for a bounded number of
// rounds, splicing in corrective steps when some work did not land.
func (l *Loop) reflect(ctx context.Context, r *run.Run) error {
	for round := 0; round < l.reflections(); round++ {
		if ctx.Err() != nil {
			return l.React.Stop(r)
		}
		if !hasSkippedOrFailed(r.Plan) {
			return nil
		}
		improved, err := l.Planner.Improve(ctx, l.React.Goal, r.Plan, r.State.Observations)
		if err != nil {
			logger.Log.Printf("run %s: reflection round %d failed: %v", r.ID, round+1, err)
			return nil
		}
		added := 0
		tail := feedbackOrdinal(r.Plan)
		for _, s := range improved.Steps {
			if novel(s, r.Plan, l.similarity()) {
				step := *s
				step.Status = plan.StepPending
				step.Result = ""
				if err := r.Plan.Insert(tail, []plan.Step{step}); err == nil {
					tail++
					added++
				}
			}
		}
		if added == 0 {
			return nil
		}
		r.State.Observe(fmt.Sprintf("reflection round %d added %d corrective steps", round+1, added))
		for i := r.Plan.NextUnexecuted(); i < len(r.Plan.Steps); i++ {
			step := r.Plan.Steps[i]
			if step.Status != plan.StepPending {
				continue
			}
			if l.React.IsFeedback(step) {
				continue
			}
			if err := l.React.RunStep(ctx, r, step, i); err != nil {
				if ctx.Err() != nil {
					return l.React.Stop(r)
				}
				return l.React.Fail(r, err)
			}
		}
	}
	return nil
}

func hasSkippedOrFailed(p *plan.Plan) bool {
	for _, s := range p.Steps {
		if s.Status == plan.StepSkipped || s.Status == plan.StepFailed {
			return true
		}
	}
	return false
}

func novel(s *plan.Step, p *plan.Plan, threshold float64) bool {
	for _, existing := range p.Steps {
		if titleSimilarity(s.Title, existing.Title) >= threshold {
			return false
		}
	}
	return true
}
