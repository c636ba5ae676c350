// Package think is the parallel brainstorm front end: several planners
// propose candidate plans concurrently, staged voting merges them, and
// execution dispatches independent-role steps in parallel.
package think

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"foreman/internal/logger"
	"foreman/internal/plan"
	"foreman/internal/react"
	"foreman/internal/run"
)

type Phase string

const (
	PhaseInitialPlanning Phase = "initial_planning"
	PhaseFirstVote       Phase = "first_vote"
	PhaseImprove         Phase = "improve"
	PhaseSecondVote      Phase = "second_vote"
	PhaseElaborate       Phase = "elaborate"
	PhaseFinalVote       Phase = "final_vote"
)

// Strategy selects how surviving candidates merge into the final plan.
type Strategy string

const (
	WinnerTakesAll Strategy = "winner_takes_all"
	BestOfEach     Strategy = "best_of_each"
)

const (
	DefaultAgents       = 3
	DefaultKeepFraction = 0.34
	DefaultSecondKeep   = 2
	DefaultSimilarity   = 0.8
	DefaultReflections  = 2
)

// Planner produces and refines candidate plans.
type Planner interface {
	Plan(ctx context.Context, goal string) (*plan.Plan, error)
	Improve(ctx context.Context, goal string, candidate *plan.Plan, notes []string) (*plan.Plan, error)
}

// Scorer ranks candidate plans. Its internals are deliberately
// pluggable; the loop only relies on the ordering it induces.
type Scorer interface {
	Score(ctx context.Context, goal string, p *plan.Plan) (float64, error)
}

// Candidate pairs a proposed plan with its planner index and last score.
type Candidate struct {
	Index int
	Plan  *plan.Plan
	Score float64
}

type Loop struct {
	Planner Planner
	Scorer  Scorer
	React   *react.Loop

	Agents       int
	Strategy     Strategy
	KeepFraction float64
	SecondKeep   int
	Similarity   float64
	Reflections  int
}

func (l *Loop) agents() int {
	if l.Agents > 0 {
		return l.Agents
	}
	return DefaultAgents
}

func (l *Loop) keepFraction() float64 {
	if l.KeepFraction > 0 {
		return l.KeepFraction
	}
	return DefaultKeepFraction
}

func (l *Loop) secondKeep() int {
	if l.SecondKeep > 0 {
		return l.SecondKeep
	}
	return DefaultSecondKeep
}

func (l *Loop) similarity() float64 {
	if l.Similarity > 0 {
		return l.Similarity
	}
	return DefaultSimilarity
}

func (l *Loop) reflections() int {
	if l.Reflections >= 0 && l.Reflections <= 8 {
		return l.Reflections
	}
	return DefaultReflections
}

// Brainstorm runs the strictly ordered voting phases and returns the
// merged plan. The stage marker on st tracks the current phase.
func (l *Loop) Brainstorm(ctx context.Context, goal string, st *run.AgentState) (*plan.Plan, error) {
	st.SetStage(string(PhaseInitialPlanning))
	candidates, err := l.fanOutPlans(ctx, goal)
	if err != nil {
		return nil, err
	}

	st.SetStage(string(PhaseFirstVote))
	keep := int(math.Ceil(float64(len(candidates)) * l.keepFraction()))
	if keep < 1 {
		keep = 1
	}
	candidates, err = l.vote(ctx, goal, candidates, keep)
	if err != nil {
		return nil, err
	}

	st.SetStage(string(PhaseImprove))
	candidates = l.improveAll(ctx, goal, candidates, st.Observations)

	st.SetStage(string(PhaseSecondVote))
	second := l.secondKeep()
	if second > len(candidates) {
		second = len(candidates)
	}
	candidates, err = l.vote(ctx, goal, candidates, second)
	if err != nil {
		return nil, err
	}

	st.SetStage(string(PhaseElaborate))
	merged := l.merge(candidates)

	st.SetStage(string(PhaseFinalVote))
	final, err := l.finalVote(ctx, goal, merged, candidates)
	if err != nil {
		return nil, err
	}
	return final, nil
}

// fanOutPlans asks each planner agent for a candidate concurrently.
// Individual planner failures are tolerated as long as one candidate
// survives.
func (l *Loop) fanOutPlans(ctx context.Context, goal string) ([]*Candidate, error) {
	n := l.agents()
	results := make([]*plan.Plan, n)
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	failures := 0
	for i := 0; i < n; i++ {
		idx := i
		g.Go(func() error {
			p, err := l.Planner.Plan(gctx, goal)
			if err != nil {
				logger.Log.Printf("planner %d failed: %v", idx, err)
				mu.Lock()
				failures++
				mu.Unlock()
				return nil
			}
			results[idx] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var candidates []*Candidate
	for i, p := range results {
		if p != nil && len(p.Steps) > 0 {
			candidates = append(candidates, &Candidate{Index: i, Plan: p})
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("all %d planner agents failed", n)
	}
	return candidates, nil
}

// vote scores candidates and keeps the top `keep`, breaking exact ties
// deterministically in favor of the lower planner index.
func (l *Loop) vote(ctx context.Context, goal string, candidates []*Candidate, keep int) ([]*Candidate, error) {
	for _, c := range candidates {
		score, err := l.Scorer.Score(ctx, goal, c.Plan)
		if err != nil {
			if errors.Is(err, ctx.Err()) && ctx.Err() != nil {
				return nil, err
			}
			logger.Log.Printf("scorer failed for candidate %d: %v", c.Index, err)
			score = 0
		}
		c.Score = score
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Index < candidates[j].Index
	})
	if keep > len(candidates) {
		keep = len(candidates)
	}
	return candidates[:keep], nil
}

func (l *Loop) improveAll(ctx context.Context, goal string, candidates []*Candidate, notes []string) []*Candidate {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range candidates {
		cand := c
		g.Go(func() error {
			improved, err := l.Planner.Improve(gctx, goal, cand.Plan, notes)
			if err != nil {
				logger.Log.Printf("improve failed for candidate %d: %v", cand.Index, err)
				return nil // keep the unimproved plan
			}
			if improved != nil && len(improved.Steps) > 0 {
				cand.Plan = improved
			}
			return nil
		})
	}
	_ = g.Wait()
	return candidates
}

// merge produces the winning plan. Winner-takes-all keeps the top
// candidate verbatim; best-of-each starts from the winner and splices in
// each other survivor's most novel step, deduplicating near-identical
// steps by title similarity.
func (l *Loop) merge(candidates []*Candidate) *plan.Plan {
	winner := candidates[0].Plan
	if l.Strategy != BestOfEach || len(candidates) == 1 {
		return clonePlan(winner)
	}

	merged := clonePlan(winner)
	tail := feedbackOrdinal(merged)
	for _, c := range candidates[1:] {
		best := pickNovelStep(c.Plan, merged, l.similarity())
		if best == nil {
			continue
		}
		s := *best
		s.Status = plan.StepPending
		s.Result = ""
		if err := merged.Insert(tail, []plan.Step{s}); err == nil {
			tail++
		}
	}
	return merged
}

// finalVote compares the merged plan against the surviving winner and
// keeps the higher-scoring one; an exact tie keeps the merged plan.
func (l *Loop) finalVote(ctx context.Context, goal string, merged *plan.Plan, candidates []*Candidate) (*plan.Plan, error) {
	mergedScore, err := l.Scorer.Score(ctx, goal, merged)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return merged, nil
	}
	winner := candidates[0]
	if winner.Score > mergedScore {
		return clonePlan(winner.Plan), nil
	}
	return merged, nil
}

// pickNovelStep returns the candidate step least similar to anything in
// the merged plan, or nil when everything is a near-duplicate.
func pickNovelStep(from, into *plan.Plan, threshold float64) *plan.Step {
	var best *plan.Step
	bestSim := 1.0
	for _, s := range from.Steps {
		max := 0.0
		for _, m := range into.Steps {
			if sim := titleSimilarity(s.Title, m.Title); sim > max {
				max = sim
			}
		}
		if max < bestSim {
			bestSim = max
			best = s
		}
	}
	if best == nil || bestSim >= threshold {
		return nil
	}
	return best
}

func clonePlan(p *plan.Plan) *plan.Plan {
	return plan.FromCompact(p.ToCompact())
}

func feedbackOrdinal(p *plan.Plan) int {
	for i, s := range p.Steps {
		for _, a := range s.Allow {
			if a == "ask_user" {
				return i
			}
		}
	}
	return len(p.Steps)
}
