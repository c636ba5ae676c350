package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"foreman/internal/action"
	"foreman/internal/plan"
)

// Scorer ranks candidate plans with the active provider, falling back to
// a deterministic structural heuristic when the provider is unavailable
// or returns garbage. Scores land in [0, 10].
type Scorer struct {
	Model string
}

func (s *Scorer) Score(ctx context.Context, goal string, p *plan.Plan) (float64, error) {
	compact, err := json.Marshal(p.ToCompact())
	if err != nil {
		return 0, err
	}
	prompt := fmt.Sprintf(
		"Rate how well this plan achieves the goal, 0 (useless) to 10 (ideal).\n"+
			"Respond ONLY with JSON: {\"score\": <number>, \"reason\": \"\"}\n\n"+
			"Goal: %q\nPlan: %s\n", goal, compact)
	raw, genErr := GenerateJSON(ctx, prompt, s.Model, nil)
	if genErr != nil {
		if ctx.Err() != nil {
			return 0, genErr
		}
		return HeuristicScore(p), nil
	}
	var verdict struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil || verdict.Score < 0 || verdict.Score > 10 {
		return HeuristicScore(p), nil
	}
	return verdict.Score, nil
}

// HeuristicScore is the provider-free fallback: rewards plans that end in
// a task output, carry concrete allow-lists, and stay a reasonable size.
func HeuristicScore(p *plan.Plan) float64 {
	if len(p.Steps) == 0 {
		return 0
	}
	score := 5.0
	last := p.Steps[len(p.Steps)-1]
	if action.Allowed(action.KindOutput, last.Allow) {
		score += 2
	}
	allowed := 0
	for _, st := range p.Steps {
		if len(st.Allow) > 0 {
			allowed++
		}
	}
	score += 2 * float64(allowed) / float64(len(p.Steps))
	switch n := len(p.Steps); {
	case n >= 3 && n <= 12:
		score++
	case n > 20:
		score -= 2
	}
	for _, st := range p.Steps {
		if strings.TrimSpace(st.Brief) == "" {
			score -= 0.25
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return score
}
