package think

import "strings"

// titleSimilarity is the Jaccard index over lowercased word sets. Cheap,
// deterministic, and good enough to spot near-identical step titles.
func titleSimilarity(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?:;'\"()")
		if w != "" {
			out[w] = true
		}
	}
	return out
}
