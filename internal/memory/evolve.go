package memory

import "strings"

var relationCues = []struct {
	cue      string
	relation Relation
}{
	{"replaces", RelationReplaces},
	{"instead of", RelationReplaces},
	{"however", RelationChallenges},
	{"but actually", RelationChallenges},
	{"contradicts", RelationChallenges},
}

func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.Trim(f, ".,;:!?()\"'")
		if f != "" {
			out[f] = true
		}
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter, union := 0, 0
	seen := make(map[string]bool, len(a)+len(b))
	for t := range a {
		seen[t] = true
	}
	for t := range b {
		seen[t] = true
	}
	union = len(seen)
	for t := range a {
		if b[t] {
			inter++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// inferRelation deterministically classifies the relationship of newUnit to
// existingUnit using Jaccard token overlap plus lexical cues in newUnit's
// statement, per spec.md §4.7. Returns ("", false) when overlap is too low
// to infer any relation.
func inferRelation(newUnit, existingUnit Unit) (Relation, bool) {
	overlap := jaccard(tokenize(newUnit.Statement), tokenize(existingUnit.Statement))
	if overlap < 0.15 {
		return "", false
	}

	lower := strings.ToLower(newUnit.Statement)
	for _, c := range relationCues {
		if strings.Contains(lower, c.cue) {
			return c.relation, true
		}
	}

	switch {
	case overlap >= 0.8:
		return RelationConfirms, true
	case overlap >= 0.4:
		return RelationEnriches, true
	default:
		return "", false
	}
}
