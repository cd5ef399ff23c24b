package schema

// Structural overlap is the fraction of shared rules, aliases and
// compatible constraints between two specs. These functions are pure:
// the merge engine weights them against vector similarity, and the
// retrieval engine reuses the alias/rule surface for literal matching.

// RuleOverlap returns the Jaccard overlap of the two specs' rule sets,
// comparing normalized (tag, statement) keys. Two specs with no rules
// at all overlap fully; a spec with rules against one without overlaps
// not at all.
func RuleOverlap(a, b *CanonicalSpec) float64 {
	return jaccard(ruleKeys(a), ruleKeys(b))
}

// AliasOverlap returns the Jaccard overlap of the normalized alias sets.
func AliasOverlap(a, b *CanonicalSpec) float64 {
	return jaccard(aliasKeys(a), aliasKeys(b))
}

// ConstraintCompatibility compares the constraints of two specs over
// their shared keys. It returns the fraction of shared keys whose
// values agree and the list of keys whose values contradict. Specs
// without shared constraint keys are fully compatible.
func ConstraintCompatibility(a, b *CanonicalSpec) (score float64, conflicts []string) {
	if len(a.Constraints) == 0 || len(b.Constraints) == 0 {
		return 1, nil
	}
	shared, agree := 0, 0
	for k, ca := range a.Constraints {
		cb, ok := b.Constraints[k]
		if !ok {
			continue
		}
		shared++
		if NormalizeTerm(ca.Value) == NormalizeTerm(cb.Value) {
			agree++
		} else {
			conflicts = append(conflicts, k)
		}
	}
	if shared == 0 {
		return 1, nil
	}
	return float64(agree) / float64(shared), conflicts
}

func ruleKeys(s *CanonicalSpec) map[string]struct{} {
	out := make(map[string]struct{}, len(s.Rules))
	for _, r := range s.Rules {
		out[r.Key()] = struct{}{}
	}
	return out
}

func aliasKeys(s *CanonicalSpec) map[string]struct{} {
	out := make(map[string]struct{}, len(s.Aliases))
	for _, a := range s.Aliases {
		out[NormalizeTerm(a)] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
