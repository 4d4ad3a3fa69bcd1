package rules

import (
	"sort"

	"github.com/hwco/farecast/internal/pricing"
)

// score fills EstimatedImpactPct for each rule: the multiplier delta in
// percent, scaled by the share of observed rides the rule's segment
// condition covers. With no observations every rule covers the full lattice
// on paper, so coverage is neutral. The per-rule coverage is returned for
// ranking tie-breaks.
func score(rules []pricing.Rule, observations []obs) map[string]float64 {
	coverages := make(map[string]float64, len(rules))
	for i := range rules {
		coverage := 1.0
		if len(observations) > 0 {
			matched := 0
			for _, o := range observations {
				if rules[i].Condition.Matches(o.seg) {
					matched++
				}
			}
			coverage = float64(matched) / float64(len(observations))
		}
		coverages[rules[i].ID] = coverage
		rules[i].EstimatedImpactPct = (rules[i].Multiplier - 1) * 100 * coverage
	}
	return coverages
}

// rank scores then orders rules by estimated impact descending, breaking
// ties by sample coverage descending then by ID so the output is
// deterministic across runs.
func rank(rules []pricing.Rule, observations []obs) {
	coverages := score(rules, observations)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].EstimatedImpactPct != rules[j].EstimatedImpactPct {
			return rules[i].EstimatedImpactPct > rules[j].EstimatedImpactPct
		}
		if coverages[rules[i].ID] != coverages[rules[j].ID] {
			return coverages[rules[i].ID] > coverages[rules[j].ID]
		}
		return rules[i].ID < rules[j].ID
	})
}
