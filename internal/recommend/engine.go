// Package recommend searches rule combinations against the forecast and
// emits the top pricing recommendations with full per-segment impact
// projections.
package recommend

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/hwco/farecast/internal/errs"
	"github.com/hwco/farecast/internal/forecast"
	"github.com/hwco/farecast/internal/pricing"
	"github.com/hwco/farecast/internal/segment"
)

// contributingEpsilon separates rules that actually move price from
// neutral holds: a 1.00 multiplier contributes objectives to a strategy
// but no bonus to combination scoring.
const contributingEpsilon = 0.01

// Scoring weights. Objectives dominate cardinality dominates raw revenue.
const (
	objectiveWeight   = 1000.0
	cardinalityWeight = 200.0
)

// Scenario is one side of an impact row: the forecast quadruple under the
// duration-based pricing identity.
type Scenario struct {
	Rides           float64 `json:"rides_30d"`
	UnitPrice       float64 `json:"unit_price"`
	DurationMinutes float64 `json:"duration_minutes"`
	Revenue         float64 `json:"revenue_30d"`
}

// AppliedRule records one rule that matched the segment.
type AppliedRule struct {
	RuleID     string  `json:"rule_id"`
	RuleName   string  `json:"rule_name"`
	Multiplier float64 `json:"multiplier"`
}

// Impact is one segment's projection under a recommendation.
type Impact struct {
	SegmentKey          string          `json:"segment_key"`
	Segment             segment.Segment `json:"segment"`
	Baseline            Scenario        `json:"baseline"`
	WithRecommendation  Scenario        `json:"with_recommendation"`
	PriceChangePct      float64         `json:"price_change_pct"`
	DemandChangePct     float64         `json:"demand_change_pct"`
	RevenueChangePct    float64         `json:"revenue_change_pct"`
	EffectiveMultiplier float64         `json:"effective_multiplier"`
	AppliedRules        []AppliedRule   `json:"applied_rules"`
	Explanation         string          `json:"explanation"`
}

// Recommendation is one ranked rule combination with its lattice impacts.
type Recommendation struct {
	Rank               int                 `json:"rank"`
	RuleIDs            []string            `json:"rule_ids"`
	Score              float64             `json:"score"`
	ObjectivesMet      []pricing.Objective `json:"objectives_met"`
	CombinedRevenuePct float64             `json:"combined_revenue_pct"`
	Explanation        string              `json:"explanation"`
	Impacts            []Impact            `json:"impacts"`
}

// Result is the engine output for one run.
type Result struct {
	Recommendations []Recommendation `json:"recommendations"`
	Diagnostics     []string         `json:"diagnostics,omitempty"`
}

// Options tune the combination search.
type Options struct {
	TopN           int
	MinCombo       int
	MaxCombo       int
	ImpactWorkers  int
	Recommendation int
}

// DefaultOptions match the pipeline defaults.
func DefaultOptions() Options {
	return Options{TopN: 20, MinCombo: 1, MaxCombo: 5, ImpactWorkers: 8, Recommendation: 3}
}

// Engine runs the combination search. Safe for concurrent use.
type Engine struct {
	kernel *pricing.Kernel
	opts   Options
}

// NewEngine builds a recommendation engine over the given kernel.
func NewEngine(kernel *pricing.Kernel, opts Options) *Engine {
	if opts.TopN <= 0 {
		opts.TopN = 20
	}
	if opts.MinCombo <= 0 {
		opts.MinCombo = 1
	}
	if opts.MaxCombo < opts.MinCombo {
		opts.MaxCombo = opts.MinCombo
	}
	if opts.ImpactWorkers <= 0 {
		opts.ImpactWorkers = 8
	}
	if opts.Recommendation <= 0 {
		opts.Recommendation = 3
	}
	return &Engine{kernel: kernel, opts: opts}
}

// segmentBase pairs a segment with its forecast-derived pricing baseline.
type segmentBase struct {
	seg        segment.Segment
	base       pricing.Baseline
	elasticity float64
}

// candidate is one evaluated rule combination.
type candidate struct {
	rules        []pricing.Rule
	contributing []pricing.Rule
	objectives   []pricing.Objective
	combinedPct  float64
	score        float64
}

// Run evaluates combinations of the top-ranked rules against the forecast
// lattice and returns a fixed count of the highest scoring distinct
// recommendations. An empty rule set short-circuits to hold-pricing
// recommendations.
func (e *Engine) Run(ctx context.Context, rules []pricing.Rule, forecasts []forecast.Forecast) (*Result, error) {
	bases := e.segmentBases(forecasts)
	if len(bases) == 0 {
		return nil, errs.Newf(errs.KindComponent, "recommend.run", "no forecasts to evaluate against")
	}

	if len(rules) == 0 {
		res := &Result{Diagnostics: []string{"empty_rules"}}
		for rank := 1; rank <= e.opts.Recommendation; rank++ {
			res.Recommendations = append(res.Recommendations, e.holdPricing(rank, bases))
		}
		return res, nil
	}

	top := rules
	if len(top) > e.opts.TopN {
		top = top[:e.opts.TopN]
	}

	candidates, err := e.search(ctx, top, bases)
	if err != nil {
		return nil, err
	}

	chosen := selectDistinct(candidates, e.opts.Recommendation)
	chosen = e.pad(chosen, top, bases)

	res := &Result{}
	for i, c := range chosen {
		rec := Recommendation{
			Rank:               i + 1,
			RuleIDs:            ruleIDs(c.rules),
			Score:              c.score,
			ObjectivesMet:      c.objectives,
			CombinedRevenuePct: c.combinedPct,
			Explanation:        explain(c),
		}
		rec.Impacts, err = e.impacts(ctx, c.rules, bases)
		if err != nil {
			return nil, err
		}
		res.Recommendations = append(res.Recommendations, rec)
	}

	// With fewer distinct rule sets than slots, hold-pricing entries fill
	// the remainder so the output shape is stable.
	for rank := len(res.Recommendations) + 1; rank <= e.opts.Recommendation; rank++ {
		res.Recommendations = append(res.Recommendations, e.holdPricing(rank, bases))
	}

	log.Info().
		Int("candidate_rules", len(top)).
		Int("recommendations", len(res.Recommendations)).
		Float64("top_score", res.Recommendations[0].Score).
		Msg("Recommendation search completed")
	return res, nil
}

// segmentBases converts one forecast horizon into kernel baselines, with
// the per-segment elasticity precomputed for the hot scoring loop.
func (e *Engine) segmentBases(forecasts []forecast.Forecast) []segmentBase {
	out := make([]segmentBase, 0, len(forecasts))
	for _, f := range forecasts {
		out = append(out, segmentBase{
			seg: f.Segment,
			base: pricing.Baseline{
				Rides:           f.PredictedRides,
				UnitPrice:       f.PredictedUnitPrice,
				DurationMinutes: f.PredictedRideDuration,
			},
			elasticity: e.kernel.ElasticityFor(f.Segment),
		})
	}
	return out
}

// search enumerates all combinations in the configured cardinality band and
// scores them on a bounded worker pool.
func (e *Engine) search(ctx context.Context, top []pricing.Rule, bases []segmentBase) ([]candidate, error) {
	// Rule-to-segment match matrix, computed once.
	matches := make([][]bool, len(top))
	for i, r := range top {
		matches[i] = make([]bool, len(bases))
		for j, sb := range bases {
			matches[i][j] = r.Condition.Matches(sb.seg)
		}
	}

	combos := make(chan []int)
	results := make(chan candidate)

	var wg sync.WaitGroup
	for w := 0; w < e.opts.ImpactWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range combos {
				results <- e.evaluate(top, idx, matches, bases)
			}
		}()
	}

	feedErr := make(chan error, 1)
	go func() {
		defer close(combos)
		feedErr <- enumerate(ctx, len(top), e.opts.MinCombo, e.opts.MaxCombo, combos)
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var out []candidate
	for c := range results {
		out = append(out, c)
	}
	if err := <-feedErr; err != nil {
		return nil, errs.Timeout("recommend.search", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if len(out[i].rules) != len(out[j].rules) {
			return len(out[i].rules) < len(out[j].rules)
		}
		return strings.Join(ruleIDs(out[i].rules), ",") < strings.Join(ruleIDs(out[j].rules), ",")
	})
	return out, nil
}

// enumerate streams index combinations of cardinality minK..maxK.
func enumerate(ctx context.Context, n, minK, maxK int, out chan<- []int) error {
	idx := make([]int, 0, maxK)
	var walk func(start int) error
	walk = func(start int) error {
		if len(idx) >= minK {
			if err := ctx.Err(); err != nil {
				return err
			}
			combo := make([]int, len(idx))
			copy(combo, idx)
			out <- combo
		}
		if len(idx) == maxK {
			return nil
		}
		for i := start; i < n; i++ {
			idx = append(idx, i)
			if err := walk(i + 1); err != nil {
				return err
			}
			idx = idx[:len(idx)-1]
		}
		return nil
	}
	return walk(0)
}

// evaluate scores one combination: combined revenue shift across the
// lattice, plus objective and cardinality bonuses from contributing rules.
func (e *Engine) evaluate(top []pricing.Rule, idx []int, matches [][]bool, bases []segmentBase) candidate {
	c := candidate{rules: make([]pricing.Rule, 0, len(idx))}
	for _, i := range idx {
		c.rules = append(c.rules, top[i])
		if math.Abs(top[i].Multiplier-1) >= contributingEpsilon {
			c.contributing = append(c.contributing, top[i])
		}
	}

	var baseRev, projRev float64
	for j, sb := range bases {
		m := 1.0
		for _, i := range idx {
			if matches[i][j] {
				m *= top[i].Multiplier
			}
		}
		m = e.kernel.CombinedMultiplier([]pricing.Rule{{Multiplier: m}})

		if sb.base.UnitPrice <= 0 {
			continue
		}
		priceChangePct := (m - 1) * 100
		demandChangePct := clampAbs(-sb.elasticity*priceChangePct, e.kernel.MaxDemandShift())
		rides := sb.base.Rides * (1 + demandChangePct/100)
		baseRev += sb.base.Revenue()
		projRev += rides * sb.base.DurationMinutes * sb.base.UnitPrice * m
	}
	if baseRev > 0 {
		c.combinedPct = (projRev/baseRev - 1) * 100
	}

	c.objectives = objectiveUnion(c.contributing)
	c.score = float64(len(c.objectives))*objectiveWeight +
		float64(len(c.contributing))*cardinalityWeight +
		c.combinedPct
	return c
}

// selectDistinct walks scored candidates and keeps the best k whose
// contributing rule sets are not subsets of an already chosen one.
func selectDistinct(sorted []candidate, k int) []candidate {
	var out []candidate
	for _, c := range sorted {
		if len(out) == k {
			break
		}
		if subsetOfAny(c.contributing, out) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func subsetOfAny(rules []pricing.Rule, chosen []candidate) bool {
	for _, c := range chosen {
		have := make(map[string]bool, len(c.contributing))
		for _, r := range c.contributing {
			have[r.ID] = true
		}
		all := true
		for _, r := range rules {
			if !have[r.ID] {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// pad synthesizes single-rule recommendations when the distinctness filter
// left fewer than requested, walking the ranked rules in order. Unlike the
// search, padding only refuses exact duplicates.
func (e *Engine) pad(chosen []candidate, top []pricing.Rule, bases []segmentBase) []candidate {
	for _, r := range top {
		if len(chosen) >= e.opts.Recommendation {
			break
		}
		single := e.evaluate([]pricing.Rule{r}, []int{0}, matchMatrix([]pricing.Rule{r}, bases), bases)
		if sameSetAsAny(single.rules, chosen) {
			continue
		}
		chosen = append(chosen, single)
	}
	return chosen
}

func sameSetAsAny(rules []pricing.Rule, chosen []candidate) bool {
	for _, c := range chosen {
		if len(c.rules) != len(rules) {
			continue
		}
		have := make(map[string]bool, len(c.rules))
		for _, r := range c.rules {
			have[r.ID] = true
		}
		all := true
		for _, r := range rules {
			if !have[r.ID] {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func matchMatrix(rules []pricing.Rule, bases []segmentBase) [][]bool {
	matches := make([][]bool, len(rules))
	for i, r := range rules {
		matches[i] = make([]bool, len(bases))
		for j, sb := range bases {
			matches[i][j] = r.Condition.Matches(sb.seg)
		}
	}
	return matches
}

// impacts projects one recommendation across the full lattice on a bounded
// worker pool.
func (e *Engine) impacts(ctx context.Context, rules []pricing.Rule, bases []segmentBase) ([]Impact, error) {
	out := make([]Impact, len(bases))
	sem := make(chan struct{}, e.opts.ImpactWorkers)
	var wg sync.WaitGroup
	for j := range bases {
		if err := ctx.Err(); err != nil {
			return nil, errs.Timeout("recommend.impacts", err)
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(j int) {
			defer wg.Done()
			defer func() { <-sem }()
			sb := bases[j]
			proj := e.kernel.Project(sb.seg, sb.base, rules)
			applied := e.kernel.ApplicableRules(rules, sb.seg)
			out[j] = Impact{
				SegmentKey: sb.seg.Key(),
				Segment:    sb.seg,
				Baseline: Scenario{
					Rides:           sb.base.Rides,
					UnitPrice:       sb.base.UnitPrice,
					DurationMinutes: sb.base.DurationMinutes,
					Revenue:         sb.base.Revenue(),
				},
				WithRecommendation: Scenario{
					Rides:           proj.Rides,
					UnitPrice:       proj.UnitPrice,
					DurationMinutes: proj.DurationMinutes,
					Revenue:         proj.Revenue,
				},
				PriceChangePct:      proj.PriceChangePct,
				DemandChangePct:     proj.DemandChangePct,
				RevenueChangePct:    proj.RevenueChangePct,
				EffectiveMultiplier: proj.Multiplier,
				AppliedRules:        appliedRules(applied),
				Explanation:         explainImpact(applied, proj),
			}
		}(j)
	}
	wg.Wait()
	return out, nil
}

// holdPricing is a no-op recommendation: every segment keeps its forecast.
func (e *Engine) holdPricing(rank int, bases []segmentBase) Recommendation {
	impacts := make([]Impact, 0, len(bases))
	for _, sb := range bases {
		scenario := Scenario{
			Rides:           sb.base.Rides,
			UnitPrice:       sb.base.UnitPrice,
			DurationMinutes: sb.base.DurationMinutes,
			Revenue:         sb.base.Revenue(),
		}
		impacts = append(impacts, Impact{
			SegmentKey:          sb.seg.Key(),
			Segment:             sb.seg,
			Baseline:            scenario,
			WithRecommendation:  scenario,
			EffectiveMultiplier: 1.0,
			AppliedRules:        []AppliedRule{},
			Explanation:         "No applicable rules; forecast unchanged.",
		})
	}
	return Recommendation{
		Rank:        rank,
		RuleIDs:     []string{},
		Explanation: "Hold current pricing across all segments.",
		Impacts:     impacts,
	}
}

func appliedRules(rules []pricing.Rule) []AppliedRule {
	out := make([]AppliedRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, AppliedRule{RuleID: r.ID, RuleName: r.Name, Multiplier: r.Multiplier})
	}
	return out
}

func explainImpact(applied []pricing.Rule, proj pricing.Projection) string {
	if len(applied) == 0 {
		return "No applicable rules; forecast unchanged."
	}
	return fmt.Sprintf("%d rule(s) move price %+.1f%%; demand responds %+.1f%%, revenue %+.1f%%.",
		len(applied), proj.PriceChangePct, proj.DemandChangePct, proj.RevenueChangePct)
}

func explain(c candidate) string {
	names := make([]string, 0, len(c.rules))
	for _, r := range c.rules {
		names = append(names, r.Name)
	}
	objs := make([]string, 0, len(c.objectives))
	for _, o := range c.objectives {
		objs = append(objs, string(o))
	}
	objText := "no declared objectives"
	if len(objs) > 0 {
		objText = strings.Join(objs, ", ")
	}
	return fmt.Sprintf("Apply %d rule(s): %s. Projected combined revenue change %+.1f%% across the segment lattice. Advances: %s.",
		len(c.rules), strings.Join(names, "; "), c.combinedPct, objText)
}

func objectiveUnion(rules []pricing.Rule) []pricing.Objective {
	seen := make(map[pricing.Objective]bool)
	for _, r := range rules {
		for _, o := range r.Objectives() {
			seen[o] = true
		}
	}
	out := make([]pricing.Objective, 0, len(seen))
	for _, o := range pricing.Objectives {
		if seen[o] {
			out = append(out, o)
		}
	}
	return out
}

func ruleIDs(rules []pricing.Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.ID)
	}
	return out
}

func clampAbs(v, bound float64) float64 {
	return math.Min(math.Max(v, -bound), bound)
}
