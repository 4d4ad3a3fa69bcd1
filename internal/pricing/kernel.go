package pricing

import (
	"math"

	"github.com/hwco/farecast/internal/segment"
)

// ElasticityTable holds the segment elasticity parameters. Values are
// surfaced through configuration; the zero value is unusable, use
// DefaultElasticity.
type ElasticityTable struct {
	Gold    float64 `yaml:"gold" json:"gold"`
	Silver  float64 `yaml:"silver" json:"silver"`
	Regular float64 `yaml:"regular" json:"regular"`

	// HighDemandAdjust is added for HIGH demand segments (negative makes
	// them less elastic); LowDemandAdjust for LOW demand segments.
	HighDemandAdjust float64 `yaml:"high_demand_adjust" json:"high_demand_adjust"`
	LowDemandAdjust  float64 `yaml:"low_demand_adjust" json:"low_demand_adjust"`

	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`

	// MaxDemandShiftPct bounds the absolute demand response in percent.
	MaxDemandShiftPct float64 `yaml:"max_demand_shift_pct" json:"max_demand_shift_pct"`
}

// DefaultElasticity returns the documented default elasticity parameters.
func DefaultElasticity() ElasticityTable {
	return ElasticityTable{
		Gold:              0.6,
		Silver:            1.0,
		Regular:           1.4,
		HighDemandAdjust:  -0.2,
		LowDemandAdjust:   0.3,
		Min:               0.3,
		Max:               2.0,
		MaxDemandShiftPct: 50,
	}
}

// Baseline is the per-segment input to a projection.
type Baseline struct {
	Rides           float64 `json:"rides"`
	UnitPrice       float64 `json:"unit_price"`
	DurationMinutes float64 `json:"duration_minutes"`
}

// Revenue applies the duration-based pricing identity.
func (b Baseline) Revenue() float64 {
	return b.Rides * b.DurationMinutes * b.UnitPrice
}

// Projection is the deterministic output of applying rules to a baseline.
type Projection struct {
	Rides           float64 `json:"rides"`
	UnitPrice       float64 `json:"unit_price"`
	DurationMinutes float64 `json:"duration_minutes"`
	Revenue         float64 `json:"revenue"`

	Multiplier      float64 `json:"multiplier"`
	PriceChangePct  float64 `json:"price_change_pct"`
	DemandChangePct float64 `json:"demand_change_pct"`
	RevenueChangePct float64 `json:"revenue_change_pct"`

	// ZeroBaseline marks projections computed from a non-positive baseline
	// unit price; revenue is reported as 0 instead of failing.
	ZeroBaseline bool `json:"zero_baseline,omitempty"`
}

// Kernel applies rule sets to segment baselines. It is pure and safe for
// concurrent use.
type Kernel struct {
	clampMin   float64
	clampMax   float64
	elasticity ElasticityTable
}

// NewKernel builds a kernel with the given multiplier clamp bounds and
// elasticity table. Non-positive bounds fall back to [0.5, 3.0].
func NewKernel(clampMin, clampMax float64, e ElasticityTable) *Kernel {
	if clampMin <= 0 {
		clampMin = 0.5
	}
	if clampMax <= 0 {
		clampMax = 3.0
	}
	return &Kernel{clampMin: clampMin, clampMax: clampMax, elasticity: e}
}

// ApplicableRules filters rules down to those whose condition admits the
// segment, preserving order.
func (k *Kernel) ApplicableRules(rules []Rule, s segment.Segment) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Condition.Matches(s) {
			out = append(out, r)
		}
	}
	return out
}

// CombinedMultiplier multiplies the rules' multipliers (order independent)
// and clamps the product to the kernel bounds.
func (k *Kernel) CombinedMultiplier(rules []Rule) float64 {
	m := 1.0
	for _, r := range rules {
		m *= r.Multiplier
	}
	return math.Min(math.Max(m, k.clampMin), k.clampMax)
}

// ElasticityFor derives the segment price elasticity: a loyalty-tier base,
// a demand-profile adjustment, clamped to the configured band.
func (k *Kernel) ElasticityFor(s segment.Segment) float64 {
	e := k.elasticity
	var base float64
	switch s.Loyalty {
	case segment.LoyaltyGold:
		base = e.Gold
	case segment.LoyaltySilver:
		base = e.Silver
	default:
		base = e.Regular
	}
	switch s.Demand {
	case segment.DemandHigh:
		base += e.HighDemandAdjust
	case segment.DemandLow:
		base += e.LowDemandAdjust
	}
	return math.Min(math.Max(base, e.Min), e.Max)
}

// MaxDemandShift returns the configured absolute demand response bound in
// percent.
func (k *Kernel) MaxDemandShift() float64 {
	if k.elasticity.MaxDemandShiftPct <= 0 {
		return 50
	}
	return k.elasticity.MaxDemandShiftPct
}

// Project applies the rules that match the segment to the baseline.
// Price moves by the combined clamped multiplier, demand responds through
// the segment elasticity (bounded), duration is unchanged, and revenue
// follows the duration-based identity. A non-positive baseline unit price
// yields a zero-revenue projection marked ZeroBaseline; zero baseline
// rides project zero rides and revenue while still reporting the rule set.
func (k *Kernel) Project(s segment.Segment, base Baseline, rules []Rule) Projection {
	applicable := k.ApplicableRules(rules, s)
	m := k.CombinedMultiplier(applicable)

	priceChangePct := (m - 1) * 100
	elasticity := k.ElasticityFor(s)
	demandChangePct := -elasticity * priceChangePct
	bound := k.elasticity.MaxDemandShiftPct
	if bound <= 0 {
		bound = 50
	}
	demandChangePct = math.Min(math.Max(demandChangePct, -bound), bound)

	p := Projection{
		DurationMinutes: base.DurationMinutes,
		Multiplier:      m,
		PriceChangePct:  priceChangePct,
		DemandChangePct: demandChangePct,
	}

	if base.UnitPrice <= 0 {
		p.ZeroBaseline = true
		p.Rides = base.Rides
		p.UnitPrice = base.UnitPrice
		p.Revenue = 0
		p.RevenueChangePct = 0
		return p
	}

	p.Rides = base.Rides * (1 + demandChangePct/100)
	p.UnitPrice = base.UnitPrice * m
	p.Revenue = p.Rides * p.DurationMinutes * p.UnitPrice

	if rev0 := base.Revenue(); rev0 > 0 {
		p.RevenueChangePct = (p.Revenue/rev0 - 1) * 100
	}
	return p
}
