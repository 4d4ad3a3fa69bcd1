// Package rules mines the ride history and external signals into ranked
// pricing rules across nine categories, padding with a fixed fallback set
// when the data is too thin to support a full rule book.
package rules

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hwco/farecast/internal/domain"
	"github.com/hwco/farecast/internal/errs"
	"github.com/hwco/farecast/internal/pricing"
	"github.com/hwco/farecast/internal/segment"
)

// Inputs carries everything the generator mines. Events, traffic and news
// are optional; their absence only silences the matching categories.
type Inputs struct {
	Rides      []domain.HistoricalRide
	Competitor []domain.CompetitorRide
	Events     []domain.Event
	Traffic    []domain.TrafficWindow
	News       []domain.NewsArticle
}

// Mining thresholds.
const (
	minLocationSample   = 5
	minLoyaltySample    = 10
	minSilverConversion = 25
	minDemandSample     = 10
	minVehicleSample    = 10
	minPricingSample    = 10
	minTimeSample       = 30
	peakShareThreshold  = 0.20
	locationGapFloor    = 0.03
	eventWindowDays     = 14
	highAttendance      = 10000
)

// Rule-count floors that trigger the fallback set.
const (
	minGeneratedRules = 9
	minTotalRules     = 15
)

// newsKeywords flag competitive or regulatory pressure.
var newsKeywords = []string{
	"competitor", "competitive", "price war", "pricing", "undercut",
	"regulation", "regulatory", "market share", "fare cap",
}

// Generator mines pricing rules. Now is injectable for the event window.
type Generator struct {
	Now func() time.Time
}

// NewGenerator returns a generator on the real clock.
func NewGenerator() *Generator {
	return &Generator{Now: time.Now}
}

// obs is a validated ride observation used for mining and coverage.
type obs struct {
	seg       segment.Segment
	hour      int
	unitPrice float64
}

func observe(rides []domain.HistoricalRide) []obs {
	out := make([]obs, 0, len(rides))
	for _, r := range rides {
		unitPrice, ok := r.UnitPrice()
		if !ok || r.NumRiders <= 0 {
			continue
		}
		loc, okLoc := segment.ParseLocation(r.LocationCategory)
		loy, okLoy := segment.ParseLoyalty(r.LoyaltyTier)
		veh, okVeh := segment.ParseVehicle(r.VehicleType)
		pm, okPM := segment.ParsePricingModel(r.PricingModel)
		if !okLoc || !okLoy || !okVeh || !okPM {
			continue
		}
		out = append(out, obs{
			seg: segment.Segment{
				Location: loc, Loyalty: loy, Vehicle: veh, PricingModel: pm,
				Demand:   segment.Classify(float64(r.NumRiders), float64(r.NumDrivers)),
			},
			hour:      r.OrderDate.Hour(),
			unitPrice: unitPrice,
		})
	}
	return out
}

// Generate runs all nine category miners, appends fallbacks when needed,
// scores and ranks the result. Missing external inputs degrade to skipped
// categories; only cancellation aborts.
func (g *Generator) Generate(ctx context.Context, in Inputs) ([]pricing.Rule, error) {
	observations := observe(in.Rides)

	var out []pricing.Rule
	miners := []func([]obs, Inputs) []pricing.Rule{
		g.mineLocation, g.mineLoyalty, g.mineDemand, g.mineVehicle,
		g.minePricing, g.mineTime, g.mineEvents, g.mineNews, g.mineSurge,
	}
	for _, mine := range miners {
		if err := ctx.Err(); err != nil {
			return nil, errs.Timeout("rules.generate", err)
		}
		out = append(out, mine(observations, in)...)
	}

	out = appendFallbacks(out)
	rank(out, observations)

	counts := make(map[pricing.Category]int)
	for _, r := range out {
		counts[r.Category]++
	}
	log.Info().Int("rules", len(out)).Interface("by_category", counts).
		Msg("Rule generation completed")
	return out, nil
}

func (g *Generator) mineLocation(observations []obs, in Inputs) []pricing.Rule {
	var out []pricing.Rule
	for _, loc := range segment.Locations {
		var hwco rideMean
		for _, o := range observations {
			if o.seg.Location == loc {
				hwco.add(o.unitPrice)
			}
		}
		if hwco.n < minLocationSample || hwco.mean() <= 0 {
			continue
		}

		var comp rideMean
		for _, c := range in.Competitor {
			if c.Company != domain.CompanyCompetitor {
				continue
			}
			unitPrice, ok := c.UnitPrice()
			if !ok {
				continue
			}
			if cl, okLoc := segment.ParseLocation(c.LocationCategory); okLoc && cl == loc {
				comp.add(unitPrice)
			}
		}
		if comp.n == 0 {
			continue
		}

		gap := (comp.mean() - hwco.mean()) / hwco.mean()
		if math.Abs(gap) < locationGapFloor {
			continue
		}
		mult := clamp(1+gap, 0.85, 1.15)
		out = append(out, pricing.Rule{
			ID:                fmt.Sprintf("LOC_%s_COMPETITIVE_ADJUST", strings.ToUpper(string(loc))),
			Category:          pricing.CategoryLocation,
			Name:              fmt.Sprintf("%s competitive price adjustment", loc),
			Multiplier:        mult,
			Condition:         pricing.Condition{Location: pricing.CondLocation(loc)},
			AffectsObjectives: []pricing.Objective{pricing.ObjectiveStayCompetitive},
			Source:            pricing.SourceGenerated,
		})
	}
	return out
}

func (g *Generator) mineLoyalty(observations []obs, _ Inputs) []pricing.Rule {
	counts := make(map[segment.LoyaltyTier]int)
	for _, o := range observations {
		counts[o.seg.Loyalty]++
	}

	var out []pricing.Rule
	if counts[segment.LoyaltyGold] >= minLoyaltySample {
		out = append(out, pricing.Rule{
			ID:                "LOY_GOLD_RETENTION",
			Category:          pricing.CategoryLoyalty,
			Name:              "Gold retention price hold (surge capped at base rate)",
			Multiplier:        1.00,
			Condition:         pricing.Condition{Loyalty: pricing.CondLoyalty(segment.LoyaltyGold)},
			AffectsObjectives: []pricing.Objective{
				pricing.ObjectiveRetention, pricing.ObjectiveStayCompetitive,
			},
			Source: pricing.SourceGenerated,
		})
	}
	if counts[segment.LoyaltySilver] >= minSilverConversion {
		out = append(out, pricing.Rule{
			ID:                "LOY_SILVER_CONVERSION",
			Category:          pricing.CategoryLoyalty,
			Name:              "Silver-to-Gold conversion discount",
			Multiplier:        0.97,
			Condition:         pricing.Condition{Loyalty: pricing.CondLoyalty(segment.LoyaltySilver)},
			AffectsObjectives: []pricing.Objective{pricing.ObjectiveRetention},
			Source:            pricing.SourceGenerated,
		})
	}
	return out
}

func (g *Generator) mineDemand(observations []obs, _ Inputs) []pricing.Rule {
	counts := make(map[segment.DemandProfile]int)
	for _, o := range observations {
		counts[o.seg.Demand]++
	}

	var out []pricing.Rule
	if counts[segment.DemandHigh] >= minDemandSample {
		out = append(out, pricing.Rule{
			ID:                "DEM_HIGH_SURGE",
			Category:          pricing.CategoryDemand,
			Name:              "Undersupply surge pricing",
			Multiplier:        1.50,
			Condition:         pricing.Condition{Demand: pricing.CondDemand(segment.DemandHigh)},
			AffectsObjectives: []pricing.Objective{
				pricing.ObjectiveMaximizeRevenue, pricing.ObjectiveMaximizeMargins,
			},
			Source: pricing.SourceGenerated,
		})
	}
	if counts[segment.DemandLow] >= minDemandSample {
		out = append(out, pricing.Rule{
			ID:                "DEM_LOW_STIMULATION",
			Category:          pricing.CategoryDemand,
			Name:              "Oversupply demand stimulation",
			Multiplier:        0.95,
			Condition:         pricing.Condition{Demand: pricing.CondDemand(segment.DemandLow)},
			AffectsObjectives: []pricing.Objective{pricing.ObjectiveMaximizeRevenue},
			Source:            pricing.SourceGenerated,
		})
	}
	return out
}

func (g *Generator) mineVehicle(observations []obs, _ Inputs) []pricing.Rule {
	n := 0
	for _, o := range observations {
		if o.seg.Vehicle == segment.VehiclePremium && o.seg.Demand == segment.DemandHigh {
			n++
		}
	}
	if n < minVehicleSample {
		return nil
	}
	return []pricing.Rule{{
		ID:         "VEH_PREMIUM_HIGH_DEMAND",
		Category:   pricing.CategoryVehicle,
		Name:       "Premium vehicle surcharge under high demand",
		Multiplier: 1.20,
		Condition:  pricing.Condition{
			Vehicle: pricing.CondVehicle(segment.VehiclePremium),
			Demand:  pricing.CondDemand(segment.DemandHigh),
		},
		AffectsObjectives: []pricing.Objective{pricing.ObjectiveMaximizeMargins},
		Source:            pricing.SourceGenerated,
	}}
}

func (g *Generator) minePricing(observations []obs, _ Inputs) []pricing.Rule {
	var std, custom rideMean
	for _, o := range observations {
		switch o.seg.PricingModel {
		case segment.PricingStandard:
			std.add(o.unitPrice)
		case segment.PricingCustom:
			custom.add(o.unitPrice)
		}
	}
	if std.n < minPricingSample || custom.n < minPricingSample {
		return nil
	}
	if custom.mean() < std.mean()*1.10 {
		return nil
	}
	return []pricing.Rule{{
		ID:                "PRC_CUSTOM_PREMIUM",
		Category:          pricing.CategoryPricing,
		Name:              "Custom pricing model premium",
		Multiplier:        1.05,
		Condition:         pricing.Condition{PricingModel: pricing.CondPricingModel(segment.PricingCustom)},
		AffectsObjectives: []pricing.Objective{pricing.ObjectiveMaximizeMargins},
		Source:            pricing.SourceGenerated,
	}}
}

func (g *Generator) mineTime(observations []obs, _ Inputs) []pricing.Rule {
	if len(observations) < minTimeSample {
		return nil
	}
	peak := 0
	for _, o := range observations {
		if (o.hour >= 7 && o.hour < 10) || (o.hour >= 17 && o.hour < 20) {
			peak++
		}
	}
	if float64(peak)/float64(len(observations)) < peakShareThreshold {
		return nil
	}
	return []pricing.Rule{{
		ID:                "TIME_PEAK_HOURS",
		Category:          pricing.CategoryTime,
		Name:              "Commute peak-hours surcharge",
		Multiplier:        1.15,
		Condition:         pricing.Condition{TimeOfDay: "peak_hours"},
		AffectsObjectives: []pricing.Objective{pricing.ObjectiveMaximizeRevenue},
		Source:            pricing.SourceGenerated,
	}}
}

// eventMultipliers by category for events under the attendance threshold.
var eventMultipliers = map[string]float64{
	"festivals":       1.50,
	"sports":          1.60,
	"performing-arts": 1.60,
}

func (g *Generator) mineEvents(_ []obs, in Inputs) []pricing.Rule {
	now := g.Now()
	horizon := now.AddDate(0, 0, eventWindowDays)

	type agg struct {
		maxAttendance int
	}
	byCategory := make(map[string]*agg)
	for _, ev := range in.Events {
		if ev.StartTime.Before(now) || ev.StartTime.After(horizon) {
			continue
		}
		a := byCategory[ev.Category]
		if a == nil {
			a = &agg{}
			byCategory[ev.Category] = a
		}
		if ev.PredictedAttendance > a.maxAttendance {
			a.maxAttendance = ev.PredictedAttendance
		}
	}

	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var out []pricing.Rule
	for _, c := range categories {
		a := byCategory[c]
		var mult float64
		var name string
		switch {
		case a.maxAttendance >= highAttendance:
			mult = 1.80
			name = fmt.Sprintf("High-attendance %s event surge", c)
		default:
			m, ok := eventMultipliers[c]
			if !ok {
				continue
			}
			mult = m
			name = fmt.Sprintf("Upcoming %s event surge", c)
		}
		out = append(out, pricing.Rule{
			ID:         fmt.Sprintf("EVT_%s", strings.ToUpper(strings.ReplaceAll(c, "-", "_"))),
			Category:   pricing.CategoryEvent,
			Name:       name,
			Multiplier: mult,
			Condition:  pricing.Condition{EventType: c},
			Source:     pricing.SourceGenerated,
		})
	}
	return out
}

func (g *Generator) mineNews(_ []obs, in Inputs) []pricing.Rule {
	for _, article := range in.News {
		for _, kw := range article.Keywords {
			for _, needle := range newsKeywords {
				if strings.Contains(strings.ToLower(kw), needle) {
					return []pricing.Rule{{
						ID:                "NEWS_COMPETITIVE_RESPONSE",
						Category:          pricing.CategoryNews,
						Name:              "Competitive/regulatory news response",
						Multiplier:        1.05,
						Condition:         pricing.Condition{MarketTrend: "competitive_pressure"},
						AffectsObjectives: []pricing.Objective{pricing.ObjectiveStayCompetitive},
						Source:            pricing.SourceGenerated,
					}}
				}
			}
		}
	}
	return nil
}

func (g *Generator) mineSurge(_ []obs, in Inputs) []pricing.Rule {
	congested := 0
	for _, w := range in.Traffic {
		if w.CongestionLevel == domain.CongestionHigh {
			congested++
		}
	}
	if congested == 0 {
		return nil
	}
	mult := math.Min(1.10+0.02*float64(congested-1), 1.30)
	return []pricing.Rule{{
		ID:                "SURGE_TRAFFIC_CONGESTION",
		Category:          pricing.CategorySurge,
		Name:              "Traffic congestion surge",
		Multiplier:        mult,
		Condition:         pricing.Condition{TrafficLevel: domain.CongestionHigh},
		AffectsObjectives: []pricing.Objective{pricing.ObjectiveMaximizeRevenue},
		Source:            pricing.SourceGenerated,
	}}
}

type rideMean struct {
	n   int
	sum float64
}

func (m *rideMean) add(v float64) { m.n++; m.sum += v }
func (m rideMean) mean() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
