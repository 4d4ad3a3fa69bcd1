package rules

import (
	"github.com/hwco/farecast/internal/pricing"
	"github.com/hwco/farecast/internal/segment"
)

// fallbackRules is the fixed safety net: at least one rule per category so
// the recommendation engine always has material to work with, even on an
// empty warehouse.
func fallbackRules() []pricing.Rule {
	fb := func(id string, cat pricing.Category, name string, mult float64, cond pricing.Condition, objs ...pricing.Objective) pricing.Rule {
		return pricing.Rule{
			ID:        id, Category: cat, Name: name, Multiplier: mult,
			Condition: cond, AffectsObjectives: objs, Source: pricing.SourceFallback,
		}
	}
	return []pricing.Rule{
		fb("FB_LOC_URBAN", pricing.CategoryLocation, "Urban density premium", 1.05,
			pricing.Condition{Location: pricing.CondLocation(segment.LocationUrban)},
			pricing.ObjectiveMaximizeRevenue),
		fb("FB_LOC_SUBURBAN", pricing.CategoryLocation, "Suburban coverage adjustment", 1.02,
			pricing.Condition{Location: pricing.CondLocation(segment.LocationSuburban)}),
		fb("FB_LOC_RURAL", pricing.CategoryLocation, "Rural accessibility discount", 0.95,
			pricing.Condition{Location: pricing.CondLocation(segment.LocationRural)},
			pricing.ObjectiveStayCompetitive),
		fb("FB_LOY_GOLD", pricing.CategoryLoyalty, "Gold member price protection", 1.00,
			pricing.Condition{Loyalty: pricing.CondLoyalty(segment.LoyaltyGold)},
			pricing.ObjectiveRetention, pricing.ObjectiveStayCompetitive),
		fb("FB_LOY_SILVER", pricing.CategoryLoyalty, "Silver member upgrade incentive", 0.97,
			pricing.Condition{Loyalty: pricing.CondLoyalty(segment.LoyaltySilver)},
			pricing.ObjectiveRetention),
		fb("FB_DEM_HIGH", pricing.CategoryDemand, "High demand surge", 1.50,
			pricing.Condition{Demand: pricing.CondDemand(segment.DemandHigh)},
			pricing.ObjectiveMaximizeRevenue, pricing.ObjectiveMaximizeMargins),
		fb("FB_DEM_LOW", pricing.CategoryDemand, "Low demand stimulation", 0.95,
			pricing.Condition{Demand: pricing.CondDemand(segment.DemandLow)},
			pricing.ObjectiveMaximizeRevenue),
		fb("FB_VEH_PREMIUM", pricing.CategoryVehicle, "Premium vehicle surcharge", 1.20,
			pricing.Condition{
				Vehicle: pricing.CondVehicle(segment.VehiclePremium),
				Demand:  pricing.CondDemand(segment.DemandHigh),
			},
			pricing.ObjectiveMaximizeMargins),
		fb("FB_VEH_ECONOMY", pricing.CategoryVehicle, "Economy volume discount", 0.98,
			pricing.Condition{Vehicle: pricing.CondVehicle(segment.VehicleEconomy)}),
		fb("FB_PRC_CUSTOM", pricing.CategoryPricing, "Custom pricing model premium", 1.10,
			pricing.Condition{PricingModel: pricing.CondPricingModel(segment.PricingCustom)},
			pricing.ObjectiveMaximizeMargins),
		fb("FB_TIME_PEAK", pricing.CategoryTime, "Peak hours surcharge", 1.15,
			pricing.Condition{TimeOfDay: "peak_hours"},
			pricing.ObjectiveMaximizeRevenue),
		fb("FB_TIME_OFFPEAK", pricing.CategoryTime, "Off-peak fill discount", 0.95,
			pricing.Condition{TimeOfDay: "off_peak"}),
		fb("FB_EVT_MAJOR", pricing.CategoryEvent, "Major event surge", 1.50,
			pricing.Condition{EventType: "festivals"},
			pricing.ObjectiveMaximizeRevenue),
		fb("FB_NEWS_COMPETITIVE", pricing.CategoryNews, "Market pressure response", 1.05,
			pricing.Condition{MarketTrend: "competitive_pressure"},
			pricing.ObjectiveStayCompetitive),
		fb("FB_SURGE_TRAFFIC", pricing.CategorySurge, "Heavy traffic surge", 1.15,
			pricing.Condition{TrafficLevel: "high"},
			pricing.ObjectiveMaximizeRevenue),
	}
}

// appendFallbacks pads a thin generated rule set. The fallback set kicks in
// when generation produced fewer rules than the floor or left a category
// empty; generated rules always win an ID collision.
func appendFallbacks(generated []pricing.Rule) []pricing.Rule {
	covered := make(map[pricing.Category]bool, len(generated))
	ids := make(map[string]bool, len(generated))
	for _, r := range generated {
		covered[r.Category] = true
		ids[r.ID] = true
	}

	needPad := len(generated) < minGeneratedRules
	if !needPad {
		for _, c := range pricing.Categories {
			if !covered[c] {
				needPad = true
				break
			}
		}
	}
	if !needPad && len(generated) >= minTotalRules {
		return generated
	}

	out := generated
	for _, fb := range fallbackRules() {
		if ids[fb.ID] {
			continue
		}
		out = append(out, fb)
		ids[fb.ID] = true
	}
	return out
}
