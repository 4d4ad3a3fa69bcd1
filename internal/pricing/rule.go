// Package pricing holds the pricing rule model and the pure pricing kernel
// that projects price, demand and revenue for a segment under a set of
// rules. All pricing is duration based: revenue = rides * duration * unit
// price.
package pricing

import (
	"github.com/hwco/farecast/internal/segment"
)

// Objective identifies one of the four fixed business objectives.
type Objective string

const (
	ObjectiveMaximizeRevenue Objective = "GOAL_MAXIMIZE_REVENUE"
	ObjectiveMaximizeMargins Objective = "GOAL_MAXIMIZE_PROFIT_MARGINS"
	ObjectiveStayCompetitive Objective = "GOAL_STAY_COMPETITIVE"
	ObjectiveRetention       Objective = "GOAL_CUSTOMER_RETENTION"
)

// Objectives lists the four business objectives in canonical order.
var Objectives = []Objective{
	ObjectiveMaximizeRevenue,
	ObjectiveMaximizeMargins,
	ObjectiveStayCompetitive,
	ObjectiveRetention,
}

// ObjectiveTargets maps each objective to its durable target description.
// These are upserted into the strategy collection on every run start and
// are never deleted by rule regeneration.
var ObjectiveTargets = map[Objective]string{
	ObjectiveMaximizeRevenue: "+15% to +25% revenue",
	ObjectiveMaximizeMargins: "+5% to +7% margin",
	ObjectiveStayCompetitive: "close 5% gap vs competitor pricing",
	ObjectiveRetention:       "-10% to -15% churn",
}

// Category is one of the nine rule generation categories, plus the durable
// business-objectives category that shares the strategy collection.
type Category string

const (
	CategoryLocation           Category = "location_based"
	CategoryLoyalty            Category = "loyalty_based"
	CategoryDemand             Category = "demand_based"
	CategoryVehicle            Category = "vehicle_based"
	CategoryPricing            Category = "pricing_based"
	CategoryTime               Category = "time_based"
	CategoryEvent              Category = "event_based"
	CategoryNews               Category = "news_based"
	CategorySurge              Category = "surge_based"
	CategoryBusinessObjectives Category = "business_objectives"
)

// Categories lists the nine generated-rule categories.
var Categories = []Category{
	CategoryLocation, CategoryLoyalty, CategoryDemand, CategoryVehicle,
	CategoryPricing, CategoryTime, CategoryEvent, CategoryNews, CategorySurge,
}

// Source marks where a rule came from.
type Source string

const (
	SourceGenerated Source = "generated"
	SourceFallback  Source = "fallback"
	SourceExternal  Source = "external"
)

// Condition constrains rule applicability. Segment fields must match the
// segment exactly when set. External-data keys (event type, traffic level,
// market trend, market factor, time of day, weather, min rides) never
// constrain a segment: a rule whose condition carries only external keys
// applies to every segment, as does an empty condition.
type Condition struct {
	Location     *segment.LocationCategory `json:"location_category,omitempty"`
	Loyalty      *segment.LoyaltyTier      `json:"loyalty_tier,omitempty"`
	Vehicle      *segment.VehicleType      `json:"vehicle_type,omitempty"`
	PricingModel *segment.PricingModel     `json:"pricing_model,omitempty"`
	Demand       *segment.DemandProfile    `json:"demand_profile,omitempty"`

	EventType    string `json:"event_type,omitempty"`
	TrafficLevel string `json:"traffic_level,omitempty"`
	MarketTrend  string `json:"market_trend,omitempty"`
	MarketFactor string `json:"market_factor,omitempty"`
	TimeOfDay    string `json:"time_of_day,omitempty"`
	Weather      string `json:"weather,omitempty"`
	MinRides     int    `json:"min_rides,omitempty"`
}

// Unconstrained reports whether no segment dimension is constrained, i.e.
// the condition (ignoring external keys) matches every segment.
func (c Condition) Unconstrained() bool {
	return c.Location == nil && c.Loyalty == nil && c.Vehicle == nil &&
		c.PricingModel == nil && c.Demand == nil
}

// Matches reports whether the condition admits the given segment. External
// keys are ignored here by construction.
func (c Condition) Matches(s segment.Segment) bool {
	if c.Location != nil && *c.Location != s.Location {
		return false
	}
	if c.Loyalty != nil && *c.Loyalty != s.Loyalty {
		return false
	}
	if c.Vehicle != nil && *c.Vehicle != s.Vehicle {
		return false
	}
	if c.PricingModel != nil && *c.PricingModel != s.PricingModel {
		return false
	}
	if c.Demand != nil && *c.Demand != s.Demand {
		return false
	}
	return true
}

// Rule is a pricing rule: a multiplier with a condition, ranked by its
// estimated impact.
type Rule struct {
	ID                 string      `json:"rule_id"`
	Category           Category    `json:"category"`
	Name               string      `json:"name"`
	Multiplier         float64     `json:"multiplier"`
	Condition          Condition   `json:"condition"`
	AffectsObjectives  []Objective `json:"affects_objectives,omitempty"`
	EstimatedImpactPct float64     `json:"estimated_impact_pct"`
	Source             Source      `json:"source"`
}

// Objectives returns the declared objectives, or infers them when the rule
// declares none: a discount on Gold riders reads as retention plus
// competitive positioning, a surcharge on HIGH demand as revenue plus
// margin, and any other external surcharge as revenue.
func (r Rule) Objectives() []Objective {
	if len(r.AffectsObjectives) > 0 {
		return r.AffectsObjectives
	}
	c := r.Condition
	switch {
	case r.Multiplier < 1.0 && c.Loyalty != nil && *c.Loyalty == segment.LoyaltyGold:
		return []Objective{ObjectiveRetention, ObjectiveStayCompetitive}
	case r.Multiplier > 1.0 && c.Demand != nil && *c.Demand == segment.DemandHigh:
		return []Objective{ObjectiveMaximizeRevenue, ObjectiveMaximizeMargins}
	case r.Multiplier > 1.0 && c.Unconstrained():
		return []Objective{ObjectiveMaximizeRevenue}
	}
	return nil
}

// CondLocation and friends build condition pointers without temporaries at
// call sites.
func CondLocation(v segment.LocationCategory) *segment.LocationCategory { return &v }
func CondLoyalty(v segment.LoyaltyTier) *segment.LoyaltyTier            { return &v }
func CondVehicle(v segment.VehicleType) *segment.VehicleType            { return &v }
func CondPricingModel(v segment.PricingModel) *segment.PricingModel     { return &v }
func CondDemand(v segment.DemandProfile) *segment.DemandProfile         { return &v }
