// Package segment enumerates the 162-cell pricing segment lattice and
// classifies demand profiles from rider/driver ratios. Everything here is
// a pure function over closed, finite domains.
package segment

import "strings"

// LocationCategory is the service-area class of a ride.
type LocationCategory string

const (
	LocationUrban    LocationCategory = "Urban"
	LocationSuburban LocationCategory = "Suburban"
	LocationRural    LocationCategory = "Rural"
)

// LoyaltyTier is the rider loyalty program tier.
type LoyaltyTier string

const (
	LoyaltyGold    LoyaltyTier = "Gold"
	LoyaltySilver  LoyaltyTier = "Silver"
	LoyaltyRegular LoyaltyTier = "Regular"
)

// VehicleType distinguishes the fleet class.
type VehicleType string

const (
	VehiclePremium VehicleType = "Premium"
	VehicleEconomy VehicleType = "Economy"
)

// PricingModel is the commercial model the ride was billed under.
type PricingModel string

const (
	PricingStandard   PricingModel = "STANDARD"
	PricingContracted PricingModel = "CONTRACTED"
	PricingCustom     PricingModel = "CUSTOM"
)

// DemandProfile classifies supply/demand balance for a segment or ride.
type DemandProfile string

const (
	DemandHigh   DemandProfile = "HIGH"
	DemandMedium DemandProfile = "MEDIUM"
	DemandLow    DemandProfile = "LOW"
)

// Count is the total number of lattice cells: 3*3*2*3*3.
const Count = 162

// BaseComboCount is the number of segments without the demand dimension.
const BaseComboCount = 54

// Locations, Loyalties, Vehicles, PricingModels and DemandProfiles list the
// dimension values in canonical enumeration order.
var (
	Locations      = []LocationCategory{LocationUrban, LocationSuburban, LocationRural}
	Loyalties      = []LoyaltyTier{LoyaltyGold, LoyaltySilver, LoyaltyRegular}
	Vehicles       = []VehicleType{VehiclePremium, VehicleEconomy}
	PricingModels  = []PricingModel{PricingStandard, PricingContracted, PricingCustom}
	DemandProfiles = []DemandProfile{DemandHigh, DemandMedium, DemandLow}
)

// Segment is one cell of the lattice.
type Segment struct {
	Location     LocationCategory `json:"location_category"`
	Loyalty      LoyaltyTier      `json:"loyalty_tier"`
	Vehicle      VehicleType      `json:"vehicle_type"`
	PricingModel PricingModel     `json:"pricing_model"`
	Demand       DemandProfile    `json:"demand_profile"`
}

// Key returns the canonical segment key: the five dimension values joined
// by underscores in enumeration order.
func (s Segment) Key() string {
	return strings.Join([]string{
		string(s.Location), string(s.Loyalty), string(s.Vehicle),
		string(s.PricingModel), string(s.Demand),
	}, "_")
}

// BaseCombo is a segment without its demand dimension (54 total).
type BaseCombo struct {
	Location     LocationCategory `json:"location_category"`
	Loyalty      LoyaltyTier      `json:"loyalty_tier"`
	Vehicle      VehicleType      `json:"vehicle_type"`
	PricingModel PricingModel     `json:"pricing_model"`
}

// Key returns the quadruple joined by underscores.
func (b BaseCombo) Key() string {
	return strings.Join([]string{
		string(b.Location), string(b.Loyalty), string(b.Vehicle), string(b.PricingModel),
	}, "_")
}

// With attaches a demand profile to the base combination.
func (b BaseCombo) With(d DemandProfile) Segment {
	return Segment{
		Location:     b.Location,
		Loyalty:      b.Loyalty,
		Vehicle:      b.Vehicle,
		PricingModel: b.PricingModel,
		Demand:       d,
	}
}

// Base strips the demand dimension from a segment.
func (s Segment) Base() BaseCombo {
	return BaseCombo{
		Location:     s.Location,
		Loyalty:      s.Loyalty,
		Vehicle:      s.Vehicle,
		PricingModel: s.PricingModel,
	}
}

// Enumerate returns all 162 segments in deterministic order: location,
// loyalty, vehicle, pricing model, demand profile, innermost loop on the
// rightmost dimension.
func Enumerate() []Segment {
	out := make([]Segment, 0, Count)
	for _, loc := range Locations {
		for _, loy := range Loyalties {
			for _, veh := range Vehicles {
				for _, pm := range PricingModels {
					for _, dp := range DemandProfiles {
						out = append(out, Segment{loc, loy, veh, pm, dp})
					}
				}
			}
		}
	}
	return out
}

// EnumerateBases returns the 54 base combinations in enumeration order.
func EnumerateBases() []BaseCombo {
	out := make([]BaseCombo, 0, BaseComboCount)
	for _, loc := range Locations {
		for _, loy := range Loyalties {
			for _, veh := range Vehicles {
				for _, pm := range PricingModels {
					out = append(out, BaseCombo{loc, loy, veh, pm})
				}
			}
		}
	}
	return out
}

// Classify derives the demand profile from observed rider and driver counts.
// The ratio rho = drivers/riders*100 maps to HIGH below 34 (undersupply),
// MEDIUM below 67 and LOW at 67 or above (oversupply). Degenerate inputs
// (no riders) classify MEDIUM.
func Classify(riders, drivers float64) DemandProfile {
	if riders <= 0 {
		return DemandMedium
	}
	rho := drivers / riders * 100
	switch {
	case rho < 34:
		return DemandHigh
	case rho < 67:
		return DemandMedium
	default:
		return DemandLow
	}
}

// ParseLocation validates a raw location value.
func ParseLocation(v string) (LocationCategory, bool) {
	switch LocationCategory(v) {
	case LocationUrban, LocationSuburban, LocationRural:
		return LocationCategory(v), true
	}
	return "", false
}

// ParseLoyalty validates a raw loyalty tier value.
func ParseLoyalty(v string) (LoyaltyTier, bool) {
	switch LoyaltyTier(v) {
	case LoyaltyGold, LoyaltySilver, LoyaltyRegular:
		return LoyaltyTier(v), true
	}
	return "", false
}

// ParseVehicle validates a raw vehicle type value.
func ParseVehicle(v string) (VehicleType, bool) {
	switch VehicleType(v) {
	case VehiclePremium, VehicleEconomy:
		return VehicleType(v), true
	}
	return "", false
}

// ParsePricingModel validates a raw pricing model value.
func ParsePricingModel(v string) (PricingModel, bool) {
	switch PricingModel(v) {
	case PricingStandard, PricingContracted, PricingCustom:
		return PricingModel(v), true
	}
	return "", false
}
