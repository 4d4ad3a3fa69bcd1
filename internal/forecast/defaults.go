package forecast

import "github.com/hwco/farecast/internal/segment"

// Industry-default anchor: Urban / Gold / Premium / STANDARD / MEDIUM.
// All 162 fallback baselines derive from it multiplicatively.
const (
	anchorUnitPrice       = 3.00 // $/min
	anchorDurationMinutes = 25.0
	anchorRiders          = 30.0
)

// Adjustment factors applied from the anchor.
const (
	ruralPriceFactor    = 0.80
	ruralDurationFactor = 1.10
	economyPriceFactor  = 0.75
	customPriceFactor   = 1.10
	highDemandFactor    = 1.10
	lowDemandFactor     = 0.90
)

// industryDefault returns the deterministic fallback baseline for a
// segment with no historical support. Driver counts are chosen so the
// rider/driver ratio reproduces the segment's own demand class.
func industryDefault(s segment.Segment) Baseline {
	price := anchorUnitPrice
	duration := anchorDurationMinutes

	if s.Location == segment.LocationRural {
		price *= ruralPriceFactor
		duration *= ruralDurationFactor
	}
	if s.Vehicle == segment.VehicleEconomy {
		price *= economyPriceFactor
	}
	if s.PricingModel == segment.PricingCustom {
		price *= customPriceFactor
	}

	riders := anchorRiders
	var drivers float64
	switch s.Demand {
	case segment.DemandHigh:
		price *= highDemandFactor
		drivers = riders * 0.30 // rho 30 -> HIGH
	case segment.DemandLow:
		price *= lowDemandFactor
		drivers = riders * 0.80 // rho 80 -> LOW
	default:
		drivers = riders * 0.50 // rho 50 -> MEDIUM
	}

	return Baseline{
		SegmentKey:      s.Key(),
		Segment:         s,
		SampleSize:      0,
		AvgUnitPrice:    price,
		AvgRideDuration: duration,
		AvgRiders:       riders,
		AvgDrivers:      drivers,
		DemandProfile:   segment.Classify(riders, drivers),
		Confidence:      ConfidenceVeryLow,
		DataQuality:     QualityFallbackDefaults,
	}
}
