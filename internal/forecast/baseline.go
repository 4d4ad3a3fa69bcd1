package forecast

import (
	"math"
	"time"

	"github.com/hwco/farecast/internal/domain"
	"github.com/hwco/farecast/internal/segment"
)

// Confidence grades how much historical support a baseline or forecast has.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceLow     Confidence = "low"
	ConfidenceVeryLow Confidence = "very_low"
)

// DataQuality records which rung of the fallback ladder produced a baseline.
type DataQuality string

const (
	QualityMeasured         DataQuality = "measured"
	QualityAggregated       DataQuality = "aggregated"
	QualityFallbackDefaults DataQuality = "fallback_defaults"
)

// Baseline is the per-segment historical aggregate. One exists for every
// lattice segment after the engine runs, no matter how sparse the data.
type Baseline struct {
	SegmentKey      string                `json:"segment_key"`
	Segment         segment.Segment       `json:"segment"`
	SampleSize      int                   `json:"sample_size"`
	AvgUnitPrice    float64               `json:"avg_fcs_unit_price"`
	AvgRideDuration float64               `json:"avg_fcs_ride_duration"`
	AvgRiders       float64               `json:"avg_riders_per_order"`
	AvgDrivers      float64               `json:"avg_drivers_per_order"`
	DemandProfile   segment.DemandProfile `json:"segment_demand_profile"`
	Confidence      Confidence            `json:"confidence"`
	DataQuality     DataQuality           `json:"data_quality"`
}

// cleanRide is a validated historical ride with its derived fields.
type cleanRide struct {
	base      segment.BaseCombo
	demand    segment.DemandProfile
	orderDate time.Time
	riders    float64
	drivers   float64
	duration  float64
	unitPrice float64
}

// cleanRides validates raw rides, dropping rows with non-positive duration,
// non-positive riders, or unrecognized dimension values. Per-ride demand is
// recomputed from the ride's own rider/driver counts.
func cleanRides(rides []domain.HistoricalRide) (clean []cleanRide, dropped int) {
	clean = make([]cleanRide, 0, len(rides))
	for _, r := range rides {
		unitPrice, ok := r.UnitPrice()
		if !ok || r.NumRiders <= 0 || r.HistoricalCost < 0 {
			dropped++
			continue
		}
		loc, okLoc := segment.ParseLocation(r.LocationCategory)
		loy, okLoy := segment.ParseLoyalty(r.LoyaltyTier)
		veh, okVeh := segment.ParseVehicle(r.VehicleType)
		pm, okPM := segment.ParsePricingModel(r.PricingModel)
		if !okLoc || !okLoy || !okVeh || !okPM {
			dropped++
			continue
		}
		clean = append(clean, cleanRide{
			base:      segment.BaseCombo{Location: loc, Loyalty: loy, Vehicle: veh, PricingModel: pm},
			demand:    segment.Classify(float64(r.NumRiders), float64(r.NumDrivers)),
			orderDate: r.OrderDate,
			riders:    float64(r.NumRiders),
			drivers:   float64(r.NumDrivers),
			duration:  r.RideDurationMinutes,
			unitPrice: unitPrice,
		})
	}
	return clean, dropped
}

type rideStats struct {
	n         int
	riders    float64
	drivers   float64
	duration  float64
	unitPrice float64
}

func (s *rideStats) add(r cleanRide) {
	s.n++
	s.riders += r.riders
	s.drivers += r.drivers
	s.duration += r.duration
	s.unitPrice += r.unitPrice
}

func (s rideStats) meanRiders() float64    { return s.riders / float64(s.n) }
func (s rideStats) meanDrivers() float64   { return s.drivers / float64(s.n) }
func (s rideStats) meanDuration() float64  { return s.duration / float64(s.n) }
func (s rideStats) meanUnitPrice() float64 { return s.unitPrice / float64(s.n) }

// minMeasuredSamples is the bucket size at which a segment gets its own
// measured baseline instead of the base-group aggregate.
const minMeasuredSamples = 3

func measuredConfidence(n int) Confidence {
	switch {
	case n >= 30:
		return ConfidenceHigh
	case n >= 10:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// buildBaselines walks the full lattice and produces exactly 162 baselines
// using the measured -> aggregated -> industry-defaults ladder.
func buildBaselines(clean []cleanRide) []Baseline {
	buckets := make(map[string]*rideStats)
	groups := make(map[string]*rideStats)
	for _, r := range clean {
		baseKey := r.base.Key()
		segKey := r.base.With(r.demand).Key()
		if buckets[segKey] == nil {
			buckets[segKey] = &rideStats{}
		}
		buckets[segKey].add(r)
		if groups[baseKey] == nil {
			groups[baseKey] = &rideStats{}
		}
		groups[baseKey].add(r)
	}

	out := make([]Baseline, 0, segment.Count)
	for _, s := range segment.Enumerate() {
		bucket := buckets[s.Key()]
		group := groups[s.Base().Key()]

		switch {
		case bucket != nil && bucket.n >= minMeasuredSamples:
			out = append(out, Baseline{
				SegmentKey:      s.Key(),
				Segment:         s,
				SampleSize:      bucket.n,
				AvgUnitPrice:    bucket.meanUnitPrice(),
				AvgRideDuration: bucket.meanDuration(),
				AvgRiders:       bucket.meanRiders(),
				AvgDrivers:      bucket.meanDrivers(),
				DemandProfile:   segment.Classify(bucket.meanRiders(), bucket.meanDrivers()),
				Confidence:      measuredConfidence(bucket.n),
				DataQuality:     QualityMeasured,
			})
		case group != nil && group.n >= 1:
			n := 0
			if bucket != nil {
				n = bucket.n
			}
			out = append(out, Baseline{
				SegmentKey:      s.Key(),
				Segment:         s,
				SampleSize:      n,
				AvgUnitPrice:    group.meanUnitPrice(),
				AvgRideDuration: group.meanDuration(),
				AvgRiders:       group.meanRiders(),
				AvgDrivers:      group.meanDrivers(),
				DemandProfile:   segment.Classify(group.meanRiders(), group.meanDrivers()),
				Confidence:      ConfidenceLow,
				DataQuality:     QualityAggregated,
			})
		default:
			out = append(out, industryDefault(s))
		}
	}
	return out
}

// observedDays measures the historical span in whole days, at least 1.
func observedDays(clean []cleanRide) int {
	if len(clean) == 0 {
		return 1
	}
	minT, maxT := clean[0].orderDate, clean[0].orderDate
	for _, r := range clean[1:] {
		if r.orderDate.Before(minT) {
			minT = r.orderDate
		}
		if r.orderDate.After(maxT) {
			maxT = r.orderDate
		}
	}
	days := int(math.Ceil(maxT.Sub(minT).Hours() / 24))
	if days < 1 {
		days = 1
	}
	return days
}
