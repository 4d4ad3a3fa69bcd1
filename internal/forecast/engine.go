// Package forecast computes per-segment baselines and 30/60/90-day demand
// and price forecasts. It guarantees full lattice coverage: every run
// yields 162 baselines and 162 forecasts per horizon, falling through
// measured -> aggregated -> industry defaults as historical support thins.
package forecast

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/hwco/farecast/internal/domain"
	"github.com/hwco/farecast/internal/errs"
	"github.com/hwco/farecast/internal/model"
	"github.com/hwco/farecast/internal/segment"
)

// Horizons are the forecast windows in days.
var Horizons = []int{30, 60, 90}

// conservativeDailyRides is the per-day ride rate assumed for segments
// with no usable sample, derived from the industry-default order volume.
const conservativeDailyRides = 0.5

// Forecast is one segment's projection over a horizon. The revenue field
// always satisfies revenue = rides * duration * unit_price within 1.0.
type Forecast struct {
	SegmentKey            string          `json:"segment_key"`
	Segment               segment.Segment `json:"segment"`
	HorizonDays           int             `json:"horizon_days"`
	PredictedRides        float64         `json:"predicted_rides"`
	PredictedUnitPrice    float64         `json:"predicted_unit_price"`
	PredictedRideDuration float64         `json:"predicted_ride_duration"`
	PredictedRevenue      float64         `json:"predicted_revenue"`
	Confidence            Confidence      `json:"confidence"`
}

// Result is the full engine output for one pipeline run.
type Result struct {
	Baselines              []Baseline         `json:"baselines"`
	Forecasts              map[int][]Forecast `json:"forecasts"`
	ConfidenceDistribution map[Confidence]int `json:"confidence_distribution"`
	DroppedRows            int                `json:"dropped_rows"`
	DaysObserved           int                `json:"days_observed"`
	ModelUsed              bool               `json:"model_used"`
	Diagnostics            []string           `json:"diagnostics,omitempty"`
}

// Engine computes baselines and forecasts. A nil predictor selects the
// seasonal-naive path.
type Engine struct {
	predictor model.Service
}

// NewEngine builds a forecast engine; predictor may be nil.
func NewEngine(predictor model.Service) *Engine {
	return &Engine{predictor: predictor}
}

// Run computes 162 baselines and 162 forecasts per horizon from the raw
// ride history. Malformed rows are dropped and counted, never fatal; a
// broken lattice or model contract aborts with a component error.
func (e *Engine) Run(ctx context.Context, rides []domain.HistoricalRide) (*Result, error) {
	clean, dropped := cleanRides(rides)
	days := observedDays(clean)
	baselines := buildBaselines(clean)
	if len(baselines) != segment.Count {
		return nil, errs.Newf(errs.KindComponent, "forecast.run",
			"lattice coverage broken: %d baselines, want %d", len(baselines), segment.Count)
	}

	res := &Result{
		Baselines:              baselines,
		Forecasts:              make(map[int][]Forecast, len(Horizons)),
		ConfidenceDistribution: make(map[Confidence]int),
		DroppedRows:            dropped,
		DaysObserved:           days,
		ModelUsed:              e.predictor != nil,
	}
	for _, h := range Horizons {
		res.Forecasts[h] = make([]Forecast, 0, segment.Count)
	}

	maxH := Horizons[len(Horizons)-1]
	for _, b := range baselines {
		if err := ctx.Err(); err != nil {
			return nil, errs.Timeout("forecast.run", err)
		}
		res.ConfidenceDistribution[b.Confidence]++

		var daily []model.Prediction
		if e.predictor != nil {
			preds, err := e.predictDaily(ctx, b, maxH)
			if err != nil {
				if ctx.Err() != nil {
					return nil, errs.Timeout("forecast.run", ctx.Err())
				}
				if errs.IsKind(err, errs.KindComponent) {
					// Contract violation, not a transient failure.
					return nil, err
				}
				log.Warn().Err(err).Str("segment", b.SegmentKey).
					Msg("Model prediction failed, falling back to seasonal-naive")
				res.Diagnostics = append(res.Diagnostics,
					fmt.Sprintf("model_predict_failed:%s", b.SegmentKey))
			} else {
				daily = preds
			}
		}

		for _, h := range Horizons {
			var f Forecast
			if daily != nil {
				f = aggregateModelForecast(b, daily[:h], h)
			} else {
				f = seasonalNaiveForecast(b, days, h)
			}
			res.Forecasts[h] = append(res.Forecasts[h], f)
		}
	}

	log.Info().
		Int("baselines", len(res.Baselines)).
		Int("dropped_rows", dropped).
		Int("days_observed", days).
		Bool("model_used", res.ModelUsed).
		Interface("confidence", res.ConfidenceDistribution).
		Msg("Forecast engine completed")
	return res, nil
}

// predictDaily asks the model for days 1..maxH for one segment. A
// malformed prediction is a contract violation and aborts.
func (e *Engine) predictDaily(ctx context.Context, b Baseline, maxH int) ([]model.Prediction, error) {
	regs := Regressors(b)
	out := make([]model.Prediction, 0, maxH)
	for day := 1; day <= maxH; day++ {
		p, err := e.predictor.Predict(ctx, day, regs)
		if err != nil {
			return nil, err
		}
		if p == nil || p.Rides < 0 || p.UnitPrice < 0 || p.DurationMinutes < 0 {
			return nil, errs.Newf(errs.KindComponent, "forecast.predict",
				"model returned invalid prediction for %s day %d", b.SegmentKey, day)
		}
		out = append(out, *p)
	}
	return out, nil
}

// aggregateModelForecast folds daily model predictions into a horizon
// forecast. Revenue is the per-day sum of rides*duration*price; unit price
// is the ride-weighted daily mean; duration is then derived from the
// revenue identity so the invariant holds exactly.
func aggregateModelForecast(b Baseline, daily []model.Prediction, horizon int) Forecast {
	var rides, revenue, priceWeighted, durationSum float64
	for _, d := range daily {
		rides += d.Rides
		revenue += d.Rides * d.DurationMinutes * d.UnitPrice
		priceWeighted += d.Rides * d.UnitPrice
		durationSum += d.DurationMinutes
	}

	var unitPrice, duration float64
	if rides > 0 {
		unitPrice = priceWeighted / rides
	} else {
		unitPrice = b.AvgUnitPrice
	}
	if rides > 0 && unitPrice > 0 {
		duration = revenue / (rides * unitPrice)
	} else if len(daily) > 0 {
		duration = durationSum / float64(len(daily))
	} else {
		duration = b.AvgRideDuration
	}

	return Forecast{
		SegmentKey:            b.SegmentKey,
		Segment:               b.Segment,
		HorizonDays:           horizon,
		PredictedRides:        rides,
		PredictedUnitPrice:    unitPrice,
		PredictedRideDuration: duration,
		PredictedRevenue:      revenue,
		Confidence:            b.Confidence,
	}
}

// seasonalNaiveForecast projects the baseline forward: the observed ride
// rate times the horizon, at baseline price and duration. Segments with no
// usable sample get a conservative default daily rate.
func seasonalNaiveForecast(b Baseline, daysObserved, horizon int) Forecast {
	var rides float64
	if b.SampleSize > 0 && b.DataQuality != QualityFallbackDefaults {
		rides = float64(b.SampleSize) / float64(daysObserved) * float64(horizon)
	} else {
		rides = conservativeDailyRides * float64(horizon)
	}

	return Forecast{
		SegmentKey:            b.SegmentKey,
		Segment:               b.Segment,
		HorizonDays:           horizon,
		PredictedRides:        rides,
		PredictedUnitPrice:    b.AvgUnitPrice,
		PredictedRideDuration: b.AvgRideDuration,
		PredictedRevenue:      rides * b.AvgRideDuration * b.AvgUnitPrice,
		Confidence:            b.Confidence,
	}
}

// Regressors builds the model input vector for a segment baseline: 20
// categorical one-hots followed by 4 numerics, model.RegressorLen total.
func Regressors(b Baseline) []float64 {
	regs := make([]float64, 0, model.RegressorLen)

	oneHot := func(n int, idx int) {
		for i := 0; i < n; i++ {
			if i == idx {
				regs = append(regs, 1)
			} else {
				regs = append(regs, 0)
			}
		}
	}

	oneHot(3, indexOf3(string(b.Segment.Location), segment.Locations[0], segment.Locations[1]))
	oneHot(3, indexOf3(string(b.Segment.Loyalty), segment.Loyalties[0], segment.Loyalties[1]))
	oneHot(2, indexOf2(string(b.Segment.Vehicle), segment.Vehicles[0]))
	oneHot(3, indexOf3(string(b.Segment.PricingModel), segment.PricingModels[0], segment.PricingModels[1]))
	oneHot(3, indexOf3(string(b.Segment.Demand), segment.DemandProfiles[0], segment.DemandProfiles[1]))

	// Weekday/weekend, hour bucket (morning/midday/evening) and weather are
	// neutral at the segment level: the model sees averaged conditions.
	oneHot(2, 0)
	oneHot(3, 1)
	regs = append(regs, 0) // weather flag, unknown

	regs = append(regs, b.AvgRiders, b.AvgDrivers, b.AvgRideDuration, b.AvgUnitPrice)
	return regs
}

func indexOf3[T ~string](v string, a, b T) int {
	switch v {
	case string(a):
		return 0
	case string(b):
		return 1
	default:
		return 2
	}
}

func indexOf2[T ~string](v string, a T) int {
	if v == string(a) {
		return 0
	}
	return 1
}
