package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwco/farecast/internal/domain"
	"github.com/hwco/farecast/internal/errs"
	"github.com/hwco/farecast/internal/pricing"
	"github.com/hwco/farecast/internal/segment"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func testGenerator() *Generator {
	return &Generator{Now: func() time.Time { return testNow }}
}

func ride(loc, loy, veh, pm string, riders, drivers int, duration, unitPrice float64) domain.HistoricalRide {
	return domain.HistoricalRide{
		OrderDate:           testNow.AddDate(0, 0, -10),
		PricingModel:        pm,
		LocationCategory:    loc,
		LoyaltyTier:         loy,
		VehicleType:         veh,
		NumRiders:           riders,
		NumDrivers:          drivers,
		RideDurationMinutes: duration,
		HistoricalCost:      duration * unitPrice,
	}
}

func rideN(n int, loc, loy, veh, pm string, riders, drivers int, duration, unitPrice float64) []domain.HistoricalRide {
	out := make([]domain.HistoricalRide, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, ride(loc, loy, veh, pm, riders, drivers, duration, unitPrice))
	}
	return out
}

func findRule(t *testing.T, got []pricing.Rule, id string) pricing.Rule {
	t.Helper()
	for _, r := range got {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("rule %s not found", id)
	return pricing.Rule{}
}

func hasRule(got []pricing.Rule, id string) bool {
	for _, r := range got {
		if r.ID == id {
			return true
		}
	}
	return false
}

func TestGenerate_EmptyInputsFallsBackToFullSafetyNet(t *testing.T) {
	got, err := testGenerator().Generate(context.Background(), Inputs{})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(got), minTotalRules)
	covered := make(map[pricing.Category]bool)
	for _, r := range got {
		assert.Equal(t, pricing.SourceFallback, r.Source)
		covered[r.Category] = true
	}
	for _, c := range pricing.Categories {
		assert.True(t, covered[c], "category %s uncovered", c)
	}
}

func TestGenerate_RankedByImpactDescending(t *testing.T) {
	got, err := testGenerator().Generate(context.Background(), Inputs{})
	require.NoError(t, err)

	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].EstimatedImpactPct, got[i].EstimatedImpactPct)
	}
	// With no observations coverage is neutral, so the 1.50 surge rules lead.
	assert.InDelta(t, 50.0, got[0].EstimatedImpactPct, 1e-9)
}

func TestMineDemand_HighDemandSurge(t *testing.T) {
	in := Inputs{Rides: rideN(12, "Urban", "Regular", "Economy", "STANDARD", 50, 10, 20, 2.0)}
	got, err := testGenerator().Generate(context.Background(), in)
	require.NoError(t, err)

	r := findRule(t, got, "DEM_HIGH_SURGE")
	assert.Equal(t, 1.50, r.Multiplier)
	assert.Equal(t, pricing.CategoryDemand, r.Category)
	assert.Equal(t, pricing.SourceGenerated, r.Source)
	require.NotNil(t, r.Condition.Demand)
	assert.Equal(t, segment.DemandHigh, *r.Condition.Demand)
	assert.False(t, hasRule(got, "DEM_LOW_STIMULATION"))
}

func TestMineDemand_BelowSampleFloorSkipped(t *testing.T) {
	in := Inputs{Rides: rideN(9, "Urban", "Regular", "Economy", "STANDARD", 50, 10, 20, 2.0)}
	got, err := testGenerator().Generate(context.Background(), in)
	require.NoError(t, err)

	for _, r := range got {
		if r.ID == "DEM_HIGH_SURGE" {
			t.Fatal("surge rule emitted below sample floor")
		}
	}
}

func TestMineLoyalty_GoldAndSilverThresholds(t *testing.T) {
	rides := rideN(10, "Urban", "Gold", "Premium", "STANDARD", 30, 15, 20, 3.0)
	rides = append(rides, rideN(24, "Urban", "Silver", "Economy", "STANDARD", 30, 15, 20, 2.0)...)
	got, err := testGenerator().Generate(context.Background(), Inputs{Rides: rides})
	require.NoError(t, err)

	gold := findRule(t, got, "LOY_GOLD_RETENTION")
	assert.Equal(t, 1.00, gold.Multiplier)
	assert.Contains(t, gold.AffectsObjectives, pricing.ObjectiveRetention)

	// 24 Silver rides is under the conversion floor of 25.
	assert.False(t, hasRule(got, "LOY_SILVER_CONVERSION"))

	rides = append(rides, ride("Urban", "Silver", "Economy", "STANDARD", 30, 15, 20, 2.0))
	got, err = testGenerator().Generate(context.Background(), Inputs{Rides: rides})
	require.NoError(t, err)
	silver := findRule(t, got, "LOY_SILVER_CONVERSION")
	assert.Equal(t, 0.97, silver.Multiplier)
}

func TestMineLocation_CompetitiveGap(t *testing.T) {
	in := Inputs{
		Rides: rideN(6, "Urban", "Regular", "Economy", "STANDARD", 30, 15, 20, 2.0),
		Competitor: []domain.CompetitorRide{
			{HistoricalRide: ride("Urban", "Regular", "Economy", "STANDARD", 30, 15, 20, 2.2), Company: domain.CompanyCompetitor},
		},
	}
	got, err := testGenerator().Generate(context.Background(), in)
	require.NoError(t, err)

	r := findRule(t, got, "LOC_URBAN_COMPETITIVE_ADJUST")
	assert.InDelta(t, 1.10, r.Multiplier, 1e-9)
	require.NotNil(t, r.Condition.Location)
	assert.Equal(t, segment.LocationUrban, *r.Condition.Location)
}

func TestMineLocation_GapClampedAndFloored(t *testing.T) {
	hwco := rideN(6, "Urban", "Regular", "Economy", "STANDARD", 30, 15, 20, 2.0)

	// Competitor 50% above: clamp at 1.15.
	in := Inputs{Rides: hwco, Competitor: []domain.CompetitorRide{
		{HistoricalRide: ride("Urban", "Regular", "Economy", "STANDARD", 30, 15, 20, 3.0), Company: domain.CompanyCompetitor},
	}}
	got, err := testGenerator().Generate(context.Background(), in)
	require.NoError(t, err)
	assert.InDelta(t, 1.15, findRule(t, got, "LOC_URBAN_COMPETITIVE_ADJUST").Multiplier, 1e-9)

	// A 2% gap is under the floor: no rule.
	in.Competitor = []domain.CompetitorRide{
		{HistoricalRide: ride("Urban", "Regular", "Economy", "STANDARD", 30, 15, 20, 2.04), Company: domain.CompanyCompetitor},
	}
	got, err = testGenerator().Generate(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, hasRule(got, "LOC_URBAN_COMPETITIVE_ADJUST"))
}

func TestMineLocation_IgnoresOwnCompanyRecords(t *testing.T) {
	in := Inputs{
		Rides: rideN(6, "Urban", "Regular", "Economy", "STANDARD", 30, 15, 20, 2.0),
		Competitor: []domain.CompetitorRide{
			{HistoricalRide: ride("Urban", "Regular", "Economy", "STANDARD", 30, 15, 20, 5.0), Company: domain.CompanyHWCO},
		},
	}
	got, err := testGenerator().Generate(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, hasRule(got, "LOC_URBAN_COMPETITIVE_ADJUST"))
}

func TestMineEvents_AttendanceAndWindow(t *testing.T) {
	in := Inputs{Events: []domain.Event{
		{StartTime: testNow.AddDate(0, 0, 7), Category: "sports", PredictedAttendance: 20000},
		{StartTime: testNow.AddDate(0, 0, 5), Category: "festivals", PredictedAttendance: 500},
		{StartTime: testNow.AddDate(0, 0, 30), Category: "performing-arts", PredictedAttendance: 50000},
	}}
	got, err := testGenerator().Generate(context.Background(), in)
	require.NoError(t, err)

	sports := findRule(t, got, "EVT_SPORTS")
	assert.Equal(t, 1.80, sports.Multiplier)
	assert.Equal(t, "sports", sports.Condition.EventType)
	assert.True(t, sports.Condition.Unconstrained())

	festivals := findRule(t, got, "EVT_FESTIVALS")
	assert.Equal(t, 1.50, festivals.Multiplier)

	// 30 days out is beyond the mining window.
	assert.False(t, hasRule(got, "EVT_PERFORMING_ARTS"))
}

func TestMineNews_KeywordTrigger(t *testing.T) {
	in := Inputs{News: []domain.NewsArticle{
		{PublishedAt: testNow.AddDate(0, 0, -1), Keywords: []string{"weather", "sports"}},
		{PublishedAt: testNow.AddDate(0, 0, -2), Keywords: []string{"Competitor Fare Cuts"}},
	}}
	got, err := testGenerator().Generate(context.Background(), in)
	require.NoError(t, err)

	r := findRule(t, got, "NEWS_COMPETITIVE_RESPONSE")
	assert.Equal(t, 1.05, r.Multiplier)
	assert.Equal(t, "competitive_pressure", r.Condition.MarketTrend)
}

func TestMineSurge_ScalesWithCongestedWindows(t *testing.T) {
	windows := func(n int) []domain.TrafficWindow {
		out := make([]domain.TrafficWindow, n)
		for i := range out {
			out[i] = domain.TrafficWindow{WindowStart: testNow, CongestionLevel: domain.CongestionHigh}
		}
		return out
	}

	got, err := testGenerator().Generate(context.Background(), Inputs{Traffic: windows(6)})
	require.NoError(t, err)
	assert.InDelta(t, 1.20, findRule(t, got, "SURGE_TRAFFIC_CONGESTION").Multiplier, 1e-9)

	// Capped at 1.30 no matter how many windows.
	got, err = testGenerator().Generate(context.Background(), Inputs{Traffic: windows(50)})
	require.NoError(t, err)
	assert.InDelta(t, 1.30, findRule(t, got, "SURGE_TRAFFIC_CONGESTION").Multiplier, 1e-9)

	// Medium congestion alone never fires.
	got, err = testGenerator().Generate(context.Background(), Inputs{Traffic: []domain.TrafficWindow{
		{WindowStart: testNow, CongestionLevel: domain.CongestionMedium},
	}})
	require.NoError(t, err)
	assert.False(t, hasRule(got, "SURGE_TRAFFIC_CONGESTION"))
}

func TestMineTime_PeakShare(t *testing.T) {
	rides := make([]domain.HistoricalRide, 0, 40)
	for i := 0; i < 40; i++ {
		r := ride("Urban", "Regular", "Economy", "STANDARD", 30, 15, 20, 2.0)
		if i < 12 {
			r.OrderDate = time.Date(2026, 2, 20, 8, 30, 0, 0, time.UTC)
		} else {
			r.OrderDate = time.Date(2026, 2, 20, 13, 0, 0, 0, time.UTC)
		}
		rides = append(rides, r)
	}
	got, err := testGenerator().Generate(context.Background(), Inputs{Rides: rides})
	require.NoError(t, err)

	r := findRule(t, got, "TIME_PEAK_HOURS")
	assert.Equal(t, 1.15, r.Multiplier)
	assert.Equal(t, "peak_hours", r.Condition.TimeOfDay)
}

func TestScore_CoverageScalesImpact(t *testing.T) {
	// Half the observations are HIGH demand, so the surge rule's raw +50%
	// impact is halved.
	rides := rideN(10, "Urban", "Regular", "Economy", "STANDARD", 50, 10, 20, 2.0)
	rides = append(rides, rideN(10, "Urban", "Regular", "Economy", "STANDARD", 20, 16, 20, 2.0)...)
	got, err := testGenerator().Generate(context.Background(), Inputs{Rides: rides})
	require.NoError(t, err)

	r := findRule(t, got, "DEM_HIGH_SURGE")
	assert.InDelta(t, 25.0, r.EstimatedImpactPct, 1e-9)
}

func TestGenerate_MalformedRidesIgnored(t *testing.T) {
	bad := ride("Atlantis", "Gold", "Premium", "STANDARD", 30, 15, 20, 3.0)
	zeroDur := ride("Urban", "Gold", "Premium", "STANDARD", 30, 15, 0, 3.0)
	got, err := testGenerator().Generate(context.Background(), Inputs{
		Rides: []domain.HistoricalRide{bad, zeroDur},
	})
	require.NoError(t, err)
	assert.False(t, hasRule(got, "LOY_GOLD_RETENTION"))
}

func TestGenerate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testGenerator().Generate(ctx, Inputs{})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindTimeout))
}

func TestRank_EqualImpactBreaksOnCoverage(t *testing.T) {
	// 10% on half the observations and 5% on all of them score the same
	// impact; the broader rule ranks first.
	narrow := pricing.Rule{
		ID: "A_URBAN_ONLY", Category: pricing.CategoryLocation, Multiplier: 1.10,
		Condition: pricing.Condition{Location: pricing.CondLocation(segment.LocationUrban)},
	}
	broad := pricing.Rule{ID: "Z_EVERYWHERE", Category: pricing.CategorySurge, Multiplier: 1.05}
	ruleSet := []pricing.Rule{narrow, broad}

	observations := []obs{
		{seg: segment.Segment{
			Location: segment.LocationUrban, Loyalty: segment.LoyaltyRegular,
			Vehicle: segment.VehicleEconomy, PricingModel: segment.PricingStandard,
			Demand: segment.DemandMedium,
		}},
		{seg: segment.Segment{
			Location: segment.LocationRural, Loyalty: segment.LoyaltyRegular,
			Vehicle: segment.VehicleEconomy, PricingModel: segment.PricingStandard,
			Demand: segment.DemandMedium,
		}},
	}

	rank(ruleSet, observations)
	assert.Equal(t, "Z_EVERYWHERE", ruleSet[0].ID)
	assert.InDelta(t, ruleSet[0].EstimatedImpactPct, ruleSet[1].EstimatedImpactPct, 1e-9)
}
