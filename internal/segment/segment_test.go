package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumerate_CountAndUniqueness(t *testing.T) {
	segs := Enumerate()
	require.Len(t, segs, Count)

	seen := make(map[string]bool, Count)
	for _, s := range segs {
		key := s.Key()
		assert.False(t, seen[key], "duplicate segment key %s", key)
		seen[key] = true
	}
	require.Len(t, seen, 162)
}

func TestEnumerate_DeterministicOrder(t *testing.T) {
	segs := Enumerate()

	// Rightmost dimension cycles fastest.
	assert.Equal(t, "Urban_Gold_Premium_STANDARD_HIGH", segs[0].Key())
	assert.Equal(t, "Urban_Gold_Premium_STANDARD_MEDIUM", segs[1].Key())
	assert.Equal(t, "Urban_Gold_Premium_STANDARD_LOW", segs[2].Key())
	assert.Equal(t, "Urban_Gold_Premium_CONTRACTED_HIGH", segs[3].Key())
	assert.Equal(t, "Rural_Regular_Economy_CUSTOM_LOW", segs[161].Key())

	again := Enumerate()
	for i := range segs {
		assert.Equal(t, segs[i], again[i])
	}
}

func TestEnumerateBases(t *testing.T) {
	bases := EnumerateBases()
	require.Len(t, bases, BaseComboCount)
	assert.Equal(t, "Urban_Gold_Premium_STANDARD", bases[0].Key())
	assert.Equal(t, "Rural_Regular_Economy_CUSTOM", bases[53].Key())
}

func TestBaseComboRoundTrip(t *testing.T) {
	for _, s := range Enumerate() {
		assert.Equal(t, s, s.Base().With(s.Demand))
	}
}

func TestClassify_Boundaries(t *testing.T) {
	cases := []struct {
		name    string
		riders  float64
		drivers float64
		want    DemandProfile
	}{
		{"undersupply", 100, 20, DemandHigh},
		{"just below high boundary", 100, 33.9, DemandHigh},
		{"exactly 34", 100, 34, DemandMedium},
		{"mid band", 100, 50, DemandMedium},
		{"just below low boundary", 100, 66.9, DemandMedium},
		{"exactly 67", 100, 67, DemandLow},
		{"oversupply", 100, 150, DemandLow},
		{"zero riders", 0, 10, DemandMedium},
		{"negative riders", -1, 10, DemandMedium},
		{"zero drivers", 10, 0, DemandHigh},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.riders, tc.drivers))
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		assert.Equal(t, Classify(30, 10), Classify(30, 10))
	}
}

func TestParseHelpers(t *testing.T) {
	_, ok := ParseLocation("Urban")
	assert.True(t, ok)
	_, ok = ParseLocation("urban")
	assert.False(t, ok, "dimension values are case sensitive")
	_, ok = ParseLoyalty("Platinum")
	assert.False(t, ok)
	_, ok = ParseVehicle("Economy")
	assert.True(t, ok)
	_, ok = ParsePricingModel("CUSTOM")
	assert.True(t, ok)
	_, ok = ParsePricingModel("custom")
	assert.False(t, ok)
}
