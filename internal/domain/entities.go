// Package domain defines the raw upstream records the core consumes. The
// ingestion collaborators own the write path; everything here is read-only
// input to the pipeline.
package domain

import (
	"time"

	"github.com/lib/pq"
)

// Company values on competitor price records.
const (
	CompanyHWCO       = "HWCO"
	CompanyCompetitor = "COMPETITOR"
)

// HistoricalRide is one immutable ride observation.
type HistoricalRide struct {
	OrderDate           time.Time `json:"order_date" db:"order_date"`
	PricingModel        string    `json:"pricing_model" db:"pricing_model"`
	LocationCategory    string    `json:"location_category" db:"location_category"`
	LoyaltyTier         string    `json:"loyalty_tier" db:"loyalty_tier"`
	VehicleType         string    `json:"vehicle_type" db:"vehicle_type"`
	NumRiders           int       `json:"num_riders" db:"num_riders"`
	NumDrivers          int       `json:"num_drivers" db:"num_drivers"`
	RideDurationMinutes float64   `json:"ride_duration_minutes" db:"ride_duration_minutes"`
	HistoricalCost      float64   `json:"historical_cost" db:"historical_cost"`
}

// UnitPrice derives the per-minute price. Undefined (0, false) when the
// duration is not positive; such rides are dropped upstream.
func (r HistoricalRide) UnitPrice() (float64, bool) {
	if r.RideDurationMinutes <= 0 {
		return 0, false
	}
	return r.HistoricalCost / r.RideDurationMinutes, true
}

// CompetitorRide is a ride-shaped price observation tagged with the
// publishing company.
type CompetitorRide struct {
	HistoricalRide
	Company string `json:"company" db:"company"`
}

// Event is an external calendar event that can move demand.
type Event struct {
	StartTime           time.Time `json:"start_time" db:"start_time"`
	Category            string    `json:"category" db:"category"`
	PredictedAttendance int       `json:"predicted_attendance" db:"predicted_attendance"`
}

// TrafficWindow is one congestion observation window.
type TrafficWindow struct {
	WindowStart     time.Time `json:"window_start" db:"window_start"`
	CongestionLevel string    `json:"congestion_level" db:"congestion_level"`
}

// Congestion levels on traffic windows.
const (
	CongestionLow    = "low"
	CongestionMedium = "medium"
	CongestionHigh   = "high"
)

// NewsArticle is an ingested news item reduced to its keywords.
type NewsArticle struct {
	PublishedAt time.Time      `json:"published_at" db:"published_at"`
	Keywords    pq.StringArray `json:"keywords" db:"keywords"`
}
