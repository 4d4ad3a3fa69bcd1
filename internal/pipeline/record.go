// Package pipeline orchestrates one full intelligence run: parallel
// forecast and rule generation, recommendation search, durable persistence
// of the run record and strategy collection.
package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hwco/farecast/internal/forecast"
	"github.com/hwco/farecast/internal/recommend"
)

// Trigger sources on run records.
const (
	TriggerScheduler   = "scheduler"
	TriggerManual      = "manual"
	TriggerManualForce = "manual_force"
)

// RunStatus is a run's terminal state. StatusSkipped only ever appears on
// the in-memory record a gated trigger returns; it is never persisted.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusSkipped   RunStatus = "skipped"
)

// PhaseStatus tracks one pipeline phase inside a run.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseCancelled PhaseStatus = "cancelled"
	PhaseSkipped   PhaseStatus = "skipped"
)

// Phase names.
const (
	PhaseForecast       = "forecast"
	PhaseAnalysis       = "analysis"
	PhaseRecommendation = "recommendation"
)

// Phase is the per-phase slice of a run record.
type Phase struct {
	Status     PhaseStatus `json:"status"`
	Error      string      `json:"error,omitempty"`
	DurationMS int64       `json:"duration_ms"`
}

// HorizonSummary aggregates one forecast horizon across the lattice.
type HorizonSummary struct {
	HorizonDays    int     `json:"horizon_days"`
	TotalRides     float64 `json:"total_rides"`
	TotalRevenue   float64 `json:"total_revenue"`
	AvgUnitPrice   float64 `json:"avg_unit_price"`
	SegmentCount   int     `json:"segment_count"`
	ModelUsed      bool    `json:"model_used"`
	HighConfidence int     `json:"high_confidence_segments"`
}

// RunRecord is the durable record of one pipeline run. It is persisted as
// a whole (phases, results and recommendations as JSON documents) and is
// the unit the status/history surfaces return.
type RunRecord struct {
	RunID      string     `json:"run_id" db:"run_id"`
	Trigger    string     `json:"trigger" db:"trigger"`
	Status     RunStatus  `json:"status" db:"status"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`

	Phases map[string]*Phase `json:"phases"`

	ProcessedChanges []string `json:"processed_changes,omitempty"`
	ModelRetrained   bool     `json:"model_retrained"`

	Results         map[string]HorizonSummary      `json:"results,omitempty"`
	Forecasts       map[string][]forecast.Forecast `json:"forecasts,omitempty"`
	RuleCount       int                            `json:"rule_count"`
	Recommendations []recommend.Recommendation     `json:"recommendations,omitempty"`

	DroppedRows int      `json:"dropped_rows"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// NewRunRecord mints a record with a sortable unique run ID:
// PIPE-YYYYMMDD-HHMMSS-xxxxxx.
func NewRunRecord(trigger string, now time.Time) *RunRecord {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return &RunRecord{
		RunID:     fmt.Sprintf("PIPE-%s-%s", now.UTC().Format("20060102-150405"), suffix),
		Trigger:   trigger,
		Status:    StatusRunning,
		StartedAt: now.UTC(),
		Phases: map[string]*Phase{
			PhaseForecast:       {Status: PhasePending},
			PhaseAnalysis:       {Status: PhasePending},
			PhaseRecommendation: {Status: PhasePending},
		},
	}
}

// Diag appends a diagnostic tag to the record.
func (r *RunRecord) Diag(tag string) {
	r.Diagnostics = append(r.Diagnostics, tag)
}

// AnyPhaseCancelled reports whether cooperative cancellation stopped any
// phase.
func (r *RunRecord) AnyPhaseCancelled() bool {
	for _, p := range r.Phases {
		if p.Status == PhaseCancelled {
			return true
		}
	}
	return false
}

// Finish stamps the terminal status and finish time.
func (r *RunRecord) Finish(status RunStatus, now time.Time) {
	t := now.UTC()
	r.Status = status
	r.FinishedAt = &t
}

// horizonKey renders a horizon in days as the results map key ("30d").
func horizonKey(days int) string {
	return fmt.Sprintf("%dd", days)
}

// Summarize folds one horizon's forecasts into its run-record summary.
func Summarize(horizon int, fcs []forecast.Forecast, modelUsed bool) HorizonSummary {
	s := HorizonSummary{HorizonDays: horizon, SegmentCount: len(fcs), ModelUsed: modelUsed}
	var priceWeighted float64
	for _, f := range fcs {
		s.TotalRides += f.PredictedRides
		s.TotalRevenue += f.PredictedRevenue
		priceWeighted += f.PredictedRides * f.PredictedUnitPrice
		if f.Confidence == forecast.ConfidenceHigh {
			s.HighConfidence++
		}
	}
	if s.TotalRides > 0 {
		s.AvgUnitPrice = priceWeighted / s.TotalRides
	}
	return s
}
