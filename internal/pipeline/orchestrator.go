package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hwco/farecast/internal/changes"
	"github.com/hwco/farecast/internal/config"
	"github.com/hwco/farecast/internal/domain"
	"github.com/hwco/farecast/internal/errs"
	"github.com/hwco/farecast/internal/forecast"
	"github.com/hwco/farecast/internal/model"
	"github.com/hwco/farecast/internal/pricing"
	"github.com/hwco/farecast/internal/recommend"
	"github.com/hwco/farecast/internal/rules"
	"github.com/hwco/farecast/internal/telemetry"
)

// ErrAlreadyRunning is returned when a trigger arrives while a run holds
// the single-flight lock.
var ErrAlreadyRunning = errors.New("pipeline run already in progress")

// persistRetries and the base backoff govern the save-with-retry loop.
const persistRetries = 3

// RawData reads the upstream collections the pipeline consumes.
type RawData interface {
	HistoricalRides(ctx context.Context) ([]domain.HistoricalRide, error)
	CompetitorRides(ctx context.Context) ([]domain.CompetitorRide, error)
	Events(ctx context.Context) ([]domain.Event, error)
	TrafficWindows(ctx context.Context) ([]domain.TrafficWindow, error)
	NewsArticles(ctx context.Context) ([]domain.NewsArticle, error)
}

// RunStore persists and reads back run records.
type RunStore interface {
	SaveRun(ctx context.Context, rec *RunRecord) error
	LatestRun(ctx context.Context) (*RunRecord, error)
	Runs(ctx context.Context, limit, offset int) ([]RunRecord, error)
}

// StrategyStore owns the durable strategy collection: the four business
// objectives plus the regenerated rule set and recommendation impacts.
type StrategyStore interface {
	EnsureObjectives(ctx context.Context, targets map[pricing.Objective]string) error
	ReplaceGenerated(ctx context.Context, runID string, ruleSet []pricing.Rule) error
	SaveRecommendations(ctx context.Context, runID string, recs []recommend.Recommendation) error
}

// Event is one pipeline lifecycle notification for live observers.
type Event struct {
	Type  string    `json:"type"`
	RunID string    `json:"run_id"`
	Phase string    `json:"phase,omitempty"`
	At    time.Time `json:"at"`
}

// Sink receives pipeline events; implementations must not block.
type Sink interface {
	Publish(Event)
}

// Orchestrator runs the three-phase pipeline end to end.
type Orchestrator struct {
	cfg        *config.Config
	raw        RawData
	runs       RunStore
	strategies StrategyStore
	tracker    *changes.Tracker
	trainer    model.Service
	metrics    *telemetry.Metrics
	sink       Sink

	forecaster  *forecast.Engine
	generator   *rules.Generator
	recommender *recommend.Engine

	mu        sync.Mutex
	now       func() time.Time
	retryBase time.Duration
}

// New wires an orchestrator. trainer may be nil (no model service); sink
// and metrics may be nil.
func New(cfg *config.Config, raw RawData, runs RunStore, strategies StrategyStore,
	tracker *changes.Tracker, trainer model.Service, metrics *telemetry.Metrics, sink Sink) *Orchestrator {

	kernel := pricing.NewKernel(cfg.Pipeline.MultiplierClampMin, cfg.Pipeline.MultiplierClampMax, cfg.Elasticity)
	return &Orchestrator{
		cfg:        cfg,
		raw:        raw,
		runs:       runs,
		strategies: strategies,
		tracker:    tracker,
		trainer:    trainer,
		metrics:    metrics,
		sink:       sink,
		forecaster: forecast.NewEngine(trainer),
		generator:  rules.NewGenerator(),
		recommender: recommend.NewEngine(kernel, recommend.Options{
			TopN:          cfg.Pipeline.TopNRules,
			MinCombo:      cfg.Pipeline.MinComboSize,
			MaxCombo:      cfg.Pipeline.MaxComboSize,
			ImpactWorkers: cfg.Pipeline.ImpactWorkers,
		}),
		now:       time.Now,
		retryBase: 500 * time.Millisecond,
	}
}

// Busy reports whether a run currently holds the single-flight lock.
func (o *Orchestrator) Busy() bool {
	if o.mu.TryLock() {
		o.mu.Unlock()
		return false
	}
	return true
}

// Execute runs the pipeline once. Unforced triggers without pending
// collection changes return a skipped record; concurrent triggers fail
// fast with ErrAlreadyRunning.
func (o *Orchestrator) Execute(ctx context.Context, trigger string, force bool) (*RunRecord, error) {
	if !o.mu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer o.mu.Unlock()

	if trigger == TriggerManual && force {
		trigger = TriggerManualForce
	}
	rec := NewRunRecord(trigger, o.now())
	o.publish(Event{Type: "run_started", RunID: rec.RunID, At: o.now()})
	log.Info().Str("run_id", rec.RunID).Str("trigger", trigger).Bool("force", force).
		Msg("Pipeline run started")

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Pipeline.OverallTimeout.Std())
	defer cancel()

	// The objectives are durable: present in the strategy collection from
	// the first run onward, untouched by rule regeneration.
	if err := o.strategies.EnsureObjectives(ctx, pricing.ObjectiveTargets); err != nil {
		log.Warn().Err(err).Msg("Objective upsert failed")
		rec.Diag("objectives_upsert_failed")
	}

	// Change gating applies to every unforced trigger, whatever its source.
	snapshot := o.tracker.SnapshotAndClear()
	rec.ProcessedChanges = snapshot
	if !force && len(snapshot) == 0 {
		rec.Finish(StatusSkipped, o.now())
		o.count(StatusSkipped)
		log.Info().Str("run_id", rec.RunID).Msg("No pending changes, run skipped")
		return rec, nil
	}
	if o.metrics != nil {
		o.metrics.PendingChanges.Set(0)
	}

	o.maybeRetrain(ctx, rec, snapshot)

	status, ruleSet := o.runPhases(ctx, rec)
	if rec.AnyPhaseCancelled() {
		rec.Diag("cancelled")
	}
	rec.Finish(status, o.now())

	if err := o.persist(ctx, rec, ruleSet); err != nil {
		rec.Diag("persistence_failed")
		o.count(rec.Status)
		return rec, err
	}

	o.count(rec.Status)
	o.publish(Event{Type: "run_finished", RunID: rec.RunID, At: o.now()})
	log.Info().Str("run_id", rec.RunID).Str("status", string(rec.Status)).
		Int("rules", rec.RuleCount).Int("recommendations", len(rec.Recommendations)).
		Msg("Pipeline run finished")
	return rec, nil
}

// maybeRetrain triggers one model training pass when ride or competitor
// data changed. The model trains on the combined ride history; training
// failure never blocks the run, forecasts proceed on the stale model with
// a diagnostic.
func (o *Orchestrator) maybeRetrain(ctx context.Context, rec *RunRecord, snapshot []string) {
	if !o.cfg.Pipeline.AutoRetrain || o.trainer == nil {
		return
	}
	if !changes.Contains(snapshot, changes.CollectionHistoricalRides) &&
		!changes.Contains(snapshot, changes.CollectionCompetitorPrices) {
		return
	}

	rides, err := o.raw.HistoricalRides(ctx)
	if err != nil {
		rec.Diag("model_stale")
		log.Warn().Err(err).Msg("Training data load failed, model left stale")
		return
	}
	competitor, err := o.raw.CompetitorRides(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Competitor data load failed, training on ride history only")
	}
	set := model.TrainingSet{HistoricalRides: rides, CompetitorRides: competitor}
	if _, err := o.trainer.Train(ctx, set); err != nil {
		rec.Diag("model_stale")
		log.Warn().Err(err).Str("run_id", rec.RunID).Msg("Model retrain failed, model left stale")
		return
	}
	rec.ModelRetrained = true
	log.Info().Str("run_id", rec.RunID).Int("rides", len(rides)).
		Int("competitor_rides", len(competitor)).Msg("Model retrained")
}

// runPhases executes forecast+analysis in parallel, then recommendation,
// and returns the terminal run status plus the generated rule set.
func (o *Orchestrator) runPhases(ctx context.Context, rec *RunRecord) (RunStatus, []pricing.Rule) {
	rides, err := o.raw.HistoricalRides(ctx)
	if err != nil {
		rec.Phases[PhaseForecast].Status = PhaseFailed
		rec.Phases[PhaseForecast].Error = err.Error()
		rec.Phases[PhaseAnalysis].Status = PhaseSkipped
		rec.Phases[PhaseRecommendation].Status = PhaseSkipped
		rec.Diag("ride_history_unavailable")
		return StatusFailed, nil
	}

	phase1Ctx, cancel1 := context.WithTimeout(ctx, o.cfg.Pipeline.Phase1Timeout.Std())
	defer cancel1()

	var (
		wg      sync.WaitGroup
		fcRes   *forecast.Result
		fcErr   error
		ruleSet []pricing.Rule
		rgErr   error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		fcRes, fcErr = o.runForecast(phase1Ctx, rec, rides)
	}()
	go func() {
		defer wg.Done()
		ruleSet, rgErr = o.runAnalysis(phase1Ctx, rec, rides)
	}()
	wg.Wait()

	if fcErr != nil {
		// No forecast, nothing to recommend against.
		rec.Phases[PhaseRecommendation].Status = PhaseSkipped
		return StatusFailed, ruleSet
	}

	rec.DroppedRows = fcRes.DroppedRows
	rec.Diagnostics = append(rec.Diagnostics, fcRes.Diagnostics...)
	rec.Forecasts = make(map[string][]forecast.Forecast, len(forecast.Horizons))
	rec.Results = make(map[string]HorizonSummary, len(forecast.Horizons))
	for _, h := range forecast.Horizons {
		rec.Forecasts[horizonKey(h)] = fcRes.Forecasts[h]
		rec.Results[horizonKey(h)] = Summarize(h, fcRes.Forecasts[h], fcRes.ModelUsed)
	}
	if o.metrics != nil {
		o.metrics.DroppedRowsTotal.Add(float64(fcRes.DroppedRows))
	}

	if rgErr != nil {
		// Recommendation still runs; the engine handles an empty rule set.
		// The failed analysis phase and its diagnostics stay on the record,
		// the run itself still completes.
		ruleSet = nil
	}
	rec.RuleCount = len(ruleSet)

	if err := o.runRecommendation(ctx, rec, ruleSet, fcRes.Forecasts[forecast.Horizons[0]]); err != nil {
		return StatusFailed, ruleSet
	}
	return StatusCompleted, ruleSet
}

func (o *Orchestrator) runForecast(ctx context.Context, rec *RunRecord, rides []domain.HistoricalRide) (*forecast.Result, error) {
	return runPhase(o, rec, PhaseForecast, func() (*forecast.Result, error) {
		return o.forecaster.Run(ctx, rides)
	})
}

func (o *Orchestrator) runAnalysis(ctx context.Context, rec *RunRecord, rides []domain.HistoricalRide) ([]pricing.Rule, error) {
	return runPhase(o, rec, PhaseAnalysis, func() ([]pricing.Rule, error) {
		in := rules.Inputs{Rides: rides}
		var err error

		// External collections are optional; a failed read degrades the
		// matching categories instead of failing the phase.
		if in.Competitor, err = o.raw.CompetitorRides(ctx); err != nil {
			rec.Diag("competitor_prices_unavailable")
		}
		if in.Events, err = o.raw.Events(ctx); err != nil {
			rec.Diag("events_unavailable")
		}
		if in.Traffic, err = o.raw.TrafficWindows(ctx); err != nil {
			rec.Diag("traffic_unavailable")
		}
		if in.News, err = o.raw.NewsArticles(ctx); err != nil {
			rec.Diag("news_unavailable")
		}

		ruleSet, err := o.generator.Generate(ctx, in)
		if err != nil {
			return nil, err
		}
		if o.metrics != nil {
			for _, r := range ruleSet {
				o.metrics.RulesGeneratedTotal.WithLabelValues(string(r.Category)).Inc()
			}
		}
		return ruleSet, nil
	})
}

func (o *Orchestrator) runRecommendation(ctx context.Context, rec *RunRecord, ruleSet []pricing.Rule, fcs []forecast.Forecast) error {
	phaseCtx, cancel := context.WithTimeout(ctx, o.cfg.Pipeline.Phase2Timeout.Std())
	defer cancel()

	res, err := runPhase(o, rec, PhaseRecommendation, func() (*recommend.Result, error) {
		return o.recommender.Run(phaseCtx, ruleSet, fcs)
	})
	if err != nil {
		return err
	}
	rec.Recommendations = res.Recommendations
	rec.Diagnostics = append(rec.Diagnostics, res.Diagnostics...)
	if o.metrics != nil && len(res.Recommendations) > 0 {
		o.metrics.RecommendationScore.Set(res.Recommendations[0].Score)
	}
	return nil
}

// runPhase runs fn under a named phase, recording status, error and
// duration on the record.
func runPhase[T any](o *Orchestrator, rec *RunRecord, name string, fn func() (T, error)) (T, error) {
	p := rec.Phases[name]
	p.Status = PhaseRunning
	start := o.now()

	out, err := fn()
	p.DurationMS = o.now().Sub(start).Milliseconds()
	if o.metrics != nil {
		o.metrics.PhaseDuration.WithLabelValues(name).Observe(float64(p.DurationMS) / 1000)
	}

	if err != nil {
		p.Status = PhaseFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
			errs.IsKind(err, errs.KindTimeout) {
			p.Status = PhaseCancelled
		}
		p.Error = err.Error()
		log.Error().Err(err).Str("phase", name).Msg("Pipeline phase failed")
		return out, err
	}
	p.Status = PhaseCompleted
	o.publish(Event{Type: "phase_completed", RunID: rec.RunID, Phase: name, At: o.now()})
	return out, nil
}

// persist writes the strategy collection and the run record, retrying
// each step with exponential backoff before surfacing a persistence error.
func (o *Orchestrator) persist(ctx context.Context, rec *RunRecord, ruleSet []pricing.Rule) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"rules", func(ctx context.Context) error {
			if len(ruleSet) == 0 {
				return nil
			}
			return o.strategies.ReplaceGenerated(ctx, rec.RunID, ruleSet)
		}},
		{"recommendations", func(ctx context.Context) error {
			if len(rec.Recommendations) == 0 {
				return nil
			}
			return o.strategies.SaveRecommendations(ctx, rec.RunID, rec.Recommendations)
		}},
		{"run_record", func(ctx context.Context) error { return o.runs.SaveRun(ctx, rec) }},
	}
	for _, step := range steps {
		if err := o.retry(ctx, step.name, step.fn); err != nil {
			return errs.Persistence(fmt.Sprintf("pipeline.persist.%s", step.name), err)
		}
	}
	return nil
}

func (o *Orchestrator) retry(ctx context.Context, name string, fn func(context.Context) error) error {
	var err error
	backoff := o.retryBase
	for attempt := 1; attempt <= persistRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		log.Warn().Err(err).Str("step", name).Int("attempt", attempt).
			Msg("Persistence attempt failed")
		if attempt == persistRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func (o *Orchestrator) publish(ev Event) {
	if o.sink != nil {
		o.sink.Publish(ev)
	}
}

func (o *Orchestrator) count(status RunStatus) {
	if o.metrics != nil {
		o.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	}
}
