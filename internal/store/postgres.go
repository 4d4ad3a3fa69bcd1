// Package store provides the Postgres persistence layer (raw collections,
// run records, the strategy collection) and the Redis latest-run cache.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/hwco/farecast/internal/domain"
	"github.com/hwco/farecast/internal/errs"
	"github.com/hwco/farecast/internal/pipeline"
	"github.com/hwco/farecast/internal/pricing"
	"github.com/hwco/farecast/internal/recommend"
)

// Postgres implements the pipeline's RawData, RunStore and StrategyStore
// over a single database handle.
type Postgres struct {
	db *sqlx.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, errs.Persistence("store.open", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing handle, used by tests with sqlmock.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS historical_rides (
		order_date            TIMESTAMPTZ NOT NULL,
		pricing_model         TEXT NOT NULL,
		location_category     TEXT NOT NULL,
		loyalty_tier          TEXT NOT NULL,
		vehicle_type          TEXT NOT NULL,
		num_riders            INTEGER NOT NULL,
		num_drivers           INTEGER NOT NULL,
		ride_duration_minutes DOUBLE PRECISION NOT NULL,
		historical_cost       DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS competitor_prices (
		order_date            TIMESTAMPTZ NOT NULL,
		company               TEXT NOT NULL,
		pricing_model         TEXT NOT NULL,
		location_category     TEXT NOT NULL,
		loyalty_tier          TEXT NOT NULL,
		vehicle_type          TEXT NOT NULL,
		num_riders            INTEGER NOT NULL,
		num_drivers           INTEGER NOT NULL,
		ride_duration_minutes DOUBLE PRECISION NOT NULL,
		historical_cost       DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		start_time            TIMESTAMPTZ NOT NULL,
		category              TEXT NOT NULL,
		predicted_attendance  INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS traffic_data (
		window_start     TIMESTAMPTZ NOT NULL,
		congestion_level TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS news_articles (
		published_at TIMESTAMPTZ NOT NULL,
		keywords     TEXT[] NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		run_id       TEXT PRIMARY KEY,
		triggered_by TEXT NOT NULL,
		status      TEXT NOT NULL,
		started_at  TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		record      JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pricing_strategies (
		rule_id              TEXT PRIMARY KEY,
		category             TEXT NOT NULL,
		name                 TEXT NOT NULL,
		multiplier           DOUBLE PRECISION NOT NULL,
		condition            JSONB NOT NULL DEFAULT '{}',
		affects_objectives   JSONB NOT NULL DEFAULT '[]',
		estimated_impact_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
		source               TEXT NOT NULL,
		run_id               TEXT,
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS recommendation_impacts (
		run_id               TEXT NOT NULL,
		rank                 INTEGER NOT NULL,
		score                DOUBLE PRECISION NOT NULL,
		combined_revenue_pct DOUBLE PRECISION NOT NULL,
		payload              JSONB NOT NULL,
		PRIMARY KEY (run_id, rank)
	)`,
}

// Migrate creates the schema idempotently.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return errs.Persistence("store.migrate", err)
		}
	}
	log.Info().Int("tables", len(migrations)).Msg("Schema migration completed")
	return nil
}

// HistoricalRides reads the full ride history.
func (p *Postgres) HistoricalRides(ctx context.Context) ([]domain.HistoricalRide, error) {
	var out []domain.HistoricalRide
	err := p.db.SelectContext(ctx, &out, `
		SELECT order_date, pricing_model, location_category, loyalty_tier,
		       vehicle_type, num_riders, num_drivers, ride_duration_minutes,
		       historical_cost
		FROM historical_rides`)
	if err != nil {
		return nil, errs.Data("store.historical_rides", err)
	}
	return out, nil
}

// CompetitorRides reads the competitor price collection.
func (p *Postgres) CompetitorRides(ctx context.Context) ([]domain.CompetitorRide, error) {
	var out []domain.CompetitorRide
	err := p.db.SelectContext(ctx, &out, `
		SELECT order_date, company, pricing_model, location_category,
		       loyalty_tier, vehicle_type, num_riders, num_drivers,
		       ride_duration_minutes, historical_cost
		FROM competitor_prices`)
	if err != nil {
		return nil, errs.Data("store.competitor_prices", err)
	}
	return out, nil
}

// Events reads the event calendar.
func (p *Postgres) Events(ctx context.Context) ([]domain.Event, error) {
	var out []domain.Event
	err := p.db.SelectContext(ctx, &out, `
		SELECT start_time, category, predicted_attendance FROM events`)
	if err != nil {
		return nil, errs.Data("store.events", err)
	}
	return out, nil
}

// TrafficWindows reads the congestion observations.
func (p *Postgres) TrafficWindows(ctx context.Context) ([]domain.TrafficWindow, error) {
	var out []domain.TrafficWindow
	err := p.db.SelectContext(ctx, &out, `
		SELECT window_start, congestion_level FROM traffic_data`)
	if err != nil {
		return nil, errs.Data("store.traffic_data", err)
	}
	return out, nil
}

// NewsArticles reads the ingested news items.
func (p *Postgres) NewsArticles(ctx context.Context) ([]domain.NewsArticle, error) {
	var out []domain.NewsArticle
	err := p.db.SelectContext(ctx, &out, `
		SELECT published_at, keywords FROM news_articles`)
	if err != nil {
		return nil, errs.Data("store.news_articles", err)
	}
	return out, nil
}

// SaveRun upserts the full run record as a JSONB document keyed by run ID.
func (p *Postgres) SaveRun(ctx context.Context, rec *pipeline.RunRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return errs.Persistence("store.save_run", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (run_id, triggered_by, status, started_at, finished_at, record)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			finished_at = EXCLUDED.finished_at,
			record = EXCLUDED.record`,
		rec.RunID, rec.Trigger, rec.Status, rec.StartedAt, rec.FinishedAt, doc)
	if err != nil {
		return errs.Persistence("store.save_run", err)
	}
	return nil
}

// LatestRun returns the most recent run record, or nil when none exist.
func (p *Postgres) LatestRun(ctx context.Context) (*pipeline.RunRecord, error) {
	var doc []byte
	err := p.db.GetContext(ctx, &doc, `
		SELECT record FROM pipeline_runs
		ORDER BY finished_at DESC NULLS LAST, run_id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Persistence("store.latest_run", err)
	}
	var rec pipeline.RunRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, errs.Persistence("store.latest_run", err)
	}
	return &rec, nil
}

// Runs pages through run records, newest first.
func (p *Postgres) Runs(ctx context.Context, limit, offset int) ([]pipeline.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var docs [][]byte
	err := p.db.SelectContext(ctx, &docs, `
		SELECT record FROM pipeline_runs
		ORDER BY finished_at DESC NULLS LAST, run_id DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, errs.Persistence("store.runs", err)
	}
	out := make([]pipeline.RunRecord, 0, len(docs))
	for _, doc := range docs {
		var rec pipeline.RunRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, errs.Persistence("store.runs", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// EnsureObjectives upserts the durable business-objective rows. They live
// in the strategy collection but are never touched by rule regeneration.
func (p *Postgres) EnsureObjectives(ctx context.Context, targets map[pricing.Objective]string) error {
	for _, obj := range pricing.Objectives {
		target, ok := targets[obj]
		if !ok {
			continue
		}
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO pricing_strategies (rule_id, category, name, multiplier, source)
			VALUES ($1, $2, $3, 1.0, $4)
			ON CONFLICT (rule_id) DO UPDATE SET name = EXCLUDED.name, updated_at = now()`,
			string(obj), pricing.CategoryBusinessObjectives, target, "system")
		if err != nil {
			return errs.Persistence("store.ensure_objectives", err)
		}
	}
	return nil
}

// ReplaceGenerated swaps the generated and fallback rule rows for the new
// set inside one transaction. Objective rows are untouched.
func (p *Postgres) ReplaceGenerated(ctx context.Context, runID string, ruleSet []pricing.Rule) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Persistence("store.replace_generated", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM pricing_strategies WHERE source IN ($1, $2)`,
		pricing.SourceGenerated, pricing.SourceFallback); err != nil {
		return errs.Persistence("store.replace_generated", err)
	}

	for _, r := range ruleSet {
		cond, err := json.Marshal(r.Condition)
		if err != nil {
			return errs.Persistence("store.replace_generated", err)
		}
		objs, err := json.Marshal(r.Objectives())
		if err != nil {
			return errs.Persistence("store.replace_generated", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pricing_strategies
				(rule_id, category, name, multiplier, condition, affects_objectives,
				 estimated_impact_pct, source, run_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
			ON CONFLICT (rule_id) DO UPDATE SET
				category = EXCLUDED.category,
				name = EXCLUDED.name,
				multiplier = EXCLUDED.multiplier,
				condition = EXCLUDED.condition,
				affects_objectives = EXCLUDED.affects_objectives,
				estimated_impact_pct = EXCLUDED.estimated_impact_pct,
				source = EXCLUDED.source,
				run_id = EXCLUDED.run_id,
				updated_at = now()`,
			r.ID, r.Category, r.Name, r.Multiplier, cond, objs,
			r.EstimatedImpactPct, r.Source, runID); err != nil {
			return errs.Persistence("store.replace_generated", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Persistence("store.replace_generated", err)
	}
	log.Info().Str("run_id", runID).Int("rules", len(ruleSet)).
		Msg("Strategy collection replaced")
	return nil
}

// SaveRecommendations upserts the ranked recommendations for a run.
func (p *Postgres) SaveRecommendations(ctx context.Context, runID string, recs []recommend.Recommendation) error {
	for _, rec := range recs {
		payload, err := json.Marshal(rec)
		if err != nil {
			return errs.Persistence("store.save_recommendations", err)
		}
		_, err = p.db.ExecContext(ctx, `
			INSERT INTO recommendation_impacts (run_id, rank, score, combined_revenue_pct, payload)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (run_id, rank) DO UPDATE SET
				score = EXCLUDED.score,
				combined_revenue_pct = EXCLUDED.combined_revenue_pct,
				payload = EXCLUDED.payload`,
			runID, rec.Rank, rec.Score, rec.CombinedRevenuePct, payload)
		if err != nil {
			return errs.Persistence("store.save_recommendations", err)
		}
	}
	return nil
}

// interface conformance
var (
	_ pipeline.RawData       = (*Postgres)(nil)
	_ pipeline.RunStore      = (*Postgres)(nil)
	_ pipeline.StrategyStore = (*Postgres)(nil)
)
