package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwco/farecast/internal/pipeline"
	"github.com/hwco/farecast/internal/pricing"
	"github.com/hwco/farecast/internal/recommend"
	"github.com/hwco/farecast/internal/segment"
)

func mockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(sqlx.NewDb(db, "sqlmock")), mock
}

func TestMigrate_CreatesAllTables(t *testing.T) {
	p, mock := mockStore(t)
	for range migrations {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, p.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoricalRides_MapsColumns(t *testing.T) {
	p, mock := mockStore(t)
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM historical_rides").WillReturnRows(
		sqlmock.NewRows([]string{
			"order_date", "pricing_model", "location_category", "loyalty_tier",
			"vehicle_type", "num_riders", "num_drivers", "ride_duration_minutes",
			"historical_cost",
		}).AddRow(now, "STANDARD", "Urban", "Gold", "Premium", 30, 15, 25.0, 75.0))

	rides, err := p.HistoricalRides(context.Background())
	require.NoError(t, err)
	require.Len(t, rides, 1)
	assert.Equal(t, "Urban", rides[0].LocationCategory)
	unitPrice, ok := rides[0].UnitPrice()
	require.True(t, ok)
	assert.InDelta(t, 3.0, unitPrice, 1e-9)
}

func TestSaveRun_UpsertsDocument(t *testing.T) {
	p, mock := mockStore(t)
	rec := pipeline.NewRunRecord(pipeline.TriggerManual, time.Now())
	rec.Finish(pipeline.StatusCompleted, time.Now())

	mock.ExpectExec("INSERT INTO pipeline_runs").
		WithArgs(rec.RunID, rec.Trigger, rec.Status, rec.StartedAt, rec.FinishedAt, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.SaveRun(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestRun_RoundTripsRecord(t *testing.T) {
	p, mock := mockStore(t)
	rec := pipeline.NewRunRecord(pipeline.TriggerScheduler, time.Now())
	doc, err := json.Marshal(rec)
	require.NoError(t, err)

	mock.ExpectQuery("ORDER BY finished_at DESC NULLS LAST").
		WillReturnRows(sqlmock.NewRows([]string{"record"}).AddRow(doc))

	got, err := p.LatestRun(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.RunID, got.RunID)
	assert.Equal(t, pipeline.TriggerScheduler, got.Trigger)
}

func TestRuns_PagesByCompletionTime(t *testing.T) {
	p, mock := mockStore(t)
	rec := pipeline.NewRunRecord(pipeline.TriggerScheduler, time.Now())
	doc, err := json.Marshal(rec)
	require.NoError(t, err)

	mock.ExpectQuery("ORDER BY finished_at DESC NULLS LAST").
		WithArgs(5, 10).
		WillReturnRows(sqlmock.NewRows([]string{"record"}).AddRow(doc))

	got, err := p.Runs(context.Background(), 5, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.RunID, got[0].RunID)
}

func TestLatestRun_EmptyStoreIsNil(t *testing.T) {
	p, mock := mockStore(t)
	mock.ExpectQuery("SELECT record FROM pipeline_runs").WillReturnError(sql.ErrNoRows)

	got, err := p.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEnsureObjectives_UpsertsAllFour(t *testing.T) {
	p, mock := mockStore(t)
	for range pricing.Objectives {
		mock.ExpectExec("INSERT INTO pricing_strategies").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	require.NoError(t, p.EnsureObjectives(context.Background(), pricing.ObjectiveTargets))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceGenerated_SwapsInsideTransaction(t *testing.T) {
	p, mock := mockStore(t)
	ruleSet := []pricing.Rule{
		{
			ID: "DEM_HIGH_SURGE", Category: pricing.CategoryDemand, Name: "surge",
			Multiplier: 1.5,
			Condition:  pricing.Condition{Demand: pricing.CondDemand(segment.DemandHigh)},
			Source:     pricing.SourceGenerated,
		},
		{
			ID: "FB_TIME_PEAK", Category: pricing.CategoryTime, Name: "peak",
			Multiplier: 1.15, Source: pricing.SourceFallback,
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM pricing_strategies").
		WithArgs(pricing.SourceGenerated, pricing.SourceFallback).
		WillReturnResult(sqlmock.NewResult(0, 5))
	for range ruleSet {
		mock.ExpectExec("INSERT INTO pricing_strategies").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, p.ReplaceGenerated(context.Background(), "PIPE-20260201-090000-abc123", ruleSet))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRecommendations_UpsertsByRunAndRank(t *testing.T) {
	p, mock := mockStore(t)
	recs := []recommend.Recommendation{
		{Rank: 1, Score: 4600, CombinedRevenuePct: 12.5},
		{Rank: 2, Score: 2200, CombinedRevenuePct: 4.1},
	}
	for _, r := range recs {
		mock.ExpectExec("INSERT INTO recommendation_impacts").
			WithArgs("RUN", r.Rank, r.Score, r.CombinedRevenuePct, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	require.NoError(t, p.SaveRecommendations(context.Background(), "RUN", recs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

type stubRuns struct {
	latest *pipeline.RunRecord
	saved  int
}

func (s *stubRuns) SaveRun(ctx context.Context, rec *pipeline.RunRecord) error {
	s.saved++
	s.latest = rec
	return nil
}
func (s *stubRuns) LatestRun(ctx context.Context) (*pipeline.RunRecord, error) {
	return s.latest, nil
}
func (s *stubRuns) Runs(ctx context.Context, limit, offset int) ([]pipeline.RunRecord, error) {
	return nil, nil
}

func TestCachedRuns_DisabledCacheFallsThrough(t *testing.T) {
	inner := &stubRuns{}
	cached := &CachedRuns{Inner: inner, Cache: NewCache("", 0)}

	rec := pipeline.NewRunRecord(pipeline.TriggerManual, time.Now())
	require.NoError(t, cached.SaveRun(context.Background(), rec))
	assert.Equal(t, 1, inner.saved)

	got, err := cached.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rec.RunID, got.RunID)
}
