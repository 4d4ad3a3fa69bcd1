package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler fires the pipeline on a fixed cadence. Scheduled runs are
// change-gated by the orchestrator: ticks with nothing pending produce a
// skipped record and no work.
type Scheduler struct {
	orch         *Orchestrator
	cadence      time.Duration
	runOnStartup bool
}

// NewScheduler builds a scheduler around an orchestrator.
func NewScheduler(orch *Orchestrator, cadence time.Duration, runOnStartup bool) *Scheduler {
	return &Scheduler{orch: orch, cadence: cadence, runOnStartup: runOnStartup}
}

// Run blocks until ctx is cancelled, triggering the pipeline every cadence
// interval. A run still in flight when the next tick lands is left alone.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Dur("cadence", s.cadence).Bool("run_on_startup", s.runOnStartup).
		Msg("Scheduler started")

	if s.runOnStartup {
		s.fire(ctx, TriggerScheduler, true)
	}

	ticker := time.NewTicker(s.cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.fire(ctx, TriggerScheduler, false)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, trigger string, force bool) {
	rec, err := s.orch.Execute(ctx, trigger, force)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		log.Warn().Str("trigger", trigger).Msg("Tick skipped, run already in progress")
	case err != nil:
		log.Error().Err(err).Str("trigger", trigger).Msg("Scheduled run failed")
	case rec.Status == StatusSkipped:
		log.Debug().Str("run_id", rec.RunID).Msg("Scheduled run skipped, no changes")
	}
}
