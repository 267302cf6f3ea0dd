package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler drives the sweeper on a fixed interval. A single node is
// assumed; the sweep itself tolerates the overlap of an external
// trigger firing while the interval job runs.
type Scheduler struct {
	logger  zerolog.Logger
	sweeper *Sweeper
	cron    *cron.Cron
	every   time.Duration
}

// NewScheduler builds an interval scheduler around sweeper.
func NewScheduler(logger zerolog.Logger, sweeper *Sweeper, every time.Duration) *Scheduler {
	return &Scheduler{
		logger:  logger.With().Str("component", "automation-scheduler").Logger(),
		sweeper: sweeper,
		cron:    cron.New(),
		every:   every,
	}
}

// Start begins periodic sweeping.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.every <= 0 {
		s.logger.Info().Msg("periodic sweep disabled")
		return nil
	}
	spec := fmt.Sprintf("@every %s", s.every)
	_, err := s.cron.AddFunc(spec, func() {
		s.sweeper.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info().Dur("every", s.every).Msg("automation scheduler started")
	return nil
}

// Stop halts the scheduler, waiting for a running sweep to finish.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	<-done.Done()
	s.logger.Info().Msg("automation scheduler stopped")
}
