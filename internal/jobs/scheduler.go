// Package jobs runs background work on a cron schedule: the periodic
// credit replenishment sweep.
package jobs

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/qvote/internal/common"
)

// Sweeper grants every due replenishment and reports how many users got one.
type Sweeper interface {
	ReplenishDue(ctx context.Context) (int, error)
}

type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	spec    string
}

// NewScheduler validates spec (standard 5-field cron) in the given timezone.
func NewScheduler(sweeper Sweeper, spec, timezone string) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid replenish schedule %q: %w", spec, err)
	}
	logger := cron.PrintfLogger(log.StandardLogger())
	c := cron.New(
		cron.WithLocation(common.LoadLocation(timezone)),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{cron: c, sweeper: sweeper, spec: spec}, nil
}

// Start schedules the sweep. Runs stop picking up work once ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	log.WithField("schedule", s.spec).Info("Scheduler started")
	return nil
}

// RunOnce performs one sweep and logs the outcome.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	log.Debug("[CRON] Replenishment sweep")
	granted, err := s.sweeper.ReplenishDue(ctx)
	if err != nil {
		log.WithError(err).WithField("granted", granted).Error("[CRON] Replenishment sweep failed")
		return granted
	}
	if granted > 0 {
		log.WithField("granted", granted).Info("[CRON] Replenishment sweep done")
	}
	return granted
}

// Stop waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Scheduler stopped")
}
