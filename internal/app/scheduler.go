/**
 * @description
 * Cron scheduler for the escrow-service background jobs. Today that is the payment timeout
 * sweep, which replaces per-payment timers with one reconciliation pass over the guarded
 * transitions.
 */

package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultSweepSchedule runs the timeout sweep twice a minute.
const DefaultSweepSchedule = "@every 30s"

// Jobs contains the scheduled tasks.
type Jobs struct {
	service *Service
	logger  logrus.FieldLogger
	timeout time.Duration
}

// NewJobs creates a new Jobs runner. timeout bounds a single run.
func NewJobs(service *Service, logger logrus.FieldLogger, timeout time.Duration) *Jobs {
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	return &Jobs{service: service, logger: logger, timeout: timeout}
}

// SweepStalePayments is the cron entry for the timeout reconciler.
func (j *Jobs) SweepStalePayments() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	j.logger.Debug("starting payment timeout sweep")
	report, err := j.service.SweepStalePayments(ctx)
	if err != nil {
		j.logger.WithError(err).Error("payment timeout sweep failed")
		return
	}
	j.logger.WithFields(logrus.Fields{
		"timed_out":   report.TimedOut,
		"interrupted": report.Interrupted,
	}).Debug("payment timeout sweep finished")
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	jobs     *Jobs
	logger   logrus.FieldLogger
	schedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *logrus.Logger, schedule string) *Scheduler {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		jobs:     jobs,
		logger:   logger.WithField("component", "scheduler"),
		schedule: schedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.jobs.SweepStalePayments); err != nil {
		s.logger.WithError(err).Error("failed to schedule payment timeout sweep")
		return err
	}
	s.logger.WithField("schedule", s.schedule).Info("scheduled payment timeout sweep")

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
