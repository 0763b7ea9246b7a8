// Package retention drops facts that have aged out of the retention policy.
//
// Purging removes facts older than the policy from the store; all-time
// running totals are kept.
package retention

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/audira/catalog-metrics/pkg/eventstore"
	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/audira/catalog-metrics/pkg/observability"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the purge daily at 03:30 UTC
const DefaultSchedule = "30 3 * * *"

// Policy says how long facts are kept
type Policy struct {
	// Days of history to keep, counting today. Zero keeps everything.
	Days int
	// Timeout bounds a single purge run
	Timeout time.Duration
}

// Cutoff returns the first date still retained on the given day
func (p Policy) Cutoff(today civil.Date) civil.Date {
	return today.AddDays(-(p.Days - 1))
}

// Janitor runs the retention purge on demand or on a cron schedule
type Janitor struct {
	store   eventstore.Store
	policy  Policy
	clock   clockwork.Clock
	logger  *observability.Logger
	metrics *observability.Metrics
	cron    *cron.Cron
}

// NewJanitor creates a janitor
func NewJanitor(store eventstore.Store, policy Policy, clock clockwork.Clock, logger *observability.Logger, m *observability.Metrics) *Janitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if policy.Timeout <= 0 {
		policy.Timeout = 10 * time.Minute
	}
	return &Janitor{
		store:   store,
		policy:  policy,
		clock:   clock,
		logger:  logger.WithField("component", "retention"),
		metrics: m,
	}
}

// RunOnce purges every fact dated before the policy cutoff and returns how
// many were removed
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	if j.policy.Days <= 0 {
		j.logger.Debug("Retention disabled, nothing to purge")
		return 0, nil
	}
	cutoff := j.policy.Cutoff(metrics.Today(j.clock.Now()))

	ctx, cancel := context.WithTimeout(ctx, j.policy.Timeout)
	defer cancel()

	start := j.clock.Now()
	removed, err := j.store.Purge(ctx, cutoff)
	if err != nil {
		return removed, fmt.Errorf("purge before %s: %w", cutoff, err)
	}
	j.metrics.ObservePurge(removed)
	j.logger.WithFields(map[string]interface{}{
		"cutoff":   cutoff.String(),
		"removed":  removed,
		"duration": j.clock.Since(start).String(),
	}).Info("Retention purge completed")
	return removed, nil
}

// Start schedules RunOnce on a standard five-field cron expression
func (j *Janitor) Start(schedule string) error {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(schedule, func() {
		defer observability.RecoverPanic(j.logger, "retention purge")
		if _, err := j.RunOnce(context.Background()); err != nil {
			j.logger.WithError(err).Error("Retention purge failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	j.cron = c
	c.Start()
	j.logger.WithField("schedule", schedule).Info("Retention janitor started")
	return nil
}

// Stop halts the schedule and waits for a running purge to finish or ctx to
// end
func (j *Janitor) Stop(ctx context.Context) error {
	if j.cron == nil {
		return nil
	}
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
