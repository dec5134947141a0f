// Package worker runs the periodic maintenance loops: trial expiry and
// gateway reconciliation.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nidohq/nido-billing/internal/service"
	"github.com/nidohq/nido-billing/internal/telemetry"
)

// Sweeper drives the trial-expiry and reconciliation sweeps on fixed
// intervals until its context is canceled.
type Sweeper struct {
	trials     service.TrialService
	reconciler service.Reconciler
	metrics    *telemetry.BusinessMetrics
	logger     zerolog.Logger

	trialInterval     time.Duration
	reconcileInterval time.Duration
}

// NewSweeper creates a Sweeper instance.
func NewSweeper(
	trials service.TrialService,
	reconciler service.Reconciler,
	metrics *telemetry.BusinessMetrics,
	logger zerolog.Logger,
	trialInterval, reconcileInterval time.Duration,
) *Sweeper {
	return &Sweeper{
		trials:            trials,
		reconciler:        reconciler,
		metrics:           metrics,
		logger:            logger.With().Str("component", "sweeper").Logger(),
		trialInterval:     trialInterval,
		reconcileInterval: reconcileInterval,
	}
}

// Run blocks until ctx is canceled. Each sweep runs once at startup so
// a restart never leaves work waiting a full interval.
func (s *Sweeper) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.loop(ctx, s.trialInterval, s.expireTrials)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, s.reconcileInterval, s.reconcile)
	}()

	wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (s *Sweeper) expireTrials(ctx context.Context) {
	const sweepName = "trial_expiry"
	start := time.Now()

	expired, err := s.trials.ExpireTrials(ctx, start)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.metrics.SweepRuns.WithLabelValues(sweepName, "error").Inc()
		s.logger.Error().Err(err).Msg("trial expiry sweep failed")
		return
	}

	s.metrics.SweepRuns.WithLabelValues(sweepName, "ok").Inc()
	s.metrics.SweepDuration.WithLabelValues(sweepName).Observe(time.Since(start).Seconds())
	if expired > 0 {
		s.metrics.SweepRepairs.WithLabelValues(sweepName).Add(float64(expired))
		s.logger.Info().Int("expired", expired).Msg("trials expired")
	}
}

func (s *Sweeper) reconcile(ctx context.Context) {
	report, err := s.reconciler.Sweep(ctx, time.Now())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error().Err(err).Msg("reconciliation sweep failed")
		return
	}
	if report.Repaired > 0 || report.Revoked > 0 {
		s.logger.Info().
			Int("examined", report.Examined).
			Int("repaired", report.Repaired).
			Int("revoked", report.Revoked).
			Msg("reconciliation sweep repaired state")
	}
}
