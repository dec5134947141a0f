package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nidohq/nido-billing/internal/domain"
	"github.com/nidohq/nido-billing/internal/events"
	"github.com/nidohq/nido-billing/internal/repository"
	"github.com/nidohq/nido-billing/internal/tax"
	"github.com/nidohq/nido-billing/internal/telemetry"
)

// TrialService provides business logic for the 14-day trial.
type TrialService interface {
	// StartTrial begins the account's one-and-only trial. The account
	// gets premium-tier access for 14 days with no payment method.
	//
	// Returns ErrTrialAlreadyConsumed if a trial was ever started, or
	// ErrAlreadySubscribed if a paid subscription exists.
	StartTrial(ctx context.Context, params StartTrialParams) (*TrialStatus, error)

	// GetTrialStatus returns the trial's progress, or ErrTrialNotFound.
	GetTrialStatus(ctx context.Context, accountID uuid.UUID) (*TrialStatus, error)

	// RecordTrialUsage notes that a premium feature was exercised
	// during the trial, for conversion analysis. No-op once the trial
	// has ended or if the feature was already recorded.
	RecordTrialUsage(ctx context.Context, accountID uuid.UUID, feature domain.Feature) error

	// ExpireTrials closes trials whose window lapsed before now:
	// outcome becomes expired, the TRIALING subscription cancels, and
	// entitlements drop to the free tier. Returns the number expired.
	// Called by the background sweeper.
	ExpireTrials(ctx context.Context, now time.Time) (int, error)
}

// StartTrialParams contains parameters for starting a trial.
type StartTrialParams struct {
	AccountID uuid.UUID

	// Jurisdiction is the account's province code, stored on the
	// billing profile for the eventual conversion charge.
	Jurisdiction string
}

// TrialStatus is the trial joined with its remaining time.
type TrialStatus struct {
	Trial         domain.TrialProgress
	DaysRemaining int
}

type trialService struct {
	store        repository.Store
	publisher    events.Publisher
	entitlements EntitlementInvalidator
	metrics      *telemetry.BusinessMetrics
	logger       zerolog.Logger
	locks        *keyedMutex
	now          func() time.Time
}

// NewTrialService creates a TrialService instance.
func NewTrialService(
	store repository.Store,
	publisher events.Publisher,
	entitlements EntitlementInvalidator,
	metrics *telemetry.BusinessMetrics,
	logger zerolog.Logger,
) TrialService {
	return &trialService{
		store:        store,
		publisher:    publisher,
		entitlements: entitlements,
		metrics:      metrics,
		logger:       logger.With().Str("service", "trial").Logger(),
		locks:        newKeyedMutex(),
		now:          time.Now,
	}
}

func (s *trialService) StartTrial(ctx context.Context, params StartTrialParams) (*TrialStatus, error) {
	if params.AccountID == uuid.Nil {
		return nil, domain.Invalid("trial.start", "account ID is required")
	}
	// Reject unknown province codes before any state is written; an
	// unchecked code would only surface at first invoice time.
	if !tax.SupportedJurisdiction(params.Jurisdiction) {
		return nil, ErrInvalidJurisdiction
	}

	unlock := s.locks.Lock(params.AccountID.String())
	defer unlock()

	// The trial-per-account rule holds even across canceled
	// subscriptions: the row's existence is the consumed marker.
	if _, err := s.store.GetTrial(ctx, params.AccountID); err == nil {
		return nil, ErrTrialAlreadyConsumed
	}
	if _, err := s.store.GetCurrentSubscription(ctx, params.AccountID); err == nil {
		return nil, ErrAlreadySubscribed
	}

	now := s.now()
	trial := &domain.TrialProgress{
		ID:        uuid.New(),
		AccountID: params.AccountID,
		StartedAt: now,
		EndsAt:    now.Add(domain.TrialDuration),
		Outcome:   domain.TrialPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sub := &domain.Subscription{
		ID:                 uuid.New(),
		AccountID:          params.AccountID,
		State:              domain.StateTrialing,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   trial.EndsAt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := s.store.Tx(ctx, func(tx repository.Store) error {
		// The billing profile is created here so jurisdiction is known
		// before any money moves.
		if _, err := tx.GetBillingProfile(ctx, params.AccountID); err != nil {
			profile := &domain.BillingProfile{
				AccountID:    params.AccountID,
				Jurisdiction: params.Jurisdiction,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := tx.CreateBillingProfile(ctx, profile); err != nil {
				return err
			}
		}
		if err := tx.CreateTrial(ctx, trial); err != nil {
			return err
		}
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		return tx.UpsertFeatureAccess(ctx, deriveFeatureAccess(params.AccountID, domain.TierPremium, now))
	})
	if err != nil {
		if domain.ErrorCode(err) == domain.ECONFLICT {
			return nil, ErrTrialAlreadyConsumed
		}
		return nil, err
	}

	s.entitlements.Invalidate(ctx, params.AccountID)
	s.metrics.TrialsStarted.Inc()
	s.publisher.Publish(ctx, events.SubjectTrialStarted, events.TrialEvent{
		AccountID: params.AccountID, Outcome: string(domain.TrialPending), OccurredAt: now,
	})

	return &TrialStatus{Trial: *trial, DaysRemaining: trial.DaysRemainingAt(now)}, nil
}

func (s *trialService) GetTrialStatus(ctx context.Context, accountID uuid.UUID) (*TrialStatus, error) {
	trial, err := s.store.GetTrial(ctx, accountID)
	if err != nil {
		return nil, ErrTrialNotFound
	}
	return &TrialStatus{Trial: *trial, DaysRemaining: trial.DaysRemainingAt(s.now())}, nil
}

func (s *trialService) RecordTrialUsage(ctx context.Context, accountID uuid.UUID, feature domain.Feature) error {
	valid := false
	for _, f := range domain.AllFeatures {
		if f == feature {
			valid = true
			break
		}
	}
	if !valid {
		return ErrFeatureUnknown
	}

	unlock := s.locks.Lock(accountID.String())
	defer unlock()

	trial, err := s.store.GetTrial(ctx, accountID)
	if err != nil {
		return ErrTrialNotFound
	}
	if trial.Outcome != domain.TrialPending || trial.Engaged(feature) {
		return nil
	}

	trial.EngagedFeatures = append(trial.EngagedFeatures, feature)
	trial.UpdatedAt = s.now()
	return s.store.UpdateTrial(ctx, trial)
}

func (s *trialService) ExpireTrials(ctx context.Context, now time.Time) (int, error) {
	const batchSize = 100

	expired := 0
	for {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		trials, err := s.store.ListExpirableTrials(ctx, now, batchSize)
		if err != nil {
			return expired, err
		}
		if len(trials) == 0 {
			return expired, nil
		}

		progressed := 0
		for i := range trials {
			if err := ctx.Err(); err != nil {
				return expired, err
			}
			if err := s.expireOne(ctx, &trials[i], now); err != nil {
				// Log and continue: one stuck account must not stall
				// the sweep.
				s.logger.Error().Err(err).
					Str("account_id", trials[i].AccountID.String()).
					Msg("failed to expire trial")
				continue
			}
			progressed++
		}
		expired += progressed
		// Failed rows would be re-listed forever; stop once a pass
		// makes no progress or the batch was partial.
		if len(trials) < batchSize || progressed == 0 {
			return expired, nil
		}
	}
}

func (s *trialService) expireOne(ctx context.Context, trial *domain.TrialProgress, now time.Time) error {
	unlock := s.locks.Lock(trial.AccountID.String())
	defer unlock()

	// Re-read under the lock; a conversion may have won the race.
	trial, err := s.store.GetTrial(ctx, trial.AccountID)
	if err != nil {
		return err
	}
	if !trial.ExpiredAt(now) {
		return nil
	}

	trial.Outcome = domain.TrialExpired
	trial.UpdatedAt = now

	err = s.store.Tx(ctx, func(tx repository.Store) error {
		if err := tx.UpdateTrial(ctx, trial); err != nil {
			return err
		}
		sub, err := tx.GetCurrentSubscription(ctx, trial.AccountID)
		if err == nil && sub.State == domain.StateTrialing {
			sub.State = domain.StateCanceled
			sub.CanceledAt = &now
			sub.UpdatedAt = now
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return err
			}
		}
		if err := tx.UpsertFeatureAccess(ctx, deriveFeatureAccess(trial.AccountID, domain.TierFree, now)); err != nil {
			return err
		}
		s.metrics.TrialsExpired.Inc()
		s.publisher.Publish(ctx, events.SubjectTrialEnded, events.TrialEvent{
			AccountID: trial.AccountID, Outcome: string(domain.TrialExpired), OccurredAt: now,
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.entitlements.Invalidate(ctx, trial.AccountID)
	return nil
}
