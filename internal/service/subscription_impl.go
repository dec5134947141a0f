package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nidohq/nido-billing/internal/billing"
	"github.com/nidohq/nido-billing/internal/domain"
	"github.com/nidohq/nido-billing/internal/events"
	"github.com/nidohq/nido-billing/internal/repository"
	"github.com/nidohq/nido-billing/internal/tax"
	"github.com/nidohq/nido-billing/internal/telemetry"
)

// subscriptionService implements SubscriptionService.
type subscriptionService struct {
	store        repository.Store
	gateway      billing.Gateway
	taxCalc      tax.Calculator
	publisher    events.Publisher
	entitlements EntitlementInvalidator
	metrics      *telemetry.BusinessMetrics
	logger       zerolog.Logger
	locks        *keyedMutex
	now          func() time.Time
}

// NewSubscriptionService creates a SubscriptionService instance.
func NewSubscriptionService(
	store repository.Store,
	gateway billing.Gateway,
	taxCalc tax.Calculator,
	publisher events.Publisher,
	entitlements EntitlementInvalidator,
	metrics *telemetry.BusinessMetrics,
	logger zerolog.Logger,
) SubscriptionService {
	return &subscriptionService{
		store:        store,
		gateway:      gateway,
		taxCalc:      taxCalc,
		publisher:    publisher,
		entitlements: entitlements,
		metrics:      metrics,
		logger:       logger.With().Str("service", "subscription").Logger(),
		locks:        newKeyedMutex(),
		now:          time.Now,
	}
}

// transition moves the subscription to a new state, enforcing the state
// machine's edges.
func transition(sub *domain.Subscription, to domain.SubscriptionState, now time.Time) error {
	if !domain.CanTransition(sub.State, to) {
		return ErrInvalidTransition
	}
	sub.State = to
	sub.UpdatedAt = now
	return nil
}

func (s *subscriptionService) Subscribe(ctx context.Context, params SubscribeParams) (*SubscriptionDetail, error) {
	if params.IdempotencyKey == "" {
		return nil, domain.Invalid("subscription.subscribe", "idempotency key is required")
	}

	unlock := s.locks.Lock(params.AccountID.String())
	defer unlock()

	profile, err := s.store.GetBillingProfile(ctx, params.AccountID)
	if err != nil {
		if domain.ErrorCode(err) == domain.ENOTFOUND {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}

	plan, err := s.store.GetPlanByCode(ctx, params.PlanCode)
	if err != nil {
		return nil, ErrPlanNotFound
	}
	if !plan.Active {
		return nil, ErrPlanNotActive
	}
	if plan.IsFree() {
		return nil, domain.Invalid("subscription.subscribe", "free tier needs no subscription")
	}

	// A mid-trial account converts its trial; any other live
	// subscription blocks.
	current, err := s.store.GetCurrentSubscription(ctx, params.AccountID)
	if err != nil && domain.ErrorCode(err) != domain.ENOTFOUND {
		return nil, err
	}
	converting := current != nil && current.State == domain.StateTrialing
	if current != nil && !converting {
		return nil, ErrAlreadySubscribed
	}

	pm, err := s.resolvePaymentMethod(ctx, params.AccountID, params.PaymentMethodID)
	if err != nil {
		return nil, err
	}

	taxRes, err := s.taxCalc.Calculate(ctx, tax.Params{
		SubtotalCents: plan.PriceCents,
		Jurisdiction:  profile.Jurisdiction,
	})
	if err != nil {
		return nil, ErrInvalidJurisdiction
	}

	s.metrics.PaymentAttempts.Inc()
	var gwSub *billing.Subscription
	err = billing.Retry(ctx, func() error {
		var gwErr error
		gwSub, gwErr = s.gateway.CreateSubscription(ctx, billing.CreateSubscriptionParams{
			CustomerID:      profile.GatewayCustomerID,
			PriceID:         plan.GatewayPriceID,
			PaymentMethodID: pm.GatewayPaymentMethodID,
			IdempotencyKey:  params.IdempotencyKey,
			Metadata: map[string]string{
				"account_id": params.AccountID.String(),
				"plan_code":  plan.Code,
			},
		})
		return gwErr
	})
	if err != nil {
		return nil, s.mapGatewayErr("subscription.subscribe", err)
	}
	s.metrics.PaymentSucceeded.Inc()

	now := s.now()
	var coolingOff *time.Time
	if plan.Interval == domain.IntervalYearly {
		t := now.Add(14 * 24 * time.Hour)
		coolingOff = &t
	}

	sub := current
	if converting {
		if err := transition(sub, domain.StateActive, now); err != nil {
			return nil, err
		}
		sub.PlanID = plan.ID
		sub.GatewaySubscriptionID = gwSub.ID
		sub.FromTrial = true
		sub.CoolingOffEndsAt = coolingOff
		sub.CurrentPeriodStart = gwSub.CurrentPeriodStart
		sub.CurrentPeriodEnd = gwSub.CurrentPeriodEnd
	} else {
		sub = &domain.Subscription{
			ID:                    uuid.New(),
			AccountID:             params.AccountID,
			PlanID:                plan.ID,
			State:                 domain.StateActive,
			GatewaySubscriptionID: gwSub.ID,
			CoolingOffEndsAt:      coolingOff,
			CurrentPeriodStart:    gwSub.CurrentPeriodStart,
			CurrentPeriodEnd:      gwSub.CurrentPeriodEnd,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
	}

	record := &domain.BillingRecord{
		ID:                   uuid.New(),
		AccountID:            params.AccountID,
		SubscriptionID:       sub.ID,
		Type:                 domain.TransactionCharge,
		SubtotalCents:        plan.PriceCents,
		TaxCents:             taxRes.TotalTaxCents,
		TotalCents:           plan.PriceCents + taxRes.TotalTaxCents,
		Currency:             plan.Currency,
		Jurisdiction:         profile.Jurisdiction,
		TaxBreakdown:         taxRes.Breakdown,
		GatewayTransactionID: gwSub.LatestChargeID,
		Description:          plan.Code + " charge",
		CreatedAt:            now,
	}

	err = s.store.Tx(ctx, func(tx repository.Store) error {
		if converting {
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return err
			}
			trial, err := tx.GetTrial(ctx, params.AccountID)
			if err == nil && trial.Outcome == domain.TrialPending {
				trial.Outcome = domain.TrialConverted
				trial.ConvertedAt = &now
				trial.UpdatedAt = now
				if err := tx.UpdateTrial(ctx, trial); err != nil {
					return err
				}
			}
		} else {
			if err := tx.CreateSubscription(ctx, sub); err != nil {
				return err
			}
		}
		if err := appendLedgerRecord(ctx, tx, record); err != nil {
			return err
		}
		return tx.UpsertFeatureAccess(ctx, deriveFeatureAccess(params.AccountID, plan.Tier, now))
	})
	if err != nil {
		// The gateway charge went through but the local write lost.
		// Leave repair to the reconciliation sweep rather than guessing.
		s.logger.Error().Err(err).
			Str("account_id", params.AccountID.String()).
			Str("gateway_subscription_id", gwSub.ID).
			Msg("local write failed after gateway charge")
		return nil, s.mapConflict(err)
	}

	s.entitlements.Invalidate(ctx, params.AccountID)
	s.metrics.SubscriptionsCreated.WithLabelValues(plan.Code).Inc()
	s.recordRevenue(record)
	if converting {
		s.metrics.TrialsConverted.Inc()
		s.publisher.Publish(ctx, events.SubjectTrialEnded, events.TrialEvent{
			AccountID: params.AccountID, Outcome: string(domain.TrialConverted), OccurredAt: now,
		})
	}
	s.publishTransition(ctx, sub, stateBefore(converting), plan.Code, now)

	return &SubscriptionDetail{Subscription: *sub, Plan: *plan}, nil
}

func stateBefore(converting bool) domain.SubscriptionState {
	if converting {
		return domain.StateTrialing
	}
	return domain.StateNone
}

func (s *subscriptionService) GetSubscription(ctx context.Context, accountID uuid.UUID) (*SubscriptionDetail, error) {
	sub, err := s.store.GetCurrentSubscription(ctx, accountID)
	if err != nil {
		// A regular cancellation remains paid through its period end;
		// keep it visible until then. Trial rows carry no plan and are
		// revoked immediately, so they never qualify.
		last, lastErr := s.store.GetLatestSubscription(ctx, accountID)
		if lastErr != nil || last.State != domain.StateCanceled ||
			last.PlanID == uuid.Nil || !last.CurrentPeriodEnd.After(s.now()) {
			return nil, ErrSubscriptionNotFound
		}
		sub = last
	}
	plan := &domain.Plan{}
	if sub.PlanID != uuid.Nil {
		plan, err = s.store.GetPlanByID(ctx, sub.PlanID)
		if err != nil {
			return nil, err
		}
	}
	return &SubscriptionDetail{Subscription: *sub, Plan: *plan}, nil
}

func (s *subscriptionService) ChangePlan(ctx context.Context, params ChangePlanParams) (*SubscriptionDetail, error) {
	if params.IdempotencyKey == "" {
		return nil, domain.Invalid("subscription.change_plan", "idempotency key is required")
	}

	unlock := s.locks.Lock(params.AccountID.String())
	defer unlock()

	sub, err := s.store.GetCurrentSubscription(ctx, params.AccountID)
	if err != nil {
		return nil, ErrSubscriptionNotFound
	}
	if sub.State != domain.StateActive {
		return nil, ErrInvalidTransition
	}

	oldPlan, err := s.store.GetPlanByID(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	newPlan, err := s.store.GetPlanByCode(ctx, params.NewPlanCode)
	if err != nil {
		return nil, ErrPlanNotFound
	}
	if !newPlan.Active {
		return nil, ErrPlanNotActive
	}
	if newPlan.ID == oldPlan.ID {
		return nil, ErrSamePlan
	}
	if newPlan.Interval != oldPlan.Interval {
		return nil, domain.Invalid("subscription.change_plan", "plan changes must keep the billing interval")
	}

	profile, err := s.store.GetBillingProfile(ctx, params.AccountID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	deltaCents := prorate(newPlan.PriceCents-oldPlan.PriceCents, now, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)

	var gwSub *billing.Subscription
	err = billing.Retry(ctx, func() error {
		var gwErr error
		gwSub, gwErr = s.gateway.UpdateSubscription(ctx, billing.UpdateSubscriptionParams{
			SubscriptionID: sub.GatewaySubscriptionID,
			NewPriceID:     newPlan.GatewayPriceID,
			IdempotencyKey: params.IdempotencyKey,
		})
		return gwErr
	})
	if err != nil {
		return nil, s.mapGatewayErr("subscription.change_plan", err)
	}

	var record *domain.BillingRecord
	if deltaCents > 0 {
		taxRes, err := s.taxCalc.Calculate(ctx, tax.Params{
			SubtotalCents: deltaCents,
			Jurisdiction:  profile.Jurisdiction,
		})
		if err != nil {
			return nil, ErrInvalidJurisdiction
		}
		record = &domain.BillingRecord{
			ID:                   uuid.New(),
			AccountID:            params.AccountID,
			SubscriptionID:       sub.ID,
			Type:                 domain.TransactionCharge,
			SubtotalCents:        deltaCents,
			TaxCents:             taxRes.TotalTaxCents,
			TotalCents:           deltaCents + taxRes.TotalTaxCents,
			Currency:             newPlan.Currency,
			Jurisdiction:         profile.Jurisdiction,
			TaxBreakdown:         taxRes.Breakdown,
			GatewayTransactionID: gwSub.LatestChargeID,
			Description:          fmt.Sprintf("prorated upgrade %s to %s", oldPlan.Code, newPlan.Code),
			CreatedAt:            now,
		}
	} else if deltaCents < 0 {
		// Downgrades credit the pre-tax difference; the next renewal
		// bills the lower price with its own tax.
		record = &domain.BillingRecord{
			ID:             uuid.New(),
			AccountID:      params.AccountID,
			SubscriptionID: sub.ID,
			Type:           domain.TransactionCredit,
			SubtotalCents:  deltaCents,
			TaxCents:       0,
			TotalCents:     deltaCents,
			Currency:       newPlan.Currency,
			Jurisdiction:   profile.Jurisdiction,
			Description:    fmt.Sprintf("prorated credit %s to %s", oldPlan.Code, newPlan.Code),
			CreatedAt:      now,
		}
	}

	sub.PlanID = newPlan.ID
	sub.UpdatedAt = now

	err = s.store.Tx(ctx, func(tx repository.Store) error {
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		if record != nil {
			if err := appendLedgerRecord(ctx, tx, record); err != nil {
				return err
			}
		}
		return tx.UpsertFeatureAccess(ctx, deriveFeatureAccess(params.AccountID, newPlan.Tier, now))
	})
	if err != nil {
		return nil, s.mapConflict(err)
	}

	s.entitlements.Invalidate(ctx, params.AccountID)
	direction := "upgrade"
	if deltaCents < 0 {
		direction = "downgrade"
	}
	s.metrics.PlanChanges.WithLabelValues(direction).Inc()
	if record != nil {
		s.recordRevenue(record)
	}
	s.publisher.Publish(ctx, events.SubjectEntitlementsUpdated, events.EntitlementsUpdated{
		AccountID: params.AccountID, Tier: string(newPlan.Tier), OccurredAt: now,
	})

	return &SubscriptionDetail{Subscription: *sub, Plan: *newPlan}, nil
}

func (s *subscriptionService) Cancel(ctx context.Context, params CancelParams) (*SubscriptionDetail, error) {
	unlock := s.locks.Lock(params.AccountID.String())
	defer unlock()

	sub, err := s.store.GetCurrentSubscription(ctx, params.AccountID)
	if err != nil {
		return nil, ErrSubscriptionNotFound
	}
	// Trial subscriptions carry no plan.
	plan := &domain.Plan{}
	if sub.PlanID != uuid.Nil {
		plan, err = s.store.GetPlanByID(ctx, sub.PlanID)
		if err != nil {
			return nil, err
		}
	}

	now := s.now()

	if sub.State == domain.StateTrialing {
		return s.cancelTrial(ctx, sub, plan, now)
	}

	if sub.InCoolingOff(now) {
		detail, _, err := s.refundAndCancel(ctx, sub, plan, params.Reason, now)
		return detail, err
	}

	// Regular cancel: access runs to period end, gateway stops renewal.
	from := sub.State
	if err := transition(sub, domain.StateCanceled, now); err != nil {
		return nil, err
	}
	_, err = s.gateway.CancelSubscription(ctx, billing.CancelSubscriptionParams{
		SubscriptionID: sub.GatewaySubscriptionID,
		AtPeriodEnd:    true,
	})
	if err != nil {
		return nil, s.mapGatewayErr("subscription.cancel", err)
	}
	sub.CanceledAt = &now

	// Entitlements stay at the paid tier until the period lapses; the
	// period-end event or the self-heal sweep downgrades them.
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, s.mapConflict(err)
	}

	s.metrics.SubscriptionsCanceled.WithLabelValues(plan.Code, "false").Inc()
	s.publishTransition(ctx, sub, from, plan.Code, now)

	return &SubscriptionDetail{Subscription: *sub, Plan: *plan}, nil
}

func (s *subscriptionService) cancelTrial(ctx context.Context, sub *domain.Subscription, plan *domain.Plan, now time.Time) (*SubscriptionDetail, error) {
	from := sub.State
	if err := transition(sub, domain.StateCanceled, now); err != nil {
		return nil, err
	}
	sub.CanceledAt = &now

	err := s.store.Tx(ctx, func(tx repository.Store) error {
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		trial, err := tx.GetTrial(ctx, sub.AccountID)
		if err == nil && trial.Outcome == domain.TrialPending {
			trial.Outcome = domain.TrialExpired
			trial.UpdatedAt = now
			if err := tx.UpdateTrial(ctx, trial); err != nil {
				return err
			}
		}
		return tx.UpsertFeatureAccess(ctx, deriveFeatureAccess(sub.AccountID, domain.TierFree, now))
	})
	if err != nil {
		return nil, s.mapConflict(err)
	}

	s.entitlements.Invalidate(ctx, sub.AccountID)
	s.publisher.Publish(ctx, events.SubjectTrialEnded, events.TrialEvent{
		AccountID: sub.AccountID, Outcome: string(domain.TrialExpired), OccurredAt: now,
	})
	s.publishTransition(ctx, sub, from, plan.Code, now)

	return &SubscriptionDetail{Subscription: *sub, Plan: *plan}, nil
}

// refundAndCancel handles a cooling-off cancellation: full refund of the
// original charge (tax included), immediate gateway termination, and a
// compensating ledger entry.
func (s *subscriptionService) refundAndCancel(ctx context.Context, sub *domain.Subscription, plan *domain.Plan, reason string, now time.Time) (*SubscriptionDetail, *domain.BillingRecord, error) {
	records, err := s.store.ListBillingRecords(ctx, sub.AccountID, 50, 0)
	if err != nil {
		return nil, nil, err
	}
	var original *domain.BillingRecord
	for i := range records {
		if records[i].SubscriptionID == sub.ID && records[i].Type == domain.TransactionCharge {
			original = &records[i]
			break
		}
	}
	if original == nil || original.GatewayTransactionID == "" {
		return nil, nil, ErrSubscriptionNotBilled
	}

	if reason == "" {
		reason = "requested_by_customer"
	}
	var refund *billing.Refund
	err = billing.Retry(ctx, func() error {
		var gwErr error
		refund, gwErr = s.gateway.RefundPayment(ctx, billing.RefundParams{
			ChargeID:       original.GatewayTransactionID,
			Reason:         reason,
			IdempotencyKey: "refund_" + original.GatewayTransactionID,
		})
		return gwErr
	})
	if err != nil {
		return nil, nil, s.mapGatewayErr("subscription.refund", err)
	}

	if _, err := s.gateway.CancelSubscription(ctx, billing.CancelSubscriptionParams{
		SubscriptionID: sub.GatewaySubscriptionID,
	}); err != nil {
		// Refund already issued; the reconciliation sweep retires the
		// gateway subscription if this call failed.
		s.logger.Warn().Err(err).
			Str("gateway_subscription_id", sub.GatewaySubscriptionID).
			Msg("gateway cancel failed after refund")
	}

	negBreakdown := make([]domain.TaxLine, len(original.TaxBreakdown))
	for i, line := range original.TaxBreakdown {
		line.AmountCents = -line.AmountCents
		negBreakdown[i] = line
	}
	record := &domain.BillingRecord{
		ID:                   uuid.New(),
		AccountID:            sub.AccountID,
		SubscriptionID:       sub.ID,
		Type:                 domain.TransactionRefund,
		SubtotalCents:        -original.SubtotalCents,
		TaxCents:             -original.TaxCents,
		TotalCents:           -original.TotalCents,
		Currency:             original.Currency,
		Jurisdiction:         original.Jurisdiction,
		TaxBreakdown:         negBreakdown,
		GatewayTransactionID: refund.ID,
		Description:          "cooling-off refund",
		CreatedAt:            now,
	}

	from := sub.State
	if err := transition(sub, domain.StateRefunded, now); err != nil {
		return nil, nil, err
	}
	sub.CanceledAt = &now

	err = s.store.Tx(ctx, func(tx repository.Store) error {
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		if err := appendLedgerRecord(ctx, tx, record); err != nil {
			return err
		}
		return tx.UpsertFeatureAccess(ctx, deriveFeatureAccess(sub.AccountID, domain.TierFree, now))
	})
	if err != nil {
		return nil, nil, s.mapConflict(err)
	}

	s.entitlements.Invalidate(ctx, sub.AccountID)
	s.metrics.SubscriptionsCanceled.WithLabelValues(plan.Code, "true").Inc()
	s.metrics.RefundsIssued.Inc()
	s.recordRevenue(record)
	s.publishTransition(ctx, sub, from, plan.Code, now)

	return &SubscriptionDetail{Subscription: *sub, Plan: *plan, RefundedCents: -record.TotalCents}, record, nil
}

func (s *subscriptionService) RequestRefund(ctx context.Context, accountID uuid.UUID) (*domain.BillingRecord, error) {
	unlock := s.locks.Lock(accountID.String())
	defer unlock()

	sub, err := s.store.GetCurrentSubscription(ctx, accountID)
	if err != nil {
		return nil, ErrSubscriptionNotFound
	}
	if sub.State == domain.StateTrialing {
		return nil, ErrSubscriptionNotBilled
	}
	if sub.CoolingOffEndsAt == nil {
		return nil, ErrRefundMonthlyPlan
	}

	now := s.now()
	if !sub.InCoolingOff(now) {
		return nil, ErrRefundWindowClosed
	}

	plan, err := s.store.GetPlanByID(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	_, record, err := s.refundAndCancel(ctx, sub, plan, "requested_by_customer", now)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *subscriptionService) ApplyGatewayTransition(ctx context.Context, params GatewayTransitionParams) error {
	sub, err := s.store.GetSubscriptionByGatewayID(ctx, params.GatewaySubscriptionID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(sub.AccountID.String())
	defer unlock()

	// Re-read under the lock; the row may have moved.
	sub, err = s.store.GetSubscription(ctx, sub.ID)
	if err != nil {
		return err
	}

	plan, err := s.store.GetPlanByID(ctx, sub.PlanID)
	if err != nil {
		return err
	}
	now := s.now()
	from := sub.State

	switch params.Kind {
	case TransitionRenewal:
		return s.applyRenewal(ctx, sub, plan, params, now)

	case TransitionPaymentFailed:
		if sub.State != domain.StateActive {
			return nil // already past due or closed, nothing to do
		}
		if err := transition(sub, domain.StatePastDue, now); err != nil {
			return err
		}
		if err := s.store.UpdateSubscription(ctx, sub); err != nil {
			return s.mapConflict(err)
		}
		// Access degrades to the free tier while payment is failing.
		if err := s.store.UpsertFeatureAccess(ctx, deriveFeatureAccess(sub.AccountID, domain.TierFree, now)); err != nil {
			return err
		}
		s.entitlements.Invalidate(ctx, sub.AccountID)
		s.metrics.PaymentFailed.WithLabelValues("renewal").Inc()
		s.publishTransition(ctx, sub, from, plan.Code, now)
		return nil

	case TransitionPaymentRecovered:
		if sub.State != domain.StatePastDue {
			return nil
		}
		if err := transition(sub, domain.StateActive, now); err != nil {
			return err
		}
		if err := s.store.UpdateSubscription(ctx, sub); err != nil {
			return s.mapConflict(err)
		}
		if err := s.store.UpsertFeatureAccess(ctx, deriveFeatureAccess(sub.AccountID, plan.Tier, now)); err != nil {
			return err
		}
		s.entitlements.Invalidate(ctx, sub.AccountID)
		s.publishTransition(ctx, sub, from, plan.Code, now)
		return nil

	case TransitionEnded:
		if sub.State.Terminal() {
			// Already closed locally; just make sure access is revoked.
			if err := s.store.UpsertFeatureAccess(ctx, deriveFeatureAccess(sub.AccountID, domain.TierFree, now)); err != nil {
				return err
			}
			s.entitlements.Invalidate(ctx, sub.AccountID)
			return nil
		}
		if err := transition(sub, domain.StateCanceled, now); err != nil {
			return err
		}
		sub.CanceledAt = &now
		if err := s.store.UpdateSubscription(ctx, sub); err != nil {
			return s.mapConflict(err)
		}
		if err := s.store.UpsertFeatureAccess(ctx, deriveFeatureAccess(sub.AccountID, domain.TierFree, now)); err != nil {
			return err
		}
		s.entitlements.Invalidate(ctx, sub.AccountID)
		s.metrics.SubscriptionsCanceled.WithLabelValues(plan.Code, "false").Inc()
		s.publishTransition(ctx, sub, from, plan.Code, now)
		return nil

	default:
		return domain.Invalid("subscription.apply_transition", "unknown transition kind")
	}
}

// applyRenewal advances the billing period and records the renewal
// charge. A PAST_DUE subscription recovering via a paid invoice moves
// back to ACTIVE.
func (s *subscriptionService) applyRenewal(ctx context.Context, sub *domain.Subscription, plan *domain.Plan, params GatewayTransitionParams, now time.Time) error {
	if sub.State.Terminal() {
		return nil
	}
	if params.GatewayTransactionID != "" {
		// Replay guard: the same charge never books twice.
		if _, err := s.store.GetBillingRecordByGatewayTxID(ctx, params.GatewayTransactionID); err == nil {
			return nil
		}
	}

	profile, err := s.store.GetBillingProfile(ctx, sub.AccountID)
	if err != nil {
		return err
	}
	taxRes, err := s.taxCalc.Calculate(ctx, tax.Params{
		SubtotalCents: plan.PriceCents,
		Jurisdiction:  profile.Jurisdiction,
	})
	if err != nil {
		return ErrInvalidJurisdiction
	}

	total := plan.PriceCents + taxRes.TotalTaxCents
	if params.AmountCents != 0 && params.AmountCents != total {
		s.logger.Warn().
			Int64("gateway_cents", params.AmountCents).
			Int64("computed_cents", total).
			Str("subscription_id", sub.ID.String()).
			Msg("renewal amount mismatch, recording gateway amount")
	}

	from := sub.State
	if err := transition(sub, domain.StateActive, now); err != nil {
		return err
	}
	if !params.PeriodStart.IsZero() {
		sub.CurrentPeriodStart = params.PeriodStart
		sub.CurrentPeriodEnd = params.PeriodEnd
	} else {
		sub.CurrentPeriodStart = sub.CurrentPeriodEnd
		sub.CurrentPeriodEnd = plan.PeriodEnd(sub.CurrentPeriodStart)
	}

	record := &domain.BillingRecord{
		ID:                   uuid.New(),
		AccountID:            sub.AccountID,
		SubscriptionID:       sub.ID,
		Type:                 domain.TransactionCharge,
		SubtotalCents:        plan.PriceCents,
		TaxCents:             taxRes.TotalTaxCents,
		TotalCents:           total,
		Currency:             plan.Currency,
		Jurisdiction:         profile.Jurisdiction,
		TaxBreakdown:         taxRes.Breakdown,
		GatewayTransactionID: params.GatewayTransactionID,
		Description:          plan.Code + " renewal",
		CreatedAt:            now,
	}

	err = s.store.Tx(ctx, func(tx repository.Store) error {
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		if err := appendLedgerRecord(ctx, tx, record); err != nil {
			return err
		}
		return tx.UpsertFeatureAccess(ctx, deriveFeatureAccess(sub.AccountID, plan.Tier, now))
	})
	if err != nil {
		return s.mapConflict(err)
	}

	s.entitlements.Invalidate(ctx, sub.AccountID)
	s.recordRevenue(record)
	if from != domain.StateActive {
		s.publishTransition(ctx, sub, from, plan.Code, now)
	}
	return nil
}

// resolvePaymentMethod returns the requested method or the account
// default.
func (s *subscriptionService) resolvePaymentMethod(ctx context.Context, accountID, id uuid.UUID) (*domain.PaymentMethod, error) {
	if id != uuid.Nil {
		pm, err := s.store.GetPaymentMethod(ctx, id)
		if err != nil || pm.AccountID != accountID {
			return nil, ErrPaymentMethodNotFound
		}
		return pm, nil
	}
	methods, err := s.store.ListPaymentMethods(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for i := range methods {
		if methods[i].IsDefault {
			return &methods[i], nil
		}
	}
	return nil, ErrNoPaymentMethod
}

func (s *subscriptionService) publishTransition(ctx context.Context, sub *domain.Subscription, from domain.SubscriptionState, planCode string, now time.Time) {
	s.metrics.StateTransitions.WithLabelValues(string(from), string(sub.State)).Inc()
	s.publisher.Publish(ctx, events.SubjectSubscriptionChanged, events.SubscriptionChanged{
		AccountID:      sub.AccountID,
		SubscriptionID: sub.ID,
		FromState:      string(from),
		ToState:        string(sub.State),
		PlanCode:       planCode,
		OccurredAt:     now,
	})
}

func (s *subscriptionService) recordRevenue(record *domain.BillingRecord) {
	s.metrics.RevenueCents.WithLabelValues(string(record.Type)).Add(float64(record.TotalCents))
	if record.TaxCents > 0 {
		s.metrics.TaxCents.WithLabelValues(record.Jurisdiction).Add(float64(record.TaxCents))
	}
	if record.Type == domain.TransactionCharge {
		s.publisher.Publish(context.Background(), events.SubjectChargeRecorded, events.ChargeRecorded{
			AccountID:  record.AccountID,
			RecordID:   record.ID,
			Type:       string(record.Type),
			TotalCents: record.TotalCents,
			Currency:   record.Currency,
			OccurredAt: record.CreatedAt,
		})
	}
}

// mapGatewayErr translates gateway failures into the service error
// taxonomy.
func (s *subscriptionService) mapGatewayErr(op string, err error) error {
	var ge *billing.GatewayError
	if errors.As(err, &ge) && ge.IsDeclined() {
		s.metrics.PaymentFailed.WithLabelValues(declineReason(ge)).Inc()
		return ErrPaymentDeclined
	}
	if errors.Is(err, billing.ErrGatewayTimeout) {
		return ErrGatewayUnavailable
	}
	return domain.Internal(err, op, "payment gateway request failed")
}

func declineReason(ge *billing.GatewayError) string {
	if ge.DeclineCode != "" {
		return ge.DeclineCode
	}
	return ge.Code
}

// mapConflict surfaces version conflicts as ErrConcurrentModification
// and counts them.
func (s *subscriptionService) mapConflict(err error) error {
	if domain.ErrorCode(err) == domain.ECONFLICT {
		s.metrics.VersionConflicts.Inc()
		return ErrConcurrentModification
	}
	return err
}

// prorate computes the price delta owed for the remainder of the period,
// using whole UTC days.
func prorate(deltaCents int64, now, periodStart, periodEnd time.Time) int64 {
	total := daysBetweenUTC(periodStart, periodEnd)
	if total <= 0 {
		return 0
	}
	remaining := daysBetweenUTC(now, periodEnd)
	if remaining <= 0 {
		return 0
	}
	if remaining > total {
		remaining = total
	}
	return int64(math.Round(float64(deltaCents) * float64(remaining) / float64(total)))
}

// daysBetweenUTC counts calendar days between two instants' UTC dates.
func daysBetweenUTC(from, to time.Time) int {
	f := from.UTC()
	t := to.UTC()
	fd := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, time.UTC)
	td := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(td.Sub(fd) / (24 * time.Hour))
}

// deriveFeatureAccess projects a tier onto the feature catalog.
func deriveFeatureAccess(accountID uuid.UUID, tier domain.PlanTier, now time.Time) []domain.FeatureAccess {
	access := make([]domain.FeatureAccess, 0, len(domain.AllFeatures))
	for _, feature := range domain.AllFeatures {
		limit, granted := domain.TierLimit(tier, feature)
		access = append(access, domain.FeatureAccess{
			AccountID:  accountID,
			Feature:    feature,
			Granted:    granted,
			UsageLimit: limit,
			Tier:       tier,
			UpdatedAt:  now,
		})
	}
	return access
}

// appendLedgerRecord asserts the record reconciles before writing.
// Subtotal plus tax must equal total, and the breakdown must sum to the
// tax amount within one cent.
func appendLedgerRecord(ctx context.Context, store repository.Store, record *domain.BillingRecord) error {
	if !record.Consistent() {
		return ErrLedgerInconsistent
	}
	return store.AppendBillingRecord(ctx, record)
}
