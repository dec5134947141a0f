package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nidohq/nido-billing/internal/billing"
	"github.com/nidohq/nido-billing/internal/domain"
	"github.com/nidohq/nido-billing/internal/repository"
	"github.com/nidohq/nido-billing/internal/telemetry"
)

// Reconciler applies gateway webhook events and periodically repairs
// divergence between local state and the gateway's view.
type Reconciler interface {
	// Apply processes one verified webhook event exactly once. A replay
	// of an already-processed event ID is acknowledged without effect.
	// Unknown event types are acknowledged and ignored.
	Apply(ctx context.Context, event *billing.WebhookEvent) error

	// Sweep walks non-terminal subscriptions whose period end has
	// passed, asks the gateway for the truth, and applies whatever
	// transitions were missed. It also revokes access for canceled
	// subscriptions whose paid period has lapsed. Cancellation between
	// accounts is cooperative: a canceled context stops the walk at the
	// next account boundary.
	Sweep(ctx context.Context, now time.Time) (*SweepReport, error)
}

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	Examined int
	Repaired int
	Revoked  int
}

type reconciler struct {
	store        repository.Store
	gateway      billing.Gateway
	subs         SubscriptionService
	entitlements EntitlementInvalidator
	metrics      *telemetry.BusinessMetrics
	logger       zerolog.Logger
	now          func() time.Time
}

// NewReconciler creates a Reconciler instance.
func NewReconciler(
	store repository.Store,
	gateway billing.Gateway,
	subs SubscriptionService,
	entitlements EntitlementInvalidator,
	metrics *telemetry.BusinessMetrics,
	logger zerolog.Logger,
) Reconciler {
	return &reconciler{
		store:        store,
		gateway:      gateway,
		subs:         subs,
		entitlements: entitlements,
		metrics:      metrics,
		logger:       logger.With().Str("service", "reconciler").Logger(),
		now:          time.Now,
	}
}

// invoicePayload is the slice of a gateway invoice event this engine
// needs. The subscription reference moved under parent in newer API
// versions; both locations are read.
type invoicePayload struct {
	ID            string `json:"id"`
	BillingReason string `json:"billing_reason"`
	AmountPaid    int64  `json:"amount_paid"`
	AmountDue     int64  `json:"amount_due"`
	Subscription  string `json:"subscription"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	PeriodStart int64 `json:"period_start"`
	PeriodEnd   int64 `json:"period_end"`
}

func (p *invoicePayload) subscriptionID() string {
	if p.Subscription != "" {
		return p.Subscription
	}
	return p.Parent.SubscriptionDetails.Subscription
}

// subscriptionPayload is the slice of a gateway subscription event this
// engine needs.
type subscriptionPayload struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

func (r *reconciler) Apply(ctx context.Context, event *billing.WebhookEvent) error {
	start := r.now()
	r.metrics.WebhookReceived.WithLabelValues(event.Type).Inc()

	// Claim the event ID before doing anything. A concurrent or
	// repeated delivery of the same event loses the insert and is
	// acknowledged as a replay.
	if err := r.claimEvent(ctx, event, start); err != nil {
		if errors.Is(err, ErrEventAlreadyProcessed) {
			r.metrics.WebhookReplayed.Inc()
			return nil
		}
		return err
	}

	if err := r.apply(ctx, event); err != nil {
		r.metrics.WebhookFailed.WithLabelValues(event.Type).Inc()
		// Release the claim so the gateway's retry can reprocess.
		if unmarkErr := r.store.UnmarkEvent(ctx, event.ID); unmarkErr != nil {
			r.logger.Error().Err(unmarkErr).
				Str("event_id", event.ID).
				Msg("failed to release event claim, event is lost to the sweep")
		}
		return err
	}

	r.metrics.WebhookLatency.Observe(time.Since(start).Seconds())
	return nil
}

// claimEvent records the event ID, failing with ErrEventAlreadyProcessed
// when another delivery holds the claim.
func (r *reconciler) claimEvent(ctx context.Context, event *billing.WebhookEvent, at time.Time) error {
	fresh, err := r.store.MarkEventProcessed(ctx, &domain.ProcessedGatewayEvent{
		EventID:     event.ID,
		EventType:   event.Type,
		ProcessedAt: at,
	})
	if err != nil {
		return err
	}
	if !fresh {
		return ErrEventAlreadyProcessed
	}
	return nil
}

func (r *reconciler) apply(ctx context.Context, event *billing.WebhookEvent) error {
	switch event.Type {
	case "invoice.payment_succeeded", "invoice.paid":
		var inv invoicePayload
		if err := json.Unmarshal(event.Raw, &inv); err != nil {
			return domain.Invalid("reconciler.apply", "malformed invoice payload")
		}
		if inv.subscriptionID() == "" {
			return nil // one-off invoice, not ours
		}
		if inv.BillingReason == "subscription_create" {
			// The first charge was booked synchronously at subscribe
			// time; only recovery from PAST_DUE matters here.
			return r.ignoreNotFound(r.subs.ApplyGatewayTransition(ctx, GatewayTransitionParams{
				GatewaySubscriptionID: inv.subscriptionID(),
				Kind:                  TransitionPaymentRecovered,
			}))
		}
		amount := inv.AmountPaid
		if amount == 0 {
			amount = inv.AmountDue
		}
		return r.ignoreNotFound(r.subs.ApplyGatewayTransition(ctx, GatewayTransitionParams{
			GatewaySubscriptionID: inv.subscriptionID(),
			Kind:                  TransitionRenewal,
			PeriodStart:           time.Unix(inv.PeriodStart, 0),
			PeriodEnd:             time.Unix(inv.PeriodEnd, 0),
			GatewayTransactionID:  inv.ID,
			AmountCents:           amount,
		}))

	case "invoice.payment_failed":
		var inv invoicePayload
		if err := json.Unmarshal(event.Raw, &inv); err != nil {
			return domain.Invalid("reconciler.apply", "malformed invoice payload")
		}
		if inv.subscriptionID() == "" {
			return nil
		}
		return r.ignoreNotFound(r.subs.ApplyGatewayTransition(ctx, GatewayTransitionParams{
			GatewaySubscriptionID: inv.subscriptionID(),
			Kind:                  TransitionPaymentFailed,
		}))

	case "customer.subscription.updated":
		var sub subscriptionPayload
		if err := json.Unmarshal(event.Raw, &sub); err != nil {
			return domain.Invalid("reconciler.apply", "malformed subscription payload")
		}
		switch sub.Status {
		case "active":
			return r.ignoreNotFound(r.subs.ApplyGatewayTransition(ctx, GatewayTransitionParams{
				GatewaySubscriptionID: sub.ID,
				Kind:                  TransitionPaymentRecovered,
			}))
		case "past_due", "unpaid":
			return r.ignoreNotFound(r.subs.ApplyGatewayTransition(ctx, GatewayTransitionParams{
				GatewaySubscriptionID: sub.ID,
				Kind:                  TransitionPaymentFailed,
			}))
		}
		return nil

	case "customer.subscription.deleted":
		var sub subscriptionPayload
		if err := json.Unmarshal(event.Raw, &sub); err != nil {
			return domain.Invalid("reconciler.apply", "malformed subscription payload")
		}
		return r.ignoreNotFound(r.subs.ApplyGatewayTransition(ctx, GatewayTransitionParams{
			GatewaySubscriptionID: sub.ID,
			Kind:                  TransitionEnded,
		}))

	default:
		// Acknowledge everything else so the gateway stops retrying.
		r.logger.Debug().Str("type", event.Type).Msg("ignoring gateway event")
		return nil
	}
}

// ignoreNotFound acknowledges events for subscriptions this engine never
// tracked (e.g. created directly in the gateway dashboard).
func (r *reconciler) ignoreNotFound(err error) error {
	if domain.ErrorCode(err) == domain.ENOTFOUND {
		r.logger.Warn().Err(err).Msg("event references unknown subscription")
		return nil
	}
	return err
}

func (r *reconciler) Sweep(ctx context.Context, now time.Time) (*SweepReport, error) {
	const sweepName = "reconcile"
	start := r.now()
	report := &SweepReport{}

	for _, state := range []domain.SubscriptionState{domain.StateActive, domain.StatePastDue} {
		if err := r.sweepState(ctx, state, now, report); err != nil {
			r.metrics.SweepRuns.WithLabelValues(sweepName, "error").Inc()
			return report, err
		}
	}
	if err := r.revokeLapsed(ctx, now, report); err != nil {
		r.metrics.SweepRuns.WithLabelValues(sweepName, "error").Inc()
		return report, err
	}

	r.metrics.SweepRuns.WithLabelValues(sweepName, "ok").Inc()
	r.metrics.SweepDuration.WithLabelValues(sweepName).Observe(time.Since(start).Seconds())
	return report, nil
}

// sweepState repairs subscriptions whose local period end has passed
// without a gateway event arriving: the gateway is asked for its view
// and the missed transition is applied.
func (r *reconciler) sweepState(ctx context.Context, state domain.SubscriptionState, now time.Time, report *SweepReport) error {
	const batchSize = 100
	// Give the gateway a day of slack before treating silence as
	// divergence; renewal webhooks routinely lag the period boundary.
	cutoff := now.Add(-24 * time.Hour)

	var after uuid.UUID
	for {
		subs, err := r.store.ListSubscriptionsInState(ctx, state, batchSize, after)
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			return nil
		}
		for i := range subs {
			if err := ctx.Err(); err != nil {
				return err
			}
			after = subs[i].ID
			if subs[i].CurrentPeriodEnd.After(cutoff) || subs[i].GatewaySubscriptionID == "" {
				continue
			}
			report.Examined++
			if err := r.repairOne(ctx, &subs[i]); err != nil {
				r.logger.Error().Err(err).
					Str("subscription_id", subs[i].ID.String()).
					Msg("failed to reconcile subscription")
				continue
			}
			report.Repaired++
		}
		if len(subs) < batchSize {
			return nil
		}
	}
}

func (r *reconciler) repairOne(ctx context.Context, sub *domain.Subscription) error {
	gwSub, err := r.gateway.GetSubscription(ctx, sub.GatewaySubscriptionID)
	if err != nil {
		return err
	}

	const sweepName = "reconcile"
	switch gwSub.Status {
	case billing.SubscriptionStatusActive:
		if err := r.adoptGatewayPlan(ctx, sub, gwSub.PriceID); err != nil {
			return err
		}
		// Renewed at the gateway but the webhook never landed: adopt
		// the gateway's period. LatestChargeID dedupes the ledger write
		// if the event arrives later.
		r.metrics.SweepRepairs.WithLabelValues(sweepName).Inc()
		return r.subs.ApplyGatewayTransition(ctx, GatewayTransitionParams{
			GatewaySubscriptionID: sub.GatewaySubscriptionID,
			Kind:                  TransitionRenewal,
			PeriodStart:           gwSub.CurrentPeriodStart,
			PeriodEnd:             gwSub.CurrentPeriodEnd,
			GatewayTransactionID:  gwSub.LatestChargeID,
		})
	case billing.SubscriptionStatusPastDue, billing.SubscriptionStatusUnpaid:
		r.metrics.SweepRepairs.WithLabelValues(sweepName).Inc()
		return r.subs.ApplyGatewayTransition(ctx, GatewayTransitionParams{
			GatewaySubscriptionID: sub.GatewaySubscriptionID,
			Kind:                  TransitionPaymentFailed,
		})
	case billing.SubscriptionStatusCanceled, billing.SubscriptionStatusIncompleteExpired:
		r.metrics.SweepRepairs.WithLabelValues(sweepName).Inc()
		return r.subs.ApplyGatewayTransition(ctx, GatewayTransitionParams{
			GatewaySubscriptionID: sub.GatewaySubscriptionID,
			Kind:                  TransitionEnded,
		})
	}
	return nil
}

// adoptGatewayPlan aligns the local plan with the gateway's price when
// the subscription was switched from the gateway side (e.g. in the
// processor dashboard). Unknown prices are left alone and logged.
func (r *reconciler) adoptGatewayPlan(ctx context.Context, sub *domain.Subscription, priceID string) error {
	if priceID == "" {
		return nil
	}
	plan, err := r.store.GetPlanByGatewayPriceID(ctx, priceID)
	if err != nil {
		r.logger.Warn().
			Str("gateway_price_id", priceID).
			Str("subscription_id", sub.ID.String()).
			Msg("gateway price does not match any plan")
		return nil
	}
	if plan.ID == sub.PlanID {
		return nil
	}

	now := r.now()
	sub.PlanID = plan.ID
	sub.UpdatedAt = now
	err = r.store.Tx(ctx, func(tx repository.Store) error {
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		return tx.UpsertFeatureAccess(ctx, deriveFeatureAccess(sub.AccountID, plan.Tier, now))
	})
	if err != nil {
		return err
	}
	r.entitlements.Invalidate(ctx, sub.AccountID)
	return nil
}

// revokeLapsed downgrades entitlements for canceled subscriptions whose
// paid-through period has ended. Cancellation keeps access until period
// end; this is where that access actually expires when the gateway's
// final deletion event was missed.
func (r *reconciler) revokeLapsed(ctx context.Context, now time.Time, report *SweepReport) error {
	const batchSize = 100
	var after uuid.UUID
	for {
		subs, err := r.store.ListSubscriptionsInState(ctx, domain.StateCanceled, batchSize, after)
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			return nil
		}
		for i := range subs {
			if err := ctx.Err(); err != nil {
				return err
			}
			after = subs[i].ID
			if subs[i].CurrentPeriodEnd.After(now) {
				continue
			}
			access, err := r.store.ListFeatureAccess(ctx, subs[i].AccountID)
			if err != nil {
				continue
			}
			stale := false
			for _, fa := range access {
				if fa.Tier != domain.TierFree {
					stale = true
					break
				}
			}
			if !stale {
				continue
			}
			// Another live subscription supersedes the canceled one.
			if _, err := r.store.GetCurrentSubscription(ctx, subs[i].AccountID); err == nil {
				continue
			}
			if err := r.store.UpsertFeatureAccess(ctx, deriveFeatureAccess(subs[i].AccountID, domain.TierFree, now)); err != nil {
				r.logger.Error().Err(err).
					Str("account_id", subs[i].AccountID.String()).
					Msg("failed to revoke lapsed access")
				continue
			}
			r.entitlements.Invalidate(ctx, subs[i].AccountID)
			report.Revoked++
		}
		if len(subs) < batchSize {
			return nil
		}
	}
}
