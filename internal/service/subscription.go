package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nidohq/nido-billing/internal/domain"
)

// SubscriptionService provides business logic for the subscription
// lifecycle.
//
// All mutating operations are safe under concurrent calls for the same
// account: an in-process keyed lock serializes local callers, and the
// subscription row's version check rejects anything that slips through
// with ErrConcurrentModification.
type SubscriptionService interface {
	// Subscribe starts a paid subscription for an account.
	//
	// Flow:
	//  1. Load billing profile for jurisdiction
	//  2. Resolve the plan and the payment method (default if unset)
	//  3. Compute tax for the account's jurisdiction
	//  4. Create the gateway subscription (charges the first invoice
	//     synchronously, keyed for idempotent retry)
	//  5. In one transaction: write the subscription row, append the
	//     charge to the ledger, mark a pending trial converted, and
	//     refresh the feature projection
	//
	// If the account is mid-trial, the trial converts: the existing
	// TRIALING row moves to ACTIVE and the trial is marked converted.
	// Yearly plans get a 14-day cooling-off window.
	//
	// Returns ErrAlreadySubscribed if a paid subscription exists,
	// ErrNoPaymentMethod if none is on file, ErrPaymentDeclined if the
	// gateway declines the card.
	Subscribe(ctx context.Context, params SubscribeParams) (*SubscriptionDetail, error)

	// GetSubscription returns the account's current subscription with
	// its plan, or ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, accountID uuid.UUID) (*SubscriptionDetail, error)

	// ChangePlan switches an ACTIVE subscription to a different plan.
	//
	// The price difference for the remainder of the period is prorated
	// by UTC day: an upgrade charges the delta (plus tax) immediately,
	// a downgrade appends a credit. Entitlements follow the new tier
	// right away. The period end does not move.
	ChangePlan(ctx context.Context, params ChangePlanParams) (*SubscriptionDetail, error)

	// Cancel ends the account's subscription.
	//
	// A TRIALING subscription cancels immediately. A yearly plan inside
	// its cooling-off window is refunded in full and moves to REFUNDED.
	// Anything else moves to CANCELED and retains access until the
	// current period ends; the gateway stops renewal at period end.
	Cancel(ctx context.Context, params CancelParams) (*SubscriptionDetail, error)

	// RequestRefund refunds the original charge of a yearly subscription
	// still inside its cooling-off window and moves it to REFUNDED. The
	// offsetting ledger record is returned.
	//
	// Returns ErrRefundMonthlyPlan for plans without a cooling-off
	// window and ErrRefundWindowClosed once the window has lapsed.
	RequestRefund(ctx context.Context, accountID uuid.UUID) (*domain.BillingRecord, error)

	// ApplyGatewayTransition applies a state change reported by the
	// gateway (renewal, payment failure, final cancellation). Called by
	// the webhook reconciler and the self-heal sweep, never directly by
	// handlers.
	ApplyGatewayTransition(ctx context.Context, params GatewayTransitionParams) error
}

// SubscribeParams contains parameters for starting a paid subscription.
type SubscribeParams struct {
	AccountID uuid.UUID

	// PlanCode identifies the plan, e.g. "premium_monthly".
	PlanCode string

	// PaymentMethodID selects a stored payment method. Zero value uses
	// the account default.
	PaymentMethodID uuid.UUID

	// IdempotencyKey dedupes client retries end to end. Required.
	IdempotencyKey string
}

// ChangePlanParams contains parameters for a plan switch.
type ChangePlanParams struct {
	AccountID      uuid.UUID
	NewPlanCode    string
	IdempotencyKey string
}

// CancelParams contains parameters for cancellation.
type CancelParams struct {
	AccountID uuid.UUID
	Reason    string
}

// GatewayTransitionKind names the gateway-driven changes the reconciler
// can apply.
type GatewayTransitionKind string

const (
	// TransitionRenewal advances the period after a paid renewal
	// invoice and records the charge.
	TransitionRenewal GatewayTransitionKind = "renewal"
	// TransitionPaymentFailed moves ACTIVE to PAST_DUE.
	TransitionPaymentFailed GatewayTransitionKind = "payment_failed"
	// TransitionPaymentRecovered moves PAST_DUE back to ACTIVE.
	TransitionPaymentRecovered GatewayTransitionKind = "payment_recovered"
	// TransitionEnded finalizes a subscription the gateway closed.
	TransitionEnded GatewayTransitionKind = "ended"
)

// GatewayTransitionParams describes one gateway-driven change.
type GatewayTransitionParams struct {
	GatewaySubscriptionID string
	Kind                  GatewayTransitionKind

	// PeriodStart/PeriodEnd carry the new period on renewal.
	PeriodStart time.Time
	PeriodEnd   time.Time

	// GatewayTransactionID is the renewal charge reference.
	GatewayTransactionID string

	// AmountCents is the gateway-reported charge total on renewal,
	// checked against the locally computed amount.
	AmountCents int64
}

// SubscriptionDetail is a subscription joined with its plan.
type SubscriptionDetail struct {
	Subscription domain.Subscription
	Plan         domain.Plan

	// RefundedCents is set when a cancellation issued a refund.
	RefundedCents int64
}
