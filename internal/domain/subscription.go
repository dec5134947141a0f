package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionState is the lifecycle state of a subscription.
//
// The lifecycle is NONE -> TRIALING -> ACTIVE -> PAST_DUE -> CANCELED, with
// REFUNDED reachable from ACTIVE or PAST_DUE only inside the cooling-off
// window of a yearly plan. CANCELED and REFUNDED are terminal.
type SubscriptionState string

const (
	// StateNone is not stored; it names the absence of a subscription
	// in transition events and entitlement derivation.
	StateNone SubscriptionState = "none"

	StateTrialing SubscriptionState = "trialing"
	StateActive   SubscriptionState = "active"
	StatePastDue  SubscriptionState = "past_due"
	StateCanceled SubscriptionState = "canceled"
	StateRefunded SubscriptionState = "refunded"
)

// Terminal reports whether the state admits no further transitions.
func (s SubscriptionState) Terminal() bool {
	return s == StateCanceled || s == StateRefunded
}

// transitions encodes the allowed state machine edges.
var transitions = map[SubscriptionState][]SubscriptionState{
	StateNone:     {StateTrialing, StateActive},
	StateTrialing: {StateActive, StateCanceled},
	StateActive:   {StateActive, StatePastDue, StateCanceled, StateRefunded},
	StatePastDue:  {StateActive, StateCanceled, StateRefunded},
}

// CanTransition reports whether the state machine permits moving from one
// state to another. ACTIVE -> ACTIVE is allowed for plan changes.
func CanTransition(from, to SubscriptionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Subscription is the authoritative paid-status record for one account.
// At most one non-terminal subscription exists per account at any time.
type Subscription struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	PlanID    uuid.UUID

	State SubscriptionState

	// GatewaySubscriptionID is the external processor's subscription
	// reference (sub_...). Empty while trialing (no payment method yet).
	GatewaySubscriptionID string

	// FromTrial marks subscriptions that converted out of a trial.
	FromTrial bool

	// CoolingOffEndsAt is set for yearly plans only: cancellation before
	// this instant refunds the full original charge.
	CoolingOffEndsAt *time.Time

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time

	CanceledAt *time.Time

	// Version is a monotonic counter used for optimistic concurrency.
	// Every mutation must carry the version it read; a stale version
	// fails with ErrConcurrentModification.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InCoolingOff reports whether now falls inside the cooling-off window.
func (s *Subscription) InCoolingOff(now time.Time) bool {
	return s.CoolingOffEndsAt != nil && now.Before(*s.CoolingOffEndsAt)
}

// BillingProfile carries the account-level billing identity this engine
// needs: the tax jurisdiction and the gateway customer reference. The
// account itself lives in the external identity provider.
type BillingProfile struct {
	AccountID         uuid.UUID
	Jurisdiction      string // province/territory code, e.g. "ON"
	GatewayCustomerID string // cus_..., empty until first payment-method attach
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PaymentMethod is a stored reference to a card held by the gateway.
// Only display metadata is kept locally, never raw card data.
type PaymentMethod struct {
	ID        uuid.UUID
	AccountID uuid.UUID

	// GatewayPaymentMethodID is the gateway token reference (pm_...).
	GatewayPaymentMethodID string

	Brand    string
	Last4    string
	ExpMonth int32
	ExpYear  int32

	// IsDefault marks the method used for new subscriptions.
	// At most one default exists per account.
	IsDefault bool

	CreatedAt time.Time
}
