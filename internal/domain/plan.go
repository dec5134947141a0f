package domain

import (
	"time"

	"github.com/google/uuid"
)

// PlanTier identifies the pricing tier a plan belongs to.
type PlanTier string

const (
	TierFree     PlanTier = "free"
	TierStandard PlanTier = "standard"
	TierPremium  PlanTier = "premium"
)

// BillingInterval is the recurrence of a plan's charge.
type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalYearly  BillingInterval = "yearly"
)

// Plan is a purchasable subscription plan.
//
// Plans are immutable once referenced by a live subscription: a price change
// deactivates the old row and creates a new one, so historical billing records
// always resolve to the price that was actually charged.
type Plan struct {
	ID   uuid.UUID
	Code string // stable identifier, e.g. "premium_monthly"
	Name string

	Tier     PlanTier
	Interval BillingInterval

	// PriceCents is the recurring charge in minor units, before tax.
	PriceCents int64
	Currency   string

	// GatewayPriceID is the payment provider's price reference (price_...).
	GatewayPriceID string

	Active    bool
	CreatedAt time.Time
}

// IsFree reports whether the plan carries no recurring charge.
func (p Plan) IsFree() bool {
	return p.PriceCents == 0
}

// PeriodEnd returns the end of a billing period starting at from.
func (p Plan) PeriodEnd(from time.Time) time.Time {
	switch p.Interval {
	case IntervalYearly:
		return from.AddDate(1, 0, 0)
	default:
		return from.AddDate(0, 1, 0)
	}
}

// ValidTier reports whether t is a known plan tier.
func ValidTier(t PlanTier) bool {
	switch t {
	case TierFree, TierStandard, TierPremium:
		return true
	}
	return false
}

// ValidInterval reports whether i is a known billing interval.
func ValidInterval(i BillingInterval) bool {
	return i == IntervalMonthly || i == IntervalYearly
}
