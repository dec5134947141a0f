// Package events publishes billing lifecycle events for other services
// (notifications, analytics) to consume.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the billing engine.
const (
	SubjectSubscriptionChanged = "billing.subscription.changed"
	SubjectTrialStarted        = "billing.trial.started"
	SubjectTrialEnded          = "billing.trial.ended"
	SubjectChargeRecorded      = "billing.charge.recorded"
	SubjectEntitlementsUpdated = "billing.entitlements.updated"
)

// SubscriptionChanged is emitted on every lifecycle transition.
type SubscriptionChanged struct {
	AccountID      uuid.UUID `json:"account_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	FromState      string    `json:"from_state"`
	ToState        string    `json:"to_state"`
	PlanCode       string    `json:"plan_code"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// TrialEvent is emitted when a trial starts, converts, or expires.
type TrialEvent struct {
	AccountID  uuid.UUID `json:"account_id"`
	Outcome    string    `json:"outcome"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ChargeRecorded is emitted after a ledger append.
type ChargeRecorded struct {
	AccountID  uuid.UUID `json:"account_id"`
	RecordID   uuid.UUID `json:"record_id"`
	Type       string    `json:"type"`
	TotalCents int64     `json:"total_cents"`
	Currency   string    `json:"currency"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EntitlementsUpdated is emitted after the feature projection changes.
type EntitlementsUpdated struct {
	AccountID  uuid.UUID `json:"account_id"`
	Tier       string    `json:"tier"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher emits billing events. Publishing is best-effort: failures
// are logged by implementations, never surfaced to the billing flow.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any)
	Close()
}
