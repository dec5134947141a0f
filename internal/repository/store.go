package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nidohq/nido-billing/internal/domain"
)

// Store is the persistence boundary for the billing engine. A Postgres
// implementation backs production; an in-memory implementation backs
// tests.
type Store interface {
	// Tx runs fn inside a transaction. Every write fn performs through
	// the passed Store commits or rolls back atomically. Nested Tx
	// calls reuse the outer transaction.
	Tx(ctx context.Context, fn func(Store) error) error

	PlanStore
	ProfileStore
	SubscriptionStore
	TrialStore
	PaymentMethodStore
	LedgerStore
	EntitlementStore
	EventStore
}

// PlanStore reads the immutable plan catalog.
type PlanStore interface {
	GetPlanByID(ctx context.Context, id uuid.UUID) (*domain.Plan, error)
	GetPlanByCode(ctx context.Context, code string) (*domain.Plan, error)
	// GetPlanByGatewayPriceID resolves webhook price references.
	GetPlanByGatewayPriceID(ctx context.Context, priceID string) (*domain.Plan, error)
	ListActivePlans(ctx context.Context) ([]domain.Plan, error)
	CreatePlan(ctx context.Context, plan *domain.Plan) error
}

// ProfileStore persists per-account billing identity.
type ProfileStore interface {
	GetBillingProfile(ctx context.Context, accountID uuid.UUID) (*domain.BillingProfile, error)
	CreateBillingProfile(ctx context.Context, profile *domain.BillingProfile) error
	UpdateBillingProfile(ctx context.Context, profile *domain.BillingProfile) error
}

// SubscriptionStore persists subscription lifecycle state.
//
// UpdateSubscription performs an optimistic compare-and-swap: the row is
// written only if its stored version still equals sub.Version, and the
// stored version is incremented. A stale version fails with a conflict
// error.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)
	// GetCurrentSubscription returns the account's single non-terminal
	// subscription, or a not-found error.
	GetCurrentSubscription(ctx context.Context, accountID uuid.UUID) (*domain.Subscription, error)
	GetSubscriptionByGatewayID(ctx context.Context, gatewaySubID string) (*domain.Subscription, error)
	// GetLatestSubscription returns the account's most recent
	// subscription regardless of state, so a canceled-but-paid-through
	// subscription stays visible until its period lapses.
	GetLatestSubscription(ctx context.Context, accountID uuid.UUID) (*domain.Subscription, error)
	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	UpdateSubscription(ctx context.Context, sub *domain.Subscription) error
	// ListSubscriptionsInState pages through subscriptions for sweep
	// jobs, ordered by ID for stable iteration.
	ListSubscriptionsInState(ctx context.Context, state domain.SubscriptionState, limit int, after uuid.UUID) ([]domain.Subscription, error)
}

// TrialStore persists trial progress. One row per account, ever.
type TrialStore interface {
	GetTrial(ctx context.Context, accountID uuid.UUID) (*domain.TrialProgress, error)
	CreateTrial(ctx context.Context, trial *domain.TrialProgress) error
	UpdateTrial(ctx context.Context, trial *domain.TrialProgress) error
	// ListExpirableTrials returns pending trials whose window lapsed
	// before the cutoff.
	ListExpirableTrials(ctx context.Context, cutoff time.Time, limit int) ([]domain.TrialProgress, error)
}

// PaymentMethodStore persists stored card references.
type PaymentMethodStore interface {
	GetPaymentMethod(ctx context.Context, id uuid.UUID) (*domain.PaymentMethod, error)
	ListPaymentMethods(ctx context.Context, accountID uuid.UUID) ([]domain.PaymentMethod, error)
	CreatePaymentMethod(ctx context.Context, pm *domain.PaymentMethod) error
	DeletePaymentMethod(ctx context.Context, id uuid.UUID) error
	// SetDefaultPaymentMethod atomically clears the account's previous
	// default and marks the given method.
	SetDefaultPaymentMethod(ctx context.Context, accountID, id uuid.UUID) error
}

// LedgerStore persists the append-only billing ledger.
type LedgerStore interface {
	AppendBillingRecord(ctx context.Context, record *domain.BillingRecord) error
	GetBillingRecordByGatewayTxID(ctx context.Context, gatewayTxID string) (*domain.BillingRecord, error)
	// ListBillingRecords returns an account's ledger newest-first.
	ListBillingRecords(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.BillingRecord, error)
	// SumBillingRecords returns the account's lifetime net total cents.
	SumBillingRecords(ctx context.Context, accountID uuid.UUID) (int64, error)
}

// EntitlementStore persists the derived feature-access projection.
type EntitlementStore interface {
	GetFeatureAccess(ctx context.Context, accountID uuid.UUID, feature domain.Feature) (*domain.FeatureAccess, error)
	ListFeatureAccess(ctx context.Context, accountID uuid.UUID) ([]domain.FeatureAccess, error)
	// UpsertFeatureAccess replaces the account's projection rows.
	UpsertFeatureAccess(ctx context.Context, access []domain.FeatureAccess) error
	// IncrementFeatureUsage bumps the usage counter and returns the
	// updated row. Fails with a conflict error if the limit is already
	// exhausted.
	IncrementFeatureUsage(ctx context.Context, accountID uuid.UUID, feature domain.Feature) (*domain.FeatureAccess, error)
}

// EventStore records processed gateway webhook events.
type EventStore interface {
	// MarkEventProcessed inserts the event ID. Returns false if the
	// event was already recorded, making replays detectable in one
	// round trip.
	MarkEventProcessed(ctx context.Context, event *domain.ProcessedGatewayEvent) (bool, error)
	// UnmarkEvent releases a claimed event so the gateway's retry can
	// reprocess it after a failure.
	UnmarkEvent(ctx context.Context, eventID string) error
}
