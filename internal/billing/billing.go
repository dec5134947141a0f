package billing

import (
	"context"
	"time"
)

// Gateway defines the interface for the payment processor.
// Implementations can use Stripe, Braintree, etc.
type Gateway interface {
	// CreateCustomer creates a customer record at the gateway.
	// Called lazily on first payment-method attach.
	CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error)

	// AttachPaymentMethod attaches a tokenized payment method to a
	// customer and returns its display metadata.
	AttachPaymentMethod(ctx context.Context, params AttachPaymentMethodParams) (*PaymentMethod, error)

	// DetachPaymentMethod removes a payment method from a customer.
	DetachPaymentMethod(ctx context.Context, paymentMethodID string) error

	// SetDefaultPaymentMethod marks the method used for future invoices.
	SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error

	// CreateSubscription creates a recurring subscription and charges
	// the first invoice immediately. IdempotencyKey must be set by the
	// caller; retries with the same key never double-charge.
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error)

	// UpdateSubscription switches a subscription to a different price.
	// The proration charge or credit is computed locally and passed as
	// an invoice adjustment; the gateway's own proration is disabled.
	UpdateSubscription(ctx context.Context, params UpdateSubscriptionParams) (*Subscription, error)

	// CancelSubscription cancels a subscription. With AtPeriodEnd the
	// subscription stays billable until the period closes; otherwise it
	// terminates immediately.
	CancelSubscription(ctx context.Context, params CancelSubscriptionParams) (*Subscription, error)

	// GetSubscription retrieves the gateway's current view of a
	// subscription, used by the reconciliation sweep.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// RefundPayment refunds a completed charge, fully or partially.
	RefundPayment(ctx context.Context, params RefundParams) (*Refund, error)

	// VerifyWebhookSignature verifies that a webhook request is
	// authentic and returns the parsed event.
	VerifyWebhookSignature(payload []byte, signature string) (*WebhookEvent, error)
}

// CreateCustomerParams contains parameters for creating a customer.
type CreateCustomerParams struct {
	AccountID string
	Email     string
	Name      string
	Metadata  map[string]string
}

// Customer represents a gateway customer.
type Customer struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// AttachPaymentMethodParams attaches a tokenized method to a customer.
type AttachPaymentMethodParams struct {
	CustomerID      string
	PaymentMethodID string // tokenized pm_... reference from the client
	SetDefault      bool
}

// PaymentMethod is the gateway's view of a stored card.
type PaymentMethod struct {
	ID       string
	Brand    string
	Last4    string
	ExpMonth int32
	ExpYear  int32
}

// CreateSubscriptionParams contains parameters for creating a subscription.
type CreateSubscriptionParams struct {
	CustomerID string
	PriceID    string

	// PaymentMethodID, when set, overrides the customer default.
	PaymentMethodID string

	// IdempotencyKey dedupes retried creates at the gateway.
	IdempotencyKey string

	Metadata map[string]string
}

// UpdateSubscriptionParams switches a subscription's price.
type UpdateSubscriptionParams struct {
	SubscriptionID string
	NewPriceID     string
	IdempotencyKey string
}

// CancelSubscriptionParams cancels a subscription.
type CancelSubscriptionParams struct {
	SubscriptionID string
	AtPeriodEnd    bool
}

// SubscriptionStatus is the gateway's status vocabulary.
type SubscriptionStatus string

const (
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
)

// Subscription represents a gateway subscription.
type Subscription struct {
	ID                 string
	CustomerID         string
	PriceID            string
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool

	// LatestChargeID is the charge created by the most recent invoice,
	// recorded in the ledger so refunds can reference it.
	LatestChargeID string

	// itemID is the gateway's subscription item reference, needed when
	// switching prices. Internal to the Stripe implementation.
	itemID string
}

// RefundParams contains parameters for refunding a charge.
type RefundParams struct {
	ChargeID       string
	AmountCents    int64 // 0 means full refund
	Reason         string
	IdempotencyKey string
}

// Refund represents a completed or pending refund.
type Refund struct {
	ID          string
	ChargeID    string
	AmountCents int64
	Status      string
	CreatedAt   time.Time
}

// WebhookEvent is a verified gateway event.
type WebhookEvent struct {
	ID   string // evt_...
	Type string // e.g. "invoice.payment_failed"

	// Raw is the event's data.object JSON for type-specific decoding.
	Raw []byte

	CreatedAt time.Time
}
