package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MockGateway is a mock payment gateway for testing.
// Simulates successful flows without calling the Stripe API.
type MockGateway struct {
	// CreateCustomerFunc allows customizing customer creation behavior
	CreateCustomerFunc func(ctx context.Context, params CreateCustomerParams) (*Customer, error)

	// AttachPaymentMethodFunc allows customizing method attach behavior
	AttachPaymentMethodFunc func(ctx context.Context, params AttachPaymentMethodParams) (*PaymentMethod, error)

	// CreateSubscriptionFunc allows customizing subscription creation behavior
	CreateSubscriptionFunc func(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error)

	// UpdateSubscriptionFunc allows customizing price-switch behavior
	UpdateSubscriptionFunc func(ctx context.Context, params UpdateSubscriptionParams) (*Subscription, error)

	// CancelSubscriptionFunc allows customizing cancellation behavior
	CancelSubscriptionFunc func(ctx context.Context, params CancelSubscriptionParams) (*Subscription, error)

	// GetSubscriptionFunc allows customizing retrieval behavior
	GetSubscriptionFunc func(ctx context.Context, subscriptionID string) (*Subscription, error)

	// RefundPaymentFunc allows customizing refund behavior
	RefundPaymentFunc func(ctx context.Context, params RefundParams) (*Refund, error)

	// VerifyWebhookSignatureFunc allows customizing webhook verification
	VerifyWebhookSignatureFunc func(payload []byte, signature string) (*WebhookEvent, error)

	// Customers stores created customers for retrieval
	Customers map[string]*Customer

	// Subscriptions stores created subscriptions for retrieval
	Subscriptions map[string]*Subscription

	// IdempotencyKeys records every key seen by create calls, so tests
	// can assert that retries reuse the original key.
	IdempotencyKeys []string

	// CallLog tracks method calls for test assertions
	CallLog []string
}

// NewMockGateway creates a new mock payment gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		Customers:     make(map[string]*Customer),
		Subscriptions: make(map[string]*Subscription),
		CallLog:       []string{},
	}
}

// CreateCustomer creates a mock customer.
func (m *MockGateway) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CreateCustomer(%s)", params.AccountID))

	if m.CreateCustomerFunc != nil {
		return m.CreateCustomerFunc(ctx, params)
	}

	c := &Customer{
		ID:        "cus_" + uuid.New().String()[:8],
		Email:     params.Email,
		CreatedAt: time.Now(),
	}
	m.Customers[c.ID] = c
	return c, nil
}

// AttachPaymentMethod attaches a mock payment method.
func (m *MockGateway) AttachPaymentMethod(ctx context.Context, params AttachPaymentMethodParams) (*PaymentMethod, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("AttachPaymentMethod(%s, %s)", params.CustomerID, params.PaymentMethodID))

	if m.AttachPaymentMethodFunc != nil {
		return m.AttachPaymentMethodFunc(ctx, params)
	}

	return &PaymentMethod{
		ID:       params.PaymentMethodID,
		Brand:    "visa",
		Last4:    "4242",
		ExpMonth: 12,
		ExpYear:  2031,
	}, nil
}

// DetachPaymentMethod records the call and succeeds.
func (m *MockGateway) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	m.CallLog = append(m.CallLog, fmt.Sprintf("DetachPaymentMethod(%s)", paymentMethodID))
	return nil
}

// SetDefaultPaymentMethod records the call and succeeds.
func (m *MockGateway) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	m.CallLog = append(m.CallLog, fmt.Sprintf("SetDefaultPaymentMethod(%s, %s)", customerID, paymentMethodID))
	return nil
}

// CreateSubscription creates a mock subscription with a one-month period.
func (m *MockGateway) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CreateSubscription(%s, %s)", params.CustomerID, params.PriceID))
	if params.IdempotencyKey != "" {
		m.IdempotencyKeys = append(m.IdempotencyKeys, params.IdempotencyKey)
	}

	if m.CreateSubscriptionFunc != nil {
		return m.CreateSubscriptionFunc(ctx, params)
	}

	now := time.Now()
	sub := &Subscription{
		ID:                 "sub_" + uuid.New().String()[:8],
		CustomerID:         params.CustomerID,
		PriceID:            params.PriceID,
		Status:             SubscriptionStatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		LatestChargeID:     "ch_" + uuid.New().String()[:8],
	}
	m.Subscriptions[sub.ID] = sub
	return sub, nil
}

// UpdateSubscription switches the price on a stored mock subscription.
func (m *MockGateway) UpdateSubscription(ctx context.Context, params UpdateSubscriptionParams) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("UpdateSubscription(%s, %s)", params.SubscriptionID, params.NewPriceID))
	if params.IdempotencyKey != "" {
		m.IdempotencyKeys = append(m.IdempotencyKeys, params.IdempotencyKey)
	}

	if m.UpdateSubscriptionFunc != nil {
		return m.UpdateSubscriptionFunc(ctx, params)
	}

	sub, exists := m.Subscriptions[params.SubscriptionID]
	if !exists {
		return nil, ErrSubscriptionNotFound
	}
	sub.PriceID = params.NewPriceID
	sub.LatestChargeID = "ch_" + uuid.New().String()[:8]
	return sub, nil
}

// CancelSubscription cancels a stored mock subscription.
func (m *MockGateway) CancelSubscription(ctx context.Context, params CancelSubscriptionParams) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CancelSubscription(%s, atPeriodEnd=%t)", params.SubscriptionID, params.AtPeriodEnd))

	if m.CancelSubscriptionFunc != nil {
		return m.CancelSubscriptionFunc(ctx, params)
	}

	sub, exists := m.Subscriptions[params.SubscriptionID]
	if !exists {
		return nil, ErrSubscriptionNotFound
	}
	if params.AtPeriodEnd {
		sub.CancelAtPeriodEnd = true
	} else {
		sub.Status = SubscriptionStatusCanceled
	}
	return sub, nil
}

// GetSubscription returns a stored mock subscription.
func (m *MockGateway) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("GetSubscription(%s)", subscriptionID))

	if m.GetSubscriptionFunc != nil {
		return m.GetSubscriptionFunc(ctx, subscriptionID)
	}

	sub, exists := m.Subscriptions[subscriptionID]
	if !exists {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// RefundPayment returns a successful mock refund.
func (m *MockGateway) RefundPayment(ctx context.Context, params RefundParams) (*Refund, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("RefundPayment(%s, %d)", params.ChargeID, params.AmountCents))

	if m.RefundPaymentFunc != nil {
		return m.RefundPaymentFunc(ctx, params)
	}

	return &Refund{
		ID:          "re_" + uuid.New().String()[:8],
		ChargeID:    params.ChargeID,
		AmountCents: params.AmountCents,
		Status:      "succeeded",
		CreatedAt:   time.Now(),
	}, nil
}

// VerifyWebhookSignature accepts any payload by default.
func (m *MockGateway) VerifyWebhookSignature(payload []byte, signature string) (*WebhookEvent, error) {
	m.CallLog = append(m.CallLog, "VerifyWebhookSignature")

	if m.VerifyWebhookSignatureFunc != nil {
		return m.VerifyWebhookSignatureFunc(payload, signature)
	}

	return &WebhookEvent{
		ID:        "evt_" + uuid.New().String()[:8],
		Type:      "mock",
		Raw:       payload,
		CreatedAt: time.Now(),
	}, nil
}
