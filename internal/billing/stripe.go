package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeGateway implements Gateway using the Stripe API.
type StripeGateway struct {
	webhookSecret string
}

// NewStripeGateway creates a Stripe-backed gateway. Setting the package
// key here means the package-level API clients are ready to use.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, ErrInvalidAPIKey
	}
	stripe.Key = cfg.APIKey
	return &StripeGateway{webhookSecret: cfg.WebhookSecret}, nil
}

// CreateCustomer creates a Stripe customer tagged with the account ID.
func (g *StripeGateway) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error) {
	p := &stripe.CustomerParams{
		Email: stripe.String(params.Email),
		Name:  stripe.String(params.Name),
		Metadata: map[string]string{
			"account_id": params.AccountID,
		},
	}
	for k, v := range params.Metadata {
		p.Metadata[k] = v
	}
	p.Context = ctx

	c, err := customer.New(p)
	if err != nil {
		return nil, wrapStripeErr("create customer", err)
	}
	return &Customer{
		ID:        c.ID,
		Email:     c.Email,
		CreatedAt: time.Unix(c.Created, 0),
	}, nil
}

// AttachPaymentMethod attaches a tokenized method to the customer.
func (g *StripeGateway) AttachPaymentMethod(ctx context.Context, params AttachPaymentMethodParams) (*PaymentMethod, error) {
	p := &stripe.PaymentMethodAttachParams{
		Customer: stripe.String(params.CustomerID),
	}
	p.Context = ctx

	pm, err := paymentmethod.Attach(params.PaymentMethodID, p)
	if err != nil {
		return nil, wrapStripeErr("attach payment method", err)
	}

	if params.SetDefault {
		if err := g.SetDefaultPaymentMethod(ctx, params.CustomerID, pm.ID); err != nil {
			return nil, err
		}
	}

	out := &PaymentMethod{ID: pm.ID}
	if pm.Card != nil {
		out.Brand = string(pm.Card.Brand)
		out.Last4 = pm.Card.Last4
		out.ExpMonth = int32(pm.Card.ExpMonth)
		out.ExpYear = int32(pm.Card.ExpYear)
	}
	return out, nil
}

// DetachPaymentMethod removes a payment method from its customer.
func (g *StripeGateway) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	p := &stripe.PaymentMethodDetachParams{}
	p.Context = ctx
	if _, err := paymentmethod.Detach(paymentMethodID, p); err != nil {
		return wrapStripeErr("detach payment method", err)
	}
	return nil
}

// SetDefaultPaymentMethod updates the customer's default for invoices.
func (g *StripeGateway) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	p := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	p.Context = ctx
	if _, err := customer.Update(customerID, p); err != nil {
		return wrapStripeErr("set default payment method", err)
	}
	return nil
}

// CreateSubscription creates a subscription with immediate payment.
// The first invoice charges synchronously; a declined card surfaces as a
// GatewayError here rather than asynchronously.
func (g *StripeGateway) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error) {
	p := &stripe.SubscriptionParams{
		Customer: stripe.String(params.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(params.PriceID)},
		},
		PaymentBehavior: stripe.String("error_if_incomplete"),
		Metadata:        params.Metadata,
	}
	if params.PaymentMethodID != "" {
		p.DefaultPaymentMethod = stripe.String(params.PaymentMethodID)
	}
	if params.IdempotencyKey != "" {
		p.SetIdempotencyKey(params.IdempotencyKey)
	}
	p.AddExpand("latest_invoice.payments.data.payment.charge")
	p.Context = ctx

	sub, err := subscription.New(p)
	if err != nil {
		return nil, wrapStripeErr("create subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

// UpdateSubscription switches the subscription's single item to a new
// price. Gateway proration is disabled; the caller invoices the computed
// delta itself.
func (g *StripeGateway) UpdateSubscription(ctx context.Context, params UpdateSubscriptionParams) (*Subscription, error) {
	current, err := g.GetSubscription(ctx, params.SubscriptionID)
	if err != nil {
		return nil, err
	}

	p := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.itemID),
				Price: stripe.String(params.NewPriceID),
			},
		},
		ProrationBehavior: stripe.String("none"),
	}
	if params.IdempotencyKey != "" {
		p.SetIdempotencyKey(params.IdempotencyKey)
	}
	p.Context = ctx

	sub, err := subscription.Update(params.SubscriptionID, p)
	if err != nil {
		return nil, wrapStripeErr("update subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

// CancelSubscription ends a subscription now or at period end.
func (g *StripeGateway) CancelSubscription(ctx context.Context, params CancelSubscriptionParams) (*Subscription, error) {
	if params.AtPeriodEnd {
		p := &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		p.Context = ctx
		sub, err := subscription.Update(params.SubscriptionID, p)
		if err != nil {
			return nil, wrapStripeErr("cancel subscription at period end", err)
		}
		return fromStripeSubscription(sub), nil
	}

	p := &stripe.SubscriptionCancelParams{}
	p.Context = ctx
	sub, err := subscription.Cancel(params.SubscriptionID, p)
	if err != nil {
		return nil, wrapStripeErr("cancel subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

// GetSubscription fetches the gateway's current view of a subscription.
func (g *StripeGateway) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	p := &stripe.SubscriptionParams{}
	p.AddExpand("latest_invoice.payments.data.payment.charge")
	p.Context = ctx

	sub, err := subscription.Get(subscriptionID, p)
	if err != nil {
		return nil, wrapStripeErr("get subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

// RefundPayment refunds a charge, fully when AmountCents is zero.
func (g *StripeGateway) RefundPayment(ctx context.Context, params RefundParams) (*Refund, error) {
	p := &stripe.RefundParams{
		Charge: stripe.String(params.ChargeID),
	}
	if params.AmountCents > 0 {
		p.Amount = stripe.Int64(params.AmountCents)
	}
	if params.Reason != "" {
		p.Reason = stripe.String(params.Reason)
	}
	if params.IdempotencyKey != "" {
		p.SetIdempotencyKey(params.IdempotencyKey)
	}
	p.Context = ctx

	r, err := refund.New(p)
	if err != nil {
		return nil, wrapStripeErr("refund payment", err)
	}
	return &Refund{
		ID:          r.ID,
		ChargeID:    params.ChargeID,
		AmountCents: r.Amount,
		Status:      string(r.Status),
		CreatedAt:   time.Unix(r.Created, 0),
	}, nil
}

// VerifyWebhookSignature checks the Stripe-Signature header against the
// endpoint secret and returns the verified event.
func (g *StripeGateway) VerifyWebhookSignature(payload []byte, signature string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEvent(payload, signature, g.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookSignature, err)
	}
	return &WebhookEvent{
		ID:        event.ID,
		Type:      string(event.Type),
		Raw:       event.Data.Raw,
		CreatedAt: time.Unix(event.Created, 0),
	}, nil
}

// fromStripeSubscription maps the SDK type. Period timestamps live on the
// subscription item since the 2025-03-31 API version.
func fromStripeSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            SubscriptionStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.itemID = item.ID
		out.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0)
		out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0)
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.Payments != nil {
		for _, ip := range sub.LatestInvoice.Payments.Data {
			if ip.Payment != nil && ip.Payment.Charge != nil {
				out.LatestChargeID = ip.Payment.Charge.ID
			}
		}
	}
	return out
}

// wrapStripeErr converts SDK errors into GatewayError, preserving the
// decline code for the service layer's error taxonomy.
func wrapStripeErr(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		ge := &GatewayError{
			Message:       stripeErr.Msg,
			Code:          string(stripeErr.Code),
			DeclineCode:   string(stripeErr.DeclineCode),
			RequestID:     stripeErr.RequestID,
			OriginalError: err,
		}
		if stripeErr.HTTPStatusCode == 404 {
			return fmt.Errorf("%s: %w", op, ErrSubscriptionNotFound)
		}
		return fmt.Errorf("%s: %w", op, ge)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrGatewayTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}
