package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nidohq/nido-billing/internal/billing"
	"github.com/nidohq/nido-billing/internal/domain"
	"github.com/nidohq/nido-billing/internal/repository"
	"github.com/nidohq/nido-billing/internal/tax"
)

// PaymentMethodService manages stored payment methods. Card data never
// touches this service: the client tokenizes with the gateway and only
// the token reference arrives here.
type PaymentMethodService interface {
	// Attach stores a gateway-tokenized payment method. The first
	// method an account attaches becomes its default, and the gateway
	// customer is created lazily on first attach.
	Attach(ctx context.Context, params AttachParams) (*domain.PaymentMethod, error)

	// List returns the account's stored methods, newest first.
	List(ctx context.Context, accountID uuid.UUID) ([]domain.PaymentMethod, error)

	// SetDefault marks the method used for new subscriptions. At most
	// one default exists per account.
	SetDefault(ctx context.Context, accountID, id uuid.UUID) error

	// Remove detaches the method from the gateway and deletes the local
	// reference.
	Remove(ctx context.Context, accountID, id uuid.UUID) error
}

// AttachParams contains parameters for attaching a payment method.
type AttachParams struct {
	AccountID uuid.UUID

	// GatewayToken is the tokenized method reference (pm_...).
	GatewayToken string

	// Email and Name seed the gateway customer on first attach.
	Email string
	Name  string

	// Jurisdiction updates the billing profile when the account has
	// none yet (subscribing without a prior trial).
	Jurisdiction string
}

type paymentMethodService struct {
	store   repository.Store
	gateway billing.Gateway
	logger  zerolog.Logger
	locks   *keyedMutex
	now     func() time.Time
}

// NewPaymentMethodService creates a PaymentMethodService instance.
func NewPaymentMethodService(store repository.Store, gateway billing.Gateway, logger zerolog.Logger) PaymentMethodService {
	return &paymentMethodService{
		store:   store,
		gateway: gateway,
		logger:  logger.With().Str("service", "payment_method").Logger(),
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
}

func (s *paymentMethodService) Attach(ctx context.Context, params AttachParams) (*domain.PaymentMethod, error) {
	if params.GatewayToken == "" {
		return nil, domain.Invalid("payment_method.attach", "gateway token is required")
	}

	unlock := s.locks.Lock(params.AccountID.String())
	defer unlock()

	now := s.now()
	profile, err := s.store.GetBillingProfile(ctx, params.AccountID)
	if err != nil {
		if domain.ErrorCode(err) != domain.ENOTFOUND {
			return nil, err
		}
		// First contact with billing for this account; the profile's
		// jurisdiction must be a known province code before anything is
		// written.
		if !tax.SupportedJurisdiction(params.Jurisdiction) {
			return nil, ErrInvalidJurisdiction
		}
		profile = &domain.BillingProfile{
			AccountID:    params.AccountID,
			Jurisdiction: params.Jurisdiction,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.store.CreateBillingProfile(ctx, profile); err != nil {
			return nil, err
		}
	}

	if profile.GatewayCustomerID == "" {
		customer, err := s.gateway.CreateCustomer(ctx, billing.CreateCustomerParams{
			AccountID: params.AccountID.String(),
			Email:     params.Email,
			Name:      params.Name,
		})
		if err != nil {
			return nil, domain.WrapError(err, domain.EINTERNAL, "payment_method.attach", "failed to create gateway customer")
		}
		profile.GatewayCustomerID = customer.ID
		profile.UpdatedAt = now
		if err := s.store.UpdateBillingProfile(ctx, profile); err != nil {
			return nil, err
		}
	}

	existing, err := s.store.ListPaymentMethods(ctx, params.AccountID)
	if err != nil {
		return nil, err
	}
	isFirst := len(existing) == 0

	gwMethod, err := s.gateway.AttachPaymentMethod(ctx, billing.AttachPaymentMethodParams{
		CustomerID:      profile.GatewayCustomerID,
		PaymentMethodID: params.GatewayToken,
		SetDefault:      isFirst,
	})
	if err != nil {
		return nil, domain.WrapError(err, domain.EPAYMENT, "payment_method.attach", "gateway rejected the payment method")
	}

	pm := &domain.PaymentMethod{
		ID:                     uuid.New(),
		AccountID:              params.AccountID,
		GatewayPaymentMethodID: gwMethod.ID,
		Brand:                  gwMethod.Brand,
		Last4:                  gwMethod.Last4,
		ExpMonth:               gwMethod.ExpMonth,
		ExpYear:                gwMethod.ExpYear,
		IsDefault:              isFirst,
		CreatedAt:              now,
	}
	if err := s.store.CreatePaymentMethod(ctx, pm); err != nil {
		return nil, err
	}
	return pm, nil
}

func (s *paymentMethodService) List(ctx context.Context, accountID uuid.UUID) ([]domain.PaymentMethod, error) {
	return s.store.ListPaymentMethods(ctx, accountID)
}

func (s *paymentMethodService) SetDefault(ctx context.Context, accountID, id uuid.UUID) error {
	unlock := s.locks.Lock(accountID.String())
	defer unlock()

	pm, err := s.store.GetPaymentMethod(ctx, id)
	if err != nil || pm.AccountID != accountID {
		return ErrPaymentMethodNotFound
	}

	profile, err := s.store.GetBillingProfile(ctx, accountID)
	if err != nil {
		return err
	}
	if err := s.gateway.SetDefaultPaymentMethod(ctx, profile.GatewayCustomerID, pm.GatewayPaymentMethodID); err != nil {
		return domain.WrapError(err, domain.EINTERNAL, "payment_method.set_default", "gateway update failed")
	}
	return s.store.SetDefaultPaymentMethod(ctx, accountID, id)
}

func (s *paymentMethodService) Remove(ctx context.Context, accountID, id uuid.UUID) error {
	unlock := s.locks.Lock(accountID.String())
	defer unlock()

	pm, err := s.store.GetPaymentMethod(ctx, id)
	if err != nil || pm.AccountID != accountID {
		return ErrPaymentMethodNotFound
	}
	if pm.IsDefault {
		// Keep a usable default while a live subscription might renew.
		if _, err := s.store.GetCurrentSubscription(ctx, accountID); err == nil {
			return domain.Conflict("payment_method.remove", "cannot remove the default payment method of an active subscription")
		}
	}

	if err := s.gateway.DetachPaymentMethod(ctx, pm.GatewayPaymentMethodID); err != nil {
		s.logger.Warn().Err(err).
			Str("payment_method_id", pm.GatewayPaymentMethodID).
			Msg("gateway detach failed, removing local reference anyway")
	}
	return s.store.DeletePaymentMethod(ctx, id)
}
