package service

import (
	"github.com/nidohq/nido-billing/internal/domain"
)

// Lookup errors - use domain.ENOTFOUND
var (
	ErrPlanNotFound          = domain.Errorf(domain.ENOTFOUND, "", "Plan not found")
	ErrSubscriptionNotFound  = domain.Errorf(domain.ENOTFOUND, "", "Subscription not found")
	ErrTrialNotFound         = domain.Errorf(domain.ENOTFOUND, "", "Trial not found")
	ErrProfileNotFound       = domain.Errorf(domain.ENOTFOUND, "", "Billing profile not found")
	ErrPaymentMethodNotFound = domain.Errorf(domain.ENOTFOUND, "", "Payment method not found")
)

// Validation errors - use domain.EINVALID
var (
	ErrPlanNotActive         = domain.Errorf(domain.EINVALID, "", "Plan is not available")
	ErrInvalidJurisdiction   = domain.Errorf(domain.EINVALID, "", "Unsupported tax jurisdiction")
	ErrInvalidTransition     = domain.Errorf(domain.EINVALID, "", "Subscription state does not allow this operation")
	ErrSamePlan              = domain.Errorf(domain.EINVALID, "", "Subscription is already on this plan")
	ErrRefundWindowClosed    = domain.Errorf(domain.EINVALID, "", "Cooling-off refund window has closed")
	ErrRefundMonthlyPlan     = domain.Errorf(domain.EINVALID, "", "Cooling-off refunds apply to yearly plans only")
	ErrFeatureUnknown        = domain.Errorf(domain.EINVALID, "", "Unknown feature")
	ErrSubscriptionNotBilled = domain.Errorf(domain.EINVALID, "", "Subscription has no charge to refund")
)

// Conflict errors - use domain.ECONFLICT
var (
	ErrTrialAlreadyConsumed   = domain.Errorf(domain.ECONFLICT, "", "Trial already consumed")
	ErrAlreadySubscribed      = domain.Errorf(domain.ECONFLICT, "", "Account already has an active subscription")
	ErrConcurrentModification = domain.Errorf(domain.ECONFLICT, "", "Subscription was modified concurrently, retry")
	ErrFeatureLimitExhausted  = domain.Errorf(domain.ECONFLICT, "", "Feature usage limit exhausted")
	ErrEventAlreadyProcessed  = domain.Errorf(domain.ECONFLICT, "", "Gateway event already processed")
)

// Internal errors - use domain.EINTERNAL
var (
	ErrLedgerInconsistent = domain.Errorf(domain.EINTERNAL, "", "Billing record does not reconcile")
)

// Payment errors - use domain.EPAYMENT
var (
	ErrNoPaymentMethod = domain.Errorf(domain.EPAYMENT, "", "No payment method on file")
	ErrPaymentDeclined = domain.Errorf(domain.EPAYMENT, "", "Payment was declined")
)

// Gateway timeout - use domain.ETIMEOUT
var (
	ErrGatewayUnavailable = domain.Errorf(domain.ETIMEOUT, "", "Payment gateway did not respond")
)
