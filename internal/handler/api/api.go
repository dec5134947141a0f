// Package api exposes the billing engine's operations as a JSON API.
// Authentication is expected to happen upstream; handlers trust the
// account ID in the URL.
package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/nidohq/nido-billing/internal/domain"
	"github.com/nidohq/nido-billing/internal/service"
	"github.com/nidohq/nido-billing/internal/tax"
)

// Handler bundles the service layer behind the HTTP routes.
type Handler struct {
	subscriptions  service.SubscriptionService
	trials         service.TrialService
	entitlements   service.EntitlementService
	ledger         service.LedgerService
	paymentMethods service.PaymentMethodService
	plans          service.PlanService
	taxCalc        tax.Calculator
	validate       *validator.Validate
	logger         zerolog.Logger
}

// NewHandler creates a Handler instance.
func NewHandler(
	subscriptions service.SubscriptionService,
	trials service.TrialService,
	entitlements service.EntitlementService,
	ledger service.LedgerService,
	paymentMethods service.PaymentMethodService,
	plans service.PlanService,
	taxCalc tax.Calculator,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		subscriptions:  subscriptions,
		trials:         trials,
		entitlements:   entitlements,
		ledger:         ledger,
		paymentMethods: paymentMethods,
		plans:          plans,
		taxCalc:        taxCalc,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		logger:         logger.With().Str("handler", "api").Logger(),
	}
}

// RegisterRoutes mounts every route under the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/plans", h.ListPlans)
	g.GET("/plans/:code", h.GetPlan)

	g.POST("/tax/calculate", h.CalculateTax)

	g.POST("/accounts/:account_id/trial", h.StartTrial)
	g.GET("/accounts/:account_id/trial", h.GetTrialStatus)
	g.POST("/accounts/:account_id/trial/usage", h.RecordTrialUsage)

	g.POST("/accounts/:account_id/subscription", h.Subscribe)
	g.GET("/accounts/:account_id/subscription", h.GetSubscription)
	g.PUT("/accounts/:account_id/subscription/plan", h.ChangePlan)
	g.DELETE("/accounts/:account_id/subscription", h.Cancel)
	g.POST("/accounts/:account_id/subscription/refund", h.RequestRefund)

	g.GET("/accounts/:account_id/entitlements", h.ListEntitlements)
	g.GET("/accounts/:account_id/entitlements/:feature", h.CheckEntitlement)
	g.POST("/accounts/:account_id/entitlements/:feature/usage", h.ConsumeUsage)

	g.GET("/accounts/:account_id/billing-records", h.ListBillingRecords)
	g.GET("/accounts/:account_id/billing-summary", h.GetBillingSummary)

	g.POST("/accounts/:account_id/payment-methods", h.AttachPaymentMethod)
	g.GET("/accounts/:account_id/payment-methods", h.ListPaymentMethods)
	g.PUT("/accounts/:account_id/payment-methods/:id/default", h.SetDefaultPaymentMethod)
	g.DELETE("/accounts/:account_id/payment-methods/:id", h.RemovePaymentMethod)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError translates the domain error taxonomy into HTTP statuses.
func (h *Handler) writeError(c echo.Context, err error) error {
	code := domain.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case domain.EINVALID:
		status = http.StatusBadRequest
	case domain.EUNAUTHORIZED:
		status = http.StatusUnauthorized
	case domain.EPAYMENT:
		status = http.StatusPaymentRequired
	case domain.ENOTFOUND:
		status = http.StatusNotFound
	case domain.ECONFLICT:
		status = http.StatusConflict
	case domain.ETIMEOUT:
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).
			Str("path", c.Request().URL.Path).
			Msg("request failed")
	}

	var body errorBody
	body.Error.Code = code
	body.Error.Message = domain.ErrorMessage(err)
	return c.JSON(status, body)
}

func (h *Handler) accountID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("account_id"))
	if err != nil {
		return uuid.Nil, domain.Invalid("api.parse", "account_id must be a UUID")
	}
	return id, nil
}

// bind decodes and validates a JSON request body.
func (h *Handler) bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return domain.Invalid("api.bind", "malformed request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return domain.Invalid("api.validate", err.Error())
	}
	return nil
}
