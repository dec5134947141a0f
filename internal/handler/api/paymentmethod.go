package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nidohq/nido-billing/internal/domain"
	"github.com/nidohq/nido-billing/internal/service"
)

type attachPaymentMethodRequest struct {
	GatewayToken string `json:"gateway_token" validate:"required"`
	Email        string `json:"email" validate:"omitempty,email"`
	Name         string `json:"name"`
	Jurisdiction string `json:"jurisdiction" validate:"omitempty,len=2"`
}

type paymentMethodResponse struct {
	ID        string `json:"id"`
	Brand     string `json:"brand"`
	Last4     string `json:"last4"`
	ExpMonth  int32  `json:"exp_month"`
	ExpYear   int32  `json:"exp_year"`
	IsDefault bool   `json:"is_default"`
}

func toPaymentMethodResponse(pm *domain.PaymentMethod) paymentMethodResponse {
	return paymentMethodResponse{
		ID:        pm.ID.String(),
		Brand:     pm.Brand,
		Last4:     pm.Last4,
		ExpMonth:  pm.ExpMonth,
		ExpYear:   pm.ExpYear,
		IsDefault: pm.IsDefault,
	}
}

// AttachPaymentMethod handles POST /accounts/:account_id/payment-methods.
func (h *Handler) AttachPaymentMethod(c echo.Context) error {
	accountID, err := h.accountID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	var req attachPaymentMethodRequest
	if err := h.bind(c, &req); err != nil {
		return h.writeError(c, err)
	}

	pm, err := h.paymentMethods.Attach(c.Request().Context(), service.AttachParams{
		AccountID:    accountID,
		GatewayToken: req.GatewayToken,
		Email:        req.Email,
		Name:         req.Name,
		Jurisdiction: req.Jurisdiction,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, toPaymentMethodResponse(pm))
}

// ListPaymentMethods handles GET /accounts/:account_id/payment-methods.
func (h *Handler) ListPaymentMethods(c echo.Context) error {
	accountID, err := h.accountID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	methods, err := h.paymentMethods.List(c.Request().Context(), accountID)
	if err != nil {
		return h.writeError(c, err)
	}
	out := make([]paymentMethodResponse, 0, len(methods))
	for i := range methods {
		out = append(out, toPaymentMethodResponse(&methods[i]))
	}
	return c.JSON(http.StatusOK, map[string]any{"payment_methods": out})
}

// SetDefaultPaymentMethod handles PUT /accounts/:account_id/payment-methods/:id/default.
func (h *Handler) SetDefaultPaymentMethod(c echo.Context) error {
	accountID, err := h.accountID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return h.writeError(c, domain.Invalid("api.payment_method", "id must be a UUID"))
	}
	if err := h.paymentMethods.SetDefault(c.Request().Context(), accountID, id); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RemovePaymentMethod handles DELETE /accounts/:account_id/payment-methods/:id.
func (h *Handler) RemovePaymentMethod(c echo.Context) error {
	accountID, err := h.accountID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return h.writeError(c, domain.Invalid("api.payment_method", "id must be a UUID"))
	}
	if err := h.paymentMethods.Remove(c.Request().Context(), accountID, id); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
