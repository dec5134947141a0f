package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nidohq/nido-billing/internal/domain"
	"github.com/nidohq/nido-billing/internal/service"
)

type subscribeRequest struct {
	PlanCode        string `json:"plan_code" validate:"required"`
	PaymentMethodID string `json:"payment_method_id" validate:"omitempty,uuid"`
	IdempotencyKey  string `json:"idempotency_key" validate:"required"`
}

type changePlanRequest struct {
	PlanCode       string `json:"plan_code" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type subscriptionResponse struct {
	State              string       `json:"state"`
	Plan               planResponse `json:"plan"`
	CurrentPeriodStart time.Time    `json:"current_period_start"`
	CurrentPeriodEnd   time.Time    `json:"current_period_end"`
	CoolingOffEndsAt   *time.Time   `json:"cooling_off_ends_at,omitempty"`
	CanceledAt         *time.Time   `json:"canceled_at,omitempty"`
	RefundedCents      int64        `json:"refunded_cents,omitempty"`
}

func toSubscriptionResponse(detail *service.SubscriptionDetail) subscriptionResponse {
	return subscriptionResponse{
		State:              string(detail.Subscription.State),
		Plan:               toPlanResponse(&detail.Plan),
		CurrentPeriodStart: detail.Subscription.CurrentPeriodStart,
		CurrentPeriodEnd:   detail.Subscription.CurrentPeriodEnd,
		CoolingOffEndsAt:   detail.Subscription.CoolingOffEndsAt,
		CanceledAt:         detail.Subscription.CanceledAt,
		RefundedCents:      detail.RefundedCents,
	}
}

// Subscribe handles POST /accounts/:account_id/subscription.
func (h *Handler) Subscribe(c echo.Context) error {
	accountID, err := h.accountID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	var req subscribeRequest
	if err := h.bind(c, &req); err != nil {
		return h.writeError(c, err)
	}

	params := service.SubscribeParams{
		AccountID:      accountID,
		PlanCode:       req.PlanCode,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.PaymentMethodID != "" {
		id, err := uuid.Parse(req.PaymentMethodID)
		if err != nil {
			return h.writeError(c, domain.Invalid("api.subscribe", "payment_method_id must be a UUID"))
		}
		params.PaymentMethodID = id
	}

	detail, err := h.subscriptions.Subscribe(c.Request().Context(), params)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, toSubscriptionResponse(detail))
}

// GetSubscription handles GET /accounts/:account_id/subscription.
func (h *Handler) GetSubscription(c echo.Context) error {
	accountID, err := h.accountID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	detail, err := h.subscriptions.GetSubscription(c.Request().Context(), accountID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, toSubscriptionResponse(detail))
}

// ChangePlan handles PUT /accounts/:account_id/subscription/plan.
func (h *Handler) ChangePlan(c echo.Context) error {
	accountID, err := h.accountID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	var req changePlanRequest
	if err := h.bind(c, &req); err != nil {
		return h.writeError(c, err)
	}

	detail, err := h.subscriptions.ChangePlan(c.Request().Context(), service.ChangePlanParams{
		AccountID:      accountID,
		NewPlanCode:    req.PlanCode,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, toSubscriptionResponse(detail))
}

// Cancel handles DELETE /accounts/:account_id/subscription.
func (h *Handler) Cancel(c echo.Context) error {
	accountID, err := h.accountID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	// The body is optional; a bare DELETE cancels without a reason.
	var req cancelRequest
	_ = c.Bind(&req)

	detail, err := h.subscriptions.Cancel(c.Request().Context(), service.CancelParams{
		AccountID: accountID,
		Reason:    req.Reason,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, toSubscriptionResponse(detail))
}

// RequestRefund handles POST /accounts/:account_id/subscription/refund.
// Only yearly subscriptions inside their cooling-off window qualify.
func (h *Handler) RequestRefund(c echo.Context) error {
	accountID, err := h.accountID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	record, err := h.subscriptions.RequestRefund(c.Request().Context(), accountID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, toBillingRecordResponse(record))
}
