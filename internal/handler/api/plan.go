package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nidohq/nido-billing/internal/domain"
)

type planResponse struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	Tier       string `json:"tier"`
	Interval   string `json:"interval"`
	PriceCents int64  `json:"price_cents"`
	Currency   string `json:"currency"`
}

func toPlanResponse(p *domain.Plan) planResponse {
	return planResponse{
		Code:       p.Code,
		Name:       p.Name,
		Tier:       string(p.Tier),
		Interval:   string(p.Interval),
		PriceCents: p.PriceCents,
		Currency:   p.Currency,
	}
}

// ListPlans handles GET /plans.
func (h *Handler) ListPlans(c echo.Context) error {
	plans, err := h.plans.ListPlans(c.Request().Context())
	if err != nil {
		return h.writeError(c, err)
	}
	out := make([]planResponse, 0, len(plans))
	for i := range plans {
		out = append(out, toPlanResponse(&plans[i]))
	}
	return c.JSON(http.StatusOK, map[string]any{"plans": out})
}

// GetPlan handles GET /plans/:code.
func (h *Handler) GetPlan(c echo.Context) error {
	plan, err := h.plans.GetPlan(c.Request().Context(), c.Param("code"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, toPlanResponse(plan))
}
