package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nidohq/nido-billing/internal/domain"
)

type entitlementResponse struct {
	Feature    string `json:"feature"`
	Granted    bool   `json:"granted"`
	UsageCount int64  `json:"usage_count"`
	UsageLimit int64  `json:"usage_limit"`
	Unlimited  bool   `json:"unlimited"`
	Tier       string `json:"tier"`
}

func toEntitlementResponse(fa *domain.FeatureAccess) entitlementResponse {
	return entitlementResponse{
		Feature:    string(fa.Feature),
		Granted:    fa.Granted && !fa.Exhausted(),
		UsageCount: fa.UsageCount,
		UsageLimit: fa.UsageLimit,
		Unlimited:  fa.UsageLimit == domain.Unlimited,
		Tier:       string(fa.Tier),
	}
}

// ListEntitlements handles GET /accounts/:account_id/entitlements.
func (h *Handler) ListEntitlements(c echo.Context) error {
	accountID, err := h.accountID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	access, err := h.entitlements.ListAccess(c.Request().Context(), accountID)
	if err != nil {
		return h.writeError(c, err)
	}
	out := make([]entitlementResponse, 0, len(access))
	for i := range access {
		out = append(out, toEntitlementResponse(&access[i]))
	}
	return c.JSON(http.StatusOK, map[string]any{"entitlements": out})
}

// CheckEntitlement handles GET /accounts/:account_id/entitlements/:feature.
func (h *Handler) CheckEntitlement(c echo.Context) error {
	accountID, err := h.accountID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	access, err := h.entitlements.CheckAccess(c.Request().Context(), accountID, domain.Feature(c.Param("feature")))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, toEntitlementResponse(access))
}

// ConsumeUsage handles POST /accounts/:account_id/entitlements/:feature/usage.
func (h *Handler) ConsumeUsage(c echo.Context) error {
	accountID, err := h.accountID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	access, err := h.entitlements.ConsumeUsage(c.Request().Context(), accountID, domain.Feature(c.Param("feature")))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, toEntitlementResponse(access))
}
