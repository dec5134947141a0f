package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nidohq/nido-billing/internal/domain"
	"github.com/nidohq/nido-billing/internal/service"
)

type taxLineResponse struct {
	Name        string `json:"name"`
	RateMillis  int64  `json:"rate_millis"`
	AmountCents int64  `json:"amount_cents"`
}

type billingRecordResponse struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	SubtotalCents int64             `json:"subtotal_cents"`
	TaxCents      int64             `json:"tax_cents"`
	TotalCents    int64             `json:"total_cents"`
	Currency      string            `json:"currency"`
	Jurisdiction  string            `json:"jurisdiction"`
	TaxBreakdown  []taxLineResponse `json:"tax_breakdown"`
	Description   string            `json:"description"`
	CreatedAt     time.Time         `json:"created_at"`
}

func toBillingRecordResponse(r *domain.BillingRecord) billingRecordResponse {
	breakdown := make([]taxLineResponse, 0, len(r.TaxBreakdown))
	for _, line := range r.TaxBreakdown {
		breakdown = append(breakdown, taxLineResponse{
			Name:        line.Name,
			RateMillis:  line.RateMillis,
			AmountCents: line.AmountCents,
		})
	}
	return billingRecordResponse{
		ID:            r.ID.String(),
		Type:          string(r.Type),
		SubtotalCents: r.SubtotalCents,
		TaxCents:      r.TaxCents,
		TotalCents:    r.TotalCents,
		Currency:      r.Currency,
		Jurisdiction:  r.Jurisdiction,
		TaxBreakdown:  breakdown,
		Description:   r.Description,
		CreatedAt:     r.CreatedAt,
	}
}

// ListBillingRecords handles GET /accounts/:account_id/billing-records.
// Supports ?limit= and ?offset= query parameters.
func (h *Handler) ListBillingRecords(c echo.Context) error {
	accountID, err := h.accountID(c)
	if err != nil {
		return h.writeError(c, err)
	}

	params := service.ListRecordsParams{AccountID: accountID}
	if v := c.QueryParam("limit"); v != "" {
		params.Limit, err = strconv.Atoi(v)
		if err != nil {
			return h.writeError(c, domain.Invalid("api.ledger", "limit must be an integer"))
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		params.Offset, err = strconv.Atoi(v)
		if err != nil {
			return h.writeError(c, domain.Invalid("api.ledger", "offset must be an integer"))
		}
	}

	page, err := h.ledger.ListRecords(c.Request().Context(), params)
	if err != nil {
		return h.writeError(c, err)
	}

	records := make([]billingRecordResponse, 0, len(page.Records))
	for i := range page.Records {
		records = append(records, toBillingRecordResponse(&page.Records[i]))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"records":         records,
		"net_total_cents": page.NetTotalCents,
		"limit":           page.Limit,
		"offset":          page.Offset,
	})
}

// GetBillingSummary handles GET /accounts/:account_id/billing-summary.
func (h *Handler) GetBillingSummary(c echo.Context) error {
	accountID, err := h.accountID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	summary, err := h.ledger.GetSummary(c.Request().Context(), accountID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"charged_cents":   summary.ChargedCents,
		"refunded_cents":  summary.RefundedCents,
		"credited_cents":  summary.CreditedCents,
		"net_total_cents": summary.NetTotalCents,
		"record_count":    summary.RecordCount,
	})
}
