package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nidohq/nido-billing/internal/domain"
	"github.com/nidohq/nido-billing/internal/tax"
)

type calculateTaxRequest struct {
	AmountCents  int64  `json:"amount_cents" validate:"min=0"`
	Jurisdiction string `json:"jurisdiction" validate:"required,len=2"`
}

type calculateTaxResponse struct {
	SubtotalCents int64             `json:"subtotal_cents"`
	TaxCents      int64             `json:"tax_cents"`
	TotalCents    int64             `json:"total_cents"`
	Jurisdiction  string            `json:"jurisdiction"`
	Breakdown     []taxLineResponse `json:"breakdown"`
}

// CalculateTax handles POST /tax/calculate. It previews the tax owed on
// an amount without moving any money.
func (h *Handler) CalculateTax(c echo.Context) error {
	var req calculateTaxRequest
	if err := h.bind(c, &req); err != nil {
		return h.writeError(c, err)
	}

	res, err := h.taxCalc.Calculate(c.Request().Context(), tax.Params{
		SubtotalCents: req.AmountCents,
		Jurisdiction:  req.Jurisdiction,
	})
	if err != nil {
		// The tax package carries its own error type; surface it as a
		// validation failure rather than an internal error.
		var te *tax.TaxError
		if errors.As(err, &te) {
			return h.writeError(c, domain.Invalid("api.calculate_tax", te.ErrorMessage()))
		}
		return h.writeError(c, err)
	}

	breakdown := make([]taxLineResponse, 0, len(res.Breakdown))
	for _, line := range res.Breakdown {
		breakdown = append(breakdown, taxLineResponse{
			Name:        line.Name,
			RateMillis:  line.RateMillis,
			AmountCents: line.AmountCents,
		})
	}
	return c.JSON(http.StatusOK, calculateTaxResponse{
		SubtotalCents: req.AmountCents,
		TaxCents:      res.TotalTaxCents,
		TotalCents:    req.AmountCents + res.TotalTaxCents,
		Jurisdiction:  req.Jurisdiction,
		Breakdown:     breakdown,
	})
}
