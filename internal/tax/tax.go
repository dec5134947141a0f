package tax

import (
	"context"

	"github.com/nidohq/nido-billing/internal/domain"
)

// Calculator computes sales tax for a subscription charge.
// Implementations: CanadaCalculator, NoTaxCalculator.
type Calculator interface {
	// Calculate computes tax on a pre-tax amount for a jurisdiction.
	// Amounts are integer cents; each component is rounded
	// half-away-from-zero independently.
	Calculate(ctx context.Context, params Params) (*Result, error)
}

// Params contains everything needed to compute tax for one charge.
type Params struct {
	SubtotalCents int64
	Jurisdiction  string // province/territory code, e.g. "ON"
}

// Result is the computed tax and its per-component breakdown.
type Result struct {
	TotalTaxCents int64
	Breakdown     []domain.TaxLine
}
