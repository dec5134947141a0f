package tax

import (
	"context"
	"math"
	"strings"

	"github.com/nidohq/nido-billing/internal/domain"
)

// regime selects how a jurisdiction's components combine.
type regime int

const (
	// regimeHarmonized applies a single HST rate.
	regimeHarmonized regime = iota
	// regimeDual applies federal GST and a provincial tax independently,
	// each on the pre-tax subtotal.
	regimeDual
	// regimeCompound applies GST on the subtotal, then the provincial
	// tax on subtotal plus GST. Quebec only.
	regimeCompound
)

// jurisdictionRate holds one province's tax configuration. Rates are in
// thousandths of a percent (9975 = 9.975%) so every published Canadian
// rate is exact.
type jurisdictionRate struct {
	regime regime

	// federal is the GST or HST rate depending on regime.
	federalName   string
	federalMillis int64

	// provincial is zero for harmonized and GST-only jurisdictions.
	provincialName   string
	provincialMillis int64
}

// canadaRates covers all ten provinces and three territories.
var canadaRates = map[string]jurisdictionRate{
	// Harmonized (single HST).
	"ON": {regime: regimeHarmonized, federalName: "HST", federalMillis: 13000},
	"NB": {regime: regimeHarmonized, federalName: "HST", federalMillis: 15000},
	"NL": {regime: regimeHarmonized, federalName: "HST", federalMillis: 15000},
	"NS": {regime: regimeHarmonized, federalName: "HST", federalMillis: 15000},
	"PE": {regime: regimeHarmonized, federalName: "HST", federalMillis: 15000},

	// GST plus independent provincial tax.
	"BC": {regime: regimeDual, federalName: "GST", federalMillis: 5000, provincialName: "PST", provincialMillis: 7000},
	"MB": {regime: regimeDual, federalName: "GST", federalMillis: 5000, provincialName: "RST", provincialMillis: 7000},
	"SK": {regime: regimeDual, federalName: "GST", federalMillis: 5000, provincialName: "PST", provincialMillis: 6000},

	// GST only.
	"AB": {regime: regimeDual, federalName: "GST", federalMillis: 5000},
	"NT": {regime: regimeDual, federalName: "GST", federalMillis: 5000},
	"NU": {regime: regimeDual, federalName: "GST", federalMillis: 5000},
	"YT": {regime: regimeDual, federalName: "GST", federalMillis: 5000},

	// QST compounds on subtotal + GST.
	"QC": {regime: regimeCompound, federalName: "GST", federalMillis: 5000, provincialName: "QST", provincialMillis: 9975},
}

// CanadaCalculator computes Canadian sales tax from a static rate table.
type CanadaCalculator struct{}

// NewCanadaCalculator returns a Calculator covering all thirteen Canadian
// provinces and territories.
func NewCanadaCalculator() Calculator {
	return &CanadaCalculator{}
}

// Calculate computes the tax for the jurisdiction. Each component rounds
// independently (half away from zero), and for Quebec the QST base uses
// the rounded GST amount.
func (c *CanadaCalculator) Calculate(ctx context.Context, params Params) (*Result, error) {
	rate, ok := canadaRates[strings.ToUpper(params.Jurisdiction)]
	if !ok {
		return nil, ErrUnknownJurisdiction(params.Jurisdiction)
	}
	if params.SubtotalCents < 0 {
		return nil, ErrNegativeSubtotal
	}

	res := &Result{}

	federal := roundMillis(params.SubtotalCents, rate.federalMillis)
	res.Breakdown = append(res.Breakdown, domain.TaxLine{
		Name:        rate.federalName,
		RateMillis:  rate.federalMillis,
		AmountCents: federal,
	})
	res.TotalTaxCents = federal

	if rate.provincialMillis > 0 {
		base := params.SubtotalCents
		if rate.regime == regimeCompound {
			base += federal
		}
		provincial := roundMillis(base, rate.provincialMillis)
		res.Breakdown = append(res.Breakdown, domain.TaxLine{
			Name:        rate.provincialName,
			RateMillis:  rate.provincialMillis,
			AmountCents: provincial,
		})
		res.TotalTaxCents += provincial
	}

	return res, nil
}

// SupportedJurisdiction reports whether the province code has a rate entry.
func SupportedJurisdiction(code string) bool {
	_, ok := canadaRates[strings.ToUpper(code)]
	return ok
}

// roundMillis applies a rate in thousandths of a percent to an amount in
// cents, rounding half away from zero.
func roundMillis(amountCents, rateMillis int64) int64 {
	return int64(math.Round(float64(amountCents) * float64(rateMillis) / 100000.0))
}
