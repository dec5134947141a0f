package tax

import "context"

// NoTaxCalculator always returns zero tax. Used in development
// environments and in tests that don't exercise tax behavior.
type NoTaxCalculator struct{}

// NewNoTaxCalculator returns a Calculator that computes no tax.
func NewNoTaxCalculator() Calculator {
	return &NoTaxCalculator{}
}

func (c *NoTaxCalculator) Calculate(ctx context.Context, params Params) (*Result, error) {
	return &Result{TotalTaxCents: 0}, nil
}
