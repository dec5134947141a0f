package tax

import (
	"context"
)

// MockCalculator is a test implementation of Calculator.
type MockCalculator struct {
	CalculateFunc func(ctx context.Context, params Params) (*Result, error)
}

// NewMockCalculator creates a new mock tax calculator for testing.
func NewMockCalculator() *MockCalculator {
	return &MockCalculator{}
}

// Calculate delegates to the configured function or returns zero tax.
func (m *MockCalculator) Calculate(ctx context.Context, params Params) (*Result, error) {
	if m.CalculateFunc != nil {
		return m.CalculateFunc(ctx, params)
	}
	return &Result{TotalTaxCents: 0}, nil
}
