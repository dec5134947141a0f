package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionType classifies a billing ledger entry.
type TransactionType string

const (
	TransactionCharge TransactionType = "charge"
	TransactionRefund TransactionType = "refund"
	TransactionCredit TransactionType = "credit"
)

// BillingRecord is one immutable entry in an account's billing ledger.
// Rows are append-only: corrections are new compensating entries, never
// updates. All monetary amounts are integer cents in CAD.
type BillingRecord struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	SubscriptionID uuid.UUID

	Type TransactionType

	// SubtotalCents is the pre-tax amount. Negative for refunds and
	// credits.
	SubtotalCents int64
	TaxCents      int64
	TotalCents    int64

	Currency string

	// Jurisdiction is the province code the tax was computed for,
	// captured at charge time.
	Jurisdiction string

	// TaxBreakdown itemizes the components of TaxCents.
	TaxBreakdown []TaxLine

	// GatewayTransactionID is the processor's charge/refund reference
	// (ch_... / re_...), used to key refunds and reconciliation.
	GatewayTransactionID string

	// Description is a short human-readable reason, e.g.
	// "premium_yearly charge" or "cooling-off refund".
	Description string

	CreatedAt time.Time
}

// TaxLine is one component of a computed tax amount. Rate is expressed
// in thousandths of a percent so QST's 9.975% stays exact (9975).
type TaxLine struct {
	Name        string `json:"name"` // "GST", "HST", "PST", "QST", "RST"
	RateMillis  int64  `json:"rate_millis"`
	AmountCents int64  `json:"amount_cents"`
}

// Consistent reports whether the record's totals reconcile to within one
// cent: subtotal + tax must equal total, and the breakdown must sum to
// the tax amount.
func (r *BillingRecord) Consistent() bool {
	if r.SubtotalCents+r.TaxCents != r.TotalCents {
		return false
	}
	var sum int64
	for _, l := range r.TaxBreakdown {
		sum += l.AmountCents
	}
	diff := sum - r.TaxCents
	if diff < 0 {
		diff = -diff
	}
	return diff <= 1
}
