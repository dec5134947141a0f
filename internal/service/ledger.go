package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/nidohq/nido-billing/internal/domain"
	"github.com/nidohq/nido-billing/internal/repository"
)

// LedgerService reads the append-only billing ledger. Writes happen only
// inside subscription transitions, never through this interface.
type LedgerService interface {
	// ListRecords returns a page of the account's ledger, newest first,
	// with the account's lifetime net total.
	ListRecords(ctx context.Context, params ListRecordsParams) (*LedgerPage, error)

	// GetSummary returns lifetime totals per transaction type.
	GetSummary(ctx context.Context, accountID uuid.UUID) (*LedgerSummary, error)
}

// ListRecordsParams contains pagination parameters.
type ListRecordsParams struct {
	AccountID uuid.UUID
	Limit     int // defaults to 20, capped at 100
	Offset    int
}

// LedgerPage is one page of billing records.
type LedgerPage struct {
	Records []domain.BillingRecord
	// NetTotalCents is the lifetime sum of all record totals: charges
	// minus refunds and credits.
	NetTotalCents int64
	Limit         int
	Offset        int
}

// LedgerSummary aggregates an account's billing history.
type LedgerSummary struct {
	ChargedCents  int64
	RefundedCents int64
	CreditedCents int64
	NetTotalCents int64
	RecordCount   int
}

type ledgerService struct {
	store repository.Store
}

// NewLedgerService creates a LedgerService instance.
func NewLedgerService(store repository.Store) LedgerService {
	return &ledgerService{store: store}
}

func (s *ledgerService) ListRecords(ctx context.Context, params ListRecordsParams) (*LedgerPage, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if params.Offset < 0 {
		return nil, domain.Invalid("ledger.list", "offset must not be negative")
	}

	records, err := s.store.ListBillingRecords(ctx, params.AccountID, limit, params.Offset)
	if err != nil {
		return nil, err
	}
	net, err := s.store.SumBillingRecords(ctx, params.AccountID)
	if err != nil {
		return nil, err
	}

	return &LedgerPage{
		Records:       records,
		NetTotalCents: net,
		Limit:         limit,
		Offset:        params.Offset,
	}, nil
}

func (s *ledgerService) GetSummary(ctx context.Context, accountID uuid.UUID) (*LedgerSummary, error) {
	summary := &LedgerSummary{}
	const pageSize = 200
	for offset := 0; ; offset += pageSize {
		records, err := s.store.ListBillingRecords(ctx, accountID, pageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			summary.RecordCount++
			summary.NetTotalCents += r.TotalCents
			switch r.Type {
			case domain.TransactionCharge:
				summary.ChargedCents += r.TotalCents
			case domain.TransactionRefund:
				summary.RefundedCents += -r.TotalCents
			case domain.TransactionCredit:
				summary.CreditedCents += -r.TotalCents
			}
		}
		if len(records) < pageSize {
			return summary, nil
		}
	}
}
