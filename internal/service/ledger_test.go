package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidohq/nido-billing/internal/billing"
	"github.com/nidohq/nido-billing/internal/domain"
)

func Test_Ledger_ListAndSummary(t *testing.T) {
	env := newTestEnv(t)
	ledger := NewLedgerService(env.store)
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	// Subscribe yearly, then refund inside the cooling-off window.
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	env.subs.now = func() time.Time { return start }
	env.gateway.CreateSubscriptionFunc = func(ctx context.Context, params billing.CreateSubscriptionParams) (*billing.Subscription, error) {
		sub := &billing.Subscription{
			ID: "sub_ledger", Status: billing.SubscriptionStatusActive,
			CurrentPeriodStart: start, CurrentPeriodEnd: start.AddDate(1, 0, 0),
			LatestChargeID: "ch_ledger",
		}
		env.gateway.Subscriptions[sub.ID] = sub
		return sub, nil
	}
	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_yearly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	env.subs.now = func() time.Time { return start.AddDate(0, 0, 5) }
	_, err = env.subs.Cancel(ctx, CancelParams{AccountID: accountID})
	require.NoError(t, err)

	page, err := ledger.ListRecords(ctx, ListRecordsParams{AccountID: accountID})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, domain.TransactionRefund, page.Records[0].Type, "newest first")
	assert.Equal(t, domain.TransactionCharge, page.Records[1].Type)
	assert.Equal(t, int64(0), page.NetTotalCents)
	assert.Equal(t, 20, page.Limit)

	summary, err := ledger.GetSummary(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(7909), summary.ChargedCents)
	assert.Equal(t, int64(7909), summary.RefundedCents)
	assert.Equal(t, int64(0), summary.CreditedCents)
	assert.Equal(t, int64(0), summary.NetTotalCents)
	assert.Equal(t, 2, summary.RecordCount)
}

func Test_Ledger_Pagination(t *testing.T) {
	env := newTestEnv(t)
	ledger := NewLedgerService(env.store)
	ctx := context.Background()
	accountID := env.seedAccount(t, "AB")

	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	page, err := ledger.ListRecords(ctx, ListRecordsParams{AccountID: accountID, Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, 100, page.Limit, "limit is capped")

	page, err = ledger.ListRecords(ctx, ListRecordsParams{AccountID: accountID, Limit: 1, Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, page.Records)

	_, err = ledger.ListRecords(ctx, ListRecordsParams{AccountID: accountID, Offset: -1})
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}
