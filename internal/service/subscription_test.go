package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidohq/nido-billing/internal/billing"
	"github.com/nidohq/nido-billing/internal/domain"
	"github.com/nidohq/nido-billing/internal/events"
	"github.com/nidohq/nido-billing/internal/repository"
	"github.com/nidohq/nido-billing/internal/tax"
	"github.com/nidohq/nido-billing/internal/telemetry"
)

// testEnv wires the services against an in-memory store and a mock
// gateway.
type testEnv struct {
	store   *repository.MemoryStore
	gateway *billing.MockGateway
	metrics *telemetry.BusinessMetrics
	ents    EntitlementService
	subs    *subscriptionService
	trials  *trialService

	premiumMonthly  *domain.Plan
	premiumYearly   *domain.Plan
	standardMonthly *domain.Plan
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := repository.NewMemoryStore()
	gateway := billing.NewMockGateway()
	metrics := telemetry.NewBusinessMetrics(prometheus.NewRegistry())
	logger := zerolog.Nop()

	env := &testEnv{
		store:   store,
		gateway: gateway,
		metrics: metrics,
	}
	env.ents = NewEntitlementService(store, nil, metrics, logger)
	env.subs = NewSubscriptionService(store, gateway, tax.NewCanadaCalculator(), events.NoopPublisher{}, env.ents, metrics, logger).(*subscriptionService)
	env.trials = NewTrialService(store, events.NoopPublisher{}, env.ents, metrics, logger).(*trialService)

	env.premiumMonthly = seedPlan(t, store, "premium_monthly", domain.TierPremium, domain.IntervalMonthly, 699)
	env.premiumYearly = seedPlan(t, store, "premium_yearly", domain.TierPremium, domain.IntervalYearly, 6999)
	env.standardMonthly = seedPlan(t, store, "standard_monthly", domain.TierStandard, domain.IntervalMonthly, 399)
	return env
}

func seedPlan(t *testing.T, store repository.Store, code string, tier domain.PlanTier, interval domain.BillingInterval, priceCents int64) *domain.Plan {
	t.Helper()
	plan := &domain.Plan{
		ID:             uuid.New(),
		Code:           code,
		Name:           code,
		Tier:           tier,
		Interval:       interval,
		PriceCents:     priceCents,
		Currency:       "CAD",
		GatewayPriceID: "price_" + code,
		Active:         true,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, store.CreatePlan(context.Background(), plan))
	return plan
}

// seedAccount creates a billing profile and a default payment method.
func (env *testEnv) seedAccount(t *testing.T, jurisdiction string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	accountID := uuid.New()
	now := time.Now()

	require.NoError(t, env.store.CreateBillingProfile(ctx, &domain.BillingProfile{
		AccountID:         accountID,
		Jurisdiction:      jurisdiction,
		GatewayCustomerID: "cus_" + accountID.String()[:8],
		CreatedAt:         now,
		UpdatedAt:         now,
	}))
	require.NoError(t, env.store.CreatePaymentMethod(ctx, &domain.PaymentMethod{
		ID:                     uuid.New(),
		AccountID:              accountID,
		GatewayPaymentMethodID: "pm_" + accountID.String()[:8],
		Brand:                  "visa",
		Last4:                  "4242",
		IsDefault:              true,
		CreatedAt:              now,
	}))
	return accountID
}

func Test_Subscribe_ChargesWithOntarioTax(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	detail, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID:      accountID,
		PlanCode:       "premium_monthly",
		IdempotencyKey: uuid.NewString(),
	})

	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, detail.Subscription.State)
	assert.Nil(t, detail.Subscription.CoolingOffEndsAt, "monthly plans have no cooling-off window")

	records, err := env.store.ListBillingRecords(ctx, accountID, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.TransactionCharge, records[0].Type)
	assert.Equal(t, int64(699), records[0].SubtotalCents)
	assert.Equal(t, int64(91), records[0].TaxCents, "699 * 13% HST")
	assert.Equal(t, int64(790), records[0].TotalCents)
	assert.Equal(t, "ON", records[0].Jurisdiction)

	access, err := env.store.GetFeatureAccess(ctx, accountID, domain.FeatureSleepInsights)
	require.NoError(t, err)
	assert.True(t, access.Granted)
	assert.Equal(t, domain.Unlimited, access.UsageLimit)
}

func Test_Subscribe_QuebecCompoundTaxOnLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.seedAccount(t, "QC")

	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID:      accountID,
		PlanCode:       "premium_monthly",
		IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	records, err := env.store.ListBillingRecords(ctx, accountID, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(108), records[0].TaxCents, "GST 35 + compounded QST 73")
	require.Len(t, records[0].TaxBreakdown, 2)
	assert.True(t, records[0].Consistent())
}

func Test_Subscribe_YearlyPlanGetsCoolingOff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.seedAccount(t, "AB")

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.subs.now = func() time.Time { return start }

	detail, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID:      accountID,
		PlanCode:       "premium_yearly",
		IdempotencyKey: uuid.NewString(),
	})

	require.NoError(t, err)
	require.NotNil(t, detail.Subscription.CoolingOffEndsAt)
	assert.Equal(t, start.Add(14*24*time.Hour), *detail.Subscription.CoolingOffEndsAt)
}

func Test_Subscribe_RejectsSecondSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	_, err = env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "standard_monthly", IdempotencyKey: uuid.NewString(),
	})
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func Test_Subscribe_NoPaymentMethod(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := uuid.New()
	now := time.Now()
	require.NoError(t, env.store.CreateBillingProfile(ctx, &domain.BillingProfile{
		AccountID: accountID, Jurisdiction: "ON", GatewayCustomerID: "cus_x",
		CreatedAt: now, UpdatedAt: now,
	}))

	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_monthly", IdempotencyKey: uuid.NewString(),
	})
	assert.ErrorIs(t, err, ErrNoPaymentMethod)
}

func Test_Subscribe_DeclinedCardLeavesNoState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	env.gateway.CreateSubscriptionFunc = func(ctx context.Context, params billing.CreateSubscriptionParams) (*billing.Subscription, error) {
		return nil, &billing.GatewayError{Message: "declined", Code: "card_declined", DeclineCode: "insufficient_funds"}
	}

	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_monthly", IdempotencyKey: uuid.NewString(),
	})
	assert.ErrorIs(t, err, ErrPaymentDeclined)

	_, err = env.store.GetCurrentSubscription(ctx, accountID)
	assert.Error(t, err, "no subscription row after a decline")
	records, err := env.store.ListBillingRecords(ctx, accountID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, records, "no ledger entry after a decline")
}

func Test_Subscribe_ConvertsPendingTrial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := uuid.New()

	_, err := env.trials.StartTrial(ctx, StartTrialParams{AccountID: accountID, Jurisdiction: "BC"})
	require.NoError(t, err)

	// The trial flow creates the profile; attach a payment method and
	// a gateway customer before converting.
	profile, err := env.store.GetBillingProfile(ctx, accountID)
	require.NoError(t, err)
	profile.GatewayCustomerID = "cus_trial"
	require.NoError(t, env.store.UpdateBillingProfile(ctx, profile))
	require.NoError(t, env.store.CreatePaymentMethod(ctx, &domain.PaymentMethod{
		ID: uuid.New(), AccountID: accountID, GatewayPaymentMethodID: "pm_trial",
		IsDefault: true, CreatedAt: time.Now(),
	}))

	detail, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, detail.Subscription.State)
	assert.True(t, detail.Subscription.FromTrial)

	trial, err := env.store.GetTrial(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialConverted, trial.Outcome)
	require.NotNil(t, trial.ConvertedAt)
}

func Test_ChangePlan_UpgradeProratesByUTCDay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.seedAccount(t, "AB")

	periodStart := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	env.subs.now = func() time.Time { return periodStart }
	env.gateway.CreateSubscriptionFunc = func(ctx context.Context, params billing.CreateSubscriptionParams) (*billing.Subscription, error) {
		return &billing.Subscription{
			ID: "sub_prorate", CustomerID: params.CustomerID, PriceID: params.PriceID,
			Status:             billing.SubscriptionStatusActive,
			CurrentPeriodStart: periodStart,
			CurrentPeriodEnd:   periodStart.AddDate(0, 1, 0),
			LatestChargeID:     "ch_first",
		}, nil
	}

	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "standard_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	// 15 of 30 days remain: delta (699-399)=300, prorated to 150.
	env.gateway.Subscriptions["sub_prorate"] = &billing.Subscription{
		ID: "sub_prorate", Status: billing.SubscriptionStatusActive,
		CurrentPeriodStart: periodStart, CurrentPeriodEnd: periodStart.AddDate(0, 1, 0),
	}
	env.subs.now = func() time.Time { return periodStart.AddDate(0, 0, 15) }

	detail, err := env.subs.ChangePlan(ctx, ChangePlanParams{
		AccountID: accountID, NewPlanCode: "premium_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)
	assert.Equal(t, env.premiumMonthly.ID, detail.Subscription.PlanID)

	records, err := env.store.ListBillingRecords(ctx, accountID, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	upgrade := records[0]
	assert.Equal(t, domain.TransactionCharge, upgrade.Type)
	assert.Equal(t, int64(150), upgrade.SubtotalCents)
	assert.Equal(t, int64(8), upgrade.TaxCents, "GST on the prorated delta")
}

func Test_ChangePlan_DowngradeCreditsDelta(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.seedAccount(t, "AB")

	periodStart := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	env.subs.now = func() time.Time { return periodStart }
	env.gateway.CreateSubscriptionFunc = func(ctx context.Context, params billing.CreateSubscriptionParams) (*billing.Subscription, error) {
		return &billing.Subscription{
			ID: "sub_down", Status: billing.SubscriptionStatusActive,
			CurrentPeriodStart: periodStart, CurrentPeriodEnd: periodStart.AddDate(0, 1, 0),
			LatestChargeID: "ch_first",
		}, nil
	}
	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	env.gateway.Subscriptions["sub_down"] = &billing.Subscription{ID: "sub_down", Status: billing.SubscriptionStatusActive}
	env.subs.now = func() time.Time { return periodStart.AddDate(0, 0, 15) }

	_, err = env.subs.ChangePlan(ctx, ChangePlanParams{
		AccountID: accountID, NewPlanCode: "standard_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	records, err := env.store.ListBillingRecords(ctx, accountID, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	credit := records[0]
	assert.Equal(t, domain.TransactionCredit, credit.Type)
	assert.Equal(t, int64(-150), credit.SubtotalCents)
	assert.Equal(t, int64(0), credit.TaxCents)

	// The downgraded tier applies immediately.
	access, err := env.store.GetFeatureAccess(ctx, accountID, domain.FeaturePatternAlerts)
	require.NoError(t, err)
	assert.False(t, access.Granted, "pattern alerts are premium-only")
}

func Test_ChangePlan_RejectsIntervalSwitch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	_, err = env.subs.ChangePlan(ctx, ChangePlanParams{
		AccountID: accountID, NewPlanCode: "premium_yearly", IdempotencyKey: uuid.NewString(),
	})
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func Test_Cancel_CoolingOffRefundsInFull(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	env.subs.now = func() time.Time { return start }
	env.gateway.CreateSubscriptionFunc = func(ctx context.Context, params billing.CreateSubscriptionParams) (*billing.Subscription, error) {
		sub := &billing.Subscription{
			ID: "sub_refund", Status: billing.SubscriptionStatusActive,
			CurrentPeriodStart: start, CurrentPeriodEnd: start.AddDate(1, 0, 0),
			LatestChargeID: "ch_yearly",
		}
		env.gateway.Subscriptions[sub.ID] = sub
		return sub, nil
	}

	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_yearly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	// Day 10 of 14: still inside the window.
	env.subs.now = func() time.Time { return start.AddDate(0, 0, 10) }

	detail, err := env.subs.Cancel(ctx, CancelParams{AccountID: accountID})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRefunded, detail.Subscription.State)

	// 6999 + 910 HST, refunded in full.
	assert.Equal(t, int64(7909), detail.RefundedCents)

	records, err := env.store.ListBillingRecords(ctx, accountID, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	refund := records[0]
	assert.Equal(t, domain.TransactionRefund, refund.Type)
	assert.Equal(t, int64(-7909), refund.TotalCents)
	assert.True(t, refund.Consistent())

	net, err := env.store.SumBillingRecords(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), net, "refund zeroes the ledger")

	access, err := env.store.GetFeatureAccess(ctx, accountID, domain.FeatureSleepInsights)
	require.NoError(t, err)
	assert.False(t, access.Granted, "refund revokes access immediately")
}

func Test_Cancel_AfterCoolingOffKeepsAccessUntilPeriodEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	env.subs.now = func() time.Time { return start }
	env.gateway.CreateSubscriptionFunc = func(ctx context.Context, params billing.CreateSubscriptionParams) (*billing.Subscription, error) {
		sub := &billing.Subscription{
			ID: "sub_late", Status: billing.SubscriptionStatusActive,
			CurrentPeriodStart: start, CurrentPeriodEnd: start.AddDate(1, 0, 0),
			LatestChargeID: "ch_late",
		}
		env.gateway.Subscriptions[sub.ID] = sub
		return sub, nil
	}
	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_yearly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	// Day 20: the window has closed.
	env.subs.now = func() time.Time { return start.AddDate(0, 0, 20) }

	detail, err := env.subs.Cancel(ctx, CancelParams{AccountID: accountID})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCanceled, detail.Subscription.State)
	assert.Equal(t, int64(0), detail.RefundedCents)

	// Gateway told to stop at period end, not terminate.
	assert.True(t, env.gateway.Subscriptions["sub_late"].CancelAtPeriodEnd)

	records, err := env.store.ListBillingRecords(ctx, accountID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1, "no refund entry")

	access, err := env.store.GetFeatureAccess(ctx, accountID, domain.FeatureSleepInsights)
	require.NoError(t, err)
	assert.True(t, access.Granted, "access survives until period end")
}

func Test_Cancel_Trial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := uuid.New()

	_, err := env.trials.StartTrial(ctx, StartTrialParams{AccountID: accountID, Jurisdiction: "ON"})
	require.NoError(t, err)

	detail, err := env.subs.Cancel(ctx, CancelParams{AccountID: accountID})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCanceled, detail.Subscription.State)

	trial, err := env.store.GetTrial(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialExpired, trial.Outcome)

	access, err := env.store.GetFeatureAccess(ctx, accountID, domain.FeatureSleepInsights)
	require.NoError(t, err)
	assert.False(t, access.Granted)
}

func Test_Cancel_PlanHasEmptyPlanIDOnTrial(t *testing.T) {
	// A trial subscription has no plan; Cancel must not blow up on the
	// plan lookup. The zero UUID resolves to not-found, handled by the
	// trial branch running first.
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := uuid.New()

	_, err := env.trials.StartTrial(ctx, StartTrialParams{AccountID: accountID, Jurisdiction: "ON"})
	require.NoError(t, err)

	sub, err := env.store.GetCurrentSubscription(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, sub.PlanID)
}

func Test_Subscribe_RetriesTransientGatewayFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	calls := 0
	key := uuid.NewString()
	env.gateway.CreateSubscriptionFunc = func(ctx context.Context, params billing.CreateSubscriptionParams) (*billing.Subscription, error) {
		calls++
		if calls == 1 {
			return nil, &billing.GatewayError{Message: "rate limited", Code: "rate_limit"}
		}
		now := time.Now()
		return &billing.Subscription{
			ID: "sub_retry", Status: billing.SubscriptionStatusActive,
			CurrentPeriodStart: now, CurrentPeriodEnd: now.AddDate(0, 1, 0),
			LatestChargeID: "ch_retry",
		}, nil
	}

	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_monthly", IdempotencyKey: key,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	// Both attempts must carry the same idempotency key.
	require.Len(t, env.gateway.IdempotencyKeys, 2)
	assert.Equal(t, env.gateway.IdempotencyKeys[0], env.gateway.IdempotencyKeys[1])
}

func Test_UpdateSubscription_VersionConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	sub, err := env.store.GetCurrentSubscription(ctx, accountID)
	require.NoError(t, err)

	// A concurrent writer bumps the version first.
	other := *sub
	other.UpdatedAt = time.Now()
	require.NoError(t, env.store.UpdateSubscription(ctx, &other))

	stale := *sub
	err = env.store.UpdateSubscription(ctx, &stale)
	require.Error(t, err)
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
}

func Test_Prorate(t *testing.T) {
	periodStart := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0) // 30 days

	tests := []struct {
		name  string
		now   time.Time
		delta int64
		want  int64
	}{
		{"full period remaining", periodStart, 300, 300},
		{"half period remaining", periodStart.AddDate(0, 0, 15), 300, 150},
		{"one day remaining", periodEnd.AddDate(0, 0, -1), 300, 10},
		{"period over", periodEnd, 300, 0},
		{"negative delta halves too", periodStart.AddDate(0, 0, 15), -300, -150},
		{"rounds half away from zero", periodStart.AddDate(0, 0, 15), 25, 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, prorate(tt.delta, tt.now, periodStart, periodEnd))
		})
	}
}

func Test_RequestRefund_WithinCoolingOff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	env.subs.now = func() time.Time { return start }
	env.gateway.CreateSubscriptionFunc = func(ctx context.Context, params billing.CreateSubscriptionParams) (*billing.Subscription, error) {
		sub := &billing.Subscription{
			ID: "sub_req_refund", Status: billing.SubscriptionStatusActive,
			CurrentPeriodStart: start, CurrentPeriodEnd: start.AddDate(1, 0, 0),
			LatestChargeID: "ch_req_refund",
		}
		env.gateway.Subscriptions[sub.ID] = sub
		return sub, nil
	}
	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_yearly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	// Day 13 of 14.
	env.subs.now = func() time.Time { return start.AddDate(0, 0, 13) }

	record, err := env.subs.RequestRefund(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionRefund, record.Type)
	assert.Equal(t, int64(-6999), record.SubtotalCents)
	assert.Equal(t, int64(-7909), record.TotalCents, "full charge plus HST comes back")
	assert.True(t, record.Consistent())

	sub, err := env.store.GetLatestSubscription(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRefunded, sub.State)

	net, err := env.store.SumBillingRecords(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), net)

	access, err := env.store.GetFeatureAccess(ctx, accountID, domain.FeatureSleepInsights)
	require.NoError(t, err)
	assert.False(t, access.Granted, "refund drops the account to free")
}

func Test_RequestRefund_MonthlyPlanRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	_, err = env.subs.RequestRefund(ctx, accountID)
	assert.ErrorIs(t, err, ErrRefundMonthlyPlan)
}

func Test_RequestRefund_AfterWindowCloses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	env.subs.now = func() time.Time { return start }
	env.gateway.CreateSubscriptionFunc = func(ctx context.Context, params billing.CreateSubscriptionParams) (*billing.Subscription, error) {
		sub := &billing.Subscription{
			ID: "sub_late_refund", Status: billing.SubscriptionStatusActive,
			CurrentPeriodStart: start, CurrentPeriodEnd: start.AddDate(1, 0, 0),
			LatestChargeID: "ch_late_refund",
		}
		env.gateway.Subscriptions[sub.ID] = sub
		return sub, nil
	}
	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_yearly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	// Day 14: the window is closed, not inclusive.
	env.subs.now = func() time.Time { return start.AddDate(0, 0, 14) }

	_, err = env.subs.RequestRefund(ctx, accountID)
	assert.ErrorIs(t, err, ErrRefundWindowClosed)

	records, err := env.store.ListBillingRecords(ctx, accountID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1, "no refund entry was written")
}

func Test_RequestRefund_TrialHasNoCharge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := uuid.New()

	_, err := env.trials.StartTrial(ctx, StartTrialParams{AccountID: accountID, Jurisdiction: "ON"})
	require.NoError(t, err)

	_, err = env.subs.RequestRefund(ctx, accountID)
	assert.ErrorIs(t, err, ErrSubscriptionNotBilled)
}

func Test_GetSubscription_CanceledStaysVisibleThroughPeriod(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	env.subs.now = func() time.Time { return start }
	env.gateway.CreateSubscriptionFunc = func(ctx context.Context, params billing.CreateSubscriptionParams) (*billing.Subscription, error) {
		sub := &billing.Subscription{
			ID: "sub_visible", Status: billing.SubscriptionStatusActive,
			CurrentPeriodStart: start, CurrentPeriodEnd: start.AddDate(0, 1, 0),
			LatestChargeID: "ch_visible",
		}
		env.gateway.Subscriptions[sub.ID] = sub
		return sub, nil
	}
	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	_, err = env.subs.Cancel(ctx, CancelParams{AccountID: accountID})
	require.NoError(t, err)

	// Mid-period: the canceled subscription is still paid for.
	env.subs.now = func() time.Time { return start.AddDate(0, 0, 15) }
	detail, err := env.subs.GetSubscription(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCanceled, detail.Subscription.State)
	assert.Equal(t, "premium_monthly", detail.Plan.Code)

	// Past period end it disappears.
	env.subs.now = func() time.Time { return start.AddDate(0, 1, 1) }
	_, err = env.subs.GetSubscription(ctx, accountID)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func Test_GetSubscription_CanceledTrialNotVisible(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := uuid.New()

	_, err := env.trials.StartTrial(ctx, StartTrialParams{AccountID: accountID, Jurisdiction: "ON"})
	require.NoError(t, err)
	_, err = env.subs.Cancel(ctx, CancelParams{AccountID: accountID})
	require.NoError(t, err)

	// Trial cancellation revokes immediately; nothing is paid through.
	_, err = env.subs.GetSubscription(ctx, accountID)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

// recordingInvalidator captures entitlement cache invalidations.
type recordingInvalidator struct {
	calls []uuid.UUID
}

func (r *recordingInvalidator) Invalidate(_ context.Context, accountID uuid.UUID) {
	r.calls = append(r.calls, accountID)
}

func (r *recordingInvalidator) count(accountID uuid.UUID) int {
	n := 0
	for _, id := range r.calls {
		if id == accountID {
			n++
		}
	}
	return n
}

func Test_TransitionsDropCachedEntitlements(t *testing.T) {
	env := newTestEnv(t)
	rec := &recordingInvalidator{}
	env.subs.entitlements = rec
	env.trials.entitlements = rec
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	_, err := env.trials.StartTrial(ctx, StartTrialParams{AccountID: accountID, Jurisdiction: "ON"})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count(accountID), "trial start rewrites access")

	_, err = env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.count(accountID), "conversion rewrites access")

	_, err = env.subs.ChangePlan(ctx, ChangePlanParams{
		AccountID: accountID, NewPlanCode: "standard_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, rec.count(accountID), "plan change rewrites access")
}
