package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidohq/nido-billing/internal/domain"
)

func Test_StartTrial_GrantsPremiumForFourteenDays(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := uuid.New()

	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	env.trials.now = func() time.Time { return start }

	status, err := env.trials.StartTrial(ctx, StartTrialParams{AccountID: accountID, Jurisdiction: "MB"})
	require.NoError(t, err)
	assert.Equal(t, 14, status.DaysRemaining)
	assert.Equal(t, start.Add(14*24*time.Hour), status.Trial.EndsAt)

	sub, err := env.store.GetCurrentSubscription(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTrialing, sub.State)

	// No payment method is involved; the gateway was never called.
	assert.Empty(t, env.gateway.CallLog)

	profile, err := env.store.GetBillingProfile(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, "MB", profile.Jurisdiction)

	for _, f := range domain.AllFeatures {
		access, err := env.store.GetFeatureAccess(ctx, accountID, f)
		require.NoError(t, err)
		assert.True(t, access.Granted, "trial grants %s", f)
	}
}

func Test_StartTrial_OncePerAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := uuid.New()

	_, err := env.trials.StartTrial(ctx, StartTrialParams{AccountID: accountID, Jurisdiction: "ON"})
	require.NoError(t, err)

	_, err = env.trials.StartTrial(ctx, StartTrialParams{AccountID: accountID, Jurisdiction: "ON"})
	assert.ErrorIs(t, err, ErrTrialAlreadyConsumed)

	// Canceling does not reset the one-trial rule.
	_, err = env.subs.Cancel(ctx, CancelParams{AccountID: accountID})
	require.NoError(t, err)
	_, err = env.trials.StartTrial(ctx, StartTrialParams{AccountID: accountID, Jurisdiction: "ON"})
	assert.ErrorIs(t, err, ErrTrialAlreadyConsumed)
}

func Test_StartTrial_BlockedBySubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	_, err = env.trials.StartTrial(ctx, StartTrialParams{AccountID: accountID, Jurisdiction: "ON"})
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func Test_RecordTrialUsage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := uuid.New()

	_, err := env.trials.StartTrial(ctx, StartTrialParams{AccountID: accountID, Jurisdiction: "ON"})
	require.NoError(t, err)

	require.NoError(t, env.trials.RecordTrialUsage(ctx, accountID, domain.FeatureSleepInsights))
	require.NoError(t, env.trials.RecordTrialUsage(ctx, accountID, domain.FeatureSleepInsights))
	require.NoError(t, env.trials.RecordTrialUsage(ctx, accountID, domain.FeatureGrowthCharts))

	trial, err := env.store.GetTrial(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, []domain.Feature{domain.FeatureSleepInsights, domain.FeatureGrowthCharts}, trial.EngagedFeatures)

	err = env.trials.RecordTrialUsage(ctx, accountID, domain.Feature("time_travel"))
	assert.ErrorIs(t, err, ErrFeatureUnknown)

	err = env.trials.RecordTrialUsage(ctx, uuid.New(), domain.FeatureSleepInsights)
	assert.ErrorIs(t, err, ErrTrialNotFound)
}

func Test_ExpireTrials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	env.trials.now = func() time.Time { return start }

	lapsed := uuid.New()
	fresh := uuid.New()
	_, err := env.trials.StartTrial(ctx, StartTrialParams{AccountID: lapsed, Jurisdiction: "ON"})
	require.NoError(t, err)

	env.trials.now = func() time.Time { return start.AddDate(0, 0, 10) }
	_, err = env.trials.StartTrial(ctx, StartTrialParams{AccountID: fresh, Jurisdiction: "ON"})
	require.NoError(t, err)

	lapsedSub, err := env.store.GetCurrentSubscription(ctx, lapsed)
	require.NoError(t, err)

	// Day 15: the first trial lapsed, the second has days left.
	now := start.AddDate(0, 0, 15)
	expired, err := env.trials.ExpireTrials(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	lapsedTrial, err := env.store.GetTrial(ctx, lapsed)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialExpired, lapsedTrial.Outcome)

	sub, err := env.store.GetSubscription(ctx, lapsedSub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCanceled, sub.State)

	access, err := env.store.GetFeatureAccess(ctx, lapsed, domain.FeatureSleepInsights)
	require.NoError(t, err)
	assert.False(t, access.Granted)

	freshTrial, err := env.store.GetTrial(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialPending, freshTrial.Outcome)

	// A second pass finds nothing.
	expired, err = env.trials.ExpireTrials(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func Test_ExpireTrials_SkipsConverted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := uuid.New()

	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	env.trials.now = func() time.Time { return start }
	_, err := env.trials.StartTrial(ctx, StartTrialParams{AccountID: accountID, Jurisdiction: "ON"})
	require.NoError(t, err)

	profile, err := env.store.GetBillingProfile(ctx, accountID)
	require.NoError(t, err)
	profile.GatewayCustomerID = "cus_conv"
	require.NoError(t, env.store.UpdateBillingProfile(ctx, profile))
	require.NoError(t, env.store.CreatePaymentMethod(ctx, &domain.PaymentMethod{
		ID: uuid.New(), AccountID: accountID, GatewayPaymentMethodID: "pm_conv",
		IsDefault: true, CreatedAt: start,
	}))
	_, err = env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "premium_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	expired, err := env.trials.ExpireTrials(ctx, start.AddDate(0, 0, 20))
	require.NoError(t, err)
	assert.Zero(t, expired)

	sub, err := env.store.GetCurrentSubscription(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, sub.State)
}

func Test_StartTrial_UnknownJurisdiction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accountID := uuid.New()

	_, err := env.trials.StartTrial(ctx, StartTrialParams{AccountID: accountID, Jurisdiction: "ZZ"})
	assert.ErrorIs(t, err, ErrInvalidJurisdiction)

	// Nothing was written: no trial, no profile, no subscription.
	_, err = env.store.GetTrial(ctx, accountID)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
	_, err = env.store.GetBillingProfile(ctx, accountID)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
	_, err = env.store.GetCurrentSubscription(ctx, accountID)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}
