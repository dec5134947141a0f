package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidohq/nido-billing/internal/domain"
)

func newTestEntitlements(env *testEnv) EntitlementService {
	return env.ents
}

func Test_CheckAccess_DefaultsToFreeTier(t *testing.T) {
	env := newTestEnv(t)
	ents := newTestEntitlements(env)
	ctx := context.Background()

	// An account with no billing history at all.
	accountID := uuid.New()

	access, err := ents.CheckAccess(ctx, accountID, domain.FeatureGrowthCharts)
	require.NoError(t, err)
	assert.True(t, access.Granted)
	assert.Equal(t, int64(3), access.UsageLimit)
	assert.Equal(t, domain.TierFree, access.Tier)

	access, err = ents.CheckAccess(ctx, accountID, domain.FeatureSleepInsights)
	require.NoError(t, err)
	assert.False(t, access.Granted)

	_, err = ents.CheckAccess(ctx, accountID, domain.Feature("bogus"))
	assert.ErrorIs(t, err, ErrFeatureUnknown)
}

func Test_CheckAccess_FollowsSubscriptionTier(t *testing.T) {
	env := newTestEnv(t)
	ents := newTestEntitlements(env)
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "standard_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	access, err := ents.CheckAccess(ctx, accountID, domain.FeatureSleepInsights)
	require.NoError(t, err)
	assert.True(t, access.Granted)
	assert.Equal(t, domain.Unlimited, access.UsageLimit)

	access, err = ents.CheckAccess(ctx, accountID, domain.FeaturePatternAlerts)
	require.NoError(t, err)
	assert.False(t, access.Granted, "pattern alerts need premium")
}

func Test_ConsumeUsage_ExhaustsLimit(t *testing.T) {
	env := newTestEnv(t)
	ents := newTestEntitlements(env)
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "standard_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	// Standard grants 5 report exports.
	for i := 0; i < 5; i++ {
		access, err := ents.ConsumeUsage(ctx, accountID, domain.FeatureReportExport)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), access.UsageCount)
	}

	_, err = ents.ConsumeUsage(ctx, accountID, domain.FeatureReportExport)
	assert.ErrorIs(t, err, ErrFeatureLimitExhausted)

	access, err := ents.CheckAccess(ctx, accountID, domain.FeatureReportExport)
	require.NoError(t, err)
	assert.True(t, access.Exhausted())
}

func Test_ConsumeUsage_UnlimitedNeverExhausts(t *testing.T) {
	env := newTestEnv(t)
	ents := newTestEntitlements(env)
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "standard_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, err := ents.ConsumeUsage(ctx, accountID, domain.FeatureSleepInsights)
		require.NoError(t, err)
	}
}

func Test_ConsumeUsage_DeniedFeature(t *testing.T) {
	env := newTestEnv(t)
	ents := newTestEntitlements(env)
	ctx := context.Background()
	accountID := uuid.New()

	_, err := env.trials.StartTrial(ctx, StartTrialParams{AccountID: accountID, Jurisdiction: "ON"})
	require.NoError(t, err)
	_, err = env.subs.Cancel(ctx, CancelParams{AccountID: accountID})
	require.NoError(t, err)

	// Free tier does not grant sleep insights at all.
	_, err = ents.ConsumeUsage(ctx, accountID, domain.FeatureSleepInsights)
	assert.ErrorIs(t, err, ErrFeatureLimitExhausted)
}

func Test_ConsumeUsage_FreshAccountOnFreeTier(t *testing.T) {
	env := newTestEnv(t)
	ents := newTestEntitlements(env)
	ctx := context.Background()

	// No trial, no subscription, no stored access rows at all.
	accountID := uuid.New()

	access, err := ents.CheckAccess(ctx, accountID, domain.FeaturePhotoStorage)
	require.NoError(t, err)
	assert.True(t, access.Granted)
	assert.Equal(t, int64(0), access.UsageCount)
	assert.Equal(t, int64(25), access.UsageLimit)

	// The first consume materializes the free-tier rows and counts.
	access, err = ents.ConsumeUsage(ctx, accountID, domain.FeaturePhotoStorage)
	require.NoError(t, err)
	assert.Equal(t, int64(1), access.UsageCount)
	assert.Equal(t, domain.TierFree, access.Tier)

	// The free growth-chart allowance runs out the same way it would
	// for an account with billing history.
	for i := 0; i < 3; i++ {
		_, err := ents.ConsumeUsage(ctx, accountID, domain.FeatureGrowthCharts)
		require.NoError(t, err)
	}
	_, err = ents.ConsumeUsage(ctx, accountID, domain.FeatureGrowthCharts)
	assert.ErrorIs(t, err, ErrFeatureLimitExhausted)

	_, err = ents.ConsumeUsage(ctx, accountID, domain.Feature("bogus"))
	assert.ErrorIs(t, err, ErrFeatureUnknown)
}

func Test_UsageCountSurvivesTierChange(t *testing.T) {
	env := newTestEnv(t)
	ents := newTestEntitlements(env)
	ctx := context.Background()
	accountID := env.seedAccount(t, "ON")

	_, err := env.subs.Subscribe(ctx, SubscribeParams{
		AccountID: accountID, PlanCode: "standard_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	_, err = ents.ConsumeUsage(ctx, accountID, domain.FeatureReportExport)
	require.NoError(t, err)
	_, err = ents.ConsumeUsage(ctx, accountID, domain.FeatureReportExport)
	require.NoError(t, err)

	_, err = env.subs.ChangePlan(ctx, ChangePlanParams{
		AccountID: accountID, NewPlanCode: "premium_monthly", IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	access, err := ents.CheckAccess(ctx, accountID, domain.FeatureReportExport)
	require.NoError(t, err)
	assert.Equal(t, int64(2), access.UsageCount, "usage carries across the upgrade")
	assert.Equal(t, domain.Unlimited, access.UsageLimit)
}
