package domain

import (
	"time"

	"github.com/google/uuid"
)

// Feature identifies a gated capability of the application.
type Feature string

const (
	FeatureSleepInsights  Feature = "sleep_insights"
	FeatureGrowthCharts   Feature = "growth_charts"
	FeaturePatternAlerts  Feature = "pattern_alerts"
	FeatureReportExport   Feature = "report_export"
	FeatureMultiCaregiver Feature = "multi_caregiver"
	FeaturePhotoStorage   Feature = "photo_storage"
)

// Unlimited marks a feature with no usage cap.
const Unlimited int64 = -1

// AllFeatures lists every gated feature, in stable order.
var AllFeatures = []Feature{
	FeatureSleepInsights,
	FeatureGrowthCharts,
	FeaturePatternAlerts,
	FeatureReportExport,
	FeatureMultiCaregiver,
	FeaturePhotoStorage,
}

// tierLimits is the feature-limit table per plan tier.
// A missing entry means the feature is not granted at that tier.
var tierLimits = map[PlanTier]map[Feature]int64{
	TierFree: {
		FeatureGrowthCharts: 3, // previews only
		FeaturePhotoStorage: 25,
	},
	TierStandard: {
		FeatureSleepInsights: Unlimited,
		FeatureGrowthCharts:  Unlimited,
		FeatureReportExport:  5,
		FeaturePhotoStorage:  500,
	},
	TierPremium: {
		FeatureSleepInsights:  Unlimited,
		FeatureGrowthCharts:   Unlimited,
		FeaturePatternAlerts:  Unlimited,
		FeatureReportExport:   Unlimited,
		FeatureMultiCaregiver: 5,
		FeaturePhotoStorage:   Unlimited,
	},
}

// TierLimit returns the usage limit for a feature at the given tier.
// The second return is false when the tier does not grant the feature.
func TierLimit(tier PlanTier, f Feature) (int64, bool) {
	limits, ok := tierLimits[tier]
	if !ok {
		return 0, false
	}
	limit, ok := limits[f]
	return limit, ok
}

// FeatureAccess is the derived, cached entitlement projection for one
// account and feature. It is never the system of record: Subscription,
// Plan, and TrialProgress are, and rows here are safe to delete and
// rebuild at any time.
type FeatureAccess struct {
	AccountID  uuid.UUID
	Feature    Feature
	Granted    bool
	UsageCount int64
	UsageLimit int64 // Unlimited (-1) for no cap
	Tier       PlanTier
	UpdatedAt  time.Time
}

// Exhausted reports whether the feature is granted but fully used up.
func (f FeatureAccess) Exhausted() bool {
	if !f.Granted || f.UsageLimit == Unlimited {
		return false
	}
	return f.UsageCount >= f.UsageLimit
}
