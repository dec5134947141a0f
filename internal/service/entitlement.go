package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nidohq/nido-billing/internal/domain"
	"github.com/nidohq/nido-billing/internal/repository"
	"github.com/nidohq/nido-billing/internal/telemetry"
)

// EntitlementService answers feature-access questions. Reads go through
// a short-lived Redis cache; the database projection is authoritative
// and is rewritten by every subscription transition.
type EntitlementService interface {
	// CheckAccess reports whether the account may use the feature and
	// how much quota remains.
	CheckAccess(ctx context.Context, accountID uuid.UUID, feature domain.Feature) (*domain.FeatureAccess, error)

	// ListAccess returns the account's full feature projection.
	ListAccess(ctx context.Context, accountID uuid.UUID) ([]domain.FeatureAccess, error)

	// ConsumeUsage spends one unit of a limited feature's quota.
	// Returns ErrFeatureLimitExhausted when the limit is reached.
	ConsumeUsage(ctx context.Context, accountID uuid.UUID, feature domain.Feature) (*domain.FeatureAccess, error)

	// Invalidate drops the account's cached projection. Called after
	// every transition that rewrites entitlements.
	Invalidate(ctx context.Context, accountID uuid.UUID)
}

// EntitlementInvalidator is the slice of EntitlementService the
// transition services need: dropping the cached projection after they
// rewrite feature access.
type EntitlementInvalidator interface {
	Invalidate(ctx context.Context, accountID uuid.UUID)
}

// entitlementCacheTTL bounds staleness for accounts whose invalidation
// was missed (e.g. Redis was briefly down during a transition).
const entitlementCacheTTL = 5 * time.Minute

type entitlementService struct {
	store   repository.Store
	cache   *redis.Client // nil disables caching
	metrics *telemetry.BusinessMetrics
	logger  zerolog.Logger
}

// NewEntitlementService creates an EntitlementService. A nil cache
// client disables caching, which tests use.
func NewEntitlementService(
	store repository.Store,
	cache *redis.Client,
	metrics *telemetry.BusinessMetrics,
	logger zerolog.Logger,
) EntitlementService {
	return &entitlementService{
		store:   store,
		cache:   cache,
		metrics: metrics,
		logger:  logger.With().Str("service", "entitlement").Logger(),
	}
}

func cacheKey(accountID uuid.UUID) string {
	return "nido:entitlements:" + accountID.String()
}

func (s *entitlementService) CheckAccess(ctx context.Context, accountID uuid.UUID, feature domain.Feature) (*domain.FeatureAccess, error) {
	access, err := s.ListAccess(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for i := range access {
		if access[i].Feature == feature {
			granted := "false"
			if access[i].Granted && !access[i].Exhausted() {
				granted = "true"
			}
			s.metrics.EntitlementChecks.WithLabelValues(string(feature), granted).Inc()
			return &access[i], nil
		}
	}
	return nil, ErrFeatureUnknown
}

func (s *entitlementService) ListAccess(ctx context.Context, accountID uuid.UUID) ([]domain.FeatureAccess, error) {
	if cached := s.readCache(ctx, accountID); cached != nil {
		return cached, nil
	}

	access, err := s.store.ListFeatureAccess(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if len(access) == 0 {
		// No projection rows yet: the account never started a trial or
		// subscription, so it gets the free tier.
		access = deriveFeatureAccess(accountID, domain.TierFree, time.Now())
	}

	s.writeCache(ctx, accountID, access)
	return access, nil
}

func (s *entitlementService) ConsumeUsage(ctx context.Context, accountID uuid.UUID, feature domain.Feature) (*domain.FeatureAccess, error) {
	known := false
	for _, f := range domain.AllFeatures {
		if f == feature {
			known = true
			break
		}
	}
	if !known {
		return nil, ErrFeatureUnknown
	}

	access, err := s.store.IncrementFeatureUsage(ctx, accountID, feature)
	if err == nil {
		s.Invalidate(ctx, accountID)
		return access, nil
	}
	if domain.ErrorCode(err) != domain.ENOTFOUND {
		return nil, err
	}

	// No row for the feature. An account that never touched billing has
	// no projection at all yet; materialize the free tier and retry once.
	// If rows exist the increment genuinely refused: the feature is not
	// granted at this tier or its quota is spent.
	rows, listErr := s.store.ListFeatureAccess(ctx, accountID)
	if listErr != nil {
		return nil, listErr
	}
	if len(rows) > 0 {
		return nil, ErrFeatureLimitExhausted
	}
	if err := s.store.UpsertFeatureAccess(ctx, deriveFeatureAccess(accountID, domain.TierFree, time.Now())); err != nil {
		return nil, err
	}
	access, err = s.store.IncrementFeatureUsage(ctx, accountID, feature)
	if err != nil {
		if domain.ErrorCode(err) == domain.ENOTFOUND {
			return nil, ErrFeatureLimitExhausted
		}
		return nil, err
	}
	s.Invalidate(ctx, accountID)
	return access, nil
}

func (s *entitlementService) Invalidate(ctx context.Context, accountID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, cacheKey(accountID)).Err(); err != nil {
		s.logger.Warn().Err(err).
			Str("account_id", accountID.String()).
			Msg("failed to invalidate entitlement cache")
	}
}

func (s *entitlementService) readCache(ctx context.Context, accountID uuid.UUID) []domain.FeatureAccess {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, cacheKey(accountID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Msg("entitlement cache read failed")
		}
		return nil
	}
	var access []domain.FeatureAccess
	if err := json.Unmarshal(data, &access); err != nil {
		return nil
	}
	s.metrics.EntitlementCacheHits.Inc()
	return access
}

func (s *entitlementService) writeCache(ctx context.Context, accountID uuid.UUID, access []domain.FeatureAccess) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(access)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(accountID), data, entitlementCacheTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("entitlement cache write failed")
	}
}
