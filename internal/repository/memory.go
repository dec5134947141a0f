package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nidohq/nido-billing/internal/domain"
)

// MemoryStore is an in-memory Store used by tests. It enforces the same
// uniqueness and version rules as the Postgres implementation.
type MemoryStore struct {
	mu sync.Mutex

	plans           map[uuid.UUID]domain.Plan
	profiles        map[uuid.UUID]domain.BillingProfile
	subscriptions   map[uuid.UUID]domain.Subscription
	trials          map[uuid.UUID]domain.TrialProgress // keyed by account ID
	paymentMethods  map[uuid.UUID]domain.PaymentMethod
	billingRecords  []domain.BillingRecord
	featureAccess   map[uuid.UUID]map[domain.Feature]domain.FeatureAccess
	processedEvents map[string]domain.ProcessedGatewayEvent
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:           make(map[uuid.UUID]domain.Plan),
		profiles:        make(map[uuid.UUID]domain.BillingProfile),
		subscriptions:   make(map[uuid.UUID]domain.Subscription),
		trials:          make(map[uuid.UUID]domain.TrialProgress),
		paymentMethods:  make(map[uuid.UUID]domain.PaymentMethod),
		featureAccess:   make(map[uuid.UUID]map[domain.Feature]domain.FeatureAccess),
		processedEvents: make(map[string]domain.ProcessedGatewayEvent),
	}
}

// Tx runs fn directly. The store's per-call locking keeps individual
// writes consistent, which is enough for unit tests; rollback-on-error
// is only exercised against Postgres.
func (s *MemoryStore) Tx(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}

// ----------------------------------------------------------------------------
// Plans
// ----------------------------------------------------------------------------

func (s *MemoryStore) GetPlanByID(ctx context.Context, id uuid.UUID) (*domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if plan, ok := s.plans[id]; ok {
		return &plan, nil
	}
	return nil, domain.NotFound("plan.get", "plan", id.String())
}

func (s *MemoryStore) GetPlanByCode(ctx context.Context, code string) (*domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, plan := range s.plans {
		if plan.Code == code {
			return &plan, nil
		}
	}
	return nil, domain.NotFound("plan.get_by_code", "plan", code)
}

func (s *MemoryStore) GetPlanByGatewayPriceID(ctx context.Context, priceID string) (*domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, plan := range s.plans {
		if plan.GatewayPriceID == priceID {
			return &plan, nil
		}
	}
	return nil, domain.NotFound("plan.get_by_price", "plan", priceID)
}

func (s *MemoryStore) ListActivePlans(ctx context.Context) ([]domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var plans []domain.Plan
	for _, plan := range s.plans {
		if plan.Active {
			plans = append(plans, plan)
		}
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].PriceCents < plans[j].PriceCents })
	return plans, nil
}

func (s *MemoryStore) CreatePlan(ctx context.Context, plan *domain.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.plans {
		if existing.Code == plan.Code {
			return domain.Conflict("plan.create", "plan code already exists")
		}
	}
	s.plans[plan.ID] = *plan
	return nil
}

// ----------------------------------------------------------------------------
// Billing profiles
// ----------------------------------------------------------------------------

func (s *MemoryStore) GetBillingProfile(ctx context.Context, accountID uuid.UUID) (*domain.BillingProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[accountID]; ok {
		return &p, nil
	}
	return nil, domain.NotFound("profile.get", "billing profile", accountID.String())
}

func (s *MemoryStore) CreateBillingProfile(ctx context.Context, profile *domain.BillingProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[profile.AccountID]; ok {
		return domain.Conflict("profile.create", "billing profile already exists")
	}
	s.profiles[profile.AccountID] = *profile
	return nil
}

func (s *MemoryStore) UpdateBillingProfile(ctx context.Context, profile *domain.BillingProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[profile.AccountID]; !ok {
		return domain.NotFound("profile.update", "billing profile", profile.AccountID.String())
	}
	s.profiles[profile.AccountID] = *profile
	return nil
}

// ----------------------------------------------------------------------------
// Subscriptions
// ----------------------------------------------------------------------------

func (s *MemoryStore) GetSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subscriptions[id]; ok {
		return &sub, nil
	}
	return nil, domain.NotFound("subscription.get", "subscription", id.String())
}

func (s *MemoryStore) GetCurrentSubscription(ctx context.Context, accountID uuid.UUID) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		if sub.AccountID == accountID && !sub.State.Terminal() {
			return &sub, nil
		}
	}
	return nil, domain.NotFound("subscription.get_current", "subscription", accountID.String())
}

func (s *MemoryStore) GetLatestSubscription(ctx context.Context, accountID uuid.UUID) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.Subscription
	for _, sub := range s.subscriptions {
		sub := sub
		if sub.AccountID != accountID {
			continue
		}
		if latest == nil || sub.CreatedAt.After(latest.CreatedAt) {
			latest = &sub
		}
	}
	if latest == nil {
		return nil, domain.NotFound("subscription.get_latest", "subscription", accountID.String())
	}
	return latest, nil
}

func (s *MemoryStore) GetSubscriptionByGatewayID(ctx context.Context, gatewaySubID string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		if sub.GatewaySubscriptionID == gatewaySubID {
			return &sub, nil
		}
	}
	return nil, domain.NotFound("subscription.get_by_gateway", "subscription", gatewaySubID)
}

func (s *MemoryStore) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.subscriptions {
		if existing.AccountID == sub.AccountID && !existing.State.Terminal() {
			return domain.Conflict("subscription.create", "account already has an active subscription")
		}
	}
	s.subscriptions[sub.ID] = *sub
	return nil
}

func (s *MemoryStore) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.subscriptions[sub.ID]
	if !ok {
		return domain.NotFound("subscription.update", "subscription", sub.ID.String())
	}
	if existing.Version != sub.Version {
		return domain.Conflict("subscription.update", "subscription was modified concurrently")
	}
	sub.Version++
	s.subscriptions[sub.ID] = *sub
	return nil
}

func (s *MemoryStore) ListSubscriptionsInState(ctx context.Context, state domain.SubscriptionState, limit int, after uuid.UUID) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var subs []domain.Subscription
	for _, sub := range s.subscriptions {
		if sub.State == state && strings.Compare(sub.ID.String(), after.String()) > 0 {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		return strings.Compare(subs[i].ID.String(), subs[j].ID.String()) < 0
	})
	if len(subs) > limit {
		subs = subs[:limit]
	}
	return subs, nil
}

// ----------------------------------------------------------------------------
// Trials
// ----------------------------------------------------------------------------

func (s *MemoryStore) GetTrial(ctx context.Context, accountID uuid.UUID) (*domain.TrialProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if trial, ok := s.trials[accountID]; ok {
		out := trial
		out.EngagedFeatures = append([]domain.Feature(nil), trial.EngagedFeatures...)
		return &out, nil
	}
	return nil, domain.NotFound("trial.get", "trial", accountID.String())
}

func (s *MemoryStore) CreateTrial(ctx context.Context, trial *domain.TrialProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trials[trial.AccountID]; ok {
		return domain.Conflict("trial.create", "trial already consumed")
	}
	s.trials[trial.AccountID] = *trial
	return nil
}

func (s *MemoryStore) UpdateTrial(ctx context.Context, trial *domain.TrialProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trials[trial.AccountID]; !ok {
		return domain.NotFound("trial.update", "trial", trial.AccountID.String())
	}
	s.trials[trial.AccountID] = *trial
	return nil
}

func (s *MemoryStore) ListExpirableTrials(ctx context.Context, cutoff time.Time, limit int) ([]domain.TrialProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var trials []domain.TrialProgress
	for _, trial := range s.trials {
		if trial.Outcome == domain.TrialPending && !trial.EndsAt.After(cutoff) {
			trials = append(trials, trial)
		}
	}
	sort.Slice(trials, func(i, j int) bool { return trials[i].EndsAt.Before(trials[j].EndsAt) })
	if len(trials) > limit {
		trials = trials[:limit]
	}
	return trials, nil
}

// ----------------------------------------------------------------------------
// Payment methods
// ----------------------------------------------------------------------------

func (s *MemoryStore) GetPaymentMethod(ctx context.Context, id uuid.UUID) (*domain.PaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pm, ok := s.paymentMethods[id]; ok {
		return &pm, nil
	}
	return nil, domain.NotFound("payment_method.get", "payment method", id.String())
}

func (s *MemoryStore) ListPaymentMethods(ctx context.Context, accountID uuid.UUID) ([]domain.PaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var methods []domain.PaymentMethod
	for _, pm := range s.paymentMethods {
		if pm.AccountID == accountID {
			methods = append(methods, pm)
		}
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i].CreatedAt.After(methods[j].CreatedAt) })
	return methods, nil
}

func (s *MemoryStore) CreatePaymentMethod(ctx context.Context, pm *domain.PaymentMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.paymentMethods {
		if existing.GatewayPaymentMethodID == pm.GatewayPaymentMethodID {
			return domain.Conflict("payment_method.create", "payment method already attached")
		}
	}
	s.paymentMethods[pm.ID] = *pm
	return nil
}

func (s *MemoryStore) DeletePaymentMethod(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.paymentMethods[id]; !ok {
		return domain.NotFound("payment_method.delete", "payment method", id.String())
	}
	delete(s.paymentMethods, id)
	return nil
}

func (s *MemoryStore) SetDefaultPaymentMethod(ctx context.Context, accountID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.paymentMethods[id]
	if !ok || target.AccountID != accountID {
		return domain.NotFound("payment_method.set_default", "payment method", id.String())
	}
	for pmID, pm := range s.paymentMethods {
		if pm.AccountID == accountID {
			pm.IsDefault = pmID == id
			s.paymentMethods[pmID] = pm
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Billing ledger
// ----------------------------------------------------------------------------

func (s *MemoryStore) AppendBillingRecord(ctx context.Context, record *domain.BillingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.billingRecords {
		if existing.GatewayTransactionID != "" && existing.GatewayTransactionID == record.GatewayTransactionID && existing.Type == record.Type {
			return domain.Conflict("ledger.append", "billing record already recorded")
		}
	}
	s.billingRecords = append(s.billingRecords, *record)
	return nil
}

func (s *MemoryStore) GetBillingRecordByGatewayTxID(ctx context.Context, gatewayTxID string) (*domain.BillingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.billingRecords {
		if record.GatewayTransactionID == gatewayTxID {
			out := record
			return &out, nil
		}
	}
	return nil, domain.NotFound("ledger.get_by_tx", "billing record", gatewayTxID)
}

func (s *MemoryStore) ListBillingRecords(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.BillingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []domain.BillingRecord
	for _, record := range s.billingRecords {
		if record.AccountID == accountID {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	if offset >= len(records) {
		return nil, nil
	}
	records = records[offset:]
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *MemoryStore) SumBillingRecords(ctx context.Context, accountID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int64
	for _, record := range s.billingRecords {
		if record.AccountID == accountID {
			sum += record.TotalCents
		}
	}
	return sum, nil
}

// ----------------------------------------------------------------------------
// Feature access
// ----------------------------------------------------------------------------

func (s *MemoryStore) GetFeatureAccess(ctx context.Context, accountID uuid.UUID, feature domain.Feature) (*domain.FeatureAccess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fa, ok := s.featureAccess[accountID][feature]; ok {
		return &fa, nil
	}
	return nil, domain.NotFound("entitlement.get", "feature access", string(feature))
}

func (s *MemoryStore) ListFeatureAccess(ctx context.Context, accountID uuid.UUID) ([]domain.FeatureAccess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var access []domain.FeatureAccess
	for _, fa := range s.featureAccess[accountID] {
		access = append(access, fa)
	}
	sort.Slice(access, func(i, j int) bool { return access[i].Feature < access[j].Feature })
	return access, nil
}

func (s *MemoryStore) UpsertFeatureAccess(ctx context.Context, access []domain.FeatureAccess) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fa := range access {
		if s.featureAccess[fa.AccountID] == nil {
			s.featureAccess[fa.AccountID] = make(map[domain.Feature]domain.FeatureAccess)
		}
		// Preserve consumed quota across tier changes.
		if existing, ok := s.featureAccess[fa.AccountID][fa.Feature]; ok {
			fa.UsageCount = existing.UsageCount
		}
		s.featureAccess[fa.AccountID][fa.Feature] = fa
	}
	return nil
}

func (s *MemoryStore) IncrementFeatureUsage(ctx context.Context, accountID uuid.UUID, feature domain.Feature) (*domain.FeatureAccess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fa, ok := s.featureAccess[accountID][feature]
	if !ok || !fa.Granted {
		return nil, domain.NotFound("entitlement.increment", "available feature quota", string(feature))
	}
	if fa.UsageLimit != domain.Unlimited && fa.UsageCount >= fa.UsageLimit {
		return nil, domain.NotFound("entitlement.increment", "available feature quota", string(feature))
	}
	fa.UsageCount++
	fa.UpdatedAt = time.Now()
	s.featureAccess[accountID][feature] = fa
	return &fa, nil
}

// ----------------------------------------------------------------------------
// Processed gateway events
// ----------------------------------------------------------------------------

func (s *MemoryStore) MarkEventProcessed(ctx context.Context, event *domain.ProcessedGatewayEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processedEvents[event.EventID]; ok {
		return false, nil
	}
	s.processedEvents[event.EventID] = *event
	return true, nil
}

func (s *MemoryStore) UnmarkEvent(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processedEvents, eventID)
	return nil
}
