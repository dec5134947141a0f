package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nidohq/nido-billing/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// methods run inside and outside transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL via pgx.
type PostgresStore struct {
	db   querier
	pool *pgxpool.Pool // nil when already inside a transaction
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool, pool: pool}
}

// Tx runs fn in a transaction. Nested calls reuse the open transaction.
func (s *PostgresStore) Tx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Internal(err, "store.tx", "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Internal(err, "store.tx", "failed to commit transaction")
	}
	return nil
}

// ----------------------------------------------------------------------------
// Plans
// ----------------------------------------------------------------------------

const planColumns = `id, code, name, tier, billing_interval, price_cents, currency, gateway_price_id, active, created_at`

func scanPlan(row pgx.Row) (*domain.Plan, error) {
	var p domain.Plan
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Tier, &p.Interval, &p.PriceCents,
		&p.Currency, &p.GatewayPriceID, &p.Active, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetPlanByID(ctx context.Context, id uuid.UUID) (*domain.Plan, error) {
	plan, err := scanPlan(s.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "plan.get", "plan", id.String())
	}
	return plan, nil
}

func (s *PostgresStore) GetPlanByCode(ctx context.Context, code string) (*domain.Plan, error) {
	plan, err := scanPlan(s.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE code = $1`, code))
	if err != nil {
		return nil, notFound(err, "plan.get_by_code", "plan", code)
	}
	return plan, nil
}

func (s *PostgresStore) GetPlanByGatewayPriceID(ctx context.Context, priceID string) (*domain.Plan, error) {
	plan, err := scanPlan(s.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE gateway_price_id = $1`, priceID))
	if err != nil {
		return nil, notFound(err, "plan.get_by_price", "plan", priceID)
	}
	return plan, nil
}

func (s *PostgresStore) ListActivePlans(ctx context.Context) ([]domain.Plan, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+planColumns+` FROM plans WHERE active ORDER BY price_cents`)
	if err != nil {
		return nil, domain.Internal(err, "plan.list", "failed to list plans")
	}
	defer rows.Close()

	var plans []domain.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, domain.Internal(err, "plan.list", "failed to scan plan")
		}
		plans = append(plans, *plan)
	}
	return plans, rows.Err()
}

func (s *PostgresStore) CreatePlan(ctx context.Context, plan *domain.Plan) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO plans (`+planColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		plan.ID, plan.Code, plan.Name, plan.Tier, plan.Interval, plan.PriceCents,
		plan.Currency, plan.GatewayPriceID, plan.Active, plan.CreatedAt)
	if err != nil {
		return writeError(err, "plan.create", "plan code already exists")
	}
	return nil
}

// ----------------------------------------------------------------------------
// Billing profiles
// ----------------------------------------------------------------------------

func (s *PostgresStore) GetBillingProfile(ctx context.Context, accountID uuid.UUID) (*domain.BillingProfile, error) {
	var p domain.BillingProfile
	err := s.db.QueryRow(ctx,
		`SELECT account_id, jurisdiction, gateway_customer_id, created_at, updated_at
		 FROM billing_profiles WHERE account_id = $1`, accountID).
		Scan(&p.AccountID, &p.Jurisdiction, &p.GatewayCustomerID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "profile.get", "billing profile", accountID.String())
	}
	return &p, nil
}

func (s *PostgresStore) CreateBillingProfile(ctx context.Context, profile *domain.BillingProfile) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO billing_profiles (account_id, jurisdiction, gateway_customer_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		profile.AccountID, profile.Jurisdiction, profile.GatewayCustomerID,
		profile.CreatedAt, profile.UpdatedAt)
	if err != nil {
		return writeError(err, "profile.create", "billing profile already exists")
	}
	return nil
}

func (s *PostgresStore) UpdateBillingProfile(ctx context.Context, profile *domain.BillingProfile) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE billing_profiles SET jurisdiction = $2, gateway_customer_id = $3, updated_at = $4
		 WHERE account_id = $1`,
		profile.AccountID, profile.Jurisdiction, profile.GatewayCustomerID, profile.UpdatedAt)
	if err != nil {
		return domain.Internal(err, "profile.update", "failed to update billing profile")
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("profile.update", "billing profile", profile.AccountID.String())
	}
	return nil
}

// ----------------------------------------------------------------------------
// Subscriptions
// ----------------------------------------------------------------------------

const subscriptionColumns = `id, account_id, plan_id, state, gateway_subscription_id, from_trial,
	cooling_off_ends_at, current_period_start, current_period_end, canceled_at, version, created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(&sub.ID, &sub.AccountID, &sub.PlanID, &sub.State, &sub.GatewaySubscriptionID,
		&sub.FromTrial, &sub.CoolingOffEndsAt, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.CanceledAt, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "subscription.get", "subscription", id.String())
	}
	return sub, nil
}

func (s *PostgresStore) GetCurrentSubscription(ctx context.Context, accountID uuid.UUID) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE account_id = $1 AND state NOT IN ('canceled', 'refunded')`, accountID))
	if err != nil {
		return nil, notFound(err, "subscription.get_current", "subscription", accountID.String())
	}
	return sub, nil
}

func (s *PostgresStore) GetLatestSubscription(ctx context.Context, accountID uuid.UUID) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE account_id = $1 ORDER BY created_at DESC LIMIT 1`, accountID))
	if err != nil {
		return nil, notFound(err, "subscription.get_latest", "subscription", accountID.String())
	}
	return sub, nil
}

func (s *PostgresStore) GetSubscriptionByGatewayID(ctx context.Context, gatewaySubID string) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE gateway_subscription_id = $1`, gatewaySubID))
	if err != nil {
		return nil, notFound(err, "subscription.get_by_gateway", "subscription", gatewaySubID)
	}
	return sub, nil
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sub.ID, sub.AccountID, sub.PlanID, sub.State, sub.GatewaySubscriptionID, sub.FromTrial,
		sub.CoolingOffEndsAt, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CanceledAt,
		sub.Version, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		// The partial unique index on (account_id) for non-terminal
		// states enforces the one-live-subscription invariant.
		return writeError(err, "subscription.create", "account already has an active subscription")
	}
	return nil
}

// UpdateSubscription writes the row only if the stored version still
// matches, then bumps it. The caller's struct is updated with the new
// version on success.
func (s *PostgresStore) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE subscriptions SET
			plan_id = $3, state = $4, gateway_subscription_id = $5, from_trial = $6,
			cooling_off_ends_at = $7, current_period_start = $8, current_period_end = $9,
			canceled_at = $10, version = version + 1, updated_at = $11
		 WHERE id = $1 AND version = $2`,
		sub.ID, sub.Version, sub.PlanID, sub.State, sub.GatewaySubscriptionID, sub.FromTrial,
		sub.CoolingOffEndsAt, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CanceledAt, sub.UpdatedAt)
	if err != nil {
		return domain.Internal(err, "subscription.update", "failed to update subscription")
	}
	if tag.RowsAffected() == 0 {
		return domain.Conflict("subscription.update", "subscription was modified concurrently")
	}
	sub.Version++
	return nil
}

func (s *PostgresStore) ListSubscriptionsInState(ctx context.Context, state domain.SubscriptionState, limit int, after uuid.UUID) ([]domain.Subscription, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE state = $1 AND id > $2 ORDER BY id LIMIT $3`,
		state, after, limit)
	if err != nil {
		return nil, domain.Internal(err, "subscription.list_state", "failed to list subscriptions")
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, domain.Internal(err, "subscription.list_state", "failed to scan subscription")
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// ----------------------------------------------------------------------------
// Trials
// ----------------------------------------------------------------------------

const trialColumns = `id, account_id, started_at, ends_at, outcome, engaged_features, converted_at, created_at, updated_at`

func scanTrial(row pgx.Row) (*domain.TrialProgress, error) {
	var t domain.TrialProgress
	var features []string
	err := row.Scan(&t.ID, &t.AccountID, &t.StartedAt, &t.EndsAt, &t.Outcome,
		&features, &t.ConvertedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.EngagedFeatures = make([]domain.Feature, len(features))
	for i, f := range features {
		t.EngagedFeatures[i] = domain.Feature(f)
	}
	return &t, nil
}

func featureStrings(features []domain.Feature) []string {
	out := make([]string, len(features))
	for i, f := range features {
		out[i] = string(f)
	}
	return out
}

func (s *PostgresStore) GetTrial(ctx context.Context, accountID uuid.UUID) (*domain.TrialProgress, error) {
	trial, err := scanTrial(s.db.QueryRow(ctx,
		`SELECT `+trialColumns+` FROM trial_progress WHERE account_id = $1`, accountID))
	if err != nil {
		return nil, notFound(err, "trial.get", "trial", accountID.String())
	}
	return trial, nil
}

func (s *PostgresStore) CreateTrial(ctx context.Context, trial *domain.TrialProgress) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO trial_progress (`+trialColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		trial.ID, trial.AccountID, trial.StartedAt, trial.EndsAt, trial.Outcome,
		featureStrings(trial.EngagedFeatures), trial.ConvertedAt, trial.CreatedAt, trial.UpdatedAt)
	if err != nil {
		// account_id is unique: one trial per account, ever.
		return writeError(err, "trial.create", "trial already consumed")
	}
	return nil
}

func (s *PostgresStore) UpdateTrial(ctx context.Context, trial *domain.TrialProgress) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE trial_progress SET outcome = $2, engaged_features = $3, converted_at = $4, updated_at = $5
		 WHERE account_id = $1`,
		trial.AccountID, trial.Outcome, featureStrings(trial.EngagedFeatures),
		trial.ConvertedAt, trial.UpdatedAt)
	if err != nil {
		return domain.Internal(err, "trial.update", "failed to update trial")
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("trial.update", "trial", trial.AccountID.String())
	}
	return nil
}

func (s *PostgresStore) ListExpirableTrials(ctx context.Context, cutoff time.Time, limit int) ([]domain.TrialProgress, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+trialColumns+` FROM trial_progress
		 WHERE outcome = 'pending' AND ends_at <= $1 ORDER BY ends_at LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, domain.Internal(err, "trial.list_expirable", "failed to list trials")
	}
	defer rows.Close()

	var trials []domain.TrialProgress
	for rows.Next() {
		trial, err := scanTrial(rows)
		if err != nil {
			return nil, domain.Internal(err, "trial.list_expirable", "failed to scan trial")
		}
		trials = append(trials, *trial)
	}
	return trials, rows.Err()
}

// ----------------------------------------------------------------------------
// Payment methods
// ----------------------------------------------------------------------------

const paymentMethodColumns = `id, account_id, gateway_payment_method_id, brand, last4, exp_month, exp_year, is_default, created_at`

func scanPaymentMethod(row pgx.Row) (*domain.PaymentMethod, error) {
	var pm domain.PaymentMethod
	err := row.Scan(&pm.ID, &pm.AccountID, &pm.GatewayPaymentMethodID, &pm.Brand,
		&pm.Last4, &pm.ExpMonth, &pm.ExpYear, &pm.IsDefault, &pm.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &pm, nil
}

func (s *PostgresStore) GetPaymentMethod(ctx context.Context, id uuid.UUID) (*domain.PaymentMethod, error) {
	pm, err := scanPaymentMethod(s.db.QueryRow(ctx,
		`SELECT `+paymentMethodColumns+` FROM payment_methods WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "payment_method.get", "payment method", id.String())
	}
	return pm, nil
}

func (s *PostgresStore) ListPaymentMethods(ctx context.Context, accountID uuid.UUID) ([]domain.PaymentMethod, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+paymentMethodColumns+` FROM payment_methods
		 WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, domain.Internal(err, "payment_method.list", "failed to list payment methods")
	}
	defer rows.Close()

	var methods []domain.PaymentMethod
	for rows.Next() {
		pm, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, domain.Internal(err, "payment_method.list", "failed to scan payment method")
		}
		methods = append(methods, *pm)
	}
	return methods, rows.Err()
}

func (s *PostgresStore) CreatePaymentMethod(ctx context.Context, pm *domain.PaymentMethod) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO payment_methods (`+paymentMethodColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pm.ID, pm.AccountID, pm.GatewayPaymentMethodID, pm.Brand, pm.Last4,
		pm.ExpMonth, pm.ExpYear, pm.IsDefault, pm.CreatedAt)
	if err != nil {
		return writeError(err, "payment_method.create", "payment method already attached")
	}
	return nil
}

func (s *PostgresStore) DeletePaymentMethod(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM payment_methods WHERE id = $1`, id)
	if err != nil {
		return domain.Internal(err, "payment_method.delete", "failed to delete payment method")
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("payment_method.delete", "payment method", id.String())
	}
	return nil
}

func (s *PostgresStore) SetDefaultPaymentMethod(ctx context.Context, accountID, id uuid.UUID) error {
	return s.Tx(ctx, func(txStore Store) error {
		tx := txStore.(*PostgresStore)
		if _, err := tx.db.Exec(ctx,
			`UPDATE payment_methods SET is_default = false WHERE account_id = $1 AND is_default`, accountID); err != nil {
			return domain.Internal(err, "payment_method.set_default", "failed to clear default")
		}
		tag, err := tx.db.Exec(ctx,
			`UPDATE payment_methods SET is_default = true WHERE id = $1 AND account_id = $2`, id, accountID)
		if err != nil {
			return domain.Internal(err, "payment_method.set_default", "failed to set default")
		}
		if tag.RowsAffected() == 0 {
			return domain.NotFound("payment_method.set_default", "payment method", id.String())
		}
		return nil
	})
}

// ----------------------------------------------------------------------------
// Billing ledger
// ----------------------------------------------------------------------------

const billingRecordColumns = `id, account_id, subscription_id, type, subtotal_cents, tax_cents, total_cents,
	currency, jurisdiction, tax_breakdown, gateway_transaction_id, description, created_at`

func scanBillingRecord(row pgx.Row) (*domain.BillingRecord, error) {
	var r domain.BillingRecord
	err := row.Scan(&r.ID, &r.AccountID, &r.SubscriptionID, &r.Type, &r.SubtotalCents,
		&r.TaxCents, &r.TotalCents, &r.Currency, &r.Jurisdiction, &r.TaxBreakdown,
		&r.GatewayTransactionID, &r.Description, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) AppendBillingRecord(ctx context.Context, record *domain.BillingRecord) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO billing_records (`+billingRecordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		record.ID, record.AccountID, record.SubscriptionID, record.Type, record.SubtotalCents,
		record.TaxCents, record.TotalCents, record.Currency, record.Jurisdiction,
		record.TaxBreakdown, record.GatewayTransactionID, record.Description, record.CreatedAt)
	if err != nil {
		return writeError(err, "ledger.append", "billing record already recorded")
	}
	return nil
}

func (s *PostgresStore) GetBillingRecordByGatewayTxID(ctx context.Context, gatewayTxID string) (*domain.BillingRecord, error) {
	record, err := scanBillingRecord(s.db.QueryRow(ctx,
		`SELECT `+billingRecordColumns+` FROM billing_records WHERE gateway_transaction_id = $1`, gatewayTxID))
	if err != nil {
		return nil, notFound(err, "ledger.get_by_tx", "billing record", gatewayTxID)
	}
	return record, nil
}

func (s *PostgresStore) ListBillingRecords(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.BillingRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+billingRecordColumns+` FROM billing_records
		 WHERE account_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		accountID, limit, offset)
	if err != nil {
		return nil, domain.Internal(err, "ledger.list", "failed to list billing records")
	}
	defer rows.Close()

	var records []domain.BillingRecord
	for rows.Next() {
		record, err := scanBillingRecord(rows)
		if err != nil {
			return nil, domain.Internal(err, "ledger.list", "failed to scan billing record")
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

func (s *PostgresStore) SumBillingRecords(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var sum int64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_cents), 0) FROM billing_records WHERE account_id = $1`, accountID).
		Scan(&sum)
	if err != nil {
		return 0, domain.Internal(err, "ledger.sum", "failed to sum billing records")
	}
	return sum, nil
}

// ----------------------------------------------------------------------------
// Feature access
// ----------------------------------------------------------------------------

const featureAccessColumns = `account_id, feature, granted, usage_count, usage_limit, tier, updated_at`

func scanFeatureAccess(row pgx.Row) (*domain.FeatureAccess, error) {
	var fa domain.FeatureAccess
	err := row.Scan(&fa.AccountID, &fa.Feature, &fa.Granted, &fa.UsageCount,
		&fa.UsageLimit, &fa.Tier, &fa.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &fa, nil
}

func (s *PostgresStore) GetFeatureAccess(ctx context.Context, accountID uuid.UUID, feature domain.Feature) (*domain.FeatureAccess, error) {
	fa, err := scanFeatureAccess(s.db.QueryRow(ctx,
		`SELECT `+featureAccessColumns+` FROM feature_access
		 WHERE account_id = $1 AND feature = $2`, accountID, feature))
	if err != nil {
		return nil, notFound(err, "entitlement.get", "feature access", string(feature))
	}
	return fa, nil
}

func (s *PostgresStore) ListFeatureAccess(ctx context.Context, accountID uuid.UUID) ([]domain.FeatureAccess, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+featureAccessColumns+` FROM feature_access
		 WHERE account_id = $1 ORDER BY feature`, accountID)
	if err != nil {
		return nil, domain.Internal(err, "entitlement.list", "failed to list feature access")
	}
	defer rows.Close()

	var access []domain.FeatureAccess
	for rows.Next() {
		fa, err := scanFeatureAccess(rows)
		if err != nil {
			return nil, domain.Internal(err, "entitlement.list", "failed to scan feature access")
		}
		access = append(access, *fa)
	}
	return access, rows.Err()
}

// UpsertFeatureAccess replaces projection rows, preserving usage counts
// on conflict so a tier change never resets consumed quota mid-period.
func (s *PostgresStore) UpsertFeatureAccess(ctx context.Context, access []domain.FeatureAccess) error {
	return s.Tx(ctx, func(txStore Store) error {
		tx := txStore.(*PostgresStore)
		for _, fa := range access {
			_, err := tx.db.Exec(ctx,
				`INSERT INTO feature_access (`+featureAccessColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 ON CONFLICT (account_id, feature) DO UPDATE SET
					granted = EXCLUDED.granted,
					usage_limit = EXCLUDED.usage_limit,
					tier = EXCLUDED.tier,
					updated_at = EXCLUDED.updated_at`,
				fa.AccountID, fa.Feature, fa.Granted, fa.UsageCount, fa.UsageLimit, fa.Tier, fa.UpdatedAt)
			if err != nil {
				return domain.Internal(err, "entitlement.upsert", "failed to upsert feature access")
			}
		}
		return nil
	})
}

func (s *PostgresStore) IncrementFeatureUsage(ctx context.Context, accountID uuid.UUID, feature domain.Feature) (*domain.FeatureAccess, error) {
	fa, err := scanFeatureAccess(s.db.QueryRow(ctx,
		`UPDATE feature_access SET usage_count = usage_count + 1, updated_at = now()
		 WHERE account_id = $1 AND feature = $2 AND granted
		   AND (usage_limit = -1 OR usage_count < usage_limit)
		 RETURNING `+featureAccessColumns,
		accountID, feature))
	if err != nil {
		return nil, notFound(err, "entitlement.increment", "available feature quota", string(feature))
	}
	return fa, nil
}

// ----------------------------------------------------------------------------
// Processed gateway events
// ----------------------------------------------------------------------------

func (s *PostgresStore) MarkEventProcessed(ctx context.Context, event *domain.ProcessedGatewayEvent) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO processed_gateway_events (event_id, event_type, processed_at)
		 VALUES ($1, $2, $3) ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.EventType, event.ProcessedAt)
	if err != nil {
		return false, domain.Internal(err, "event.mark", "failed to record gateway event")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UnmarkEvent(ctx context.Context, eventID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM processed_gateway_events WHERE event_id = $1`, eventID)
	if err != nil {
		return domain.Internal(err, "event.unmark", "failed to release gateway event")
	}
	return nil
}
