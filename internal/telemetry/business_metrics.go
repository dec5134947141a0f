package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics holds Prometheus metrics for business-level observability.
type BusinessMetrics struct {
	// Trials
	TrialsStarted   prometheus.Counter
	TrialsConverted prometheus.Counter
	TrialsExpired   prometheus.Counter

	// Subscriptions
	SubscriptionsCreated  *prometheus.CounterVec
	SubscriptionsCanceled *prometheus.CounterVec
	PlanChanges           *prometheus.CounterVec
	StateTransitions      *prometheus.CounterVec
	VersionConflicts      prometheus.Counter

	// Payments
	PaymentAttempts  prometheus.Counter
	PaymentSucceeded prometheus.Counter
	PaymentFailed    *prometheus.CounterVec
	RefundsIssued    prometheus.Counter
	RevenueCents     *prometheus.CounterVec
	TaxCents         *prometheus.CounterVec

	// Webhooks
	WebhookReceived  *prometheus.CounterVec
	WebhookReplayed  prometheus.Counter
	WebhookFailed    *prometheus.CounterVec
	WebhookLatency   prometheus.Histogram

	// Sweeps
	SweepRuns     *prometheus.CounterVec
	SweepRepairs  *prometheus.CounterVec
	SweepDuration *prometheus.HistogramVec

	// Entitlements
	EntitlementChecks    *prometheus.CounterVec
	EntitlementCacheHits prometheus.Counter
}

// NewBusinessMetrics creates and registers all business metrics against
// the given registerer. Tests pass a fresh prometheus.NewRegistry().
func NewBusinessMetrics(reg prometheus.Registerer) *BusinessMetrics {
	const namespace = "nido"
	const subsystem = "billing"

	factory := promauto.With(reg)

	return &BusinessMetrics{
		TrialsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "trials_started_total",
			Help: "Total trials started",
		}),
		TrialsConverted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "trials_converted_total",
			Help: "Total trials converted to paid subscriptions",
		}),
		TrialsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "trials_expired_total",
			Help: "Total trials expired without conversion",
		}),
		SubscriptionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "subscriptions_created_total",
			Help: "Total subscriptions created",
		}, []string{"plan"}),
		SubscriptionsCanceled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "subscriptions_canceled_total",
			Help: "Total subscriptions canceled",
		}, []string{"plan", "refunded"}),
		PlanChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "plan_changes_total",
			Help: "Total plan changes",
		}, []string{"direction"}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "state_transitions_total",
			Help: "Total subscription state transitions",
		}, []string{"from", "to"}),
		VersionConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "version_conflicts_total",
			Help: "Total optimistic concurrency conflicts",
		}),
		PaymentAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "payment_attempts_total",
			Help: "Total payment attempts",
		}),
		PaymentSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "payment_succeeded_total",
			Help: "Total successful payments",
		}),
		PaymentFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "payment_failed_total",
			Help: "Total failed payments",
		}, []string{"reason"}),
		RefundsIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "refunds_issued_total",
			Help: "Total refunds issued",
		}),
		RevenueCents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "revenue_cents_total",
			Help: "Gross revenue in cents, by transaction type",
		}, []string{"type"}),
		TaxCents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "tax_cents_total",
			Help: "Tax collected in cents, by jurisdiction",
		}, []string{"jurisdiction"}),
		WebhookReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "webhook_received_total",
			Help: "Total webhook events received",
		}, []string{"type"}),
		WebhookReplayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "webhook_replayed_total",
			Help: "Total webhook events skipped as already processed",
		}),
		WebhookFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "webhook_failed_total",
			Help: "Total webhook events that failed processing",
		}, []string{"type"}),
		WebhookLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "webhook_latency_seconds",
			Help:    "Webhook processing latency",
			Buckets: prometheus.DefBuckets,
		}),
		SweepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sweep_runs_total",
			Help: "Total background sweep runs",
		}, []string{"sweep", "result"}),
		SweepRepairs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sweep_repairs_total",
			Help: "Total divergences repaired by sweeps",
		}, []string{"sweep"}),
		SweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "sweep_duration_seconds",
			Help:    "Background sweep duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),
		EntitlementChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "entitlement_checks_total",
			Help: "Total feature entitlement checks",
		}, []string{"feature", "granted"}),
		EntitlementCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "entitlement_cache_hits_total",
			Help: "Total entitlement reads served from cache",
		}),
	}
}
