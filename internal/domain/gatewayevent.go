package domain

import "time"

// ProcessedGatewayEvent records a webhook event that has already been
// applied. The gateway event ID is unique, which makes webhook delivery
// idempotent: a replay inserts nothing and is acknowledged without
// re-applying its effects.
type ProcessedGatewayEvent struct {
	EventID     string // evt_...
	EventType   string // e.g. "invoice.payment_failed"
	ProcessedAt time.Time
}
