package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAPIKey is returned when the gateway API key is invalid or missing.
	ErrInvalidAPIKey = errors.New("billing: invalid or missing API key")

	// ErrPaymentFailed is returned when a charge fails (card declined, etc.)
	ErrPaymentFailed = errors.New("billing: payment failed")

	// ErrInvalidWebhookSignature is returned when webhook signature verification fails.
	ErrInvalidWebhookSignature = errors.New("billing: invalid webhook signature")

	// ErrSubscriptionNotFound is returned when the gateway has no such subscription.
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")

	// ErrChargeNotFound is returned when a refund references an unknown charge.
	ErrChargeNotFound = errors.New("billing: charge not found")

	// ErrGatewayTimeout is returned when the gateway does not respond in
	// time and the outcome of the request is unknown.
	ErrGatewayTimeout = errors.New("billing: gateway timeout, outcome unknown")
)

// GatewayError wraps a gateway API error with additional context.
type GatewayError struct {
	Message       string // Human-readable error message
	Code          string // Gateway error code (e.g., "card_declined")
	DeclineCode   string // Card decline reason (if applicable)
	RequestID     string // Gateway request ID for debugging
	OriginalError error  // Original error from the SDK
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: %s (code: %s)", e.Message, e.Code)
	}
	return fmt.Sprintf("gateway: %s", e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.OriginalError
}

// IsDeclined returns true if the error is due to a card decline,
// including insufficient funds and expired cards.
func (e *GatewayError) IsDeclined() bool {
	return e.Code == "card_declined" || e.Code == "expired_card" || e.DeclineCode != ""
}

// IsTemporary returns true if the error is likely transient and the
// request can be retried with the same idempotency key.
func (e *GatewayError) IsTemporary() bool {
	return e.Code == "rate_limit" || e.Code == "api_connection_error" || e.Code == "lock_timeout"
}
