package webhook

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/nidohq/nido-billing/internal/billing"
	"github.com/nidohq/nido-billing/internal/service"
)

// maxPayloadBytes bounds webhook request bodies. Stripe events are a few
// KB; anything larger is not ours.
const maxPayloadBytes = 1 << 20

// StripeHandler receives Stripe webhook deliveries, verifies their
// signature, and hands them to the reconciler.
type StripeHandler struct {
	gateway    billing.Gateway
	reconciler service.Reconciler
	logger     zerolog.Logger
}

// NewStripeHandler creates a StripeHandler instance.
func NewStripeHandler(gateway billing.Gateway, reconciler service.Reconciler, logger zerolog.Logger) *StripeHandler {
	return &StripeHandler{
		gateway:    gateway,
		reconciler: reconciler,
		logger:     logger.With().Str("handler", "stripe_webhook").Logger(),
	}
}

// Handle processes POST /webhooks/stripe.
//
// Responses:
//   - 200: event applied (or acknowledged as a replay / irrelevant type)
//   - 400: unreadable body or invalid signature; Stripe will not retry
//   - 500: a transient failure applying the event; Stripe retries with
//     backoff and the event claim has been released
func (h *StripeHandler) Handle(c echo.Context) error {
	req := c.Request()

	payload, err := io.ReadAll(io.LimitReader(req.Body, maxPayloadBytes))
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to read webhook body")
		return c.NoContent(http.StatusBadRequest)
	}

	signature := req.Header.Get("Stripe-Signature")
	if signature == "" {
		h.logger.Warn().Msg("webhook missing signature header")
		return c.NoContent(http.StatusBadRequest)
	}

	event, err := h.gateway.VerifyWebhookSignature(payload, signature)
	if err != nil {
		h.logger.Warn().Err(err).Msg("webhook signature verification failed")
		return c.NoContent(http.StatusBadRequest)
	}

	if err := h.reconciler.Apply(req.Context(), event); err != nil {
		h.logger.Error().Err(err).
			Str("event_id", event.ID).
			Str("event_type", event.Type).
			Msg("failed to apply webhook event")
		return c.NoContent(http.StatusInternalServerError)
	}

	return c.NoContent(http.StatusOK)
}
