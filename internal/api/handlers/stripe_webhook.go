// Stripe webhook endpoint. Not behind auth middleware; authenticity comes
// from verifying the Stripe-Signature header against the signing secret.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"paygate/internal/billing"
	"paygate/internal/core"
	"paygate/internal/external"
	"paygate/internal/types"
)

// maxWebhookBodySize caps Stripe webhook payloads at 64 KB. Event bodies are
// small; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// eventProcessor is the reconciler contract consumed by the webhook handler.
type eventProcessor interface {
	Process(ctx context.Context, ev billing.ProviderEvent) billing.Outcome
}

// StripeWebhookHandler receives asynchronous events from Stripe, verifies
// their signature, and hands them to the reconciler. After a valid signature
// the response is always 200: processing failures live in the event ledger
// and are retried by Stripe's own redelivery, not by an error status.
type StripeWebhookHandler struct {
	verifier   external.WebhookVerifier
	reconciler eventProcessor
	secret     string
	logger     *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler with the provided
// dependencies.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	reconciler eventProcessor,
	secret string,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:   verifier,
		reconciler: reconciler,
		secret:     secret,
		logger:     logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Kept separate from
// PaymentsHandler.RegisterRoutes because this route is public.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// webhookResponse is the acknowledgement body returned to Stripe.
type webhookResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id"`
	Processed bool   `json:"processed"`
	Message   string `json:"message,omitempty"`
}

// stripeWebhookEvent is a minimal decoding of a Stripe event envelope,
// avoiding a dependency on the full stripe.Event type.
type stripeWebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Handle reads the raw body, verifies the signature, and runs the event
// through the reconciler. Signature failures are the only 4xx path.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(types.ErrCodeSignatureMissing,
			"missing Stripe-Signature header", nil))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeSignatureInvalid,
			"webhook signature verification failed", err))
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil || event.ID == "" {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"invalid webhook event JSON", err))
		return
	}

	h.logger.InfoContext(r.Context(), "stripe webhook event received",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	outcome := h.reconciler.Process(r.Context(), billing.ProviderEvent{
		ID:      event.ID,
		Kind:    event.Type,
		Payload: payload,
		Object:  event.Data.Object,
	})

	core.JSON(w, r, http.StatusOK, webhookResponse{
		Received:  true,
		EventID:   outcome.EventID,
		Processed: outcome.Processed,
		Message:   outcome.Message,
	})
}
