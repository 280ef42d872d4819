// Package handlers contains the HTTP handler implementations for the paygate API.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/mail"
	"net/textproto"

	"github.com/go-chi/chi/v5"

	"paygate/internal/billing"
	"paygate/internal/core"
	"paygate/internal/types"
)

// Request headers carrying the caller identity. Populated by the upstream
// gateway after authentication; this service trusts them.
const (
	headerOrgID         = "X-Org-ID"
	headerCustomerEmail = "X-Customer-Email"
)

// checkoutCreator is the subset of the checkout service the handler needs.
type checkoutCreator interface {
	CreateCheckout(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutResult, error)
}

// successVerifier is the post-redirect verification contract.
type successVerifier interface {
	Verify(ctx context.Context, sessionID string) *billing.VerifyResult
}

// PaymentsHandler serves the synchronous payment endpoints: checkout session
// creation and post-redirect success verification.
type PaymentsHandler struct {
	checkout  checkoutCreator
	verifier  successVerifier
	validator *core.Validator
	logger    *slog.Logger
}

// NewPaymentsHandler creates a PaymentsHandler with the provided dependencies.
func NewPaymentsHandler(
	checkout checkoutCreator,
	verifier successVerifier,
	validator *core.Validator,
	logger *slog.Logger,
) *PaymentsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentsHandler{
		checkout:  checkout,
		verifier:  verifier,
		validator: validator,
		logger:    logger,
	}
}

// RegisterRoutes mounts the payment endpoints.
func (h *PaymentsHandler) RegisterRoutes(r chi.Router) {
	r.Post("/payments/checkout", h.HandleCreateCheckout)
	r.Post("/payments/checkout/success", h.HandleCheckoutSuccess)
}

// createCheckoutRequest is the request body for POST /payments/checkout.
type createCheckoutRequest struct {
	PlanID         string            `json:"plan_id" validate:"required"`
	Interval       string            `json:"interval" validate:"required,oneof=month year"`
	OverageEnabled bool              `json:"overage_enabled"`
	Metadata       map[string]string `json:"metadata"`
}

// HandleCreateCheckout opens a provider-hosted checkout session and returns
// its redirect URL. The organization id and customer email arrive on trusted
// headers; the body carries the plan selection.
func (h *PaymentsHandler) HandleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	orgID := r.Header.Get(headerOrgID)
	if orgID == "" {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"missing organization header", nil,
			map[string]any{"header": textproto.CanonicalMIMEHeaderKey(headerOrgID)}))
		return
	}

	email := r.Header.Get(headerCustomerEmail)
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidEmail,
				"customer email header is not a valid address", err))
			return
		}
	}

	var body createCheckoutRequest
	if err := core.DecodeJSON(w, r, &body); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(body); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.checkout.CreateCheckout(r.Context(), billing.CheckoutRequest{
		OrganizationID: orgID,
		Email:          email,
		PlanID:         body.PlanID,
		Interval:       types.BillingInterval(body.Interval),
		OverageEnabled: body.OverageEnabled,
		Metadata:       body.Metadata,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "checkout session created",
		"organization_id", orgID,
		"session_id", result.SessionID,
		"plan_id", body.PlanID,
	)

	core.JSON(w, r, http.StatusOK, result)
}

// checkoutSuccessRequest is the request body for POST /payments/checkout/success.
type checkoutSuccessRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

// HandleCheckoutSuccess verifies a checkout after the provider redirects the
// user back. Verification failures are expected polling outcomes, so the
// response is 200 with the failure in the body, never an error status.
func (h *PaymentsHandler) HandleCheckoutSuccess(w http.ResponseWriter, r *http.Request) {
	var body checkoutSuccessRequest
	if err := core.DecodeJSON(w, r, &body); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(body); err != nil {
		core.Error(w, r, err)
		return
	}

	result := h.verifier.Verify(r.Context(), body.SessionID)
	core.JSON(w, r, http.StatusOK, result)
}
