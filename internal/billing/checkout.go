package billing

import (
	"context"
	"fmt"
	"log/slog"

	"paygate/internal/external"
	"paygate/internal/types"
)

// CheckoutRequest carries the validated input for opening a checkout session.
// OrganizationID and Email come from trusted request headers; the rest from
// the request body.
type CheckoutRequest struct {
	OrganizationID string
	Email          string
	PlanID         string
	Interval       types.BillingInterval
	OverageEnabled bool
	Metadata       map[string]string
}

// CheckoutResult is returned to the caller on success.
type CheckoutResult struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// CheckoutService is the synchronous checkout path: plan to price resolution,
// price validation at the provider, customer link management, provider session
// creation, and local pending-record persistence.
type CheckoutService struct {
	plans    *PlanCatalog
	provider external.PaymentProvider
	links    customerLinkStore
	sessions checkoutSessionStore

	frontendURL string
	logger      *slog.Logger
}

// NewCheckoutService wires the checkout orchestrator. frontendURL is the base
// for redirect URLs and must not have a trailing slash.
func NewCheckoutService(
	plans *PlanCatalog,
	provider external.PaymentProvider,
	links customerLinkStore,
	sessions checkoutSessionStore,
	frontendURL string,
	logger *slog.Logger,
) *CheckoutService {
	return &CheckoutService{
		plans:       plans,
		provider:    provider,
		links:       links,
		sessions:    sessions,
		frontendURL: frontendURL,
		logger:      logger,
	}
}

// CreateCheckout runs the full checkout flow and returns the provider-hosted
// redirect URL. No provider session is created until every validation step has
// passed, so a failed request leaves no partial state behind.
func (s *CheckoutService) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	priceID, err := s.plans.Resolve(req.PlanID, req.Interval)
	if err != nil {
		return nil, err
	}

	price, err := s.provider.GetPrice(ctx, priceID)
	if err != nil {
		return nil, err
	}
	if !price.Active {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationPriceState,
			fmt.Sprintf("price %s is not active", priceID), nil,
			map[string]any{"price_id": priceID})
	}
	if price.Interval != "" && price.Interval != req.Interval {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInterval,
			fmt.Sprintf("price %s recurs %s, requested %s", priceID, price.Interval, req.Interval), nil,
			map[string]any{"price_id": priceID, "price_interval": string(price.Interval), "requested": string(req.Interval)})
	}

	link, err := s.resolveCustomerLink(ctx, req.OrganizationID, req.Email)
	if err != nil {
		return nil, err
	}

	session, err := s.provider.CreateCheckoutSession(ctx, external.CheckoutSessionParams{
		CustomerID:     link.CustomerID,
		PriceID:        priceID,
		OrganizationID: req.OrganizationID,
		PlanID:         req.PlanID,
		Interval:       req.Interval,
		OverageEnabled: req.OverageEnabled,
		Metadata:       req.Metadata,
		SuccessURL:     s.frontendURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:      s.frontendURL + "/billing/cancel",
	})
	if err != nil {
		return nil, err
	}

	record := &types.CheckoutSession{
		SessionID:      session.ID,
		OrganizationID: req.OrganizationID,
		CustomerID:     link.CustomerID,
		PlanID:         req.PlanID,
		PriceID:        priceID,
		Interval:       req.Interval,
		Metadata:       checkoutMetadata(req),
	}
	if err := s.sessions.Create(ctx, record); err != nil {
		// The provider session exists; the reconciler can rebuild local state
		// from the completion webhook, so the redirect URL is still usable.
		s.logger.ErrorContext(ctx, "checkout session created at provider but local persistence failed",
			"session_id", session.ID,
			"organization_id", req.OrganizationID,
			"error", err,
		)
	}

	return &CheckoutResult{
		SessionID:   session.ID,
		CheckoutURL: session.URL,
	}, nil
}

// resolveCustomerLink returns the organization's customer link, creating the
// provider customer and the link on first checkout. A stored email never
// yields to a differing supplied one; an empty stored email is backfilled.
func (s *CheckoutService) resolveCustomerLink(ctx context.Context, orgID, email string) (*types.CustomerLink, error) {
	link, err := s.links.GetByOrgID(ctx, orgID)
	if err == nil {
		if link.Email != "" && email != "" && link.Email != email {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictEmail,
				"organization already has a billing email on file", nil,
				map[string]any{"organization_id": orgID})
		}
		if link.Email == "" && email != "" {
			if err := s.links.BackfillEmail(ctx, orgID, email); err != nil {
				return nil, err
			}
			link.Email = email
		}
		return link, nil
	}
	if !hasErrCode(err, types.ErrCodeNotFoundCustomerLink) {
		return nil, err
	}

	if email == "" {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"customer email is required for first checkout", nil,
			map[string]any{"field": "email"})
	}

	customer, err := s.provider.GetOrCreateCustomer(ctx, orgID, email)
	if err != nil {
		return nil, err
	}

	link = &types.CustomerLink{
		OrganizationID: orgID,
		CustomerID:     customer.ID,
		Email:          customer.Email,
		RawCustomer:    customer.Raw,
	}
	if err := s.links.Create(ctx, link); err != nil {
		// Lost a race with a concurrent first checkout for the same
		// organization. The stored link wins.
		if hasErrCode(err, types.ErrCodeConflictDuplicate) {
			return s.links.GetByOrgID(ctx, orgID)
		}
		return nil, err
	}
	return link, nil
}

func checkoutMetadata(req CheckoutRequest) types.Metadata {
	md := types.Metadata{
		"plan_id":  req.PlanID,
		"interval": string(req.Interval),
	}
	if req.OverageEnabled {
		md["overage_enabled"] = "true"
	}
	for k, v := range req.Metadata {
		md[k] = v
	}
	return md
}
