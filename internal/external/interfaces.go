package external

import (
	"context"

	"paygate/internal/types"
)

// Provider event kinds the reconciler understands. Any other kind is
// acknowledged without processing.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventCheckoutSessionExpired   = "checkout.session.expired"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
)

// ProviderCustomer is the provider's customer object, reduced to the fields
// the domain needs plus the raw payload for auditing.
type ProviderCustomer struct {
	ID    string
	Email string
	Raw   []byte
}

// ProviderPrice describes a recurring price as configured at the provider.
type ProviderPrice struct {
	ID        string
	Active    bool
	Interval  types.BillingInterval
	ProductID string
}

// CheckoutSessionParams carries everything needed to open a hosted checkout
// session. Metadata is attached both to the session and to the subscription
// the provider will create, so webhook payloads carry the linkage back.
type CheckoutSessionParams struct {
	CustomerID     string
	PriceID        string
	OrganizationID string
	PlanID         string
	Interval       types.BillingInterval
	OverageEnabled bool
	Metadata       map[string]string
	SuccessURL     string
	CancelURL      string
}

// ProviderCheckoutSession is the provider's view of a hosted checkout session.
type ProviderCheckoutSession struct {
	ID                string
	URL               string
	Status            string // "open", "complete", "expired"
	CustomerID        string
	SubscriptionID    string
	ClientReferenceID string
	Metadata          map[string]string
}

// ProviderSubscriptionItem is one line of a provider subscription. Period
// fields live here on newer provider API versions.
type ProviderSubscriptionItem struct {
	PriceID            string
	Interval           types.BillingInterval
	ProductName        string
	CurrentPeriodStart int64
	CurrentPeriodEnd   int64
}

// ProviderSubscription is the provider's view of a subscription. Period
// fields appear top-level on older provider API versions and on the first
// item on newer ones; both are surfaced so callers can apply the fallback.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CancelAtPeriodEnd  bool
	CanceledAt         int64
	CurrentPeriodStart int64
	CurrentPeriodEnd   int64
	Items              []ProviderSubscriptionItem
	Metadata           map[string]string
	Raw                []byte
}

// PaymentProvider is the outbound adapter contract for the payment provider.
// Implemented by StripeClient; mocked in service tests.
type PaymentProvider interface {
	// GetOrCreateCustomer resolves the provider customer for an organization,
	// searching by org metadata first, then by email, creating one if absent.
	GetOrCreateCustomer(ctx context.Context, orgID, email string) (*ProviderCustomer, error)

	// GetPrice fetches a price by id. Unknown prices map to not_found_price.
	GetPrice(ctx context.Context, priceID string) (*ProviderPrice, error)

	// CreateCheckoutSession opens a hosted checkout session and returns its
	// id and redirect URL.
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*ProviderCheckoutSession, error)

	// GetCheckoutSession fetches a checkout session with its subscription ref.
	GetCheckoutSession(ctx context.Context, sessionID string) (*ProviderCheckoutSession, error)

	// GetSubscription fetches fresh subscription state with items expanded.
	GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
}

// WebhookVerifier authenticates inbound webhook payloads against the
// signature header and signing secret.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}
