package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"paygate/internal/types"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient implements PaymentProvider by making direct HTTP calls to the
// Stripe REST API through BaseClient. This approach routes all requests
// through the resilience infrastructure (circuit breaker, retries, error
// mapping) and makes testing with httptest straightforward.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// Compile-time check that StripeClient satisfies the adapter contract.
var _ PaymentProvider = (*StripeClient)(nil)

// NewStripeClient creates a new StripeClient. The httpClient timeout bounds
// individual attempts; retries are handled by the embedded BaseClient.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"paygate/1.0",
	)

	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration (e.g., no retry sleeps).
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// ---------------------------------------------------------------------------
// PaymentProvider Implementation
// ---------------------------------------------------------------------------

// GetOrCreateCustomer resolves the Stripe customer for an organization.
// Uses search-first logic to prevent duplicate customers:
//  1. Query the Search API for a metadata['org_id'] match.
//  2. If none, search by email.
//  3. If still none, create a new customer carrying org_id metadata.
func (s *StripeClient) GetOrCreateCustomer(ctx context.Context, orgID, email string) (*ProviderCustomer, error) {
	byOrg, err := s.searchCustomers(ctx, fmt.Sprintf("metadata['org_id']:'%s'", orgID))
	if err != nil {
		return nil, err
	}
	if byOrg != nil {
		return byOrg, nil
	}

	if email != "" {
		byEmail, err := s.searchCustomers(ctx, fmt.Sprintf("email:'%s'", email))
		if err != nil {
			return nil, err
		}
		if byEmail != nil {
			return byEmail, nil
		}
	}

	createParams := url.Values{}
	createParams.Set("email", email)
	createParams.Set("metadata[org_id]", orgID)

	resp, err := s.doPost(ctx, "/v1/customers", createParams)
	if err != nil {
		return nil, s.wrapTransportError("GetOrCreateCustomer.create", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetOrCreateCustomer.create", "")
	}

	return decodeCustomer(resp.Body)
}

// searchCustomers runs a Stripe customer search and returns the first match,
// or nil if the query matched nothing.
func (s *StripeClient) searchCustomers(ctx context.Context, query string) (*ProviderCustomer, error) {
	params := url.Values{}
	params.Set("query", query)

	resp, err := s.doGet(ctx, "/v1/customers/search", params)
	if err != nil {
		return nil, s.wrapTransportError("GetOrCreateCustomer.search", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetOrCreateCustomer.search", "")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamProvider,
			"failed to read Stripe customer search response", err)
	}

	var result struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamProvider,
			"failed to decode Stripe customer search response", err)
	}
	if len(result.Data) == 0 {
		return nil, nil
	}

	var cust stripeCustomer
	if err := json.Unmarshal(result.Data[0], &cust); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamProvider,
			"failed to decode Stripe customer object", err)
	}
	return &ProviderCustomer{ID: cust.ID, Email: cust.Email, Raw: result.Data[0]}, nil
}

// GetPrice fetches a price by id. A 404 maps to not_found_price so callers
// can distinguish a misconfigured catalog from provider trouble.
func (s *StripeClient) GetPrice(ctx context.Context, priceID string) (*ProviderPrice, error) {
	resp, err := s.doGet(ctx, "/v1/prices/"+url.PathEscape(priceID), nil)
	if err != nil {
		return nil, s.wrapTransportError("GetPrice", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetPrice", types.ErrCodeNotFoundPrice)
	}

	var price stripePrice
	if err := json.NewDecoder(resp.Body).Decode(&price); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamProvider,
			"failed to decode Stripe price response", err)
	}

	out := &ProviderPrice{
		ID:        price.ID,
		Active:    price.Active,
		ProductID: price.Product.ID,
	}
	if price.Recurring != nil {
		out.Interval = types.BillingInterval(price.Recurring.Interval)
	}
	return out, nil
}

// CreateCheckoutSession opens a subscription-mode hosted checkout session.
// The organization id rides along as client_reference_id and in metadata on
// both the session and the subscription the provider will create, so every
// later webhook payload carries the linkage back.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (*ProviderCheckoutSession, error) {
	params := url.Values{}
	params.Set("customer", p.CustomerID)
	params.Set("mode", "subscription")
	params.Set("client_reference_id", p.OrganizationID)
	params.Set("success_url", p.SuccessURL)
	params.Set("cancel_url", p.CancelURL)
	params.Set("line_items[0][price]", p.PriceID)
	params.Set("line_items[0][quantity]", "1")

	meta := map[string]string{
		"org_id":          p.OrganizationID,
		"plan_id":         p.PlanID,
		"interval":        string(p.Interval),
		"overage_enabled": strconv.FormatBool(p.OverageEnabled),
	}
	for k, v := range p.Metadata {
		meta[k] = v
	}
	for k, v := range meta {
		params.Set(fmt.Sprintf("metadata[%s]", k), v)
		params.Set(fmt.Sprintf("subscription_data[metadata][%s]", k), v)
	}

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return nil, s.wrapTransportError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateCheckoutSession", "")
	}

	return decodeCheckoutSession(resp.Body)
}

// GetCheckoutSession fetches a checkout session with its line items and
// subscription expanded. The subscription reference still tolerates arriving
// as a bare id, since webhook-embedded sessions are not expanded.
func (s *StripeClient) GetCheckoutSession(ctx context.Context, sessionID string) (*ProviderCheckoutSession, error) {
	params := url.Values{}
	params.Add("expand[]", "subscription")
	params.Add("expand[]", "line_items.data.price.product")

	resp, err := s.doGet(ctx, "/v1/checkout/sessions/"+url.PathEscape(sessionID), params)
	if err != nil {
		return nil, s.wrapTransportError("GetCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetCheckoutSession", types.ErrCodeNotFoundSession)
	}

	return decodeCheckoutSession(resp.Body)
}

// GetSubscription fetches fresh subscription state with items and products
// expanded. Both the top-level and per-item period fields are surfaced; the
// caller applies the root-then-item fallback.
func (s *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	params := url.Values{}
	params.Add("expand[]", "items.data.price.product")

	resp, err := s.doGet(ctx, "/v1/subscriptions/"+url.PathEscape(subscriptionID), params)
	if err != nil {
		return nil, s.wrapTransportError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription", types.ErrCodeNotFoundSubscription)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamProvider,
			"failed to read Stripe subscription response", err)
	}

	var sub stripeSubscription
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamProvider,
			"failed to decode Stripe subscription response", err)
	}

	out := &ProviderSubscription{
		ID:                 sub.ID,
		CustomerID:         sub.Customer.ID,
		Status:             sub.Status,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CanceledAt:         sub.CanceledAt,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		Metadata:           sub.Metadata,
		Raw:                body,
	}
	for _, item := range sub.Items.Data {
		pi := ProviderSubscriptionItem{
			PriceID:            item.Price.ID,
			ProductName:        item.Price.Product.Name,
			CurrentPeriodStart: item.CurrentPeriodStart,
			CurrentPeriodEnd:   item.CurrentPeriodEnd,
		}
		if item.Price.Recurring != nil {
			pi.Interval = types.BillingInterval(item.Price.Recurring.Interval)
		}
		out.Items = append(out.Items, pi)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doPost performs an authenticated POST request to the Stripe API with
// form-encoded body. Each call carries a fresh Idempotency-Key; BaseClient
// retries replay the same request, so a retried POST never creates a
// duplicate resource at Stripe.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to a
// types.AppError. notFoundCode, when non-empty, is the domain code used for
// a 404 so callers can distinguish a missing resource from provider trouble.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string, notFoundCode types.ErrorCode) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && notFoundCode != "":
		return types.NewAppError(
			notFoundCode,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, stripeErr.Error.Message),
			nil,
		)
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Error.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, stripeErr.Error.Message),
			nil,
		)
	}
}

// wrapTransportError wraps a BaseClient transport error with operation context.
func (s *StripeClient) wrapTransportError(operation string, err error) error {
	// AppErrors from BaseClient (circuit breaker, retries exhausted) already
	// carry the right upstream code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamProvider,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

// stripeRef tolerates Stripe's id-or-object polymorphism: a field may arrive
// as a bare id string or as an expanded object carrying an "id" key.
type stripeRef struct {
	ID string
}

func (r *stripeRef) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		r.ID = ""
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &r.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.ID = obj.ID
	return nil
}

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type stripeRecurring struct {
	Interval string `json:"interval"`
}

type stripePrice struct {
	ID        string           `json:"id"`
	Active    bool             `json:"active"`
	Recurring *stripeRecurring `json:"recurring"`
	Product   stripeRef        `json:"product"`
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	URL               string            `json:"url"`
	Status            string            `json:"status"`
	Customer          stripeRef         `json:"customer"`
	Subscription      stripeRef         `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

func decodeCheckoutSession(body io.Reader) (*ProviderCheckoutSession, error) {
	var cs stripeCheckoutSession
	if err := json.NewDecoder(body).Decode(&cs); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamProvider,
			"failed to decode Stripe checkout session response", err)
	}
	return &ProviderCheckoutSession{
		ID:                cs.ID,
		URL:               cs.URL,
		Status:            cs.Status,
		CustomerID:        cs.Customer.ID,
		SubscriptionID:    cs.Subscription.ID,
		ClientReferenceID: cs.ClientReferenceID,
		Metadata:          cs.Metadata,
	}, nil
}

func decodeCustomer(body io.Reader) (*ProviderCustomer, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamProvider,
			"failed to read Stripe customer response", err)
	}
	var cust stripeCustomer
	if err := json.Unmarshal(raw, &cust); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamProvider,
			"failed to decode Stripe customer response", err)
	}
	return &ProviderCustomer{ID: cust.ID, Email: cust.Email, Raw: raw}, nil
}

type stripeExpandedProduct struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type stripeItemPrice struct {
	ID        string                `json:"id"`
	Recurring *stripeRecurring      `json:"recurring"`
	Product   stripeExpandedProduct `json:"product"`
}

type stripeSubscriptionItem struct {
	Price              stripeItemPrice `json:"price"`
	CurrentPeriodStart int64           `json:"current_period_start"`
	CurrentPeriodEnd   int64           `json:"current_period_end"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscription struct {
	ID                 string                  `json:"id"`
	Status             string                  `json:"status"`
	Customer           stripeRef               `json:"customer"`
	CancelAtPeriodEnd  bool                    `json:"cancel_at_period_end"`
	CanceledAt         int64                   `json:"canceled_at"`
	CurrentPeriodStart int64                   `json:"current_period_start"`
	CurrentPeriodEnd   int64                   `json:"current_period_end"`
	Items              stripeSubscriptionItems `json:"items"`
	Metadata           map[string]string       `json:"metadata"`
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature verification. This provides HMAC-SHA256 signature checking
// with timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the signature header and
// signing secret. API version mismatches are ignored: event payloads are
// decoded with drift-tolerant local structs, not the pinned SDK types.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	_, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	return err
}
