package external

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paygate/internal/types"
)

func newTestStripeClient(baseURL string) *StripeClient {
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"stripe-test",
		RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		"paygate-test/1.0",
		WithSleepFunc(noSleep),
	)
	return NewStripeClientWithBase(base, StripeClientConfig{
		SecretKey: "sk_test_abc",
		BaseURL:   baseURL,
	})
}

func TestStripeClient_GetOrCreateCustomer_FoundByOrgMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/customers/search", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_abc", r.Header.Get("Authorization"))
		assert.Contains(t, r.URL.Query().Get("query"), "metadata['org_id']:'org_1'")
		w.Write([]byte(`{"data":[{"id":"cus_existing","email":"billing@acme.test"}]}`))
	}))
	defer srv.Close()

	c := newTestStripeClient(srv.URL)
	cust, err := c.GetOrCreateCustomer(t.Context(), "org_1", "billing@acme.test")
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", cust.ID)
	assert.NotEmpty(t, cust.Raw)
}

func TestStripeClient_GetOrCreateCustomer_CreatesWhenAbsent(t *testing.T) {
	var searches, creates int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/customers/search":
			searches++
			w.Write([]byte(`{"data":[]}`))
		case "/v1/customers":
			creates++
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "billing@acme.test", r.PostForm.Get("email"))
			assert.Equal(t, "org_1", r.PostForm.Get("metadata[org_id]"))
			w.Write([]byte(`{"id":"cus_new","email":"billing@acme.test"}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestStripeClient(srv.URL)
	cust, err := c.GetOrCreateCustomer(t.Context(), "org_1", "billing@acme.test")
	require.NoError(t, err)
	assert.Equal(t, "cus_new", cust.ID)
	assert.Equal(t, 2, searches) // org metadata search, then email search
	assert.Equal(t, 1, creates)
}

func TestStripeClient_GetPrice_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/prices/price_sm", r.URL.Path)
		w.Write([]byte(`{"id":"price_sm","active":true,"recurring":{"interval":"month"},"product":"prod_1"}`))
	}))
	defer srv.Close()

	c := newTestStripeClient(srv.URL)
	price, err := c.GetPrice(t.Context(), "price_sm")
	require.NoError(t, err)
	assert.True(t, price.Active)
	assert.Equal(t, types.IntervalMonth, price.Interval)
	assert.Equal(t, "prod_1", price.ProductID)
}

func TestStripeClient_GetPrice_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such price"}}`))
	}))
	defer srv.Close()

	c := newTestStripeClient(srv.URL)
	_, err := c.GetPrice(t.Context(), "price_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundPrice, appErr.Code)
}

func TestStripeClient_CreateCheckoutSession_SendsSubscriptionMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "subscription", r.PostForm.Get("mode"))
		assert.Equal(t, "cus_abc", r.PostForm.Get("customer"))
		assert.Equal(t, "org_1", r.PostForm.Get("client_reference_id"))
		assert.Equal(t, "price_sm", r.PostForm.Get("line_items[0][price]"))
		assert.Equal(t, "1", r.PostForm.Get("line_items[0][quantity]"))
		assert.Equal(t, "org_1", r.PostForm.Get("metadata[org_id]"))
		assert.Equal(t, "org_1", r.PostForm.Get("subscription_data[metadata][org_id]"))
		assert.Equal(t, "starter", r.PostForm.Get("subscription_data[metadata][plan_id]"))
		assert.Equal(t, "true", r.PostForm.Get("subscription_data[metadata][overage_enabled]"))
		assert.Contains(t, r.PostForm.Get("success_url"), "{CHECKOUT_SESSION_ID}")
		w.Write([]byte(`{"id":"cs_1","url":"https://checkout.stripe.com/c/pay/cs_1","status":"open"}`))
	}))
	defer srv.Close()

	c := newTestStripeClient(srv.URL)
	session, err := c.CreateCheckoutSession(t.Context(), CheckoutSessionParams{
		CustomerID:     "cus_abc",
		PriceID:        "price_sm",
		OrganizationID: "org_1",
		PlanID:         "starter",
		Interval:       types.IntervalMonth,
		OverageEnabled: true,
		SuccessURL:     "https://app.example.com/billing/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:      "https://app.example.com/billing/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", session.ID)
	assert.Contains(t, session.URL, "checkout.stripe.com")
}

func TestStripeClient_GetCheckoutSession_SubscriptionAsString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions/cs_1", r.URL.Path)
		expand := r.URL.Query()["expand[]"]
		assert.Contains(t, expand, "subscription")
		assert.Contains(t, expand, "line_items.data.price.product")
		w.Write([]byte(`{"id":"cs_1","status":"complete","customer":"cus_abc","subscription":"sub_1","client_reference_id":"org_1"}`))
	}))
	defer srv.Close()

	c := newTestStripeClient(srv.URL)
	session, err := c.GetCheckoutSession(t.Context(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "complete", session.Status)
	assert.Equal(t, "sub_1", session.SubscriptionID)
	assert.Equal(t, "cus_abc", session.CustomerID)
}

func TestStripeClient_GetCheckoutSession_SubscriptionAsObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"cs_1","status":"complete","customer":{"id":"cus_abc"},"subscription":{"id":"sub_1","status":"active"}}`))
	}))
	defer srv.Close()

	c := newTestStripeClient(srv.URL)
	session, err := c.GetCheckoutSession(t.Context(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", session.SubscriptionID)
	assert.Equal(t, "cus_abc", session.CustomerID)
}

func TestStripeClient_GetSubscription_RootPeriodFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscriptions/sub_1", r.URL.Path)
		assert.Equal(t, "items.data.price.product", r.URL.Query().Get("expand[]"))
		w.Write([]byte(`{
			"id":"sub_1","status":"active","customer":"cus_abc",
			"current_period_start":1700000000,"current_period_end":1702592000,
			"items":{"data":[{"price":{"id":"price_sm","recurring":{"interval":"month"},"product":{"id":"prod_1","name":"Starter"}}}]},
			"metadata":{"org_id":"org_1","plan_id":"starter"}
		}`))
	}))
	defer srv.Close()

	c := newTestStripeClient(srv.URL)
	sub, err := c.GetSubscription(t.Context(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), sub.CurrentPeriodStart)
	assert.Equal(t, int64(1702592000), sub.CurrentPeriodEnd)
	require.Len(t, sub.Items, 1)
	assert.Equal(t, "Starter", sub.Items[0].ProductName)
	assert.Equal(t, types.IntervalMonth, sub.Items[0].Interval)
	assert.Equal(t, "org_1", sub.Metadata["org_id"])
	assert.NotEmpty(t, sub.Raw)
}

func TestStripeClient_GetSubscription_ItemLevelPeriodFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"id":"sub_1","status":"active","customer":"cus_abc",
			"items":{"data":[{
				"current_period_start":1700000000,"current_period_end":1702592000,
				"price":{"id":"price_sm","recurring":{"interval":"month"},"product":{"id":"prod_1","name":"Starter"}}
			}]}
		}`))
	}))
	defer srv.Close()

	c := newTestStripeClient(srv.URL)
	sub, err := c.GetSubscription(t.Context(), "sub_1")
	require.NoError(t, err)
	assert.Zero(t, sub.CurrentPeriodStart)
	require.Len(t, sub.Items, 1)
	assert.Equal(t, int64(1700000000), sub.Items[0].CurrentPeriodStart)
}

func TestStripeClient_ServerErrorMapsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
	}))
	defer srv.Close()

	c := newTestStripeClient(srv.URL)
	_, err := c.GetSubscription(t.Context(), "sub_1")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, appErr.Code)
}
