package billing

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/stretchr/testify/mock"

	"paygate/internal/external"
	"paygate/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) GetOrCreateCustomer(ctx context.Context, orgID, email string) (*external.ProviderCustomer, error) {
	args := m.Called(ctx, orgID, email)
	if c := args.Get(0); c != nil {
		return c.(*external.ProviderCustomer), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) GetPrice(ctx context.Context, priceID string) (*external.ProviderPrice, error) {
	args := m.Called(ctx, priceID)
	if p := args.Get(0); p != nil {
		return p.(*external.ProviderPrice), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, params external.CheckoutSessionParams) (*external.ProviderCheckoutSession, error) {
	args := m.Called(ctx, params)
	if s := args.Get(0); s != nil {
		return s.(*external.ProviderCheckoutSession), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) GetCheckoutSession(ctx context.Context, sessionID string) (*external.ProviderCheckoutSession, error) {
	args := m.Called(ctx, sessionID)
	if s := args.Get(0); s != nil {
		return s.(*external.ProviderCheckoutSession), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) GetSubscription(ctx context.Context, subscriptionID string) (*external.ProviderSubscription, error) {
	args := m.Called(ctx, subscriptionID)
	if s := args.Get(0); s != nil {
		return s.(*external.ProviderSubscription), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockLinkStore struct {
	mock.Mock
}

func (m *mockLinkStore) GetByOrgID(ctx context.Context, orgID string) (*types.CustomerLink, error) {
	args := m.Called(ctx, orgID)
	if l := args.Get(0); l != nil {
		return l.(*types.CustomerLink), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLinkStore) GetByCustomerID(ctx context.Context, customerID string) (*types.CustomerLink, error) {
	args := m.Called(ctx, customerID)
	if l := args.Get(0); l != nil {
		return l.(*types.CustomerLink), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLinkStore) Create(ctx context.Context, link *types.CustomerLink) error {
	return m.Called(ctx, link).Error(0)
}

func (m *mockLinkStore) BackfillEmail(ctx context.Context, orgID, email string) error {
	return m.Called(ctx, orgID, email).Error(0)
}

type mockSessionStore struct {
	mock.Mock
}

func (m *mockSessionStore) Create(ctx context.Context, cs *types.CheckoutSession) error {
	return m.Called(ctx, cs).Error(0)
}

func (m *mockSessionStore) GetBySessionID(ctx context.Context, sessionID string) (*types.CheckoutSession, error) {
	args := m.Called(ctx, sessionID)
	if s := args.Get(0); s != nil {
		return s.(*types.CheckoutSession), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSessionStore) MarkCompleted(ctx context.Context, sessionID, subscriptionID string) error {
	return m.Called(ctx, sessionID, subscriptionID).Error(0)
}

func (m *mockSessionStore) MarkExpired(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

type mockSubscriptionStore struct {
	mock.Mock
}

func (m *mockSubscriptionStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*types.Subscription, error) {
	args := m.Called(ctx, subscriptionID)
	if s := args.Get(0); s != nil {
		return s.(*types.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSubscriptionStore) Upsert(ctx context.Context, sub *types.Subscription) error {
	return m.Called(ctx, sub).Error(0)
}

func (m *mockSubscriptionStore) MarkCanceled(ctx context.Context, subscriptionID string, canceledAt time.Time) error {
	return m.Called(ctx, subscriptionID, canceledAt).Error(0)
}

func (m *mockSubscriptionStore) UpdateStatus(ctx context.Context, subscriptionID string, status types.SubscriptionStatus) error {
	return m.Called(ctx, subscriptionID, status).Error(0)
}

type mockEventLedger struct {
	mock.Mock
}

func (m *mockEventLedger) GetByEventID(ctx context.Context, eventID string) (*types.BillingEvent, error) {
	args := m.Called(ctx, eventID)
	if e := args.Get(0); e != nil {
		return e.(*types.BillingEvent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockEventLedger) Insert(ctx context.Context, eventID, kind string, payload []byte) (bool, error) {
	args := m.Called(ctx, eventID, kind, payload)
	return args.Bool(0), args.Error(1)
}

func (m *mockEventLedger) MarkProcessed(ctx context.Context, eventID string, result types.EventResult) error {
	return m.Called(ctx, eventID, result).Error(0)
}

func (m *mockEventLedger) RecordFailure(ctx context.Context, eventID string, result types.EventResult) error {
	return m.Called(ctx, eventID, result).Error(0)
}

func notFound(code types.ErrorCode) *types.AppError {
	return types.NewAppError(code, "not found", nil)
}
