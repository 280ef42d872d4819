// Package billing contains the payment-orchestration domain logic: plan
// resolution, checkout creation, post-redirect verification, and the webhook
// reconciler that converges local subscription state with provider truth.
package billing

import (
	"context"
	"errors"
	"time"

	"paygate/internal/types"
)

// Store contracts consumed by the billing services. Satisfied by the repos in
// internal/db; mocked in tests.

type customerLinkStore interface {
	GetByOrgID(ctx context.Context, orgID string) (*types.CustomerLink, error)
	GetByCustomerID(ctx context.Context, customerID string) (*types.CustomerLink, error)
	Create(ctx context.Context, link *types.CustomerLink) error
	BackfillEmail(ctx context.Context, orgID, email string) error
}

type checkoutSessionStore interface {
	Create(ctx context.Context, cs *types.CheckoutSession) error
	GetBySessionID(ctx context.Context, sessionID string) (*types.CheckoutSession, error)
	MarkCompleted(ctx context.Context, sessionID, subscriptionID string) error
	MarkExpired(ctx context.Context, sessionID string) error
}

type subscriptionStore interface {
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*types.Subscription, error)
	Upsert(ctx context.Context, sub *types.Subscription) error
	MarkCanceled(ctx context.Context, subscriptionID string, canceledAt time.Time) error
	UpdateStatus(ctx context.Context, subscriptionID string, status types.SubscriptionStatus) error
}

type eventLedgerStore interface {
	GetByEventID(ctx context.Context, eventID string) (*types.BillingEvent, error)
	Insert(ctx context.Context, eventID, kind string, payload []byte) (bool, error)
	MarkProcessed(ctx context.Context, eventID string, result types.EventResult) error
	RecordFailure(ctx context.Context, eventID string, result types.EventResult) error
}

// hasErrCode reports whether err carries the given application error code.
func hasErrCode(err error, code types.ErrorCode) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == code
}
