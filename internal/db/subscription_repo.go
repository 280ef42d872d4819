package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"paygate/internal/types"
)

// SubscriptionRepo is the local projection of provider subscription state.
// The provider is the source of truth; every write here mirrors state that
// was just fetched or delivered, so mutable fields are last-write-wins.
type SubscriptionRepo struct {
	db DBTX
}

// NewSubscriptionRepo creates a new SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

const subscriptionColumns = `subscription_id, organization_id, customer_id, status, plan_id, price_id,
	interval, current_period_start, current_period_end, cancel_at_period_end, canceled_at,
	metadata, raw_subscription, created_at, updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var sub types.Subscription
	err := row.Scan(
		&sub.SubscriptionID,
		&sub.OrganizationID,
		&sub.CustomerID,
		&sub.Status,
		&sub.PlanID,
		&sub.PriceID,
		&sub.Interval,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CanceledAt,
		&sub.Metadata,
		&sub.RawSubscription,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetBySubscriptionID returns the local subscription record.
// Returns not_found_subscription if no record exists.
func (r *SubscriptionRepo) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE subscription_id = $1`,
		subscriptionID,
	)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription,
				"no local record for subscription", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return sub, nil
}

// Upsert inserts or overwrites the subscription projection. Events arrive in
// arbitrary order, so whichever handler runs first creates the row and every
// later write converges it to fresh provider state. The conflict clause
// preserves created_at; all other fields are last-write-wins.
func (r *SubscriptionRepo) Upsert(ctx context.Context, sub *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions
		   (subscription_id, organization_id, customer_id, status, plan_id, price_id, interval,
		    current_period_start, current_period_end, cancel_at_period_end, canceled_at,
		    metadata, raw_subscription, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		 ON CONFLICT (subscription_id) DO UPDATE SET
		   organization_id      = EXCLUDED.organization_id,
		   customer_id          = EXCLUDED.customer_id,
		   status               = EXCLUDED.status,
		   plan_id              = EXCLUDED.plan_id,
		   price_id             = EXCLUDED.price_id,
		   interval             = EXCLUDED.interval,
		   current_period_start = EXCLUDED.current_period_start,
		   current_period_end   = EXCLUDED.current_period_end,
		   cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		   canceled_at          = EXCLUDED.canceled_at,
		   metadata             = EXCLUDED.metadata,
		   raw_subscription     = EXCLUDED.raw_subscription,
		   updated_at           = NOW()`,
		sub.SubscriptionID,
		sub.OrganizationID,
		sub.CustomerID,
		sub.Status,
		sub.PlanID,
		sub.PriceID,
		sub.Interval,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
		sub.Metadata,
		sub.RawSubscription,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}
	return nil
}

// MarkCanceled sets the terminal canceled status and stamps canceled_at.
// Redelivered deletion events are no-ops; an absent row maps to not found
// so the caller can decide whether that is a failure.
func (r *SubscriptionRepo) MarkCanceled(ctx context.Context, subscriptionID string, canceledAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $2,
		     canceled_at = COALESCE(canceled_at, $3),
		     updated_at = NOW()
		 WHERE subscription_id = $1`,
		subscriptionID,
		types.SubscriptionStatusCanceled,
		canceledAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark subscription canceled", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription,
			"no local record for subscription", nil)
	}
	return nil
}

// UpdateStatus overwrites only the status field. Used by payment-failure
// handling, where the event does not carry full subscription state.
func (r *SubscriptionRepo) UpdateStatus(ctx context.Context, subscriptionID string, status types.SubscriptionStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $2, updated_at = NOW()
		 WHERE subscription_id = $1`,
		subscriptionID,
		status,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription,
			"no local record for subscription", nil)
	}
	return nil
}
