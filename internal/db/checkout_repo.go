package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"paygate/internal/types"
)

// CheckoutSessionRepo persists local records of hosted checkout sessions.
// Records are created as pending when the redirect URL is issued; completion
// and expiry arrive later via webhook or the success verifier, possibly more
// than once, so the state transitions are repeat-safe.
type CheckoutSessionRepo struct {
	db DBTX
}

// NewCheckoutSessionRepo creates a new CheckoutSessionRepo backed by the
// given database connection (pool or transaction).
func NewCheckoutSessionRepo(db DBTX) *CheckoutSessionRepo {
	return &CheckoutSessionRepo{db: db}
}

const checkoutSessionColumns = `session_id, organization_id, customer_id, plan_id, price_id,
	interval, status, subscription_id, metadata, created_at, updated_at, completed_at`

func scanCheckoutSession(row pgx.Row) (*types.CheckoutSession, error) {
	var (
		cs             types.CheckoutSession
		subscriptionID *string
	)
	err := row.Scan(
		&cs.SessionID,
		&cs.OrganizationID,
		&cs.CustomerID,
		&cs.PlanID,
		&cs.PriceID,
		&cs.Interval,
		&cs.Status,
		&subscriptionID,
		&cs.Metadata,
		&cs.CreatedAt,
		&cs.UpdatedAt,
		&cs.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if subscriptionID != nil {
		cs.SubscriptionID = *subscriptionID
	}
	return &cs, nil
}

// Create inserts a new pending checkout session record.
func (r *CheckoutSessionRepo) Create(ctx context.Context, cs *types.CheckoutSession) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO checkout_sessions
		   (session_id, organization_id, customer_id, plan_id, price_id, interval, status, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`,
		cs.SessionID,
		cs.OrganizationID,
		cs.CustomerID,
		cs.PlanID,
		cs.PriceID,
		cs.Interval,
		types.CheckoutStatusPending,
		cs.Metadata,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return types.NewAppError(types.ErrCodeConflictDuplicate,
				"checkout session already recorded", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create checkout session", err)
	}
	return nil
}

// GetBySessionID returns the local checkout session record.
// Returns not_found_checkout_session if no record exists.
func (r *CheckoutSessionRepo) GetBySessionID(ctx context.Context, sessionID string) (*types.CheckoutSession, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+checkoutSessionColumns+` FROM checkout_sessions WHERE session_id = $1`,
		sessionID,
	)
	cs, err := scanCheckoutSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSession,
				"no local record for checkout session", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load checkout session", err)
	}
	return cs, nil
}

// MarkCompleted transitions a session to completed and attaches the resulting
// subscription id. The transition is idempotent: a session already completed
// with the same subscription id is a no-op, and a terminal record is never
// moved back. Zero rows affected with a missing row maps to not found.
func (r *CheckoutSessionRepo) MarkCompleted(ctx context.Context, sessionID, subscriptionID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE checkout_sessions
		 SET status = $2,
		     subscription_id = $3,
		     completed_at = COALESCE(completed_at, NOW()),
		     updated_at = NOW()
		 WHERE session_id = $1
		   AND (status = $4 OR (status = $2 AND subscription_id = $3))`,
		sessionID,
		types.CheckoutStatusCompleted,
		subscriptionID,
		types.CheckoutStatusPending,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark checkout session completed", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the record is absent or it is terminal in another state.
		exists, err := r.exists(ctx, sessionID)
		if err != nil {
			return err
		}
		if !exists {
			return types.NewAppError(types.ErrCodeNotFoundSession,
				"no local record for checkout session", nil)
		}
		// Terminal in a different state: leave it untouched.
		return nil
	}
	return nil
}

// MarkExpired transitions a pending session to expired. Completed sessions
// are never expired; redelivered expiry events are no-ops.
func (r *CheckoutSessionRepo) MarkExpired(ctx context.Context, sessionID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE checkout_sessions
		 SET status = $2, updated_at = NOW()
		 WHERE session_id = $1 AND status = $3`,
		sessionID,
		types.CheckoutStatusExpired,
		types.CheckoutStatusPending,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark checkout session expired", err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := r.exists(ctx, sessionID)
		if err != nil {
			return err
		}
		if !exists {
			return types.NewAppError(types.ErrCodeNotFoundSession,
				"no local record for checkout session", nil)
		}
	}
	return nil
}

func (r *CheckoutSessionRepo) exists(ctx context.Context, sessionID string) (bool, error) {
	var found bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM checkout_sessions WHERE session_id = $1)`,
		sessionID,
	).Scan(&found)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check checkout session", err)
	}
	return found, nil
}
