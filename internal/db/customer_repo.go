package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"paygate/internal/types"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// CustomerLinkRepo manages the binding between organizations and provider
// customer objects. One row per organization; the provider customer id is
// unique across rows.
type CustomerLinkRepo struct {
	db DBTX
}

// NewCustomerLinkRepo creates a new CustomerLinkRepo backed by the given
// database connection (pool or transaction).
func NewCustomerLinkRepo(db DBTX) *CustomerLinkRepo {
	return &CustomerLinkRepo{db: db}
}

const customerLinkColumns = `organization_id, customer_id, email, raw_customer, created_at, updated_at`

func scanCustomerLink(row pgx.Row) (*types.CustomerLink, error) {
	var link types.CustomerLink
	err := row.Scan(
		&link.OrganizationID,
		&link.CustomerID,
		&link.Email,
		&link.RawCustomer,
		&link.CreatedAt,
		&link.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// GetByOrgID returns the customer link for an organization.
// Returns not_found_customer_link if no link exists.
func (r *CustomerLinkRepo) GetByOrgID(ctx context.Context, orgID string) (*types.CustomerLink, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+customerLinkColumns+` FROM customer_links WHERE organization_id = $1`,
		orgID,
	)
	link, err := scanCustomerLink(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCustomerLink,
				"no customer link for organization", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load customer link", err)
	}
	return link, nil
}

// GetByCustomerID returns the customer link for a provider customer id.
// Used by the reconciler to resolve webhook payloads back to an organization.
func (r *CustomerLinkRepo) GetByCustomerID(ctx context.Context, customerID string) (*types.CustomerLink, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+customerLinkColumns+` FROM customer_links WHERE customer_id = $1`,
		customerID,
	)
	link, err := scanCustomerLink(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCustomerLink,
				"no customer link for provider customer", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load customer link", err)
	}
	return link, nil
}

// Create inserts a new customer link. A duplicate organization or provider
// customer id maps to conflict_duplicate_key.
func (r *CustomerLinkRepo) Create(ctx context.Context, link *types.CustomerLink) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO customer_links (organization_id, customer_id, email, raw_customer, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())`,
		link.OrganizationID,
		link.CustomerID,
		link.Email,
		link.RawCustomer,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return types.NewAppError(types.ErrCodeConflictDuplicate,
				"customer link already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create customer link", err)
	}
	return nil
}

// BackfillEmail fills in the stored email for a link created without one.
// It is a one-shot fill: a row whose email is already set is never touched,
// so a differing stored email survives unchanged. Zero rows affected is not
// an error.
func (r *CustomerLinkRepo) BackfillEmail(ctx context.Context, orgID, email string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE customer_links
		 SET email = $2, updated_at = NOW()
		 WHERE organization_id = $1 AND (email IS NULL OR email = '')`,
		orgID,
		email,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to backfill customer email", err)
	}
	return nil
}
