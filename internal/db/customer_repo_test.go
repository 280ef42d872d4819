package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"paygate/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// --- CustomerLinkRepo Tests ---

func TestCustomerLinkRepo_Create_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCustomerLinkRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Create(context.Background(), &types.CustomerLink{
		OrganizationID: "org_1",
		CustomerID:     "cus_abc",
		Email:          "billing@acme.test",
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestCustomerLinkRepo_Create_DuplicateKey(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCustomerLinkRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	err := repo.Create(context.Background(), &types.CustomerLink{
		OrganizationID: "org_1",
		CustomerID:     "cus_abc",
	})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictDuplicate, appErr.Code)
}

func TestCustomerLinkRepo_GetByOrgID_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCustomerLinkRepo(db)

	now := time.Now().UTC()
	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*string) = "org_1"
			*dest[1].(*string) = "cus_abc"
			*dest[2].(*string) = "billing@acme.test"
			*dest[3].(*[]byte) = []byte(`{"id":"cus_abc"}`)
			*dest[4].(*time.Time) = now
			*dest[5].(*time.Time) = now
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	link, err := repo.GetByOrgID(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_abc", link.CustomerID)
	assert.Equal(t, "billing@acme.test", link.Email)
}

func TestCustomerLinkRepo_GetByOrgID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCustomerLinkRepo(db)

	row := &mockRow{scanErr: pgx.ErrNoRows}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	_, err := repo.GetByOrgID(context.Background(), "org_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundCustomerLink, appErr.Code)
}

func TestCustomerLinkRepo_GetByCustomerID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCustomerLinkRepo(db)

	row := &mockRow{scanErr: pgx.ErrNoRows}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	_, err := repo.GetByCustomerID(context.Background(), "cus_unknown")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundCustomerLink, appErr.Code)
}

func TestCustomerLinkRepo_BackfillEmail_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCustomerLinkRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.BackfillEmail(context.Background(), "org_1", "billing@acme.test")
	require.NoError(t, err)
}

func TestCustomerLinkRepo_BackfillEmail_NoRowIsNoop(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCustomerLinkRepo(db)

	// Email already set: WHERE clause matches nothing, still not an error.
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.BackfillEmail(context.Background(), "org_1", "other@acme.test")
	require.NoError(t, err)
}

func TestCustomerLinkRepo_BackfillEmail_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewCustomerLinkRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.BackfillEmail(context.Background(), "org_1", "billing@acme.test")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}
