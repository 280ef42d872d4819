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

func testSubscription() *types.Subscription {
	now := time.Now().UTC()
	return &types.Subscription{
		SubscriptionID:     "sub_1",
		OrganizationID:     "org_1",
		CustomerID:         "cus_abc",
		Status:             types.SubscriptionStatusActive,
		PlanID:             "starter",
		PriceID:            "price_sm",
		Interval:           types.IntervalMonth,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		Metadata:           types.Metadata{"org_id": "org_1"},
		RawSubscription:    []byte(`{"id":"sub_1"}`),
	}
}

func TestSubscriptionRepo_Upsert_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Upsert(context.Background(), testSubscription())
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestSubscriptionRepo_Upsert_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.Upsert(context.Background(), testSubscription())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestSubscriptionRepo_GetBySubscriptionID_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db)

	now := time.Now().UTC()
	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*string) = "sub_1"
			*dest[1].(*string) = "org_1"
			*dest[2].(*string) = "cus_abc"
			*dest[3].(*types.SubscriptionStatus) = types.SubscriptionStatusActive
			*dest[4].(*string) = "starter"
			*dest[5].(*string) = "price_sm"
			*dest[6].(*types.BillingInterval) = types.IntervalMonth
			*dest[7].(*time.Time) = now
			*dest[8].(*time.Time) = now.AddDate(0, 1, 0)
			*dest[9].(*bool) = false
			*dest[10].(**time.Time) = nil
			*dest[11].(*types.Metadata) = types.Metadata{"org_id": "org_1"}
			*dest[12].(*[]byte) = []byte(`{"id":"sub_1"}`)
			*dest[13].(*time.Time) = now
			*dest[14].(*time.Time) = now
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	sub, err := repo.GetBySubscriptionID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, "org_1", sub.OrganizationID)
	assert.Nil(t, sub.CanceledAt)
}

func TestSubscriptionRepo_GetBySubscriptionID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db)

	row := &mockRow{scanErr: pgx.ErrNoRows}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	_, err := repo.GetBySubscriptionID(context.Background(), "sub_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}

func TestSubscriptionRepo_MarkCanceled_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.MarkCanceled(context.Background(), "sub_1", time.Now().UTC())
	require.NoError(t, err)
}

func TestSubscriptionRepo_MarkCanceled_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.MarkCanceled(context.Background(), "sub_missing", time.Now().UTC())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}

func TestSubscriptionRepo_UpdateStatus_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.UpdateStatus(context.Background(), "sub_1", types.SubscriptionStatusPastDue)
	require.NoError(t, err)
}

func TestSubscriptionRepo_UpdateStatus_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.UpdateStatus(context.Background(), "sub_missing", types.SubscriptionStatusPastDue)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}
