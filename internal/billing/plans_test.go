package billing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paygate/internal/types"
)

const testPlansJSON = `{
	"starter": {"month": "price_sm", "year": "price_sy"},
	"pro":     {"month": "price_pm"}
}`

func TestNewPlanCatalog(t *testing.T) {
	t.Run("parses valid catalog", func(t *testing.T) {
		catalog, err := NewPlanCatalog(testPlansJSON)
		require.NoError(t, err)
		assert.Len(t, catalog.PlanIDs(), 2)
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		_, err := NewPlanCatalog(`{"starter": "not-a-map"}`)
		assert.Error(t, err)
	})

	t.Run("rejects empty catalog", func(t *testing.T) {
		_, err := NewPlanCatalog(`{}`)
		assert.Error(t, err)
	})

	t.Run("rejects unsupported interval", func(t *testing.T) {
		_, err := NewPlanCatalog(`{"starter": {"weekly": "price_1"}}`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "weekly")
	})

	t.Run("rejects empty price id", func(t *testing.T) {
		_, err := NewPlanCatalog(`{"starter": {"month": ""}}`)
		assert.Error(t, err)
	})
}

func TestPlanCatalog_Resolve(t *testing.T) {
	catalog, err := NewPlanCatalog(testPlansJSON)
	require.NoError(t, err)

	t.Run("resolves configured price", func(t *testing.T) {
		priceID, err := catalog.Resolve("starter", types.IntervalYear)
		require.NoError(t, err)
		assert.Equal(t, "price_sy", priceID)
	})

	t.Run("unknown plan", func(t *testing.T) {
		_, err := catalog.Resolve("enterprise", types.IntervalMonth)
		var appErr *types.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, types.ErrCodeNotFoundPlan, appErr.Code)
	})

	t.Run("unconfigured interval", func(t *testing.T) {
		_, err := catalog.Resolve("pro", types.IntervalYear)
		var appErr *types.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, types.ErrCodeNotFoundPrice, appErr.Code)
	})

	t.Run("invalid interval", func(t *testing.T) {
		_, err := catalog.Resolve("starter", types.BillingInterval("weekly"))
		var appErr *types.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, types.ErrCodeValidationInterval, appErr.Code)
	})
}
