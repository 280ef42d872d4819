package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paygate/internal/types"
)

func TestJSON_WritesBodyAndStatus(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	JSON(w, r, http.StatusCreated, map[string]string{"session_id": "cs_123"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"session_id":"cs_123"}`, w.Body.String())
}

func TestError_AppErrorMapsStatusAndCode(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-1"))

	Error(w, r, types.NewAppError(types.ErrCodeNotFoundPlan, "unknown plan", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not_found_plan", resp.Error.Code)
	assert.Equal(t, "unknown plan", resp.Error.Message)
	assert.Equal(t, "req-1", resp.Error.RequestID)
}

func TestError_WrappedAppError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	inner := types.NewAppError(types.ErrCodeConflictEmail, "email mismatch", nil)
	Error(w, r, errors.Join(errors.New("outer"), inner))

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestError_GenericErrorIs500WithoutLeaking(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(w, r, errors.New("pq: connection refused at 10.0.0.5"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.5")

	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), resp.Error.Code)
}

func TestDecodeJSON_Success(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan_id":"starter"}`))

	var body struct {
		PlanID string `json:"plan_id"`
	}
	require.NoError(t, DecodeJSON(w, r, &body))
	assert.Equal(t, "starter", body.PlanID)
}

func TestDecodeJSON_UnknownField(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan_id":"x","bogus":1}`))

	var body struct {
		PlanID string `json:"plan_id"`
	}
	err := DecodeJSON(w, r, &body)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, errCodeValidationInvalidJSON, appErr.Code)
	assert.Contains(t, appErr.Message, "unknown field")
}

func TestDecodeJSON_EmptyBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))

	var body struct{}
	err := DecodeJSON(w, r, &body)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.Message, "must not be empty")
}

func TestDecodeJSON_MultipleValues(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}{}`))

	var body struct{}
	err := DecodeJSON(w, r, &body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "single JSON object")
}

func TestDecodeJSON_TypeMismatch(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan_id":42}`))

	var body struct {
		PlanID string `json:"plan_id"`
	}
	err := DecodeJSON(w, r, &body)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "plan_id", appErr.Details["field"])
}
