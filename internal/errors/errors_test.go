package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preyanshu/chainwatch/internal/types"
)

func TestCategorizedErrorCodes(t *testing.T) {
	tests := []struct {
		name       string
		err        *CategorizedError
		wantCode   string
		wantStatus int
	}{
		{"invalid address", NewInvalidAddressError("0x123"), "INVALID_ADDRESS_FORMAT", http.StatusBadRequest},
		{"validation", NewValidationError("scheduledAt", "required"), "VALIDATION_ERROR", http.StatusBadRequest},
		{"unknown action", NewUnknownActionError("mine"), "UNKNOWN_ACTION", http.StatusBadRequest},
		{"wallet not found", NewWalletNotFoundError("0xabc", 404), "WALLET_NOT_FOUND", http.StatusNotFound},
		{"service unavailable", NewServiceUnavailableError("feed", nil), "SERVICE_UNAVAILABLE", http.StatusServiceUnavailable},
		{"database", NewDatabaseError("insert", fmt.Errorf("down")), "DATABASE_ERROR", http.StatusInternalServerError},
		{"queue", NewQueueError("submit", fmt.Errorf("down")), "QUEUE_ERROR", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, tt.err.Code)
			assert.Equal(t, tt.wantStatus, tt.err.StatusCode)
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewQueueError("submit", cause)
	assert.Equal(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCategorizePassesThrough(t *testing.T) {
	original := NewInvalidAddressError("0x1")
	assert.Same(t, original, Categorize(original))
}

func TestCategorizeServiceError(t *testing.T) {
	svcErr := &types.ServiceError{Code: "INVALID_ADDRESS_FORMAT", Message: "bad address"}
	catErr := Categorize(svcErr)
	require.NotNil(t, catErr)
	assert.Equal(t, http.StatusBadRequest, catErr.StatusCode)
	assert.Equal(t, CategoryValidation, catErr.Category)
}

func TestCategorizeUnknownError(t *testing.T) {
	catErr := Categorize(fmt.Errorf("boom"))
	require.NotNil(t, catErr)
	assert.Equal(t, "INTERNAL_ERROR", catErr.Code)
	assert.Equal(t, http.StatusInternalServerError, catErr.StatusCode)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewQueueError("submit", nil)))
	assert.True(t, IsRetryable(NewDatabaseError("insert", nil)))
	assert.True(t, IsRetryable(NewServiceUnavailableError("feed", nil)))
	assert.False(t, IsRetryable(NewInvalidAddressError("0x1")))
	assert.False(t, IsRetryable(NewUnknownActionError("mine")))
}

func TestIsUserError(t *testing.T) {
	assert.True(t, IsUserError(NewValidationError("type", "bad")))
	assert.False(t, IsUserError(NewDatabaseError("insert", nil)))
}

func TestToServiceError(t *testing.T) {
	svc := NewWalletNotFoundError("0xabc", 404).ToServiceError()
	assert.Equal(t, "WALLET_NOT_FOUND", svc.Code)
	assert.Equal(t, 404, svc.Details["upstreamStatus"])
}
