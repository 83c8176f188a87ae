package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appErr   *AppError
		expected string
	}{
		{
			name:     "without wrapped error",
			appErr:   New("WAL_002", "Insufficient funds", http.StatusPaymentRequired),
			expected: "[WAL_002] Insufficient funds",
		},
		{
			name:     "with wrapped error",
			appErr:   Wrap("SYS_001", "DB error", http.StatusInternalServerError, fmt.Errorf("connection refused")),
			expected: "[SYS_001] DB error: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.appErr.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner error")
	appErr := Wrap("SYS_001", "wrapped", http.StatusInternalServerError, inner)

	assert.True(t, errors.Is(appErr, inner))
	assert.Nil(t, New("WAL_001", "test", http.StatusNotFound).Unwrap())
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		code       string
		httpStatus int
	}{
		{"WalletNotFound", ErrWalletNotFound(), "WAL_001", 404},
		{"InsufficientFunds", ErrInsufficientFunds(), "WAL_002", 402},
		{"InvalidAmount", ErrInvalidAmount(), "WAL_003", 400},
		{"InvalidSignature", ErrInvalidSignature(), "SEC_002", 400},
		{"InvalidState", ErrInvalidState("not held"), "ESC_001", 409},
		{"DuplicatePayment", ErrDuplicatePayment(), "ESC_002", 409},
		{"Forbidden", ErrForbidden("not owner"), "ESC_003", 403},
		{"AccountNotVerified", ErrAccountNotVerified(), "PAY_001", 422},
		{"NotFound", ErrNotFound("Payout"), "GEN_404", 404},
		{"ExternalGateway", ErrExternalGateway(errors.New("boom")), "GW_001", 502},
		{"Internal", InternalError(errors.New("boom")), "SYS_001", 500},
		{"RateLimit", ErrRateLimitExceeded(), "RATE_001", 429},
		{"Encryption", ErrEncryptionFailure(errors.New("bad key")), CodeEncryption, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.httpStatus, tt.err.HTTPStatus)
		})
	}
}

func TestHasCode(t *testing.T) {
	wrapped := fmt.Errorf("debit: %w", ErrInsufficientFunds())

	assert.True(t, HasCode(wrapped, CodeInsufficientFunds))
	assert.False(t, HasCode(wrapped, CodeWalletNotFound))
	assert.False(t, HasCode(errors.New("plain"), CodeInternal))
}

func TestNotFoundEntity(t *testing.T) {
	err := ErrNotFound("Transaction")
	assert.Equal(t, "Transaction not found", err.Message)
}

func TestErrUnappliedCapture(t *testing.T) {
	err := fmt.Errorf("complete load: %w", ErrUnappliedCapture("order was paid by another payment"))

	assert.True(t, errors.Is(err, ErrCaptureNotApplied))
	assert.True(t, HasCode(err, CodeInvalidState))
	assert.False(t, errors.Is(ErrInvalidState("not held"), ErrCaptureNotApplied))
}
