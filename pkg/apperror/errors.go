package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// HasCode reports whether err (or anything it wraps) is an AppError with the given code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

const (
	CodeWalletNotFound     = "WAL_001"
	CodeInsufficientFunds  = "WAL_002"
	CodeInvalidAmount      = "WAL_003"
	CodeInvalidToken       = "SEC_001"
	CodeInvalidSignature   = "SEC_002"
	CodeInvalidState       = "ESC_001"
	CodeDuplicatePayment   = "ESC_002"
	CodeForbidden          = "ESC_003"
	CodeAccountNotVerified = "PAY_001"
	CodeValidation         = "GEN_400"
	CodeNotFound           = "GEN_404"
	CodeExternalGateway    = "GW_001"
	CodeRateLimitExceeded  = "RATE_001"
	CodeInternal           = "SYS_001"
	CodeEncryption         = "SYS_003"
)

// ---- Wallet (WAL) ----

func ErrWalletNotFound() *AppError {
	return New(CodeWalletNotFound, "Wallet not found", http.StatusNotFound)
}

func ErrInsufficientFunds() *AppError {
	return New(CodeInsufficientFunds, "Insufficient balance in wallet", http.StatusPaymentRequired)
}

func ErrInvalidAmount() *AppError {
	return New(CodeInvalidAmount, "Amount must be greater than zero", http.StatusBadRequest)
}

// ---- Security (SEC) ----

func ErrInvalidToken() *AppError {
	return New(CodeInvalidToken, "Invalid or expired token", http.StatusUnauthorized)
}

func ErrInvalidSignature() *AppError {
	return New(CodeInvalidSignature, "Invalid signature", http.StatusBadRequest)
}

// ---- Escrow (ESC) ----

// ErrCaptureNotApplied marks a captured gateway payment that moved no money
// here and has to be refunded.
var ErrCaptureNotApplied = errors.New("captured payment not applied")

func ErrInvalidState(message string) *AppError {
	return New(CodeInvalidState, message, http.StatusConflict)
}

// ErrUnappliedCapture is an InvalidState that wraps ErrCaptureNotApplied.
func ErrUnappliedCapture(message string) *AppError {
	return Wrap(CodeInvalidState, message, http.StatusConflict, ErrCaptureNotApplied)
}

func ErrDuplicatePayment() *AppError {
	return New(CodeDuplicatePayment, "Project already has an active payment", http.StatusConflict)
}

func ErrForbidden(message string) *AppError {
	return New(CodeForbidden, message, http.StatusForbidden)
}

// ---- Payout (PAY) ----

func ErrAccountNotVerified() *AppError {
	return New(CodeAccountNotVerified, "Freelancer has no verified payout account", http.StatusUnprocessableEntity)
}

// ---- Generic (GEN) ----

func ErrNotFound(entity string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

// Validation returns a request validation error.
func Validation(message string) *AppError {
	return New(CodeValidation, message, http.StatusBadRequest)
}

// ---- Gateway (GW) ----

func ErrExternalGateway(err error) *AppError {
	return Wrap(CodeExternalGateway, "Payment gateway request failed", http.StatusBadGateway, err)
}

// ---- Rate Limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	return New(CodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap(CodeInternal, "Internal database error", http.StatusInternalServerError, err)
}

func ErrEncryptionFailure(err error) *AppError {
	return Wrap(CodeEncryption, "Encryption service failure", http.StatusInternalServerError, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap(CodeInternal, "Internal server error", http.StatusInternalServerError, err)
}
