package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrRateLimited     = "RATE_LIMITED"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Signing-specific error codes.
const (
	ErrTokenInvalid      = "TOKEN_INVALID"
	ErrTokenExpired      = "TOKEN_EXPIRED"
	ErrTokenRevoked      = "TOKEN_REVOKED"
	ErrNotYourTurn       = "NOT_YOUR_TURN"
	ErrAlreadySigned     = "ALREADY_SIGNED"
	ErrDocumentClosed    = "DOCUMENT_CLOSED"
	ErrDocumentExpired   = "DOCUMENT_EXPIRED"
	ErrOTPRequired       = "OTP_REQUIRED"
	ErrOTPIncorrect      = "OTP_INCORRECT"
	ErrOTPLockedOut      = "OTP_LOCKED_OUT"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrFinalizeFailed    = "FINALIZE_FAILED"
)

// SignerMessages maps signing error codes to the small fixed set of
// user-facing messages. Signers never see raw internal errors.
var SignerMessages = map[string]string{
	ErrTokenInvalid:    "This signing link is not valid.",
	ErrTokenExpired:    "This signing link has expired.",
	ErrTokenRevoked:    "This signing link is no longer active.",
	ErrNotYourTurn:     "It is not your turn to sign yet.",
	ErrAlreadySigned:   "This document has already been signed.",
	ErrDocumentClosed:  "This document is no longer open for signing.",
	ErrDocumentExpired: "This document has expired.",
	ErrOTPRequired:     "Please verify the code sent to you before continuing.",
	ErrOTPIncorrect:    "The verification code is incorrect.",
	ErrOTPLockedOut:    "Too many incorrect attempts. Please try again later.",
}

// ErrorEnvelope is the standard error response envelope. It implements the
// error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	// RetryAfterSeconds carries the backpressure hint on RATE_LIMITED and
	// OTP_LOCKED_OUT responses.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewRateLimitedError returns a RATE_LIMITED error with a retry hint.
func NewRateLimitedError(retryAfterSeconds int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:              ErrRateLimited,
		Message:           "Rate limit exceeded. Please try again later.",
		RetryAfterSeconds: retryAfterSeconds,
	}
}

// NewSignerError returns an envelope for a signing error code using the
// fixed user-facing message set.
func NewSignerError(code string) *ErrorEnvelope {
	msg, ok := SignerMessages[code]
	if !ok {
		return NewInternalError()
	}
	return &ErrorEnvelope{Code: code, Message: msg}
}

// NewLockedOutError returns an OTP_LOCKED_OUT error with a retry hint.
func NewLockedOutError(retryAfterSeconds int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:              ErrOTPLockedOut,
		Message:           SignerMessages[ErrOTPLockedOut],
		RetryAfterSeconds: retryAfterSeconds,
	}
}
