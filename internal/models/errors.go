// Package models defines the core data structures for Citabot.
//
// It includes the client identity, conversation state, appointment and audit
// types shared across modules, together with the error taxonomy used at
// module boundaries.
package models

import "errors"

// Error variables for better error handling and testability
var (
	// ErrInvalidPhoneNumber indicates a phone number could not be normalized
	// into canonical international form.
	ErrInvalidPhoneNumber = errors.New("invalid phone number")
	// ErrProviderUnavailable indicates an external capability provider could
	// not be reached or returned a server-side failure.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrInvalidRecipient indicates the messaging provider rejected the
	// destination address.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("rate limited by provider")
	// ErrQuotaExceeded indicates the AI provider rejected the request because
	// the account quota is exhausted.
	ErrQuotaExceeded = errors.New("provider quota exceeded")
	// ErrDuplicateDelivery indicates an inbound message id was already
	// processed. Handled internally; never surfaced to end users.
	ErrDuplicateDelivery = errors.New("duplicate message delivery")
	// ErrRetentionPolicyViolation indicates a query or export reached beyond
	// the permitted retention scope.
	ErrRetentionPolicyViolation = errors.New("retention policy violation")
	// ErrPromptTooLong indicates a generation prompt exceeded the configured
	// bound and was rejected rather than truncated.
	ErrPromptTooLong = errors.New("prompt exceeds maximum length")
	// ErrStoreUnavailable indicates the persistent store cannot be reached.
	// Fatal for orchestration; reported via health check.
	ErrStoreUnavailable = errors.New("persistent store unavailable")
)

// ValidationError reports a missing or malformed required field on a
// compliance-relevant record. It is rejected synchronously to the caller and
// never silently defaulted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Field + ": " + e.Reason
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
