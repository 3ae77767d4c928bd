package payments

import "errors"

// Verification errors. Missing secret or signature header are configuration
// problems and are reported separately from an actual signature mismatch.
var (
	ErrMissingSecret    = errors.New("payments: webhook secret is not configured")
	ErrMissingSignature = errors.New("payments: signature header is missing")
	ErrBadSignature     = errors.New("payments: webhook signature verification failed")
	ErrMalformedPayload = errors.New("payments: malformed webhook payload")
)

// Processing errors returned by reconciliation handlers and the fallback
// verifier. Callers decide the transport outcome; none of these are retried
// internally.
var (
	// ErrNotYetVisible means a record the handler expected does not exist
	// locally yet, most likely because an earlier event has not been
	// processed. Safe to retry via provider redelivery.
	ErrNotYetVisible = errors.New("payments: target record not yet visible")

	// ErrOwnerMismatch means a checkout reference belongs to a different
	// user than the authenticated caller. Always terminal.
	ErrOwnerMismatch = errors.New("payments: session owner mismatch")

	// ErrProviderUnavailable marks a transient upstream failure while
	// fetching authoritative objects. Retryable.
	ErrProviderUnavailable = errors.New("payments: provider unavailable")

	// ErrInvalidReference means the provider does not know the given
	// checkout/session reference.
	ErrInvalidReference = errors.New("payments: unknown provider reference")
)
