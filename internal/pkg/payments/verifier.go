package payments

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// VerifyEvent authenticates a raw webhook delivery and returns the typed
// provider event. Signature verification is the authentication mechanism for
// the webhook endpoint; callers must treat any error as a client error
// towards the provider and must not process the payload.
func VerifyEvent(payload []byte, signatureHeader, secret string) (stripe.Event, error) {
	if strings.TrimSpace(secret) == "" {
		return stripe.Event{}, ErrMissingSecret
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return stripe.Event{}, ErrMissingSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) ||
			errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrTooOld) ||
			errors.Is(err, webhook.ErrNoValidSignature) {
			return stripe.Event{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return event, nil
}
