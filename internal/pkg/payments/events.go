package payments

import (
	"github.com/stripe/stripe-go/v78"
)

// EventKind is the closed set of provider event types this pipeline acts on.
// Everything else is acknowledged without side effects so the provider never
// retries events we do not care about.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventCheckoutCompleted
	EventInvoicePaid
	EventInvoicePaymentFailed
	EventSubscriptionCreated
	EventSubscriptionUpdated
	EventSubscriptionDeleted
	EventChargeRefunded
)

// String returns the provider-side event type for logging.
func (k EventKind) String() string {
	switch k {
	case EventCheckoutCompleted:
		return string(stripe.EventTypeCheckoutSessionCompleted)
	case EventInvoicePaid:
		return string(stripe.EventTypeInvoicePaid)
	case EventInvoicePaymentFailed:
		return string(stripe.EventTypeInvoicePaymentFailed)
	case EventSubscriptionCreated:
		return string(stripe.EventTypeCustomerSubscriptionCreated)
	case EventSubscriptionUpdated:
		return string(stripe.EventTypeCustomerSubscriptionUpdated)
	case EventSubscriptionDeleted:
		return string(stripe.EventTypeCustomerSubscriptionDeleted)
	case EventChargeRefunded:
		return string(stripe.EventTypeChargeRefunded)
	default:
		return "unknown"
	}
}

// Classify maps a provider event type to an EventKind. The second return is
// false for types outside the allow-list.
func Classify(t stripe.EventType) (EventKind, bool) {
	switch t {
	case stripe.EventTypeCheckoutSessionCompleted:
		return EventCheckoutCompleted, true
	case stripe.EventTypeInvoicePaid:
		return EventInvoicePaid, true
	case stripe.EventTypeInvoicePaymentFailed:
		return EventInvoicePaymentFailed, true
	case stripe.EventTypeCustomerSubscriptionCreated:
		return EventSubscriptionCreated, true
	case stripe.EventTypeCustomerSubscriptionUpdated:
		return EventSubscriptionUpdated, true
	case stripe.EventTypeCustomerSubscriptionDeleted:
		return EventSubscriptionDeleted, true
	case stripe.EventTypeChargeRefunded:
		return EventChargeRefunded, true
	default:
		return EventUnknown, false
	}
}
