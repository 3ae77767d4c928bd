package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v78"
	"go.uber.org/zap"
)

// Dispatcher routes verified provider events to the reconciliation handlers.
// By default events are processed synchronously so the HTTP status returned
// to the provider reflects the real outcome and failed events are retried by
// the provider's own redelivery. Async mode acknowledges immediately; the
// stored event is stamped with the real outcome once the detached worker
// finishes, so a redelivery of a failed event is reprocessed rather than
// short-circuited as a clean duplicate.
type Dispatcher struct {
	svc     *Service
	log     *zap.Logger
	async   bool
	timeout time.Duration
}

func NewDispatcher(svc *Service, log *zap.Logger, async bool) *Dispatcher {
	return &Dispatcher{
		svc:     svc,
		log:     log,
		async:   async,
		timeout: 30 * time.Second,
	}
}

// Dispatch classifies the event and hands it to the matching handler.
// Unknown event types are acknowledged without processing. The done callback,
// when set, receives the processing outcome exactly once; in async mode it
// runs on the detached worker after Dispatch has returned.
func (d *Dispatcher) Dispatch(ctx context.Context, event stripe.Event, done func(error)) error {
	kind, ok := Classify(event.Type)
	if !ok {
		d.log.Debug("unhandled event type ignored",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)))
		if done != nil {
			done(nil)
		}
		return nil
	}

	if d.async {
		go func() {
			// Detached from the request context; the HTTP response has
			// already been sent by the time this runs.
			actx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			err := d.process(actx, kind, event)
			if err != nil {
				d.log.Error("async event processing failed",
					zap.String("event_id", event.ID),
					zap.String("type", string(event.Type)),
					zap.Error(err))
			}
			if done != nil {
				done(err)
			}
		}()
		return nil
	}

	err := d.process(ctx, kind, event)
	if done != nil {
		done(err)
	}
	return err
}

func (d *Dispatcher) process(ctx context.Context, kind EventKind, event stripe.Event) error {
	eventAt := time.Unix(event.Created, 0)

	switch kind {
	case EventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("%w: checkout session in %s: %v", ErrMalformedPayload, event.ID, err)
		}
		return d.svc.HandleCheckoutCompleted(ctx, &sess)

	case EventInvoicePaid:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("%w: invoice in %s: %v", ErrMalformedPayload, event.ID, err)
		}
		return d.svc.HandleInvoicePaid(ctx, &inv, eventAt)

	case EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("%w: invoice in %s: %v", ErrMalformedPayload, event.ID, err)
		}
		return d.svc.HandleInvoicePaymentFailed(ctx, &inv, eventAt)

	case EventSubscriptionCreated, EventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("%w: subscription in %s: %v", ErrMalformedPayload, event.ID, err)
		}
		return d.svc.HandleSubscriptionChange(ctx, &sub, eventAt)

	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("%w: subscription in %s: %v", ErrMalformedPayload, event.ID, err)
		}
		return d.svc.HandleSubscriptionDeleted(ctx, &sub, eventAt)

	case EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return fmt.Errorf("%w: charge in %s: %v", ErrMalformedPayload, event.ID, err)
		}
		return d.svc.HandleChargeRefunded(ctx, &ch)
	}
	return nil
}
