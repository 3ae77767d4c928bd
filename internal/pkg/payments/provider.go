package payments

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// ProviderClient is the capability the reconciliation core needs from the
// payment provider. It is passed in rather than reached for as a process
// global so tests can substitute a fake.
type ProviderClient interface {
	GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error)
	GetCharge(ctx context.Context, id string) (*stripe.Charge, error)
	CreateCustomer(ctx context.Context, email string, userID uint) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeClient struct {
	sc *client.API
}

// NewStripeClient builds a ProviderClient backed by the Stripe SDK.
func NewStripeClient(apiKey string) ProviderClient {
	return &stripeClient{sc: client.New(apiKey, nil)}
}

func (p *stripeClient) GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")
	params.AddExpand("subscription")
	sess, err := p.sc.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, mapProviderError(err)
	}
	return sess, nil
}

func (p *stripeClient) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.sc.Subscriptions.Get(id, params)
	if err != nil {
		return nil, mapProviderError(err)
	}
	return sub, nil
}

func (p *stripeClient) GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	inv, err := p.sc.Invoices.Get(id, params)
	if err != nil {
		return nil, mapProviderError(err)
	}
	return inv, nil
}

func (p *stripeClient) GetCharge(ctx context.Context, id string) (*stripe.Charge, error) {
	params := &stripe.ChargeParams{}
	params.Context = ctx
	ch, err := p.sc.Charges.Get(id, params)
	if err != nil {
		return nil, mapProviderError(err)
	}
	return ch, nil
}

func (p *stripeClient) CreateCustomer(ctx context.Context, email string, userID uint) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.Context = ctx
	params.AddMetadata("user_id", fmt.Sprintf("%d", userID))
	cust, err := p.sc.Customers.New(params)
	if err != nil {
		return nil, mapProviderError(err)
	}
	return cust, nil
}

func (p *stripeClient) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	params.Context = ctx
	sess, err := p.sc.CheckoutSessions.New(params)
	if err != nil {
		return nil, mapProviderError(err)
	}
	return sess, nil
}

// mapProviderError folds SDK errors into the package taxonomy: unknown ids
// become ErrInvalidReference, everything else is treated as transient.
func mapProviderError(err error) error {
	if stripeErr, ok := err.(*stripe.Error); ok {
		if stripeErr.HTTPStatusCode == 404 || stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("%w: %v", ErrInvalidReference, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
