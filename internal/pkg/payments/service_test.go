package payments

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/LukasMendel/PayFox/app/models"
	"github.com/stripe/stripe-go/v78"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paidSession(id, paymentIntentID string, userID uint, priceRef string) *stripe.CheckoutSession {
	return &stripe.CheckoutSession{
		ID:            id,
		Mode:          stripe.CheckoutSessionModePayment,
		PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
		PaymentIntent: &stripe.PaymentIntent{ID: paymentIntentID},
		AmountTotal:   999,
		Currency:      stripe.CurrencyEUR,
		Metadata: map[string]string{
			"user_id":   itoa(userID),
			"price_ref": priceRef,
		},
	}
}

func providerSub(id, customerID string, status stripe.SubscriptionStatus, priceRef string, userID uint) *stripe.Subscription {
	sub := &stripe.Subscription{
		ID:                 id,
		Status:             status,
		Customer:           &stripe.Customer{ID: customerID},
		CurrentPeriodStart: time.Now().Add(-time.Hour).Unix(),
		CurrentPeriodEnd:   time.Now().Add(30 * 24 * time.Hour).Unix(),
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{Price: &stripe.Price{ID: priceRef}},
			},
		},
		Metadata: map[string]string{},
	}
	if userID != 0 {
		sub.Metadata["user_id"] = itoa(userID)
	}
	return sub
}

func paidInvoice(id, subscriptionID string) *stripe.Invoice {
	return &stripe.Invoice{
		ID:           id,
		Status:       stripe.InvoiceStatusPaid,
		Subscription: &stripe.Subscription{ID: subscriptionID},
	}
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func seedCreditPack(repo *fakeRepo) {
	repo.addMapping(models.PlanMapping{
		ProviderPriceRef: "price_credits_500",
		PlanCode:         "credits_500",
		PlanName:         "500 Credits",
		OneTimeCredits:   500,
	})
}

func seedStarterPlan(repo *fakeRepo) {
	repo.addMapping(models.PlanMapping{
		ProviderPriceRef:    "price_starter_m",
		PlanCode:            "starter",
		PlanName:            "Starter",
		SubscriptionCredits: 100,
	})
}

func TestHandleCheckoutCompletedGrantsOnce(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.addUser(1, "buyer@example.com")
	seedCreditPack(repo)

	sess := paidSession("cs_1", "pi_1", 1, "price_credits_500")

	require.NoError(t, svc.HandleCheckoutCompleted(context.Background(), sess))
	require.NoError(t, svc.HandleCheckoutCompleted(context.Background(), sess))

	balance, err := repo.CreditBalance(1)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	order, err := repo.GetOrderByProviderOrderID(models.ProviderStripe, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusSucceeded, order.Status)
	assert.Equal(t, "cs_1", order.SessionID)
	assert.Len(t, repo.credits, 1)
}

func TestHandleCheckoutCompletedUnpaidIsNoOp(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.addUser(1, "buyer@example.com")
	seedCreditPack(repo)

	sess := paidSession("cs_1", "pi_1", 1, "price_credits_500")
	sess.PaymentStatus = stripe.CheckoutSessionPaymentStatusUnpaid

	require.NoError(t, svc.HandleCheckoutCompleted(context.Background(), sess))

	if _, err := repo.GetOrderByProviderOrderID(models.ProviderStripe, "pi_1"); err == nil {
		t.Fatal("expected no order for an unpaid session")
	}
	balance, _ := repo.CreditBalance(1)
	assert.Zero(t, balance)
}

func TestHandleCheckoutCompletedSubscriptionModeIgnored(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.addUser(1, "buyer@example.com")

	sess := paidSession("cs_1", "pi_1", 1, "price_starter_m")
	sess.Mode = stripe.CheckoutSessionModeSubscription

	require.NoError(t, svc.HandleCheckoutCompleted(context.Background(), sess))
	assert.Empty(t, repo.orders)
}

func TestHandleInvoicePaidGrantsPerBillingPeriod(t *testing.T) {
	svc, repo, provider := newTestService()
	repo.addUser(1, "sub@example.com")
	seedStarterPlan(repo)
	provider.subs["sub_1"] = providerSub("sub_1", "cus_1", stripe.SubscriptionStatusActive, "price_starter_m", 1)

	eventAt := time.Now()
	inv1 := paidInvoice("in_1", "sub_1")
	inv2 := paidInvoice("in_2", "sub_1")

	require.NoError(t, svc.HandleInvoicePaid(context.Background(), inv1, eventAt))
	require.NoError(t, svc.HandleInvoicePaid(context.Background(), inv1, eventAt))

	balance, _ := repo.CreditBalance(1)
	assert.Equal(t, int64(100), balance, "redelivered invoice must not double-grant")

	require.NoError(t, svc.HandleInvoicePaid(context.Background(), inv2, eventAt.Add(time.Minute)))
	balance, _ = repo.CreditBalance(1)
	assert.Equal(t, int64(200), balance, "a new billing period grants again")

	sub, err := repo.GetSubscriptionByProviderID(models.ProviderStripe, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, "starter", sub.PlanCode)

	us, err := repo.GetOrCreateUserSettings(1)
	require.NoError(t, err)
	assert.Equal(t, "starter", us.Plan)
}

func TestHandleInvoicePaidUnresolvableOwner(t *testing.T) {
	svc, _, provider := newTestService()
	provider.subs["sub_1"] = providerSub("sub_1", "cus_unknown", stripe.SubscriptionStatusActive, "price_starter_m", 0)

	inv := paidInvoice("in_1", "sub_1")
	err := svc.HandleInvoicePaid(context.Background(), inv, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotYetVisible))
}

func TestHandleInvoicePaidThinPayloadUsesProviderCopy(t *testing.T) {
	svc, repo, provider := newTestService()
	repo.addUser(1, "sub@example.com")
	seedStarterPlan(repo)
	provider.subs["sub_1"] = providerSub("sub_1", "cus_1", stripe.SubscriptionStatusActive, "price_starter_m", 1)
	provider.invoices["in_1"] = paidInvoice("in_1", "sub_1")

	// The delivered payload carries only the invoice id.
	require.NoError(t, svc.HandleInvoicePaid(context.Background(), &stripe.Invoice{ID: "in_1"}, time.Now()))

	balance, _ := repo.CreditBalance(1)
	assert.Equal(t, int64(100), balance)
}

func TestHandleInvoicePaidUnpaidInvoiceGrantsNothing(t *testing.T) {
	svc, repo, provider := newTestService()
	repo.addUser(1, "sub@example.com")
	seedStarterPlan(repo)
	provider.invoices["in_1"] = &stripe.Invoice{
		ID:           "in_1",
		Status:       stripe.InvoiceStatusOpen,
		Subscription: &stripe.Subscription{ID: "sub_1"},
	}

	require.NoError(t, svc.HandleInvoicePaid(context.Background(), &stripe.Invoice{ID: "in_1"}, time.Now()))

	balance, _ := repo.CreditBalance(1)
	assert.Zero(t, balance)
	assert.Empty(t, repo.subs)
}

func TestSubscriptionOutOfOrderEventsKeepNewestState(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.addUser(1, "sub@example.com")
	seedStarterPlan(repo)

	t1 := time.Now().Add(-time.Minute)
	t2 := time.Now()

	newer := providerSub("sub_1", "cus_1", stripe.SubscriptionStatusActive, "price_starter_m", 1)
	newerPeriodEnd := time.Now().Add(60 * 24 * time.Hour).Truncate(time.Second)
	newer.CurrentPeriodEnd = newerPeriodEnd.Unix()

	older := providerSub("sub_1", "cus_1", stripe.SubscriptionStatusIncomplete, "price_starter_m", 1)
	older.CurrentPeriodEnd = time.Now().Add(30 * 24 * time.Hour).Unix()

	require.NoError(t, svc.HandleSubscriptionChange(context.Background(), newer, t2))
	require.NoError(t, svc.HandleSubscriptionChange(context.Background(), older, t1))

	sub, err := repo.GetSubscriptionByProviderID(models.ProviderStripe, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status, "older event must not overwrite newer state")
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, newerPeriodEnd.Unix(), sub.CurrentPeriodEnd.Unix())
}

func TestSubscriptionCanceledAlwaysWins(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.addUser(1, "sub@example.com")
	seedStarterPlan(repo)

	t1 := time.Now().Add(-time.Minute)
	t2 := time.Now()

	canceled := providerSub("sub_1", "cus_1", stripe.SubscriptionStatusCanceled, "price_starter_m", 1)
	require.NoError(t, svc.HandleSubscriptionDeleted(context.Background(), canceled, t1))

	late := providerSub("sub_1", "cus_1", stripe.SubscriptionStatusActive, "price_starter_m", 1)
	require.NoError(t, svc.HandleSubscriptionChange(context.Background(), late, t2))

	sub, err := repo.GetSubscriptionByProviderID(models.ProviderStripe, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCanceled, sub.Status)

	us, _ := repo.GetOrCreateUserSettings(1)
	assert.Equal(t, "free", us.Plan)
}

func TestHandleInvoicePaymentFailedMarksPastDue(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.addUser(1, "sub@example.com")
	seedStarterPlan(repo)

	active := providerSub("sub_1", "cus_1", stripe.SubscriptionStatusActive, "price_starter_m", 1)
	require.NoError(t, svc.HandleSubscriptionChange(context.Background(), active, time.Now().Add(-time.Minute)))

	inv := &stripe.Invoice{ID: "in_1", Subscription: &stripe.Subscription{ID: "sub_1"}}
	require.NoError(t, svc.HandleInvoicePaymentFailed(context.Background(), inv, time.Now()))

	sub, err := repo.GetSubscriptionByProviderID(models.ProviderStripe, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusPastDue, sub.Status)

	// Dunning keeps the plan until the provider cancels for real.
	us, _ := repo.GetOrCreateUserSettings(1)
	assert.Equal(t, "starter", us.Plan)

	balance, _ := repo.CreditBalance(1)
	assert.Zero(t, balance, "a failed invoice grants nothing")
}

func TestHandleInvoicePaymentFailedUnknownSubscription(t *testing.T) {
	svc, _, _ := newTestService()
	inv := &stripe.Invoice{ID: "in_1", Subscription: &stripe.Subscription{ID: "sub_ghost"}}
	err := svc.HandleInvoicePaymentFailed(context.Background(), inv, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotYetVisible))
}

func TestHandleChargeRefundedReversesCredits(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.addUser(1, "buyer@example.com")
	seedCreditPack(repo)

	sess := paidSession("cs_1", "pi_1", 1, "price_credits_500")
	require.NoError(t, svc.HandleCheckoutCompleted(context.Background(), sess))

	ch := &stripe.Charge{ID: "ch_1", PaymentIntent: &stripe.PaymentIntent{ID: "pi_1"}, Refunded: true}
	require.NoError(t, svc.HandleChargeRefunded(context.Background(), ch))
	require.NoError(t, svc.HandleChargeRefunded(context.Background(), ch))

	balance, _ := repo.CreditBalance(1)
	assert.Zero(t, balance, "refund reverses exactly the granted amount, once")
	assert.Len(t, repo.credits, 2, "the original grant survives; the reversal is a new entry")

	order, err := repo.GetOrderByProviderOrderID(models.ProviderStripe, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRefunded, order.Status)

	// A replayed checkout event must not resurrect the refunded order.
	require.NoError(t, svc.HandleCheckoutCompleted(context.Background(), sess))
	order, _ = repo.GetOrderByProviderOrderID(models.ProviderStripe, "pi_1")
	assert.Equal(t, models.OrderStatusRefunded, order.Status)
	balance, _ = repo.CreditBalance(1)
	assert.Zero(t, balance)
}

func TestHandleChargeRefundedBeforeOrderVisible(t *testing.T) {
	svc, _, _ := newTestService()
	ch := &stripe.Charge{ID: "ch_1", PaymentIntent: &stripe.PaymentIntent{ID: "pi_ghost"}, Refunded: true}
	err := svc.HandleChargeRefunded(context.Background(), ch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotYetVisible))
}

func TestHandleChargeRefundedPartialIgnored(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.addUser(1, "buyer@example.com")
	seedCreditPack(repo)

	sess := paidSession("cs_1", "pi_1", 1, "price_credits_500")
	require.NoError(t, svc.HandleCheckoutCompleted(context.Background(), sess))

	ch := &stripe.Charge{ID: "ch_1", PaymentIntent: &stripe.PaymentIntent{ID: "pi_1"}, Refunded: false, AmountRefunded: 100}
	require.NoError(t, svc.HandleChargeRefunded(context.Background(), ch))

	order, _ := repo.GetOrderByProviderOrderID(models.ProviderStripe, "pi_1")
	assert.Equal(t, models.OrderStatusSucceeded, order.Status)
	balance, _ := repo.CreditBalance(1)
	assert.Equal(t, int64(500), balance)
}

func TestVerifyCheckoutSessionOwnerMismatch(t *testing.T) {
	svc, repo, provider := newTestService()
	repo.addUser(1, "a@example.com")
	repo.addUser(2, "b@example.com")
	seedCreditPack(repo)
	provider.sessions["cs_1"] = paidSession("cs_1", "pi_1", 2, "price_credits_500")

	_, err := svc.VerifyCheckoutSession(context.Background(), "cs_1", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOwnerMismatch))
	assert.Empty(t, repo.orders, "a rejected verification must not mutate state")
	assert.Empty(t, repo.credits)
}

func TestVerifyCheckoutSessionStorageErrorIsNotMismatch(t *testing.T) {
	svc, repo, provider := newTestService()
	repo.addUser(1, "a@example.com")

	// The session identifies its owner only through the provider customer,
	// and that lookup fails.
	sess := paidSession("cs_1", "pi_1", 0, "price_credits_500")
	delete(sess.Metadata, "user_id")
	sess.Customer = &stripe.Customer{ID: "cus_1"}
	provider.sessions["cs_1"] = sess

	dbErr := errors.New("connection reset")
	repo.customerLookupErr = dbErr

	_, err := svc.VerifyCheckoutSession(context.Background(), "cs_1", 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrOwnerMismatch), "a storage failure is not an ownership verdict")
	assert.True(t, errors.Is(err, dbErr))
}

func TestVerifyCheckoutSessionPaymentFallback(t *testing.T) {
	svc, repo, provider := newTestService()
	repo.addUser(1, "buyer@example.com")
	seedCreditPack(repo)
	sess := paidSession("cs_1", "pi_1", 1, "price_credits_500")
	provider.sessions["cs_1"] = sess

	result, err := svc.VerifyCheckoutSession(context.Background(), "cs_1", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, models.OrderStatusSucceeded, result.OrderStatus)
	assert.Equal(t, int64(500), result.CreditBalance)

	// The real webhook arrives afterwards; nothing is granted twice.
	require.NoError(t, svc.HandleCheckoutCompleted(context.Background(), sess))
	balance, _ := repo.CreditBalance(1)
	assert.Equal(t, int64(500), balance)
}

func TestVerifyCheckoutSessionPendingWhenUnsettled(t *testing.T) {
	svc, repo, provider := newTestService()
	repo.addUser(1, "buyer@example.com")
	seedCreditPack(repo)
	sess := paidSession("cs_1", "pi_1", 1, "price_credits_500")
	sess.PaymentStatus = stripe.CheckoutSessionPaymentStatusUnpaid
	provider.sessions["cs_1"] = sess

	result, err := svc.VerifyCheckoutSession(context.Background(), "cs_1", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, result.Status)
	assert.Empty(t, repo.orders)
}

func TestVerifyCheckoutSessionSubscriptionFallback(t *testing.T) {
	svc, repo, provider := newTestService()
	repo.addUser(1, "sub@example.com")
	seedStarterPlan(repo)

	psub := providerSub("sub_1", "cus_1", stripe.SubscriptionStatusActive, "price_starter_m", 1)
	provider.subs["sub_1"] = psub
	provider.sessions["cs_1"] = &stripe.CheckoutSession{
		ID:           "cs_1",
		Mode:         stripe.CheckoutSessionModeSubscription,
		Subscription: &stripe.Subscription{ID: "sub_1"},
		Customer:     &stripe.Customer{ID: "cus_1"},
		Metadata:     map[string]string{"user_id": "1"},
	}

	result, err := svc.VerifyCheckoutSession(context.Background(), "cs_1", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, models.SubscriptionStatusActive, result.SubscriptionStatus)
	assert.Equal(t, "starter", result.PlanCode)

	us, _ := repo.GetOrCreateUserSettings(1)
	assert.Equal(t, "starter", us.Plan)
}

func TestCreateCheckoutLazilyCreatesCustomer(t *testing.T) {
	svc, repo, provider := newTestService()
	repo.addUser(1, "buyer@example.com")
	seedStarterPlan(repo)

	in := CheckoutInput{
		UserID:     1,
		Email:      "buyer@example.com",
		PriceRef:   "price_starter_m",
		SuccessURL: "https://app.example.com/checkout/return",
		CancelURL:  "https://app.example.com/pricing",
	}

	_, err := svc.CreateCheckout(context.Background(), in)
	require.NoError(t, err)
	_, err = svc.CreateCheckout(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 1, provider.customers, "the provider customer is created once and reused")
	require.Len(t, provider.created, 2)

	params := provider.created[0]
	assert.Equal(t, string(stripe.CheckoutSessionModeSubscription), *params.Mode)
	assert.Equal(t, "1", params.Params.Metadata["user_id"])
	require.NotNil(t, params.SubscriptionData)
	assert.Equal(t, "starter", params.SubscriptionData.Metadata["plan_code"])
}

func TestCreateCheckoutUnknownPrice(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.addUser(1, "buyer@example.com")

	_, err := svc.CreateCheckout(context.Background(), CheckoutInput{UserID: 1, PriceRef: "price_nope"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidReference))
}
