package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/LukasMendel/PayFox/app/models"
	"github.com/LukasMendel/PayFox/internal/pkg/entitlements"
	"github.com/LukasMendel/PayFox/internal/pkg/mail"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v78"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service holds the reconciliation handlers shared by the webhook pipeline
// and the fallback verifier. Both paths go through the same repository
// primitives; there is deliberately no second implementation of any state
// transition.
type Service struct {
	repo     Repository
	provider ProviderClient
	log      *zap.Logger
	mailer   func(to, subject, body string)
}

// NewService creates a payments service from injected collaborators.
func NewService(repo Repository, provider ProviderClient, log *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		provider: provider,
		log:      log,
		mailer:   mail.SendBestEffort,
	}
}

// NewServiceFromDB creates a payments service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, provider ProviderClient, log *zap.Logger) *Service {
	return NewService(NewRepository(db), provider, log)
}

// CreateCheckout creates a provider checkout session for a storefront
// purchase, lazily creating the provider customer on first purchase.
func (s *Service) CreateCheckout(ctx context.Context, in CheckoutInput) (*stripe.CheckoutSession, error) {
	mapping, err := s.repo.FindActivePlanMapping(models.ProviderStripe, in.PriceRef)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: price %s", ErrInvalidReference, in.PriceRef)
		}
		return nil, err
	}

	customer, err := s.repo.GetCustomerByUserID(in.UserID, models.ProviderStripe)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		created, err := s.provider.CreateCustomer(ctx, in.Email, in.UserID)
		if err != nil {
			return nil, err
		}
		customer = &models.Customer{
			UserID:             in.UserID,
			Provider:           models.ProviderStripe,
			ProviderCustomerID: created.ID,
			Email:              in.Email,
		}
		if err := s.repo.UpsertCustomer(customer); err != nil {
			return nil, err
		}
	}

	quantity := in.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	meta := map[string]string{
		"user_id":   strconv.FormatUint(uint64(in.UserID), 10),
		"price_ref": in.PriceRef,
		"plan_code": mapping.PlanCode,
		"plan_name": mapping.PlanName,
	}

	params := &stripe.CheckoutSessionParams{
		Customer:          stripe.String(customer.ProviderCustomerID),
		ClientReferenceID: stripe.String(meta["user_id"]),
		SuccessURL:        stripe.String(in.SuccessURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(in.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(in.PriceRef),
				Quantity: stripe.Int64(quantity),
			},
		},
	}
	for k, v := range meta {
		params.AddMetadata(k, v)
	}
	if mapping.SubscriptionCredits > 0 {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: meta}
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: meta}
	}
	params.SetIdempotencyKey(uuid.NewString())

	return s.provider.CreateCheckoutSession(ctx, params)
}

// HandleCheckoutCompleted reconciles a completed checkout session in payment
// (one-time) mode. Subscription-mode sessions are ignored here: subscription
// activation is driven by the subscription-lifecycle events so there is a
// single activation path.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, sess *stripe.CheckoutSession) error {
	if sess.Mode != stripe.CheckoutSessionModePayment {
		return nil
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		// Delayed payment methods settle later; the fallback verifier or a
		// later delivery picks the session up once it is paid.
		return nil
	}

	if sess.PaymentIntent == nil || sess.PaymentIntent.ID == "" {
		// Webhook payloads carry the payment intent as a bare id; if even
		// that is missing, re-fetch the authoritative session.
		full, err := s.provider.GetCheckoutSession(ctx, sess.ID)
		if err != nil {
			return err
		}
		sess = full
		if sess.PaymentIntent == nil || sess.PaymentIntent.ID == "" {
			return fmt.Errorf("checkout session %s has no payment intent", sess.ID)
		}
	}

	userID, err := s.resolveSessionOwner(sess)
	if err != nil {
		return err
	}

	planCode := sess.Metadata["plan_code"]
	planName := sess.Metadata["plan_name"]
	var oneTimeCredits int64
	if priceRef := sess.Metadata["price_ref"]; priceRef != "" {
		if mapping, err := s.repo.FindActivePlanMapping(models.ProviderStripe, priceRef); err == nil {
			oneTimeCredits = mapping.OneTimeCredits
			if planCode == "" {
				planCode = mapping.PlanCode
			}
			if planName == "" {
				planName = mapping.PlanName
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	}

	order := &models.Order{
		UserID:          userID,
		Provider:        models.ProviderStripe,
		ProviderOrderID: sess.PaymentIntent.ID,
		SessionID:       sess.ID,
		OrderType:       models.OrderTypeOneTimePurchase,
		Status:          models.OrderStatusSucceeded,
		PlanCode:        planCode,
		PlanName:        planName,
		AmountCents:     sess.AmountTotal,
		Currency:        string(sess.Currency),
	}
	created, stored, err := s.repo.CreateOrderIfAbsent(order)
	if err != nil {
		return err
	}
	if !created && stored.Status != models.OrderStatusSucceeded {
		// A refunded order is never resurrected by a replayed checkout event.
		s.log.Info("checkout event ignored for non-succeeded order",
			zap.String("order_id", stored.ProviderOrderID),
			zap.String("status", stored.Status))
		return nil
	}

	if oneTimeCredits > 0 {
		granted, err := s.repo.InsertCreditLogIfAbsent(&models.CreditLog{
			UserID:       userID,
			Amount:       oneTimeCredits,
			Type:         models.CreditLogTypePurchase,
			Description:  fmt.Sprintf("One-time purchase %s", planName),
			ReferenceKey: "order:" + sess.PaymentIntent.ID,
		})
		if err != nil {
			return err
		}
		if granted {
			s.log.Info("one-time credits granted",
				zap.Uint("user_id", userID),
				zap.Int64("credits", oneTimeCredits),
				zap.String("order_id", sess.PaymentIntent.ID))
		}
	}

	if created {
		s.sendReceipt(userID, order)
	}
	return nil
}

// HandleInvoicePaid grants the billing period's subscription credits and
// refreshes the subscription's period from the provider's authoritative
// subscription object. The grant is keyed by (subscription id, invoice id)
// so redelivery can never double-grant.
func (s *Service) HandleInvoicePaid(ctx context.Context, inv *stripe.Invoice, eventAt time.Time) error {
	if inv.Status != stripe.InvoiceStatusPaid && inv.ID != "" {
		// Thin payloads arrive without a settled status; fetch the
		// provider copy before granting anything on its behalf.
		fresh, err := s.provider.GetInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		inv = fresh
	}
	if inv.Status != stripe.InvoiceStatusPaid {
		s.log.Debug("invoice not paid, nothing granted", zap.String("invoice_id", inv.ID))
		return nil
	}
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		// One-off invoices carry no subscription entitlement.
		return nil
	}
	subID := inv.Subscription.ID

	// The invoice payload is not authoritative for subscription state;
	// re-fetch the subscription before applying anything.
	psub, err := s.provider.GetSubscription(ctx, subID)
	if err != nil {
		return err
	}
	local, err := s.applySubscriptionState(ctx, psub, eventAt)
	if err != nil {
		return err
	}

	priceRef := local.ProviderPriceRef
	if priceRef == "" {
		return nil
	}
	mapping, err := s.repo.FindActivePlanMapping(models.ProviderStripe, priceRef)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.Warn("invoice paid for unmapped price, no credits granted",
				zap.String("subscription_id", subID),
				zap.String("price_ref", priceRef))
			return nil
		}
		return err
	}
	if mapping.SubscriptionCredits <= 0 {
		return nil
	}

	granted, err := s.repo.InsertCreditLogIfAbsent(&models.CreditLog{
		UserID:       local.UserID,
		Amount:       mapping.SubscriptionCredits,
		Type:         models.CreditLogTypeSubscription,
		Description:  fmt.Sprintf("Subscription credits %s", mapping.PlanName),
		ReferenceKey: fmt.Sprintf("invoice:%s:%s", subID, inv.ID),
	})
	if err != nil {
		return err
	}
	if granted {
		s.log.Info("subscription credits granted",
			zap.Uint("user_id", local.UserID),
			zap.Int64("credits", mapping.SubscriptionCredits),
			zap.String("subscription_id", subID),
			zap.String("invoice_id", inv.ID))
	}
	return nil
}

// HandleSubscriptionChange upserts local subscription state from a
// subscription created/updated event.
func (s *Service) HandleSubscriptionChange(ctx context.Context, psub *stripe.Subscription, eventAt time.Time) error {
	_, err := s.applySubscriptionState(ctx, psub, eventAt)
	return err
}

// HandleSubscriptionDeleted marks the subscription canceled. The row is kept
// for audit and ledger consistency.
func (s *Service) HandleSubscriptionDeleted(ctx context.Context, psub *stripe.Subscription, eventAt time.Time) error {
	psub.Status = stripe.SubscriptionStatusCanceled
	local, err := s.applySubscriptionState(ctx, psub, eventAt)
	if err != nil {
		return err
	}
	if user, err := s.repo.GetUserByID(local.UserID); err == nil {
		s.mailer(user.Email, "Your subscription has ended",
			fmt.Sprintf("<p>Your %s subscription is now canceled. Remaining credits stay on your account.</p>", local.PlanName))
	}
	return nil
}

// HandleInvoicePaymentFailed marks the subscription past_due. No credits are
// granted and nothing is canceled; the provider's dunning decides the final
// outcome and delivers it as its own event.
func (s *Service) HandleInvoicePaymentFailed(ctx context.Context, inv *stripe.Invoice, eventAt time.Time) error {
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		return nil
	}
	local, err := s.repo.GetSubscriptionByProviderID(models.ProviderStripe, inv.Subscription.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: subscription %s", ErrNotYetVisible, inv.Subscription.ID)
		}
		return err
	}

	update := *local
	update.Status = models.SubscriptionStatusPastDue
	update.LastEventAt = &eventAt
	applied, err := s.repo.UpsertSubscription(&update)
	if err != nil {
		return err
	}
	if applied {
		if _, err := s.reconcileUserPlan(local.UserID); err != nil {
			return err
		}
		if user, err := s.repo.GetUserByID(local.UserID); err == nil {
			s.mailer(user.Email, "Payment failed",
				"<p>Your last subscription payment failed. We will retry automatically; please check your payment method.</p>")
		}
	}
	return nil
}

// HandleChargeRefunded marks the linked order refunded and reverses any
// one-time credits with a negative ledger entry. The original grant is never
// deleted.
func (s *Service) HandleChargeRefunded(ctx context.Context, ch *stripe.Charge) error {
	if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
		full, err := s.provider.GetCharge(ctx, ch.ID)
		if err != nil {
			return err
		}
		ch = full
		if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
			// Charge outside the checkout flow, nothing to reconcile.
			return nil
		}
	}
	if !ch.Refunded {
		// Partial refund: the order stays succeeded and credits stand.
		s.log.Info("partial refund ignored",
			zap.String("charge_id", ch.ID),
			zap.Int64("amount_refunded", ch.AmountRefunded))
		return nil
	}

	orderID := ch.PaymentIntent.ID
	order, err := s.repo.MarkOrderRefunded(models.ProviderStripe, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: order %s", ErrNotYetVisible, orderID)
		}
		return err
	}

	grant, err := s.repo.GetCreditLogByReference("order:" + orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Order granted no credits; refund is complete.
			return nil
		}
		return err
	}
	if grant.Amount <= 0 {
		return nil
	}

	reversed, err := s.repo.InsertCreditLogIfAbsent(&models.CreditLog{
		UserID:       order.UserID,
		Amount:       -grant.Amount,
		Type:         models.CreditLogTypeRefund,
		Description:  fmt.Sprintf("Refund %s", order.PlanName),
		ReferenceKey: "refund:order:" + orderID,
	})
	if err != nil {
		return err
	}
	if reversed {
		s.log.Info("credits reversed for refund",
			zap.Uint("user_id", order.UserID),
			zap.Int64("credits", -grant.Amount),
			zap.String("order_id", orderID))
	}
	return nil
}

// VerifyCheckoutSession is the pull-based fallback used when the user
// returns from the provider before the webhook has arrived. It applies the
// exact same reconciliation primitives as the webhook path and returns a
// pending status rather than fabricating success when the provider object
// has not settled.
func (s *Service) VerifyCheckoutSession(ctx context.Context, sessionID string, userID uint) (*ReconcileResult, error) {
	sess, err := s.provider.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	owner, err := s.resolveSessionOwner(sess)
	if err != nil {
		if errors.Is(err, ErrNotYetVisible) {
			// The session cannot be attributed to anyone; reject instead
			// of reconciling state for the wrong account.
			s.log.Warn("checkout session owner unresolvable",
				zap.String("session_id", sessionID),
				zap.Uint("authenticated_user", userID))
			return nil, ErrOwnerMismatch
		}
		return nil, err
	}
	if owner != userID {
		s.log.Warn("checkout session owner mismatch",
			zap.String("session_id", sessionID),
			zap.Uint("authenticated_user", userID),
			zap.Uint("session_owner", owner))
		return nil, ErrOwnerMismatch
	}

	result := &ReconcileResult{Status: StatusPending, Mode: string(sess.Mode)}

	switch sess.Mode {
	case stripe.CheckoutSessionModePayment:
		if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
			if order, err := s.repo.GetOrderByProviderOrderID(models.ProviderStripe, sess.PaymentIntent.ID); err == nil {
				result.Status = StatusCompleted
				result.OrderStatus = order.Status
				break
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
		}
		if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			break
		}
		if err := s.HandleCheckoutCompleted(ctx, sess); err != nil {
			return nil, err
		}
		if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
			if order, err := s.repo.GetOrderByProviderOrderID(models.ProviderStripe, sess.PaymentIntent.ID); err == nil {
				result.Status = StatusCompleted
				result.OrderStatus = order.Status
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
		}

	case stripe.CheckoutSessionModeSubscription:
		if sess.Subscription == nil || sess.Subscription.ID == "" {
			// The provider has not attached the subscription yet.
			break
		}
		subID := sess.Subscription.ID
		if local, err := s.repo.GetSubscriptionByProviderID(models.ProviderStripe, subID); err == nil && local.IsEntitling() {
			result.Status = StatusCompleted
			result.SubscriptionStatus = local.Status
			result.PlanCode = local.PlanCode
			break
		} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}

		// Make sure the customer linkage exists so the shared handler can
		// resolve the owner, then run the same merge the webhook path runs.
		if sess.Customer != nil && sess.Customer.ID != "" {
			if err := s.repo.UpsertCustomer(&models.Customer{
				UserID:             userID,
				Provider:           models.ProviderStripe,
				ProviderCustomerID: sess.Customer.ID,
			}); err != nil {
				return nil, err
			}
		}
		psub, err := s.provider.GetSubscription(ctx, subID)
		if err != nil {
			return nil, err
		}
		local, err := s.applySubscriptionState(ctx, psub, time.Now())
		if err != nil {
			if errors.Is(err, ErrNotYetVisible) {
				break
			}
			return nil, err
		}
		if local.IsEntitling() {
			result.Status = StatusCompleted
			result.SubscriptionStatus = local.Status
			result.PlanCode = local.PlanCode
		}
	}

	balance, err := s.repo.CreditBalance(userID)
	if err != nil {
		return nil, err
	}
	result.CreditBalance = balance
	return result, nil
}

// CreditSummary returns the derived balance and recent ledger entries.
func (s *Service) CreditSummary(userID uint) (int64, []models.CreditLog, error) {
	balance, err := s.repo.CreditBalance(userID)
	if err != nil {
		return 0, nil, err
	}
	entries, err := s.repo.ListRecentCreditLogs(userID, 20)
	if err != nil {
		return 0, nil, err
	}
	return balance, entries, nil
}

// RecordWebhookEvent stores a webhook delivery for deduplication and audit.
// It reports whether this delivery is the first one for its event id.
func (s *Service) RecordWebhookEvent(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// MarkWebhookProcessed stamps the stored delivery with its outcome.
func (s *Service) MarkWebhookProcessed(id uint, procErr error) error {
	msg := ""
	if procErr != nil {
		msg = procErr.Error()
	}
	return s.repo.MarkWebhookProcessed(id, msg)
}

// applySubscriptionState is the single merge primitive for subscription
// state, shared by every webhook handler and the fallback verifier.
func (s *Service) applySubscriptionState(ctx context.Context, psub *stripe.Subscription, eventAt time.Time) (*models.Subscription, error) {
	userID := parseUserID(psub.Metadata["user_id"])
	customerID := ""
	if psub.Customer != nil {
		customerID = psub.Customer.ID
	}
	if userID == 0 && customerID != "" {
		customer, err := s.repo.GetCustomerByProviderID(models.ProviderStripe, customerID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: no local customer for %s", ErrNotYetVisible, customerID)
			}
			return nil, err
		}
		userID = customer.UserID
	}
	if userID == 0 {
		return nil, fmt.Errorf("%w: subscription %s has no resolvable owner", ErrNotYetVisible, psub.ID)
	}

	priceRef := ""
	if psub.Items != nil && len(psub.Items.Data) > 0 && psub.Items.Data[0].Price != nil {
		priceRef = psub.Items.Data[0].Price.ID
	}
	planCode := psub.Metadata["plan_code"]
	planName := psub.Metadata["plan_name"]
	if priceRef != "" && (planCode == "" || planName == "") {
		if mapping, err := s.repo.FindActivePlanMapping(models.ProviderStripe, priceRef); err == nil {
			if planCode == "" {
				planCode = mapping.PlanCode
			}
			if planName == "" {
				planName = mapping.PlanName
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	sub := &models.Subscription{
		UserID:                 userID,
		Provider:               models.ProviderStripe,
		ProviderSubscriptionID: psub.ID,
		ProviderCustomerID:     customerID,
		ProviderPriceRef:       priceRef,
		PlanCode:               planCode,
		PlanName:               planName,
		Status:                 string(psub.Status),
		CancelAtPeriodEnd:      psub.CancelAtPeriodEnd,
		LastEventAt:            &eventAt,
	}
	if psub.CurrentPeriodStart > 0 {
		t := time.Unix(psub.CurrentPeriodStart, 0)
		sub.CurrentPeriodStart = &t
	}
	if psub.CurrentPeriodEnd > 0 {
		t := time.Unix(psub.CurrentPeriodEnd, 0)
		sub.CurrentPeriodEnd = &t
	}

	applied, err := s.repo.UpsertSubscription(sub)
	if err != nil {
		return nil, err
	}
	if applied {
		if _, err := s.reconcileUserPlan(userID); err != nil {
			return nil, err
		}
	} else {
		s.log.Debug("stale subscription event discarded",
			zap.String("subscription_id", psub.ID),
			zap.Time("event_at", eventAt))
	}
	return sub, nil
}

// reconcileUserPlan recomputes the user's effective plan from entitling
// subscriptions and persists it on the user settings.
func (s *Service) reconcileUserPlan(userID uint) (string, error) {
	subs, err := s.repo.ListSubscriptionsByUser(userID)
	if err != nil {
		return "", err
	}

	best := entitlements.PlanFree
	for _, sub := range subs {
		if !sub.IsEntitling() {
			continue
		}
		candidate := entitlements.Normalize(sub.PlanCode)
		if entitlements.Rank(candidate) > entitlements.Rank(best) {
			best = candidate
		}
	}

	us, err := s.repo.GetOrCreateUserSettings(userID)
	if err != nil {
		return "", err
	}
	if entitlements.Normalize(us.Plan) == best {
		return string(best), nil
	}
	us.Plan = string(best)
	if err := s.repo.SaveUserSettings(us); err != nil {
		return "", err
	}
	return string(best), nil
}

func (s *Service) resolveSessionOwner(sess *stripe.CheckoutSession) (uint, error) {
	if id := parseUserID(sess.Metadata["user_id"]); id != 0 {
		return id, nil
	}
	if id := parseUserID(sess.ClientReferenceID); id != 0 {
		return id, nil
	}
	if sess.Customer != nil && sess.Customer.ID != "" {
		customer, err := s.repo.GetCustomerByProviderID(models.ProviderStripe, sess.Customer.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, fmt.Errorf("%w: no local customer for %s", ErrNotYetVisible, sess.Customer.ID)
			}
			return 0, err
		}
		return customer.UserID, nil
	}
	return 0, fmt.Errorf("%w: session %s has no resolvable owner", ErrNotYetVisible, sess.ID)
}

func (s *Service) sendReceipt(userID uint, order *models.Order) {
	user, err := s.repo.GetUserByID(userID)
	if err != nil {
		return
	}
	s.mailer(user.Email, "Thanks for your purchase",
		fmt.Sprintf("<p>We received your payment of %.2f %s for %s.</p>",
			float64(order.AmountCents)/100, order.Currency, order.PlanName))
}

func parseUserID(raw string) uint {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0
	}
	return uint(id)
}
