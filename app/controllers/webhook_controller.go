package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/LukasMendel/PayFox/app/models"
	"github.com/LukasMendel/PayFox/internal/pkg/cache"
	"github.com/LukasMendel/PayFox/internal/pkg/database"
	"github.com/LukasMendel/PayFox/internal/pkg/env"
	"github.com/LukasMendel/PayFox/internal/pkg/logger"
	"github.com/LukasMendel/PayFox/internal/pkg/payments"
	"github.com/gofiber/fiber/v2"
)

const webhookLockTTL = 2 * time.Minute

// HandleStripeWebhook receives provider webhook deliveries. The flow is
// verify, record, deduplicate, dispatch, stamp; any non-2xx response makes
// the provider redeliver the event later, which is safe because every
// handler downstream is idempotent.
func HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))
	secret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")

	event, err := payments.VerifyEvent(rawBody, signature, secret)
	if err != nil {
		// A payload that can never verify gets a 400 regardless of whether
		// the signature or our own secret is at fault.
		switch {
		case errors.Is(err, payments.ErrMissingSecret):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "webhook_not_configured"})
		case errors.Is(err, payments.ErrMissingSignature), errors.Is(err, payments.ErrBadSignature):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
		default:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
	}

	svc := paymentsService()
	created, stored, err := svc.RecordWebhookEvent(&models.WebhookEvent{
		Provider:        models.ProviderStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		PayloadJSON:     string(rawBody),
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if !created && stored.ProcessedAt != nil && stored.ProcessingError == "" {
		// Already handled cleanly; acknowledge without reprocessing.
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	// A second delivery of an event that is still being processed must not
	// run concurrently with the first one.
	lockKey := "webhook:" + event.ID
	acquired, lockErr := cache.AcquireLock(lockKey, webhookLockTTL)
	if lockErr == nil && !acquired {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "event_in_progress"})
	}
	release := func() {}
	if lockErr == nil {
		release = func() { _ = cache.ReleaseLock(lockKey) }
	}

	async := env.GetEnvBool("WEBHOOK_ASYNC", false)
	dispatcher := payments.NewDispatcher(svc, logger.Get(), async)

	// The stamp decides whether a redelivery of this event id is
	// short-circuited or reprocessed, so it must record the real handler
	// outcome even when that outcome arrives after the response was sent.
	stamp := func(procErr error) {
		_ = svc.MarkWebhookProcessed(stored.ID, procErr)
		release()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	procErr := dispatcher.Dispatch(ctx, event, stamp)
	if async {
		// Acknowledged, not yet processed; the provider redelivers the
		// event if the detached worker stamps a failure.
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "accepted": true})
	}

	if procErr != nil {
		if errors.Is(procErr, payments.ErrMalformedPayload) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		// Covers ErrNotYetVisible and transient failures; a 5xx makes the
		// provider retry once the missing state has arrived.
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_processing_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

// paymentsService wires the payments service against the live database and
// provider credentials. Controllers build it per request like the other
// service constructors.
func paymentsService() *payments.Service {
	provider := payments.NewStripeClient(env.GetEnv("STRIPE_SECRET_KEY", ""))
	return payments.NewServiceFromDB(database.GetDB(), provider, logger.Get())
}
