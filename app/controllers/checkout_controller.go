package controllers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LukasMendel/PayFox/internal/pkg/env"
	"github.com/LukasMendel/PayFox/internal/pkg/payments"
	"github.com/LukasMendel/PayFox/internal/pkg/usercontext"
	"github.com/gofiber/fiber/v2"
	"github.com/sujit-baniya/flash"
)

type createCheckoutRequest struct {
	PriceRef string `json:"price_ref" form:"price_ref"`
}

// HandleApiCreateCheckout creates a provider checkout session for the
// authenticated user and returns the redirect URL.
func HandleApiCreateCheckout(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	var req createCheckoutRequest
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.PriceRef) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "price_ref_required"})
	}

	publicDomain := env.GetEnv("PUBLIC_DOMAIN", "http://localhost:4000")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	sess, err := paymentsService().CreateCheckout(ctx, payments.CheckoutInput{
		UserID:     userCtx.UserID,
		Email:      userCtx.Email,
		PriceRef:   strings.TrimSpace(req.PriceRef),
		SuccessURL: publicDomain + "/checkout/return",
		CancelURL:  publicDomain + "/pricing",
	})
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrInvalidReference):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_price"})
		case errors.Is(err, payments.ErrProviderUnavailable):
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "provider_unavailable"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "checkout_failed"})
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"session_id":   sess.ID,
		"checkout_url": sess.URL,
	})
}

// HandleApiVerifyCheckout is the pull-based fallback endpoint. Clients poll
// it after returning from the provider until the status flips to completed.
func HandleApiVerifyCheckout(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "session_id_required"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	result, err := paymentsService().VerifyCheckoutSession(ctx, sessionID, userCtx.UserID)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrOwnerMismatch):
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "session_not_yours"})
		case errors.Is(err, payments.ErrInvalidReference):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_session"})
		default:
			// Provider outages and storage failures are both unexpected
			// here; the client polls again.
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "verification_failed"})
		}
	}

	return c.Status(fiber.StatusOK).JSON(result)
}

// HandleCheckoutReturn is the browser landing page after checkout. It runs
// the same verification as the API endpoint and renders the outcome.
func HandleCheckoutReturn(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		return flash.WithError(c, fiber.Map{
			"type": "error", "message": "Missing checkout session reference",
		}).Redirect("/pricing")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	result, err := paymentsService().VerifyCheckoutSession(ctx, sessionID, userCtx.UserID)
	if err != nil {
		if errors.Is(err, payments.ErrOwnerMismatch) {
			return flash.WithError(c, fiber.Map{
				"type": "error", "message": "This checkout session belongs to a different account",
			}).Redirect("/dashboard")
		}
		return flash.WithError(c, fiber.Map{
			"type": "error", "message": "We could not verify your payment yet, please check again shortly",
		}).Redirect("/dashboard")
	}

	if result.Status == payments.StatusCompleted {
		return flash.WithSuccess(c, fiber.Map{
			"type": "success", "message": fmt.Sprintf("Payment confirmed. Your balance is %d credits.", result.CreditBalance),
		}).Redirect("/dashboard")
	}

	return c.Render("checkout_pending", fiber.Map{
		"Page":      "checkout",
		"SessionID": sessionID,
		"User":      userCtx,
	}, "layouts/main")
}

// HandleApiCredits returns the derived credit balance and the recent ledger
// entries for the authenticated user.
func HandleApiCredits(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	balance, entries, err := paymentsService().CreditSummary(userCtx.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "credits_lookup_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"balance": balance,
		"entries": entries,
	})
}
