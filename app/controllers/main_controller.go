package controllers

import (
	"github.com/LukasMendel/PayFox/app/models"
	"github.com/LukasMendel/PayFox/internal/pkg/database"
	"github.com/LukasMendel/PayFox/internal/pkg/session"
	"github.com/LukasMendel/PayFox/internal/pkg/usercontext"
	"github.com/gofiber/fiber/v2"
	"github.com/sujit-baniya/flash"
)

func HandleStart(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if userCtx.IsLoggedIn {
		return c.Redirect("/dashboard", fiber.StatusSeeOther)
	}
	return c.Render("home", fiber.Map{
		"Page":  "home",
		"Flash": flash.Get(c),
	}, "layouts/main")
}

func HandlePricing(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	var mappings []models.PlanMapping
	if err := database.GetDB().
		Where("provider = ? AND is_active = ?", models.ProviderStripe, true).
		Order("subscription_credits ASC, one_time_credits ASC").
		Find(&mappings).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("pricing unavailable")
	}

	var plans, packs []models.PlanMapping
	for _, m := range mappings {
		if m.SubscriptionCredits > 0 {
			plans = append(plans, m)
		} else {
			packs = append(packs, m)
		}
	}

	return c.Render("pricing", fiber.Map{
		"Page":  "pricing",
		"User":  userCtx,
		"Plans": plans,
		"Packs": packs,
		"Flash": flash.Get(c),
	}, "layouts/main")
}

func HandleDashboard(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	// A reconciliation since login may have changed the plan; the settings
	// row wins over the session-cached value here.
	if us, err := models.GetOrCreateUserSettings(database.GetDB(), userCtx.UserID); err == nil && us != nil && us.Plan != "" && us.Plan != userCtx.Plan {
		userCtx.Plan = us.Plan
		_ = session.SetSessionValue(c, usercontext.KeyUserPlan, us.Plan)
	}

	balance, entries, err := paymentsService().CreditSummary(userCtx.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("dashboard unavailable")
	}

	var subs []models.Subscription
	if err := database.GetDB().
		Where("user_id = ?", userCtx.UserID).
		Order("updated_at DESC").
		Find(&subs).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("dashboard unavailable")
	}

	return c.Render("dashboard", fiber.Map{
		"Page":          "dashboard",
		"User":          userCtx,
		"Balance":       balance,
		"Entries":       entries,
		"Subscriptions": subs,
		"Flash":         flash.Get(c),
	}, "layouts/main")
}
