package middleware

import (
	"github.com/LukasMendel/PayFox/app/models"
	"github.com/LukasMendel/PayFox/internal/pkg/database"
	"github.com/LukasMendel/PayFox/internal/pkg/session"
	"github.com/LukasMendel/PayFox/internal/pkg/usercontext"
	"github.com/gofiber/fiber/v2"
)

// UserContextMiddleware sets up the complete user context for every request
// This centralizes user session handling and eliminates code duplication
func UserContextMiddleware(c *fiber.Ctx) error {
	// Get session with error handling
	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		// On error: set as anonymous user
		c.Locals("USER_CONTEXT", usercontext.UserContext{
			IsLoggedIn: false,
			IsAdmin:    false,
		})
		c.Locals(usercontext.KeyFromProtected, false)
		c.Locals(usercontext.KeyIsAdmin, false)
		return c.Next()
	}

	// Get user ID from session
	userID := sess.Get(usercontext.KeyUserID)
	if userID == nil {
		// Anonymous user - no session data
		c.Locals("USER_CONTEXT", usercontext.UserContext{
			IsLoggedIn: false,
			IsAdmin:    false,
		})
		c.Locals(usercontext.KeyFromProtected, false)
		c.Locals(usercontext.KeyIsAdmin, false)
		return c.Next()
	}

	// User is logged in - get additional data
	username := session.GetSessionValue(c, usercontext.KeyUsername)
	email := session.GetSessionValue(c, usercontext.KeyUserEmail)
	isAdmin := sess.Get(usercontext.KeyIsAdmin)

	// Determine plan with session-first strategy
	plan := session.GetSessionValue(c, usercontext.KeyUserPlan)
	if plan == "" {
		plan = "free"
		if db := database.GetDB(); db != nil {
			if us, err := models.GetOrCreateUserSettings(db, userID.(uint)); err == nil && us != nil && us.Plan != "" {
				plan = us.Plan
			}
		}
		// cache in session for subsequent requests
		_ = session.SetSessionValue(c, usercontext.KeyUserPlan, plan)
	}

	userCtx := usercontext.UserContext{
		UserID:     userID.(uint),
		Username:   username,
		Email:      email,
		IsLoggedIn: true,
		IsAdmin:    isAdmin != nil && isAdmin.(bool),
		Plan:       plan,
	}
	c.Locals("USER_CONTEXT", userCtx)

	c.Locals(usercontext.KeyFromProtected, true)
	c.Locals(usercontext.KeyUserID, userID.(uint))
	c.Locals(usercontext.KeyIsAdmin, userCtx.IsAdmin)

	return c.Next()
}
