package router

import (
	"github.com/LukasMendel/PayFox/app/controllers"
	"github.com/LukasMendel/PayFox/internal/pkg/middleware"
	"github.com/LukasMendel/PayFox/internal/pkg/session"

	"github.com/gofiber/fiber/v2"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// init session
	session.NewSessionStore()

	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware)

	h.registerPublicRoutes(app)
	h.registerProtectedRoutes(app)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}

func (h HttpRouter) registerPublicRoutes(app *fiber.App) {
	app.Get("/", controllers.HandleStart)
	app.Get("/pricing", controllers.HandlePricing)

	// Auth
	app.Get("/login", controllers.HandleAuthLogin)
	app.Post("/login", controllers.HandleAuthLogin)
	app.Get("/register", controllers.HandleAuthRegister)
	app.Post("/register", controllers.HandleAuthRegister)
	app.Post("/logout", middleware.RequireAuth, controllers.HandleAuthLogout)

	// Billing provider webhooks (signature-verified in the controller)
	app.Post("/webhooks/stripe", controllers.HandleStripeWebhook)
}

func (h HttpRouter) registerProtectedRoutes(app *fiber.App) {
	app.Get("/dashboard", middleware.RequireAuth, controllers.HandleDashboard)
	app.Get("/checkout/return", middleware.RequireAuth, controllers.HandleCheckoutReturn)
}
