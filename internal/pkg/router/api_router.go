package router

import (
	"github.com/LukasMendel/PayFox/app/controllers"
	"github.com/LukasMendel/PayFox/internal/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1", middleware.RequireAPISessionAuth)
	v1.Post("/checkout/session", controllers.HandleApiCreateCheckout)
	v1.Get("/checkout/verify", controllers.HandleApiVerifyCheckout)
	v1.Get("/credits", controllers.HandleApiCredits)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
