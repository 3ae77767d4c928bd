package main

import (
	"fmt"
	"log"

	"github.com/LukasMendel/PayFox/internal/pkg/cache"
	"github.com/LukasMendel/PayFox/internal/pkg/database"
	"github.com/LukasMendel/PayFox/internal/pkg/env"
	"github.com/LukasMendel/PayFox/internal/pkg/logger"
	"github.com/LukasMendel/PayFox/internal/pkg/router"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/template/html/v2"
)

func main() {
	app := NewApplication()
	defer logger.Sync()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	engine := html.New("./views", ".html")
	app := fiber.New(fiber.Config{
		Views: engine,
	})
	app.Use(recover.New(), fiberlogger.New())
	app.Get("/metrics", monitor.New())
	app.Static("/", "./public/assets")

	// ROUTER
	router.InstallRouter(app)

	return app
}
