package routes

import (
	"telemetry-pipeline/internal/controller"

	"github.com/gofiber/fiber/v2"
)

// Register attaches all HTTP routes to the Fiber app.
func Register(app *fiber.App, collectorController controller.CollectorController) {
	app.Get("/v2/:apiKey/config", collectorController.GetConfig)
	app.Post("/v1/:apiKey/events", collectorController.PostEvents)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}
