package api

import (
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"

	"surveygate/internal/domain/entity"
)

func SetupRouter(app *fiber.App, handler *AgentHandler) {
	// Middleware
	app.Use(logger.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":  "healthy",
			"version": os.Getenv("APP_VERSION"),
			"env":     os.Getenv("APP_ENV"),
		})
	})

	// API Versioning
	v1 := app.Group("/v1")

	agents := v1.Group("/agents")
	agents.Post("/quality-check", handler.Handle(entity.OpQualityCheck))
	agents.Post("/improve-question", handler.Handle(entity.OpImproveQuestion))
	agents.Post("/generate-variants", handler.Handle(entity.OpGenerateVariants))
	agents.Post("/suggest-questions", handler.Handle(entity.OpSuggestQuestions))
	agents.Post("/clarify", handler.Handle(entity.OpClarify))
	agents.Post("/progress", handler.Handle(entity.OpProgress))
	agents.Post("/completion-summary", handler.Handle(entity.OpCompletionSummary))

	v1.Post("/surveys/:id/insights", handler.TriggerInsights)
}
