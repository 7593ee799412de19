package routes

import (
	"os"

	"github.com/gofiber/fiber/v2"

	"github.com/ahoum/outreach-backend/internal/handlers"
	"github.com/ahoum/outreach-backend/internal/middleware"
	"github.com/ahoum/outreach-backend/internal/services"
	"github.com/ahoum/outreach-backend/internal/storage"
)

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, store storage.Store, bridge *services.CallBridge) {
	voice := handlers.NewVoiceHandler(bridge)
	dashboard := handlers.NewDashboardHandler(store)

	// ========== WEBHOOK ROUTES ==========
	webhooks := app.Group("/webhook")

	if os.Getenv("ENVIRONMENT") == "development" || os.Getenv("DISABLE_WEBHOOK_VALIDATION") == "true" {
		// Development: skip signature validation for tunneled webhooks
		webhooks.Post("/voice", voice.HandleVoice)
		webhooks.Post("/voice/status", voice.HandleStatus)
		if os.Getenv("ENVIRONMENT") == "development" {
			println("⚠️  Voice webhook validation DISABLED for development")
		}
	} else {
		webhooks.Post("/voice", middleware.ValidateTwilioSignature(), voice.HandleVoice)
		webhooks.Post("/voice/status", middleware.ValidateTwilioSignature(), voice.HandleStatus)
	}

	// ========== DASHBOARD API (read-only) ==========
	api := app.Group("/api")
	api.Get("/sessions", dashboard.ListSessions)
	api.Get("/sessions/:id", dashboard.GetSession)
	api.Get("/sessions/:id/turns", dashboard.GetSessionTurns)
	api.Get("/stats", dashboard.GetStats)
}
