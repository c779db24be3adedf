package server

import (
	"time"

	"github.com/testplanit/issuebridge/internal/auth"
	"github.com/testplanit/issuebridge/internal/controllers"
	"github.com/testplanit/issuebridge/internal/middlewares"
	"github.com/testplanit/issuebridge/internal/version"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

const serviceName = "issuebridge"

type HTTPServerDependencies struct {
	Verifier              *auth.APISignatureVerifier
	IntegrationController *controllers.IntegrationController
	OAuthController       *controllers.OAuthController
	JobController         *controllers.JobController
	// DisableRequestLog turns off the access log, mostly for tests.
	DisableRequestLog bool
}

func NewHTTPServer(deps HTTPServerDependencies) *fiber.App {
	router := fiber.New(fiber.Config{
		AppName:      serviceName,
		ErrorHandler: controllers.ErrorHandler,
	})

	router.Use(cors.New())
	if !deps.DisableRequestLog {
		router.Use(logger.New())
	}

	router.Get("/health", func(c fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":    "healthy",
			"service":   serviceName,
			"version":   version.GetVersion(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	// Providers redirect the browser here, so it cannot carry a signature.
	// The one-time state parameter protects it instead.
	router.Get("/oauth/callback", deps.OAuthController.Callback)

	api := router.Group("/api")
	api.Use(middlewares.APISignatureMiddleware(deps.Verifier))

	api.Get("/jobs/:jobID", deps.JobController.GetJob)

	integrations := api.Group("/integrations/:id")

	integrations.Post("/validate", deps.IntegrationController.Validate)
	integrations.Post("/credentials", deps.IntegrationController.StoreCredentials)
	integrations.Delete("/adapter", deps.IntegrationController.ClearAdapter)
	integrations.Get("/issues/search", deps.IntegrationController.SearchIssues)

	requireUser := middlewares.RequireUserID()

	integrations.Post("/sync", requireUser, deps.IntegrationController.Sync)
	integrations.Post("/issues", requireUser, deps.IntegrationController.CreateIssue)
	integrations.Patch("/issues/:issueID", requireUser, deps.IntegrationController.UpdateIssue)
	integrations.Post("/issues/:issueID/refresh", requireUser, deps.IntegrationController.RefreshIssue)
	integrations.Get("/oauth/authorize", requireUser, deps.OAuthController.Authorize)

	return router
}
