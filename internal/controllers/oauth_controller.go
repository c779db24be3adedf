package controllers

import (
	"context"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

type OAuthFlow interface {
	AuthorizationURL(ctx context.Context, integrationID, userID, redirectURL string) (string, error)
	HandleOAuthCallback(ctx context.Context, integrationID, state, code, redirectURL string) (string, error)
}

type OAuthControllerDependencies struct {
	OAuth OAuthFlow
	// PublicURL is where providers reach this service.
	PublicURL string
	// CompletionURL receives the browser after the flow when set.
	CompletionURL string
}

type OAuthController struct {
	oauth         OAuthFlow
	publicURL     string
	completionURL string
}

func NewOAuthController(deps OAuthControllerDependencies) *OAuthController {
	return &OAuthController{
		oauth:         deps.OAuth,
		publicURL:     strings.TrimRight(deps.PublicURL, "/"),
		completionURL: deps.CompletionURL,
	}
}

// redirectURL must be identical when building the authorization URL and when
// exchanging the code.
func (c *OAuthController) redirectURL(integrationID string) string {
	return c.publicURL + "/oauth/callback?integration_id=" + url.QueryEscape(integrationID)
}

func (c *OAuthController) Authorize(ctx fiber.Ctx) error {
	integrationID := ctx.Params("id")

	authorizationURL, err := c.oauth.AuthorizationURL(ctx.RequestCtx(), integrationID, userID(ctx), c.redirectURL(integrationID))
	if err != nil {
		return err
	}

	return ctx.JSON(fiber.Map{
		"authorizationUrl": authorizationURL,
	})
}

func (c *OAuthController) Callback(ctx fiber.Ctx) error {
	integrationID := ctx.Query("integration_id")
	if integrationID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "integration_id is required")
	}

	if providerErr := ctx.Query("error"); providerErr != "" {
		log.Warn().
			Str("integration_id", integrationID).
			Str("error", providerErr).
			Str("description", ctx.Query("error_description")).
			Msg("OAuth authorization was denied")

		return c.finish(ctx, integrationID, "", providerErr)
	}

	state := ctx.Query("state")
	code := ctx.Query("code")
	if state == "" || code == "" {
		return fiber.NewError(fiber.StatusBadRequest, "state and code are required")
	}

	userID, err := c.oauth.HandleOAuthCallback(ctx.RequestCtx(), integrationID, state, code, c.redirectURL(integrationID))
	if err != nil {
		if c.completionURL == "" {
			return err
		}
		log.Error().Err(err).Str("integration_id", integrationID).Msg("OAuth callback failed")
		return c.finish(ctx, integrationID, "", "callback_failed")
	}

	return c.finish(ctx, integrationID, userID, "")
}

func (c *OAuthController) finish(ctx fiber.Ctx, integrationID, userID, failure string) error {
	if c.completionURL == "" {
		if failure != "" {
			return fiber.NewError(fiber.StatusBadRequest, "authorization failed: "+failure)
		}
		return ctx.JSON(fiber.Map{
			"integrationId": integrationID,
			"userId":        userID,
			"status":        "connected",
		})
	}

	query := url.Values{}
	query.Set("integration_id", integrationID)
	if failure != "" {
		query.Set("status", "error")
		query.Set("error", failure)
	} else {
		query.Set("status", "connected")
	}

	separator := "?"
	if strings.Contains(c.completionURL, "?") {
		separator = "&"
	}

	return ctx.Redirect().To(c.completionURL + separator + query.Encode())
}
