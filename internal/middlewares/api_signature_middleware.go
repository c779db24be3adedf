package middlewares

import (
	"github.com/testplanit/issuebridge/internal/auth"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

const HeaderUserID = "X-User-ID"

// APISignatureMiddleware rejects requests that are not signed by the host
// application.
func APISignatureMiddleware(verifier *auth.APISignatureVerifier) fiber.Handler {
	return func(c fiber.Ctx) error {
		signatureHeader := c.Get(auth.HeaderSignature)
		timestampHeader := c.Get(auth.HeaderTimestamp)

		err := verifier.VerifyRequest(
			c.Method(),
			c.Path(),
			signatureHeader,
			timestampHeader,
			c.Body(),
		)
		if err != nil {
			log.Warn().
				Err(err).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Str("timestamp", timestampHeader).
				Msg("API signature verification failed")

			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid API signature",
			})
		}

		log.Debug().
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("API signature verified")

		return c.Next()
	}
}

// RequireUserID rejects requests without the acting user header.
func RequireUserID() fiber.Handler {
	return func(c fiber.Ctx) error {
		if c.Get(HeaderUserID) == "" {
			return fiber.NewError(fiber.StatusBadRequest, HeaderUserID+" header is required")
		}
		return c.Next()
	}
}
