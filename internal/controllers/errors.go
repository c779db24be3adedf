package controllers

import (
	"errors"

	"github.com/testplanit/issuebridge/internal/managers"
	"github.com/testplanit/issuebridge/pkg/domain"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

// StatusForError maps domain errors onto HTTP status codes.
func StatusForError(err error) int {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return fiberErr.Code
	}

	var transportErr *domain.TransportError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, managers.ErrInvalidOAuthState):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrConfiguration):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrAuthentication):
		return fiber.StatusUnauthorized
	case errors.Is(err, domain.ErrIntegrationInactive), errors.Is(err, domain.ErrReconciliation):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrUnsupportedOperation):
		return fiber.StatusNotImplemented
	case errors.As(err, &transportErr):
		return fiber.StatusBadGateway
	}

	return fiber.StatusInternalServerError
}

// ErrorHandler renders handler errors as {"error": "..."}.
func ErrorHandler(c fiber.Ctx, err error) error {
	status := StatusForError(err)

	message := err.Error()
	if status == fiber.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("Request failed")

		message = "Internal server error"
	}

	return c.Status(status).JSON(fiber.Map{
		"error": message,
	})
}
