package api

import (
	"errors"

	"github.com/fathima-sithara/messaging-service/internal/apperr"
	"github.com/fathima-sithara/messaging-service/internal/validation"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// ErrorHandler turns handler errors into {"error": msg} with a matching status.
func ErrorHandler(logger *zap.SugaredLogger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
		}
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "validation failed",
				"details": validation.FormatValidationErrors(err),
			})
		}

		status := fiber.StatusInternalServerError
		switch {
		case errors.Is(err, apperr.ErrValidation):
			status = fiber.StatusBadRequest
		case errors.Is(err, apperr.ErrUnauthorized):
			status = fiber.StatusUnauthorized
		case errors.Is(err, apperr.ErrForbidden):
			status = fiber.StatusForbidden
		case errors.Is(err, apperr.ErrNotFound):
			status = fiber.StatusNotFound
		case errors.Is(err, apperr.ErrRateLimited):
			status = fiber.StatusTooManyRequests
		}
		if status == fiber.StatusInternalServerError {
			logger.Errorw("request failed", "method", c.Method(), "path", c.Path(), "error", err)
			return c.Status(status).JSON(fiber.Map{"error": "internal server error"})
		}
		return c.Status(status).JSON(fiber.Map{"error": apperr.Message(err)})
	}
}
