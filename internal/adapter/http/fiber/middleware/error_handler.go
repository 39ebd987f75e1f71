package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/domain"
)

// StatusFor maps a domain error kind to the HTTP status it travels as.
func StatusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidInput, domain.KindInvalidDispatchPolicy:
		return fiber.StatusBadRequest
	case domain.KindDuplicateActiveRequest, domain.KindNotInWaiting, domain.KindNoActiveSession:
		return fiber.StatusConflict
	case domain.KindNotFound, domain.KindPileNotFound:
		return fiber.StatusNotFound
	case domain.KindWaitingAreaFull:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// ErrorHandler translates errors escaping the handlers into JSON
// responses. Domain errors carry their kind so clients can branch on
// it; everything else surfaces as a 500.
func ErrorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		body := fiber.Map{"error": err.Error()}

		var fe *fiber.Error
		var de *domain.Error
		switch {
		case errors.As(err, &fe):
			code = fe.Code
		case errors.As(err, &de):
			code = StatusFor(de.Kind)
			body["error"] = de.Message
			body["kind"] = de.Kind
		}

		if code == fiber.StatusInternalServerError {
			log.Error("Internal Server Error", zap.Error(err), zap.String("path", c.Path()))
		}

		return c.Status(code).JSON(body)
	}
}
