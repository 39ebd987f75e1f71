package middleware

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/domain"
)

// CircuitBreaker sheds load while the API keeps failing on
// infrastructure errors. Rejected user requests are normal traffic and
// never trip it.
func CircuitBreaker(log *zap.Logger) fiber.Handler {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "stationd-api",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("Circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return func(c *fiber.Ctx) error {
		var nextErr error
		_, err := cb.Execute(func() (interface{}, error) {
			nextErr = c.Next()
			if countsAsFailure(nextErr) {
				return nil, nextErr
			}
			return nil, nil
		})

		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "Service temporarily unavailable",
			})
		}

		return nextErr
	}
}

func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code >= fiber.StatusInternalServerError
	}
	switch domain.KindOf(err) {
	case domain.KindInternal, domain.KindPersistenceFailure, domain.KindTariffDomain:
		return true
	}
	return false
}
