package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/service/station"
	"github.com/evgrid/stationd/internal/service/tariff"
)

// StationReader exposes the public charge-area view.
type StationReader interface {
	QueueState(ctx context.Context) *station.QueueSnapshot
}

// StationHandler serves the screens every visitor can see: the live
// charge-area overview and the price schedule.
type StationHandler struct {
	station StationReader
	tariff  *tariff.Calculator
	log     *zap.Logger
}

func NewStationHandler(station StationReader, tariff *tariff.Calculator, log *zap.Logger) *StationHandler {
	return &StationHandler{
		station: station,
		tariff:  tariff,
		log:     log,
	}
}

func (h *StationHandler) Overview(c *fiber.Ctx) error {
	return c.JSON(h.station.QueueState(c.Context()))
}

func (h *StationHandler) Tariff(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"schedule":     h.tariff.Schedule(time.Now()),
		"service_rate": h.tariff.ServiceRate(),
	})
}

type EstimateRequest struct {
	EnergyKWh float64   `json:"energy_kwh"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// Estimate prices a hypothetical charging window so users can compare
// slots before submitting a request.
func (h *StationHandler) Estimate(c *fiber.Ctx) error {
	var req EstimateRequest
	if err := c.BodyParser(&req); err != nil {
		return domain.Errorf(domain.KindInvalidInput, "invalid request body")
	}
	if req.EnergyKWh < 0 {
		return domain.Errorf(domain.KindInvalidInput, "energy must not be negative")
	}
	if req.End.Before(req.Start) {
		return domain.Errorf(domain.KindInvalidInput, "window end precedes start")
	}

	energyCost, serviceCost, err := h.tariff.Compute(req.EnergyKWh, req.Start, req.End)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"energy_cost":  energyCost,
		"service_cost": serviceCost,
		"total_cost":   energyCost + serviceCost,
	})
}
