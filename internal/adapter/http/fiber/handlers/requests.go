package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/service/station"
)

// StationService is the slice of the dispatch engine the user API uses.
type StationService interface {
	Submit(ctx context.Context, userID string, mode domain.ChargeMode, targetKWh float64) (*station.SubmitResult, error)
	Status(ctx context.Context, userID string) (*station.StatusResult, error)
	ModifyTarget(ctx context.Context, userID string, newKWh float64) error
	ModifyMode(ctx context.Context, userID string, newMode domain.ChargeMode) (*station.ModifyModeResult, error)
	Cancel(ctx context.Context, userID, requestID string) error
	StopCharging(ctx context.Context, userID string) (*station.StopResult, error)
}

type RequestHandler struct {
	service StationService
	log     *zap.Logger
}

func NewRequestHandler(service StationService, log *zap.Logger) *RequestHandler {
	return &RequestHandler{
		service: service,
		log:     log,
	}
}

type SubmitRequest struct {
	UserID    string  `json:"user_id"`
	Mode      string  `json:"mode"`
	TargetKWh float64 `json:"target_kwh"`
}

func (h *RequestHandler) Submit(c *fiber.Ctx) error {
	var req SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return domain.Errorf(domain.KindInvalidInput, "invalid request body")
	}
	mode, err := domain.ParseChargeMode(req.Mode)
	if err != nil {
		return err
	}

	res, err := h.service.Submit(c.Context(), req.UserID, mode, req.TargetKWh)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (h *RequestHandler) Status(c *fiber.Ctx) error {
	userID := c.Query("user_id")
	if userID == "" {
		return domain.Errorf(domain.KindInvalidInput, "user_id is required")
	}

	res, err := h.service.Status(c.Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

type ModifyTargetRequest struct {
	UserID    string  `json:"user_id"`
	TargetKWh float64 `json:"target_kwh"`
}

func (h *RequestHandler) ModifyTarget(c *fiber.Ctx) error {
	var req ModifyTargetRequest
	if err := c.BodyParser(&req); err != nil {
		return domain.Errorf(domain.KindInvalidInput, "invalid request body")
	}

	if err := h.service.ModifyTarget(c.Context(), req.UserID, req.TargetKWh); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

type ModifyModeRequest struct {
	UserID string `json:"user_id"`
	Mode   string `json:"mode"`
}

func (h *RequestHandler) ModifyMode(c *fiber.Ctx) error {
	var req ModifyModeRequest
	if err := c.BodyParser(&req); err != nil {
		return domain.Errorf(domain.KindInvalidInput, "invalid request body")
	}
	mode, err := domain.ParseChargeMode(req.Mode)
	if err != nil {
		return err
	}

	res, err := h.service.ModifyMode(c.Context(), req.UserID, mode)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (h *RequestHandler) Cancel(c *fiber.Ctx) error {
	requestID := c.Params("request_id")
	userID := c.Query("user_id")
	if userID == "" {
		return domain.Errorf(domain.KindInvalidInput, "user_id is required")
	}

	if err := h.service.Cancel(c.Context(), userID, requestID); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "cancelled"})
}

type StopChargingRequest struct {
	UserID string `json:"user_id"`
}

func (h *RequestHandler) StopCharging(c *fiber.Ctx) error {
	var req StopChargingRequest
	if err := c.BodyParser(&req); err != nil {
		return domain.Errorf(domain.KindInvalidInput, "invalid request body")
	}

	res, err := h.service.StopCharging(c.Context(), req.UserID)
	if err != nil {
		return err
	}
	return c.JSON(res)
}
