package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/service/records"
	"github.com/evgrid/stationd/internal/service/station"
)

// AdminService is the slice of the dispatch engine reserved for
// operators.
type AdminService interface {
	Piles(ctx context.Context) []domain.Pile
	PileDetail(ctx context.Context, pileID string) (*station.PileDetail, error)
	QueueState(ctx context.Context) *station.QueueSnapshot
	Policy() domain.DispatchPolicy
	SetDispatchPolicy(policy string) error
	StopPile(ctx context.Context, pileID string) error
	StartPile(ctx context.Context, pileID string) error
	SetFault(ctx context.Context, pileID, reason string) (*station.FaultResult, error)
	Recover(ctx context.Context, pileID string) (*station.RecoverResult, error)
}

type AdminHandler struct {
	station AdminService
	records RecordsService
	log     *zap.Logger
}

func NewAdminHandler(station AdminService, records RecordsService, log *zap.Logger) *AdminHandler {
	return &AdminHandler{
		station: station,
		records: records,
		log:     log,
	}
}

func (h *AdminHandler) Piles(c *fiber.Ctx) error {
	return c.JSON(h.station.Piles(c.Context()))
}

func (h *AdminHandler) PileDetail(c *fiber.Ctx) error {
	detail, err := h.station.PileDetail(c.Context(), c.Params("pile_id"))
	if err != nil {
		return err
	}
	return c.JSON(detail)
}

func (h *AdminHandler) Queue(c *fiber.Ctx) error {
	return c.JSON(h.station.QueueState(c.Context()))
}

func (h *AdminHandler) GetPolicy(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"policy": h.station.Policy()})
}

type SetPolicyRequest struct {
	Policy string `json:"policy"`
}

func (h *AdminHandler) SetPolicy(c *fiber.Ctx) error {
	var req SetPolicyRequest
	if err := c.BodyParser(&req); err != nil {
		return domain.Errorf(domain.KindInvalidInput, "invalid request body")
	}

	if err := h.station.SetDispatchPolicy(req.Policy); err != nil {
		return err
	}
	h.log.Info("Dispatch policy changed", zap.String("policy", req.Policy))
	return c.JSON(fiber.Map{"status": "ok", "policy": req.Policy})
}

func (h *AdminHandler) StopPile(c *fiber.Ctx) error {
	pileID := c.Params("pile_id")
	if err := h.station.StopPile(c.Context(), pileID); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok", "pile_id": pileID})
}

func (h *AdminHandler) StartPile(c *fiber.Ctx) error {
	pileID := c.Params("pile_id")
	if err := h.station.StartPile(c.Context(), pileID); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok", "pile_id": pileID})
}

type FaultRequest struct {
	Reason string `json:"reason"`
}

func (h *AdminHandler) Fault(c *fiber.Ctx) error {
	var req FaultRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return domain.Errorf(domain.KindInvalidInput, "invalid request body")
		}
	}

	res, err := h.station.SetFault(c.Context(), c.Params("pile_id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (h *AdminHandler) Recover(c *fiber.Ctx) error {
	res, err := h.station.Recover(c.Context(), c.Params("pile_id"))
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// StationStatistics is the operator dashboard roll-up: live pile and
// queue state next to billed totals.
type StationStatistics struct {
	Policy        domain.DispatchPolicy     `json:"dispatch_policy"`
	PilesByStatus map[domain.PileStatus]int `json:"piles_by_status"`
	WaitingCount  int                       `json:"waiting_count"`
	Billing       *records.Statistics       `json:"billing"`
}

func (h *AdminHandler) Statistics(c *fiber.Ctx) error {
	from, to, err := reportWindow(c, time.Time{})
	if err != nil {
		return err
	}

	billing, err := h.records.Statistics(c.Context(), from, to, c.Query("pile_id"))
	if err != nil {
		return err
	}

	snap := h.station.QueueState(c.Context())
	stats := &StationStatistics{
		Policy:        snap.Policy,
		PilesByStatus: make(map[domain.PileStatus]int),
		WaitingCount:  len(snap.WaitingArea),
		Billing:       billing,
	}
	for _, detail := range snap.Piles {
		stats.PilesByStatus[detail.Pile.Status]++
	}
	return c.JSON(stats)
}

func (h *AdminHandler) Reports(c *fiber.Ctx) error {
	// Day-by-day reports need a bounded window; default to the last week.
	defaultFrom := time.Now().AddDate(0, 0, -6)
	from, to, err := reportWindow(c, defaultFrom)
	if err != nil {
		return err
	}

	report, err := h.records.UsageReport(c.Context(), from, to, c.Query("pile_id"))
	if err != nil {
		return err
	}
	return c.JSON(report)
}

func (h *AdminHandler) ExportBills(c *fiber.Ctx) error {
	q, err := recordQuery(c)
	if err != nil {
		return err
	}

	data, err := h.records.ExportBillsCSV(c.Context(), q)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="bills.csv"`)
	return c.Send(data)
}

func reportWindow(c *fiber.Ctx, defaultFrom time.Time) (from, to time.Time, err error) {
	from, to = defaultFrom, time.Now()
	if raw := c.Query("from"); raw != "" {
		if from, err = parseTime(raw); err != nil {
			return from, to, err
		}
	}
	if raw := c.Query("to"); raw != "" {
		if to, err = parseTime(raw); err != nil {
			return from, to, err
		}
	}
	return from, to, nil
}
