package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/ports"
	"github.com/evgrid/stationd/internal/service/records"
)

// RecordsService is the reporting surface behind the history and admin
// report endpoints.
type RecordsService interface {
	ListBills(ctx context.Context, q ports.RecordQuery) (*records.BillPage, error)
	GetBill(ctx context.Context, id string) (*domain.Bill, error)
	UserRequests(ctx context.Context, userID string, limit, offset int) (*records.RequestPage, error)
	UserSessions(ctx context.Context, userID string, limit, offset int) (*records.SessionPage, error)
	Statistics(ctx context.Context, from, to time.Time, pileID string) (*records.Statistics, error)
	UsageReport(ctx context.Context, from, to time.Time, pileID string) (*records.UsageReport, error)
	ExportBillsCSV(ctx context.Context, q ports.RecordQuery) ([]byte, error)
}

type RecordHandler struct {
	records RecordsService
	log     *zap.Logger
}

func NewRecordHandler(records RecordsService, log *zap.Logger) *RecordHandler {
	return &RecordHandler{
		records: records,
		log:     log,
	}
}

func (h *RecordHandler) ListBills(c *fiber.Ctx) error {
	q, err := recordQuery(c)
	if err != nil {
		return err
	}

	page, err := h.records.ListBills(c.Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(page)
}

func (h *RecordHandler) GetBill(c *fiber.Ctx) error {
	bill, err := h.records.GetBill(c.Context(), c.Params("bill_id"))
	if err != nil {
		return err
	}
	return c.JSON(bill)
}

func (h *RecordHandler) UserRequests(c *fiber.Ctx) error {
	limit, offset := pageWindow(c)
	page, err := h.records.UserRequests(c.Context(), c.Query("user_id"), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(page)
}

func (h *RecordHandler) UserSessions(c *fiber.Ctx) error {
	limit, offset := pageWindow(c)
	page, err := h.records.UserSessions(c.Context(), c.Query("user_id"), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(page)
}

// recordQuery builds a bill query from the request's query string.
func recordQuery(c *fiber.Ctx) (ports.RecordQuery, error) {
	q := ports.RecordQuery{
		UserID: c.Query("user_id"),
		PileID: c.Query("pile_id"),
		Sort:   ports.RecordSort(c.Query("sort")),
	}
	if raw := c.Query("mode"); raw != "" {
		mode, err := domain.ParseChargeMode(raw)
		if err != nil {
			return q, err
		}
		q.Mode = mode
	}
	if raw := c.Query("status"); raw != "" {
		status, err := domain.ParseSessionStatus(raw)
		if err != nil {
			return q, err
		}
		q.Status = status
	}
	if raw := c.Query("from"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return q, err
		}
		q.From = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return q, err
		}
		q.To = t
	}
	q.Limit, q.Offset = pageWindow(c)
	return q, nil
}

// pageWindow converts page/page_size parameters into a limit and offset.
func pageWindow(c *fiber.Ctx) (limit, offset int) {
	pageSize := c.QueryInt("page_size", 50)
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	return pageSize, (page - 1) * pageSize
}

// parseTime accepts RFC3339 timestamps or bare dates.
func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, domain.Errorf(domain.KindInvalidInput, "invalid time %q, want RFC3339 or YYYY-MM-DD", raw)
}
