package records

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/ports"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	statsCacheTTL   = time.Minute
)

// Service answers read-side queries over billing history: paged listings,
// per-user history and aggregated statistics. Aggregates are served
// through the cache; cache trouble degrades to a direct store read.
type Service struct {
	bills    ports.BillRepository
	requests ports.RequestRepository
	sessions ports.SessionRepository
	cache    ports.Cache
	log      *zap.Logger
}

func NewService(
	billRepo ports.BillRepository,
	requestRepo ports.RequestRepository,
	sessionRepo ports.SessionRepository,
	cache ports.Cache,
	log *zap.Logger,
) *Service {
	return &Service{
		bills:    billRepo,
		requests: requestRepo,
		sessions: sessionRepo,
		cache:    cache,
		log:      log,
	}
}

// BillPage is one page of bills plus the total match count.
type BillPage struct {
	Bills  []domain.Bill `json:"bills"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ListBills returns bills matching the query, newest first by default.
func (s *Service) ListBills(ctx context.Context, q ports.RecordQuery) (*BillPage, error) {
	if err := normalizeQuery(&q); err != nil {
		return nil, err
	}

	bills, total, err := s.bills.List(ctx, q)
	if err != nil {
		return nil, domain.WrapError(domain.KindPersistenceFailure, err, "listing bills")
	}
	if bills == nil {
		bills = []domain.Bill{}
	}
	return &BillPage{Bills: bills, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// GetBill returns one bill by its identifier.
func (s *Service) GetBill(ctx context.Context, id string) (*domain.Bill, error) {
	if _, _, err := domain.ParseBillID(id); err != nil {
		return nil, err
	}
	bill, err := s.bills.FindByID(ctx, id)
	if err != nil {
		return nil, domain.WrapError(domain.KindPersistenceFailure, err, "loading bill %s", id)
	}
	if bill == nil {
		return nil, domain.Errorf(domain.KindNotFound, "bill %s not found", id)
	}
	return bill, nil
}

// RequestPage is one page of a user's charging requests.
type RequestPage struct {
	Requests []domain.Request `json:"requests"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// UserRequests returns the user's request history, newest first.
func (s *Service) UserRequests(ctx context.Context, userID string, limit, offset int) (*RequestPage, error) {
	if userID == "" {
		return nil, domain.Errorf(domain.KindInvalidInput, "user id is required")
	}
	limit, offset = clampPage(limit, offset)

	reqs, err := s.requests.FindByUserID(ctx, userID, limit, offset)
	if err != nil {
		return nil, domain.WrapError(domain.KindPersistenceFailure, err, "listing requests for user %s", userID)
	}
	if reqs == nil {
		reqs = []domain.Request{}
	}
	return &RequestPage{Requests: reqs, Limit: limit, Offset: offset}, nil
}

// SessionPage is one page of a user's charging sessions.
type SessionPage struct {
	Sessions []domain.Session `json:"sessions"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// UserSessions returns the user's session history, newest first.
func (s *Service) UserSessions(ctx context.Context, userID string, limit, offset int) (*SessionPage, error) {
	if userID == "" {
		return nil, domain.Errorf(domain.KindInvalidInput, "user id is required")
	}
	limit, offset = clampPage(limit, offset)

	sessions, err := s.sessions.FindByUserID(ctx, userID, limit, offset)
	if err != nil {
		return nil, domain.WrapError(domain.KindPersistenceFailure, err, "listing sessions for user %s", userID)
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	return &SessionPage{Sessions: sessions, Limit: limit, Offset: offset}, nil
}

// Statistics is the aggregated view over a billing window.
type Statistics struct {
	From           time.Time    `json:"from"`
	To             time.Time    `json:"to"`
	PileID         string       `json:"pile_id,omitempty"`
	SessionCount   int64        `json:"session_count"`
	TotalEnergyKWh float64      `json:"total_energy_kwh"`
	TotalHours     float64      `json:"total_hours"`
	EnergyCost     domain.Money `json:"energy_cost"`
	ServiceCost    domain.Money `json:"service_cost"`
	TotalCost      domain.Money `json:"total_cost"`
}

// Statistics aggregates billed sessions in [from, to], optionally for one
// pile. Results are cached for a minute.
func (s *Service) Statistics(ctx context.Context, from, to time.Time, pileID string) (*Statistics, error) {
	if to.Before(from) {
		return nil, domain.Errorf(domain.KindInvalidInput, "window end precedes start")
	}

	key := fmt.Sprintf("stats:%s:%d:%d", pileID, from.Unix(), to.Unix())
	if s.cache != nil {
		if val, err := s.cache.Get(ctx, key); err == nil && val != "" {
			var cached Statistics
			if err := json.Unmarshal([]byte(val), &cached); err == nil {
				return &cached, nil
			}
		}
	}

	agg, err := s.bills.Aggregate(ctx, from, to, pileID)
	if err != nil {
		return nil, domain.WrapError(domain.KindPersistenceFailure, err, "aggregating bills")
	}
	stats := &Statistics{
		From:           from,
		To:             to,
		PileID:         pileID,
		SessionCount:   agg.Count,
		TotalEnergyKWh: agg.TotalEnergyKWh,
		TotalHours:     agg.TotalHours,
		EnergyCost:     agg.EnergyCost,
		ServiceCost:    agg.ServiceCost,
		TotalCost:      agg.TotalCost,
	}

	if s.cache != nil {
		if data, err := json.Marshal(stats); err == nil {
			if err := s.cache.Set(ctx, key, string(data), statsCacheTTL); err != nil {
				s.log.Warn("caching statistics failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
	return stats, nil
}

// DayUsage is one day's slice of a usage report.
type DayUsage struct {
	Date         string       `json:"date"`
	SessionCount int64        `json:"session_count"`
	EnergyKWh    float64      `json:"energy_kwh"`
	Hours        float64      `json:"hours"`
	Revenue      domain.Money `json:"revenue"`
}

// UsageReport is a per-day breakdown over a date range.
type UsageReport struct {
	From           time.Time    `json:"from"`
	To             time.Time    `json:"to"`
	PileID         string       `json:"pile_id,omitempty"`
	Days           []DayUsage   `json:"days"`
	TotalEnergyKWh float64      `json:"total_energy_kwh"`
	TotalRevenue   domain.Money `json:"total_revenue"`
}

// UsageReport aggregates bills day by day across the range. Days whose
// aggregation fails are logged and skipped so one bad day cannot sink the
// whole report.
func (s *Service) UsageReport(ctx context.Context, from, to time.Time, pileID string) (*UsageReport, error) {
	if to.Before(from) {
		return nil, domain.Errorf(domain.KindInvalidInput, "window end precedes start")
	}

	report := &UsageReport{From: from, To: to, PileID: pileID, Days: []DayUsage{}}
	for d := from.Truncate(24 * time.Hour); !d.After(to); d = d.AddDate(0, 0, 1) {
		dayEnd := d.AddDate(0, 0, 1).Add(-time.Nanosecond)
		agg, err := s.bills.Aggregate(ctx, d, dayEnd, pileID)
		if err != nil {
			s.log.Warn("aggregating day failed", zap.Time("date", d), zap.Error(err))
			continue
		}
		day := DayUsage{
			Date:         d.Format("2006-01-02"),
			SessionCount: agg.Count,
			EnergyKWh:    agg.TotalEnergyKWh,
			Hours:        agg.TotalHours,
			Revenue:      agg.TotalCost,
		}
		report.Days = append(report.Days, day)
		report.TotalEnergyKWh += day.EnergyKWh
		report.TotalRevenue += day.Revenue
	}
	return report, nil
}

// ExportBillsCSV renders the bills matching the query as a CSV document.
func (s *Service) ExportBillsCSV(ctx context.Context, q ports.RecordQuery) ([]byte, error) {
	if err := normalizeQuery(&q); err != nil {
		return nil, err
	}
	q.Limit = maxPageSize

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{
		"Bill_ID", "User_ID", "Pile_ID", "Mode", "Energy_kWh", "Duration_h",
		"Start", "End", "Energy_Cost", "Service_Cost", "Total_Cost", "Status",
	})

	offset := q.Offset
	for {
		q.Offset = offset
		bills, _, err := s.bills.List(ctx, q)
		if err != nil {
			return nil, domain.WrapError(domain.KindPersistenceFailure, err, "listing bills for export")
		}
		for _, b := range bills {
			w.Write([]string{
				b.ID,
				b.UserID,
				b.PileID,
				string(b.Mode),
				strconv.FormatFloat(b.EnergyKWh, 'f', 2, 64),
				strconv.FormatFloat(b.DurationHrs, 'f', 2, 64),
				b.StartedAt.Format(time.RFC3339),
				b.EndedAt.Format(time.RFC3339),
				b.EnergyCost.String(),
				b.ServiceCost.String(),
				b.TotalCost.String(),
				string(b.Status),
			})
		}
		if len(bills) < q.Limit {
			break
		}
		offset += q.Limit
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "writing csv")
	}
	return buf.Bytes(), nil
}

// normalizeQuery validates the sort and mode filters and clamps paging.
func normalizeQuery(q *ports.RecordQuery) error {
	switch q.Sort {
	case "":
		q.Sort = ports.SortTimeDesc
	case ports.SortTimeAsc, ports.SortTimeDesc, ports.SortCostAsc, ports.SortCostDesc:
	default:
		return domain.Errorf(domain.KindInvalidInput, "unknown sort order %q", q.Sort)
	}
	if q.Mode != "" {
		if _, err := domain.ParseChargeMode(string(q.Mode)); err != nil {
			return err
		}
	}
	if q.Status != "" {
		if _, err := domain.ParseSessionStatus(string(q.Status)); err != nil {
			return err
		}
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return domain.Errorf(domain.KindInvalidInput, "window end precedes start")
	}
	q.Limit, q.Offset = clampPage(q.Limit, q.Offset)
	return nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
