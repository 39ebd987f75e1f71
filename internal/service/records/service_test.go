package records

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/mocks"
	"github.com/evgrid/stationd/internal/ports"
)

func newTestLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

var reportBase = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func sampleBill(seq int, user string, total float64) domain.Bill {
	start := reportBase.Add(time.Duration(seq) * time.Hour)
	end := start.Add(time.Hour)
	return domain.Bill{
		ID:          domain.FormatBillID(reportBase, seq),
		SessionID:   "sess-" + user,
		RequestID:   "req-" + user,
		UserID:      user,
		PileID:      "A",
		Mode:        domain.ModeFast,
		EnergyKWh:   30.0,
		DurationHrs: 1.0,
		StartedAt:   start,
		EndedAt:     end,
		EnergyCost:  domain.MoneyFromFloat(total - 24.0),
		ServiceCost: domain.MoneyFromFloat(24.0),
		TotalCost:   domain.MoneyFromFloat(total),
		Status:      domain.SessionStatusCompleted,
		CreatedAt:   end,
	}
}

func TestListBills_AppliesDefaults(t *testing.T) {
	// Arrange
	var captured ports.RecordQuery
	billRepo := &mocks.MockBillRepository{
		ListFunc: func(ctx context.Context, q ports.RecordQuery) ([]domain.Bill, int64, error) {
			captured = q
			return []domain.Bill{sampleBill(1, "u1", 54.00)}, 1, nil
		},
	}
	svc := NewService(billRepo, &mocks.MockRequestRepository{}, &mocks.MockSessionRepository{}, mocks.NewMockCache(), newTestLogger())

	// Act
	page, err := svc.ListBills(context.Background(), ports.RecordQuery{UserID: "u1"})

	// Assert
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if captured.Sort != ports.SortTimeDesc {
		t.Errorf("expected default sort time_desc, got %s", captured.Sort)
	}
	if captured.Limit != 50 {
		t.Errorf("expected default limit 50, got %d", captured.Limit)
	}
	if page.Total != 1 || len(page.Bills) != 1 {
		t.Errorf("expected 1 bill with total 1, got %d bills total %d", len(page.Bills), page.Total)
	}
	if page.Bills[0].TotalCost != domain.MoneyFromFloat(54.00) {
		t.Errorf("expected total cost 54.00, got %s", page.Bills[0].TotalCost)
	}
}

func TestListBills_ClampsOversizedLimit(t *testing.T) {
	// Arrange
	var captured ports.RecordQuery
	billRepo := &mocks.MockBillRepository{
		ListFunc: func(ctx context.Context, q ports.RecordQuery) ([]domain.Bill, int64, error) {
			captured = q
			return nil, 0, nil
		},
	}
	svc := NewService(billRepo, &mocks.MockRequestRepository{}, &mocks.MockSessionRepository{}, mocks.NewMockCache(), newTestLogger())

	// Act
	page, err := svc.ListBills(context.Background(), ports.RecordQuery{Limit: 10000, Offset: -5})

	// Assert
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if captured.Limit != 200 {
		t.Errorf("expected limit clamped to 200, got %d", captured.Limit)
	}
	if captured.Offset != 0 {
		t.Errorf("expected negative offset clamped to 0, got %d", captured.Offset)
	}
	if page.Bills == nil {
		t.Error("expected empty slice, got nil")
	}
}

func TestListBills_RejectsInvalidFilters(t *testing.T) {
	// Arrange
	svc := NewService(&mocks.MockBillRepository{}, &mocks.MockRequestRepository{}, &mocks.MockSessionRepository{}, mocks.NewMockCache(), newTestLogger())

	cases := []struct {
		name  string
		query ports.RecordQuery
	}{
		{"unknown sort", ports.RecordQuery{Sort: "alphabetical"}},
		{"unknown mode", ports.RecordQuery{Mode: "turbo"}},
		{"inverted window", ports.RecordQuery{From: reportBase, To: reportBase.Add(-time.Hour)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// Act
			_, err := svc.ListBills(context.Background(), tc.query)

			// Assert
			if domain.KindOf(err) != domain.KindInvalidInput {
				t.Errorf("expected invalid_input, got %v", err)
			}
		})
	}
}

func TestGetBill_ReturnsStoredBill(t *testing.T) {
	// Arrange
	want := sampleBill(7, "u1", 54.00)
	billRepo := &mocks.MockBillRepository{
		FindByIDFunc: func(ctx context.Context, id string) (*domain.Bill, error) {
			if id != want.ID {
				t.Errorf("expected lookup for %s, got %s", want.ID, id)
			}
			b := want
			return &b, nil
		},
	}
	svc := NewService(billRepo, &mocks.MockRequestRepository{}, &mocks.MockSessionRepository{}, mocks.NewMockCache(), newTestLogger())

	// Act
	bill, err := svc.GetBill(context.Background(), want.ID)

	// Assert
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if bill.ID != want.ID || bill.TotalCost != want.TotalCost {
		t.Errorf("expected bill %s total %s, got %s total %s", want.ID, want.TotalCost, bill.ID, bill.TotalCost)
	}
}

func TestGetBill_UnknownAndMalformedIDs(t *testing.T) {
	// Arrange
	svc := NewService(&mocks.MockBillRepository{}, &mocks.MockRequestRepository{}, &mocks.MockSessionRepository{}, mocks.NewMockCache(), newTestLogger())

	// Act
	_, missErr := svc.GetBill(context.Background(), domain.FormatBillID(reportBase, 99))
	_, badErr := svc.GetBill(context.Background(), "RECEIPT-1")

	// Assert
	if domain.KindOf(missErr) != domain.KindNotFound {
		t.Errorf("expected not_found for unknown bill, got %v", missErr)
	}
	if domain.KindOf(badErr) != domain.KindInvalidInput {
		t.Errorf("expected invalid_input for malformed id, got %v", badErr)
	}
}

func TestUserRequests_RequiresUserID(t *testing.T) {
	// Arrange
	svc := NewService(&mocks.MockBillRepository{}, &mocks.MockRequestRepository{}, &mocks.MockSessionRepository{}, mocks.NewMockCache(), newTestLogger())

	// Act
	_, err := svc.UserRequests(context.Background(), "", 10, 0)

	// Assert
	if domain.KindOf(err) != domain.KindInvalidInput {
		t.Errorf("expected invalid_input, got %v", err)
	}
}

func TestUserRequests_PagesHistory(t *testing.T) {
	// Arrange
	requestRepo := &mocks.MockRequestRepository{
		FindByUserIDFunc: func(ctx context.Context, userID string, limit, offset int) ([]domain.Request, error) {
			if limit != 50 || offset != 10 {
				t.Errorf("expected limit 50 offset 10, got %d %d", limit, offset)
			}
			return []domain.Request{
				{ID: "r2", UserID: userID, QueueNumber: "F2", Status: domain.RequestStatusCompleted},
				{ID: "r1", UserID: userID, QueueNumber: "F1", Status: domain.RequestStatusCancelled},
			}, nil
		},
	}
	svc := NewService(&mocks.MockBillRepository{}, requestRepo, &mocks.MockSessionRepository{}, mocks.NewMockCache(), newTestLogger())

	// Act
	page, err := svc.UserRequests(context.Background(), "u1", 0, 10)

	// Assert
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(page.Requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(page.Requests))
	}
	if page.Requests[0].QueueNumber != "F2" {
		t.Errorf("expected newest request first, got %s", page.Requests[0].QueueNumber)
	}
}

func TestUserSessions_PagesHistory(t *testing.T) {
	// Arrange
	sessionRepo := &mocks.MockSessionRepository{
		FindByUserIDFunc: func(ctx context.Context, userID string, limit, offset int) ([]domain.Session, error) {
			return []domain.Session{{ID: "s1", UserID: userID, DeliveredKWh: 12.5}}, nil
		},
	}
	svc := NewService(&mocks.MockBillRepository{}, &mocks.MockRequestRepository{}, sessionRepo, mocks.NewMockCache(), newTestLogger())

	// Act
	page, err := svc.UserSessions(context.Background(), "u1", 20, 0)

	// Assert
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(page.Sessions) != 1 || page.Sessions[0].DeliveredKWh != 12.5 {
		t.Errorf("expected one session with 12.5 kWh, got %+v", page.Sessions)
	}
}

func TestStatistics_CachesAggregate(t *testing.T) {
	// Arrange
	calls := 0
	billRepo := &mocks.MockBillRepository{
		AggregateFunc: func(ctx context.Context, from, to time.Time, pileID string) (*ports.BillAggregate, error) {
			calls++
			return &ports.BillAggregate{
				Count:          3,
				TotalEnergyKWh: 90.0,
				TotalHours:     3.0,
				EnergyCost:     domain.MoneyFromFloat(90.00),
				ServiceCost:    domain.MoneyFromFloat(72.00),
				TotalCost:      domain.MoneyFromFloat(162.00),
			}, nil
		},
	}
	svc := NewService(billRepo, &mocks.MockRequestRepository{}, &mocks.MockSessionRepository{}, mocks.NewMockCache(), newTestLogger())
	from, to := reportBase, reportBase.Add(24*time.Hour)

	// Act
	first, err := svc.Statistics(context.Background(), from, to, "A")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	second, err := svc.Statistics(context.Background(), from, to, "A")

	// Assert
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected one aggregate call, got %d", calls)
	}
	if first.SessionCount != 3 || second.SessionCount != 3 {
		t.Errorf("expected 3 sessions from both reads, got %d and %d", first.SessionCount, second.SessionCount)
	}
	if second.TotalCost != domain.MoneyFromFloat(162.00) {
		t.Errorf("expected cached total 162.00, got %s", second.TotalCost)
	}
}

func TestStatistics_CacheFailureFallsThrough(t *testing.T) {
	// Arrange
	calls := 0
	billRepo := &mocks.MockBillRepository{
		AggregateFunc: func(ctx context.Context, from, to time.Time, pileID string) (*ports.BillAggregate, error) {
			calls++
			return &ports.BillAggregate{Count: 1}, nil
		},
	}
	cache := mocks.NewMockCache()
	cache.GetFunc = func(ctx context.Context, key string) (string, error) {
		return "", errors.New("redis down")
	}
	cache.SetFunc = func(ctx context.Context, key, value string, expiration time.Duration) error {
		return errors.New("redis down")
	}
	svc := NewService(billRepo, &mocks.MockRequestRepository{}, &mocks.MockSessionRepository{}, cache, newTestLogger())

	// Act
	stats, err := svc.Statistics(context.Background(), reportBase, reportBase.Add(time.Hour), "")

	// Assert
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 1 || stats.SessionCount != 1 {
		t.Errorf("expected direct aggregate read, got %d calls count %d", calls, stats.SessionCount)
	}
}

func TestStatistics_RejectsInvertedWindow(t *testing.T) {
	// Arrange
	svc := NewService(&mocks.MockBillRepository{}, &mocks.MockRequestRepository{}, &mocks.MockSessionRepository{}, mocks.NewMockCache(), newTestLogger())

	// Act
	_, err := svc.Statistics(context.Background(), reportBase, reportBase.Add(-time.Hour), "")

	// Assert
	if domain.KindOf(err) != domain.KindInvalidInput {
		t.Errorf("expected invalid_input, got %v", err)
	}
}

func TestUsageReport_SkipsFailedDays(t *testing.T) {
	// Arrange
	day1 := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	billRepo := &mocks.MockBillRepository{
		AggregateFunc: func(ctx context.Context, from, to time.Time, pileID string) (*ports.BillAggregate, error) {
			switch from.Day() {
			case 16:
				return nil, errors.New("partition offline")
			case 17:
				return &ports.BillAggregate{Count: 2, TotalEnergyKWh: 40.0, TotalCost: domain.MoneyFromFloat(72.00)}, nil
			default:
				return &ports.BillAggregate{Count: 1, TotalEnergyKWh: 30.0, TotalCost: domain.MoneyFromFloat(54.00)}, nil
			}
		},
	}
	svc := NewService(billRepo, &mocks.MockRequestRepository{}, &mocks.MockSessionRepository{}, mocks.NewMockCache(), newTestLogger())

	// Act
	report, err := svc.UsageReport(context.Background(), day1, day1.AddDate(0, 0, 2), "")

	// Assert
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(report.Days) != 2 {
		t.Fatalf("expected 2 days after skipping the failed one, got %d", len(report.Days))
	}
	if report.Days[0].Date != "2026-03-15" || report.Days[1].Date != "2026-03-17" {
		t.Errorf("expected days 15 and 17, got %s and %s", report.Days[0].Date, report.Days[1].Date)
	}
	if report.TotalEnergyKWh != 70.0 {
		t.Errorf("expected 70 kWh total, got %f", report.TotalEnergyKWh)
	}
	if report.TotalRevenue != domain.MoneyFromFloat(126.00) {
		t.Errorf("expected revenue 126.00, got %s", report.TotalRevenue)
	}
}

func TestExportBillsCSV_RendersRows(t *testing.T) {
	// Arrange
	billRepo := &mocks.MockBillRepository{
		ListFunc: func(ctx context.Context, q ports.RecordQuery) ([]domain.Bill, int64, error) {
			if q.Offset > 0 {
				return nil, 2, nil
			}
			return []domain.Bill{sampleBill(1, "u1", 54.00), sampleBill(2, "u2", 30.00)}, 2, nil
		},
	}
	svc := NewService(billRepo, &mocks.MockRequestRepository{}, &mocks.MockSessionRepository{}, mocks.NewMockCache(), newTestLogger())

	// Act
	data, err := svc.ExportBillsCSV(context.Background(), ports.RecordQuery{})

	// Assert
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("expected parseable csv, got %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "Bill_ID" {
		t.Errorf("expected header row, got %v", rows[0])
	}
	if rows[1][1] != "u1" || rows[1][10] != "54.00" {
		t.Errorf("expected first row for u1 at 54.00, got %v", rows[1])
	}
	if rows[2][4] != "30.00" {
		t.Errorf("expected energy 30.00 in second row, got %v", rows[2])
	}
}

func TestExportBillsCSV_RejectsInvalidQuery(t *testing.T) {
	// Arrange
	svc := NewService(&mocks.MockBillRepository{}, &mocks.MockRequestRepository{}, &mocks.MockSessionRepository{}, mocks.NewMockCache(), newTestLogger())

	// Act
	_, err := svc.ExportBillsCSV(context.Background(), ports.RecordQuery{Sort: "random"})

	// Assert
	if domain.KindOf(err) != domain.KindInvalidInput {
		t.Errorf("expected invalid_input, got %v", err)
	}
}
