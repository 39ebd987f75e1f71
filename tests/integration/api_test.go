package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	fiberAdapter "github.com/evgrid/stationd/internal/adapter/http/fiber"
	"github.com/evgrid/stationd/internal/adapter/http/fiber/middleware"
	"github.com/evgrid/stationd/internal/adapter/queue"
	storagepg "github.com/evgrid/stationd/internal/adapter/storage/postgres"
	ws "github.com/evgrid/stationd/internal/adapter/websocket"
	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/service/records"
	"github.com/evgrid/stationd/internal/service/station"
	"github.com/evgrid/stationd/internal/service/tariff"
)

// testStationConfig shrinks the dispatch and progress ticks so charging
// flows settle within a test run. A 30 kW pile delivers 0.0083 kWh per
// real second under this layout.
func testStationConfig() *station.Config {
	return &station.Config{
		WaitingAreaCapacity: 6,
		DispatchPolicy:      domain.DispatchPriority,
		DispatchTick:        20 * time.Millisecond,
		ProgressTick:        10 * time.Millisecond,
		HeartbeatTimeout:    30 * time.Second,
		CommandTimeout:      time.Second,
		CommandRetries:      1,
		Piles: []station.PileSpec{
			{ID: "A", Type: domain.ModeFast, PowerKW: 30, Management: domain.PileLocal},
			{ID: "B", Type: domain.ModeFast, PowerKW: 30, Management: domain.PileLocal},
			{ID: "C", Type: domain.ModeTrickle, PowerKW: 7, Management: domain.PileLocal},
		},
	}
}

// newStationApp wires the full API stack on top of the container-backed
// stores: postgres repositories, the dispatch engine, the records service
// and the fiber routes.
func newStationApp(t *testing.T, env *TestEnv, cfg *station.Config) *fiber.App {
	t.Helper()

	pileRepo := storagepg.NewPileRepository(env.GormDB, env.Logger)
	reqRepo := storagepg.NewRequestRepository(env.GormDB, env.Logger)
	sessRepo := storagepg.NewSessionRepository(env.GormDB, env.Logger)
	billRepo := storagepg.NewBillRepository(env.GormDB, env.Logger)

	calc := tariff.NewCalculator(nil)
	engine := station.NewEngine(cfg, calc, pileRepo, reqRepo, sessRepo, billRepo, queue.NewNoopQueue(), nil, env.Logger)
	if err := engine.Start(env.ctx); err != nil {
		t.Fatalf("Failed to start engine: %v", err)
	}
	t.Cleanup(engine.Stop)

	recSvc := records.NewService(billRepo, reqRepo, sessRepo, env.Cache, env.Logger)

	hub := ws.NewHub()
	go hub.Run()

	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(env.Logger)})
	fiberAdapter.RegisterRoutes(app, fiberAdapter.Deps{
		Station: engine,
		Tariff:  calc,
		Records: recSvc,
		Hub:     hub,
		Log:     env.Logger,
	})
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, 10000)
	if err != nil {
		t.Fatalf("Failed to make request %s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestChargingFlow_SubmitToBill(t *testing.T) {
	env := SetupTestEnvironment(t)
	CleanDatabase(t, env.DB)
	FlushRedis(t, env.Redis)

	app := newStationApp(t, env, testStationConfig())
	userID := "u-" + uuid.NewString()

	// A 0.5 kWh target takes a minute at 30 kW, so the session is still
	// open when the stop lands.
	resp := doJSON(t, app, http.MethodPost, "/api/v1/requests", map[string]any{
		"user_id": userID, "mode": "fast", "target_kwh": 0.5,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var submitted station.SubmitResult
	decodeBody(t, resp, &submitted)
	if submitted.RequestID == "" || submitted.QueueNumber != "F1" {
		t.Fatalf("unexpected admission: %+v", submitted)
	}

	// Wait for the dispatcher to start the session and energy to flow.
	var status station.StatusResult
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp = doJSON(t, app, http.MethodGet, "/api/v1/requests/status?user_id="+userID, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 from status, got %d", resp.StatusCode)
		}
		decodeBody(t, resp, &status)
		if status.State == domain.RequestStatusCharging && status.DeliveredKWh != nil && *status.DeliveredKWh > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("charging never started, last state %+v", status)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if status.AssignedPile != "A" && status.AssignedPile != "B" {
		t.Errorf("expected a fast pile assignment, got %q", status.AssignedPile)
	}

	resp = doJSON(t, app, http.MethodPost, "/api/v1/charging/stop", map[string]any{"user_id": userID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from stop, got %d", resp.StatusCode)
	}
	var stopped station.StopResult
	decodeBody(t, resp, &stopped)
	if stopped.Bill == nil {
		t.Fatal("expected a bill for the delivered energy")
	}
	bill := stopped.Bill
	if _, _, err := domain.ParseBillID(bill.ID); err != nil {
		t.Errorf("bill id %q does not parse: %v", bill.ID, err)
	}
	if bill.UserID != userID || bill.Mode != domain.ModeFast {
		t.Errorf("bill attributed wrong: %+v", bill)
	}
	if bill.EnergyKWh <= 0 {
		t.Errorf("expected delivered energy on the bill, got %v", bill.EnergyKWh)
	}
	if bill.TotalCost != bill.EnergyCost+bill.ServiceCost {
		t.Errorf("expected total %s+%s, got %s", bill.EnergyCost, bill.ServiceCost, bill.TotalCost)
	}

	// The persisted bill is immediately readable.
	resp = doJSON(t, app, http.MethodGet, "/api/v1/records/"+bill.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 loading bill, got %d", resp.StatusCode)
	}
	var loaded domain.Bill
	decodeBody(t, resp, &loaded)
	if loaded.ID != bill.ID {
		t.Errorf("expected bill %s, got %s", bill.ID, loaded.ID)
	}

	resp = doJSON(t, app, http.MethodGet, "/api/v1/records?user_id="+userID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 listing bills, got %d", resp.StatusCode)
	}
	var page records.BillPage
	decodeBody(t, resp, &page)
	if page.Total != 1 {
		t.Errorf("expected 1 bill in history, got %d", page.Total)
	}
}

func TestChargingFlow_CompletionCutsBill(t *testing.T) {
	env := SetupTestEnvironment(t)
	CleanDatabase(t, env.DB)
	FlushRedis(t, env.Redis)

	app := newStationApp(t, env, testStationConfig())
	userID := "u-" + uuid.NewString()

	// 0.002 kWh at 30 kW is about a quarter second of charging.
	resp := doJSON(t, app, http.MethodPost, "/api/v1/requests", map[string]any{
		"user_id": userID, "mode": "fast", "target_kwh": 0.002,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	var page records.BillPage
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp = doJSON(t, app, http.MethodGet, "/api/v1/records?user_id="+userID, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 listing bills, got %d", resp.StatusCode)
		}
		decodeBody(t, resp, &page)
		if page.Total >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never completed")
		}
		time.Sleep(50 * time.Millisecond)
	}

	bill := page.Bills[0]
	if bill.Status != domain.SessionStatusCompleted {
		t.Errorf("expected COMPLETED bill, got %s", bill.Status)
	}
	// Delivery is clamped at the requested target.
	if math.Abs(bill.EnergyKWh-0.002) > 1e-9 {
		t.Errorf("expected exactly the target energy, got %v", bill.EnergyKWh)
	}

	// The request is settled, so the user has no live status anymore.
	resp = doJSON(t, app, http.MethodGet, "/api/v1/requests/status?user_id="+userID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after completion, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWaitingArea_RejectsWhenFull(t *testing.T) {
	env := SetupTestEnvironment(t)
	CleanDatabase(t, env.DB)
	FlushRedis(t, env.Redis)

	// One waiting slot and no piles, so nothing ever leaves the area.
	cfg := testStationConfig()
	cfg.WaitingAreaCapacity = 1
	cfg.Piles = nil
	app := newStationApp(t, env, cfg)

	userOne := "u-" + uuid.NewString()
	userTwo := "u-" + uuid.NewString()

	resp := doJSON(t, app, http.MethodPost, "/api/v1/requests", map[string]any{
		"user_id": userOne, "mode": "fast", "target_kwh": 10,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var submitted station.SubmitResult
	decodeBody(t, resp, &submitted)

	// A second request from the same user is a duplicate, not an overflow.
	resp = doJSON(t, app, http.MethodPost, "/api/v1/requests", map[string]any{
		"user_id": userOne, "mode": "trickle", "target_kwh": 5,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for duplicate request, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, app, http.MethodPost, "/api/v1/requests", map[string]any{
		"user_id": userTwo, "mode": "fast", "target_kwh": 10,
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when the area is full, got %d", resp.StatusCode)
	}
	var rejection map[string]any
	decodeBody(t, resp, &rejection)
	if rejection["kind"] != string(domain.KindWaitingAreaFull) {
		t.Errorf("expected waiting-area-full kind, got %v", rejection["kind"])
	}

	// Cancelling frees the slot for the next user.
	path := fmt.Sprintf("/api/v1/requests/%s?user_id=%s", submitted.RequestID, userOne)
	resp = doJSON(t, app, http.MethodDelete, path, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 cancelling, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, app, http.MethodPost, "/api/v1/requests", map[string]any{
		"user_id": userTwo, "mode": "fast", "target_kwh": 10,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected 201 after the slot freed, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAdminAPI_PolicyAndPiles(t *testing.T) {
	env := SetupTestEnvironment(t)
	CleanDatabase(t, env.DB)
	FlushRedis(t, env.Redis)

	app := newStationApp(t, env, testStationConfig())

	resp := doJSON(t, app, http.MethodGet, "/api/v1/admin/dispatch-policy", nil)
	var policy map[string]string
	decodeBody(t, resp, &policy)
	if policy["policy"] != string(domain.DispatchPriority) {
		t.Errorf("expected priority policy, got %q", policy["policy"])
	}

	resp = doJSON(t, app, http.MethodPut, "/api/v1/admin/dispatch-policy", map[string]string{"policy": "time_order"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 setting policy, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, app, http.MethodGet, "/api/v1/admin/dispatch-policy", nil)
	decodeBody(t, resp, &policy)
	if policy["policy"] != string(domain.DispatchTimeOrder) {
		t.Errorf("expected time_order policy, got %q", policy["policy"])
	}

	resp = doJSON(t, app, http.MethodPut, "/api/v1/admin/dispatch-policy", map[string]string{"policy": "bogus"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown policy, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, app, http.MethodGet, "/api/v1/admin/piles", nil)
	var piles []domain.Pile
	decodeBody(t, resp, &piles)
	if len(piles) != 3 {
		t.Fatalf("expected 3 piles, got %d", len(piles))
	}

	// Powering a pile off and back on is visible in the detail view.
	resp = doJSON(t, app, http.MethodPost, "/api/v1/admin/piles/A/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 stopping pile, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, app, http.MethodGet, "/api/v1/admin/piles/A", nil)
	var detail station.PileDetail
	decodeBody(t, resp, &detail)
	if detail.Pile.Status != domain.PileStatusOffline {
		t.Errorf("expected OFFLINE after stop, got %s", detail.Pile.Status)
	}

	resp = doJSON(t, app, http.MethodPost, "/api/v1/admin/piles/A/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 starting pile, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, app, http.MethodGet, "/api/v1/admin/piles/A", nil)
	decodeBody(t, resp, &detail)
	if detail.Pile.Status != domain.PileStatusAvailable {
		t.Errorf("expected AVAILABLE after start, got %s", detail.Pile.Status)
	}

	resp = doJSON(t, app, http.MethodPost, "/api/v1/admin/piles/Z/stop", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown pile, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStationAPI_OverviewAndTariff(t *testing.T) {
	env := SetupTestEnvironment(t)
	CleanDatabase(t, env.DB)
	FlushRedis(t, env.Redis)

	app := newStationApp(t, env, testStationConfig())

	resp := doJSON(t, app, http.MethodGet, "/api/v1/station/overview", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from overview, got %d", resp.StatusCode)
	}
	var snap station.QueueSnapshot
	decodeBody(t, resp, &snap)
	if len(snap.Piles) != 3 {
		t.Errorf("expected 3 piles in overview, got %d", len(snap.Piles))
	}
	if len(snap.WaitingArea) != 0 {
		t.Errorf("expected empty waiting area, got %d entries", len(snap.WaitingArea))
	}

	// One peak-window hour of 10 kWh: energy 10.00, service 8.00.
	start := time.Date(2026, 5, 11, 10, 0, 0, 0, time.UTC)
	resp = doJSON(t, app, http.MethodPost, "/api/v1/tariff/estimate", map[string]any{
		"energy_kwh": 10,
		"start":      start,
		"end":        start.Add(time.Hour),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from estimate, got %d", resp.StatusCode)
	}
	var estimate struct {
		EnergyCost  float64 `json:"energy_cost"`
		ServiceCost float64 `json:"service_cost"`
		TotalCost   float64 `json:"total_cost"`
	}
	decodeBody(t, resp, &estimate)
	if math.Abs(estimate.EnergyCost-10.00) > 1e-9 {
		t.Errorf("expected peak energy cost 10.00, got %v", estimate.EnergyCost)
	}
	if math.Abs(estimate.ServiceCost-8.00) > 1e-9 {
		t.Errorf("expected service cost 8.00, got %v", estimate.ServiceCost)
	}
	if math.Abs(estimate.TotalCost-18.00) > 1e-9 {
		t.Errorf("expected total 18.00, got %v", estimate.TotalCost)
	}
}
