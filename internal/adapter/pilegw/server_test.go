package pilegw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/domain"
)

func newTestLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

// fakeEngine is a function-field stand-in for the station runtime.
type fakeEngine struct {
	RegisterPileFunc   func(ctx context.Context, pileID string, mode domain.ChargeMode, powerKW float64) error
	HeartbeatFunc      func(ctx context.Context, pileID string) error
	ReportProgressFunc func(ctx context.Context, pileID, userID string, deliveredKWh float64) error
	ReportCompleteFunc func(ctx context.Context, pileID, userID string, deliveredKWh float64, status domain.SessionStatus, reason string) error
}

func (f *fakeEngine) RegisterPile(ctx context.Context, pileID string, mode domain.ChargeMode, powerKW float64) error {
	if f.RegisterPileFunc != nil {
		return f.RegisterPileFunc(ctx, pileID, mode, powerKW)
	}
	return nil
}

func (f *fakeEngine) Heartbeat(ctx context.Context, pileID string) error {
	if f.HeartbeatFunc != nil {
		return f.HeartbeatFunc(ctx, pileID)
	}
	return nil
}

func (f *fakeEngine) ReportProgress(ctx context.Context, pileID, userID string, deliveredKWh float64) error {
	if f.ReportProgressFunc != nil {
		return f.ReportProgressFunc(ctx, pileID, userID, deliveredKWh)
	}
	return nil
}

func (f *fakeEngine) ReportComplete(ctx context.Context, pileID, userID string, deliveredKWh float64, status domain.SessionStatus, reason string) error {
	if f.ReportCompleteFunc != nil {
		return f.ReportCompleteFunc(ctx, pileID, userID, deliveredKWh, status, reason)
	}
	return nil
}

// dialTestGateway starts the gateway behind an httptest server and dials
// one pile connection to it.
func dialTestGateway(t *testing.T, engine Engine, cfg Config) (*Server, *websocket.Conn) {
	t.Helper()

	s := NewServer(engine, cfg, newTestLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("/pile/", s.handleConnection)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/pile/R1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("expected dial to succeed, got %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && s.client("R1") == nil {
		time.Sleep(5 * time.Millisecond)
	}
	if s.client("R1") == nil {
		t.Fatal("expected pile connection to register")
	}
	return s, conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame []interface{}) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("expected write to succeed, got %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) []json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected read to succeed, got %v", err)
	}
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("expected frame to parse, got %v", err)
	}
	return frame
}

func frameType(t *testing.T, frame []json.RawMessage) int {
	t.Helper()
	var msgType int
	if err := json.Unmarshal(frame[0], &msgType); err != nil {
		t.Fatalf("expected message type, got %v", err)
	}
	return msgType
}

func TestRegister_AcceptedWithHeartbeatInterval(t *testing.T) {
	// Arrange
	var gotPile string
	var gotMode domain.ChargeMode
	var gotPower float64
	engine := &fakeEngine{
		RegisterPileFunc: func(ctx context.Context, pileID string, mode domain.ChargeMode, powerKW float64) error {
			gotPile, gotMode, gotPower = pileID, mode, powerKW
			return nil
		},
	}
	_, conn := dialTestGateway(t, engine, DefaultConfig())

	// Act
	writeFrame(t, conn, []interface{}{CallMessage, "1", "Register", map[string]interface{}{
		"mode":     "fast",
		"power_kw": 30.0,
	}})
	frame := readFrame(t, conn)

	// Assert
	if frameType(t, frame) != CallResultMessage {
		t.Fatalf("expected call result, got frame %v", frame)
	}
	var resp registerResponse
	if err := json.Unmarshal(frame[2], &resp); err != nil {
		t.Fatalf("expected register response, got %v", err)
	}
	if resp.Status != "Accepted" {
		t.Errorf("expected Accepted, got %s", resp.Status)
	}
	if resp.HeartbeatIntervalSec != 10 {
		t.Errorf("expected heartbeat interval 10s, got %d", resp.HeartbeatIntervalSec)
	}
	if gotPile != "R1" || gotMode != domain.ModeFast || gotPower != 30.0 {
		t.Errorf("expected R1 fast 30kW registered, got %s %s %.1f", gotPile, gotMode, gotPower)
	}
}

func TestRegister_RejectsUnknownMode(t *testing.T) {
	// Arrange
	_, conn := dialTestGateway(t, &fakeEngine{}, DefaultConfig())

	// Act
	writeFrame(t, conn, []interface{}{CallMessage, "1", "Register", map[string]interface{}{
		"mode":     "turbo",
		"power_kw": 30.0,
	}})
	frame := readFrame(t, conn)

	// Assert
	if frameType(t, frame) != CallErrorMessage {
		t.Fatalf("expected call error, got frame %v", frame)
	}
	var code string
	if err := json.Unmarshal(frame[2], &code); err != nil {
		t.Fatalf("expected error code, got %v", err)
	}
	if code != "InvalidPayload" {
		t.Errorf("expected InvalidPayload, got %s", code)
	}
}

func TestProgress_ViolationReturnsCallError(t *testing.T) {
	// Arrange
	engine := &fakeEngine{
		ReportProgressFunc: func(ctx context.Context, pileID, userID string, deliveredKWh float64) error {
			return domain.Errorf(domain.KindPileProtocolViolation, "progress for wrong user")
		},
	}
	_, conn := dialTestGateway(t, engine, DefaultConfig())

	// Act
	writeFrame(t, conn, []interface{}{CallMessage, "2", "Progress", map[string]interface{}{
		"user_id":       "u9",
		"delivered_kwh": 5.0,
	}})
	frame := readFrame(t, conn)

	// Assert
	if frameType(t, frame) != CallErrorMessage {
		t.Fatalf("expected call error, got frame %v", frame)
	}
	var code string
	if err := json.Unmarshal(frame[2], &code); err != nil {
		t.Fatalf("expected error code, got %v", err)
	}
	if code != "ProtocolViolation" {
		t.Errorf("expected ProtocolViolation, got %s", code)
	}
}

func TestComplete_ForwardsTerminalReport(t *testing.T) {
	// Arrange
	type completeCall struct {
		pileID string
		userID string
		kwh    float64
		status domain.SessionStatus
		reason string
	}
	var got completeCall
	engine := &fakeEngine{
		ReportCompleteFunc: func(ctx context.Context, pileID, userID string, deliveredKWh float64, status domain.SessionStatus, reason string) error {
			got = completeCall{pileID, userID, deliveredKWh, status, reason}
			return nil
		},
	}
	_, conn := dialTestGateway(t, engine, DefaultConfig())

	// Act
	writeFrame(t, conn, []interface{}{CallMessage, "3", "Complete", map[string]interface{}{
		"user_id":       "u1",
		"delivered_kwh": 30.0,
		"status":        "COMPLETED",
	}})
	frame := readFrame(t, conn)

	// Assert
	if frameType(t, frame) != CallResultMessage {
		t.Fatalf("expected call result, got frame %v", frame)
	}
	if got.pileID != "R1" || got.userID != "u1" || got.kwh != 30.0 {
		t.Errorf("expected complete for R1/u1/30, got %+v", got)
	}
	if got.status != domain.SessionStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", got.status)
	}
}

func TestUnknownAction_AnsweredWithEmptyResult(t *testing.T) {
	// Arrange
	_, conn := dialTestGateway(t, &fakeEngine{}, DefaultConfig())

	// Act
	writeFrame(t, conn, []interface{}{CallMessage, "4", "SelfDestruct", map[string]interface{}{}})
	frame := readFrame(t, conn)

	// Assert
	if frameType(t, frame) != CallResultMessage {
		t.Fatalf("expected call result, got frame %v", frame)
	}
}

func TestStartCharging_RoundTrip(t *testing.T) {
	// Arrange
	s, conn := dialTestGateway(t, &fakeEngine{}, DefaultConfig())

	done := make(chan error, 1)
	go func() {
		done <- s.StartCharging(context.Background(), "R1", "u1", 30.0)
	}()

	// Act: the pile side reads the command and acknowledges it.
	frame := readFrame(t, conn)
	if frameType(t, frame) != CallMessage {
		t.Fatalf("expected call, got frame %v", frame)
	}
	var msgID, action string
	json.Unmarshal(frame[1], &msgID)
	json.Unmarshal(frame[2], &action)
	var req startChargingRequest
	if err := json.Unmarshal(frame[3], &req); err != nil {
		t.Fatalf("expected start payload, got %v", err)
	}
	writeFrame(t, conn, []interface{}{CallResultMessage, msgID, map[string]string{"status": "Accepted"}})

	// Assert
	if err := <-done; err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if action != "StartCharging" {
		t.Errorf("expected StartCharging, got %s", action)
	}
	if req.UserID != "u1" || req.TargetKWh != 30.0 {
		t.Errorf("expected u1 targeting 30 kWh, got %+v", req)
	}
}

func TestStopCharging_RejectionSurfacesError(t *testing.T) {
	// Arrange
	s, conn := dialTestGateway(t, &fakeEngine{}, Config{
		CommandTimeout: time.Second,
		CommandRetries: 1,
	})

	done := make(chan error, 1)
	go func() {
		done <- s.StopCharging(context.Background(), "R1")
	}()

	// Act
	frame := readFrame(t, conn)
	var msgID string
	json.Unmarshal(frame[1], &msgID)
	writeFrame(t, conn, []interface{}{CallResultMessage, msgID, map[string]string{"status": "Rejected"}})

	// Assert
	err := <-done
	if err == nil {
		t.Fatal("expected rejection error, got nil")
	}
	if !strings.Contains(err.Error(), "rejected") {
		t.Errorf("expected rejection in error, got %v", err)
	}
}

func TestCommand_TimesOutWithoutAck(t *testing.T) {
	// Arrange
	s, conn := dialTestGateway(t, &fakeEngine{}, Config{
		CommandTimeout: 50 * time.Millisecond,
		CommandRetries: 1,
	})
	_ = conn // the pile never answers

	// Act
	err := s.SetFault(context.Background(), "R1", "breaker_trip")

	// Assert
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("expected timeout in error, got %v", err)
	}
}

func TestCommand_FailsFastWhenPileNotConnected(t *testing.T) {
	// Arrange
	s := NewServer(&fakeEngine{}, Config{
		CommandTimeout: 50 * time.Millisecond,
		CommandRetries: 1,
	}, newTestLogger())

	// Act
	err := s.StartCharging(context.Background(), "ghost", "u1", 10.0)

	// Assert
	if err == nil {
		t.Fatal("expected connection error, got nil")
	}
	if !strings.Contains(err.Error(), "not connected") {
		t.Errorf("expected not connected in error, got %v", err)
	}
}

func TestReconnect_ReplacesOldConnection(t *testing.T) {
	// Arrange
	engine := &fakeEngine{}
	s := NewServer(engine, DefaultConfig(), newTestLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("/pile/", s.handleConnection)
	ts := httptest.NewServer(mux)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/pile/R1"

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("expected first dial to succeed, got %v", err)
	}
	defer first.Close()

	var firstClient *client
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if firstClient = s.client("R1"); firstClient != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if firstClient == nil {
		t.Fatal("expected first connection to register")
	}

	// Act
	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("expected second dial to succeed, got %v", err)
	}
	defer second.Close()

	// The registry should route commands to the new connection.
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c := s.client("R1"); c != nil && c != firstClient {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.RecoverFault(context.Background(), "R1")
	}()

	frame := readFrame(t, second)
	var msgID string
	json.Unmarshal(frame[1], &msgID)
	writeFrame(t, second, []interface{}{CallResultMessage, msgID, map[string]string{"status": "Accepted"}})

	// Assert
	if err := <-done; err != nil {
		t.Fatalf("expected command on new connection, got %v", err)
	}
}
