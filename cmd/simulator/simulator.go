package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SimulatorConfig holds the simulator configuration
type SimulatorConfig struct {
	ServerURL        string
	PileID           string
	Mode             string // fast or trickle
	PowerKW          float64
	ProgressInterval time.Duration
	Speedup          float64 // simulated charging speed multiplier
}

// Simulator simulates one remotely managed charging pile. It registers
// with the station gateway, heartbeats on the advertised interval and
// answers the station's charging commands with a synthetic meter.
type Simulator struct {
	config *SimulatorConfig
	log    *zap.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	heartbeatInterval int

	// Session state
	mu          sync.Mutex
	userID      string
	targetKWh   float64
	delivered   float64
	charging    bool
	faulted     bool
	sessionStop chan struct{}

	// Message handling
	messageID   int
	pendingMsgs map[string]chan []byte
	pendingMu   sync.Mutex

	connStop chan struct{}
	wg       sync.WaitGroup
}

// NewSimulator creates a new pile simulator
func NewSimulator(config *SimulatorConfig, log *zap.Logger) *Simulator {
	return &Simulator{
		config:            config,
		log:               log,
		pendingMsgs:       make(map[string]chan []byte),
		heartbeatInterval: 10,
	}
}

// Connect connects to the pile gateway and registers
func (s *Simulator) Connect() error {
	url := fmt.Sprintf("%s/%s", s.config.ServerURL, s.config.PileID)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	s.conn = conn
	s.connStop = make(chan struct{})
	s.log.Info("Connected to pile gateway",
		zap.String("url", url),
		zap.String("pileID", s.config.PileID),
	)

	s.wg.Add(1)
	go s.readMessages()

	resp, err := s.sendRegister()
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	s.log.Info("Registered with station", zap.Any("response", resp))
	if interval, ok := resp["heartbeat_interval_sec"].(float64); ok && interval > 0 {
		s.heartbeatInterval = int(interval)
	}

	s.wg.Add(1)
	go s.heartbeatLoop()

	return nil
}

// Disconnect drops the gateway connection. Heartbeats stop, so the
// station marks the pile OFFLINE once the staleness window passes.
func (s *Simulator) Disconnect() {
	s.mu.Lock()
	if s.sessionStop != nil {
		close(s.sessionStop)
		s.sessionStop = nil
	}
	s.charging = false
	if s.connStop != nil {
		select {
		case <-s.connStop:
		default:
			close(s.connStop)
		}
	}
	s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
}

// Stop stops the simulator
func (s *Simulator) Stop() {
	s.Disconnect()
}

// readMessages reads and processes incoming messages
func (s *Simulator) readMessages() {
	defer s.wg.Done()

	for {
		select {
		case <-s.connStop:
			return
		default:
			_, message, err := s.conn.ReadMessage()
			if err != nil {
				select {
				case <-s.connStop:
				default:
					s.log.Error("Read error", zap.Error(err))
				}
				return
			}
			s.handleMessage(message)
		}
	}
}

// handleMessage processes one protocol frame
func (s *Simulator) handleMessage(data []byte) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Error("Invalid message", zap.Error(err))
		return
	}

	if len(raw) < 3 {
		return
	}

	var msgType int
	json.Unmarshal(raw[0], &msgType)

	var msgID string
	json.Unmarshal(raw[1], &msgID)

	switch msgType {
	case 2: // Call - command from the station
		if len(raw) < 4 {
			return
		}
		var action string
		json.Unmarshal(raw[2], &action)
		s.handleStationCommand(msgID, action, raw[3])

	case 3: // CallResult - response to our report
		s.pendingMu.Lock()
		if ch, ok := s.pendingMsgs[msgID]; ok {
			ch <- raw[2]
			delete(s.pendingMsgs, msgID)
		}
		s.pendingMu.Unlock()

	case 4: // CallError
		var code, desc string
		json.Unmarshal(raw[2], &code)
		if len(raw) > 3 {
			json.Unmarshal(raw[3], &desc)
		}
		s.log.Warn("Station rejected report", zap.String("code", code), zap.String("description", desc))
		s.pendingMu.Lock()
		if ch, ok := s.pendingMsgs[msgID]; ok {
			close(ch)
			delete(s.pendingMsgs, msgID)
		}
		s.pendingMu.Unlock()
	}
}

// handleStationCommand handles commands from the station runtime
func (s *Simulator) handleStationCommand(msgID, action string, payload json.RawMessage) {
	s.log.Info("Received station command", zap.String("action", action))

	var response interface{}

	switch action {
	case "StartCharging":
		response = s.handleStartCharging(payload)
	case "StopCharging":
		response = s.handleStopCharging()
	case "SetFault":
		response = s.handleSetFault(payload)
	case "RecoverFault":
		response = s.handleRecoverFault()
	case "Shutdown":
		response = s.handleShutdown()
	default:
		s.sendCallError(msgID, "NotImplemented", fmt.Sprintf("Action %s not implemented", action))
		return
	}

	s.sendCallResult(msgID, response)
}

// --- Command Handlers ---

func (s *Simulator) handleStartCharging(payload json.RawMessage) map[string]interface{} {
	var req struct {
		UserID    string  `json:"user_id"`
		TargetKWh float64 `json:"target_kwh"`
	}
	json.Unmarshal(payload, &req)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.faulted {
		s.log.Warn("Start rejected, pile is faulted")
		return map[string]interface{}{"status": "Rejected"}
	}
	if s.charging {
		s.log.Warn("Start rejected, session already open", zap.String("user_id", s.userID))
		return map[string]interface{}{"status": "Rejected"}
	}

	s.userID = req.UserID
	s.targetKWh = req.TargetKWh
	s.delivered = 0
	s.charging = true
	s.sessionStop = make(chan struct{})

	s.log.Info("Charging started",
		zap.String("user_id", req.UserID),
		zap.Float64("target_kwh", req.TargetKWh),
	)

	go s.chargeLoop(req.UserID, req.TargetKWh, s.sessionStop, s.connStop)

	return map[string]interface{}{"status": "Accepted"}
}

// handleStopCharging cuts the synthetic meter. The station settles the
// session on its side before sending this, so no completion report
// follows; the pile just goes idle.
func (s *Simulator) handleStopCharging() map[string]interface{} {
	s.mu.Lock()
	if s.sessionStop != nil {
		close(s.sessionStop)
		s.sessionStop = nil
	}
	s.charging = false
	s.userID = ""
	s.mu.Unlock()

	s.log.Info("Charging stopped by station")
	return map[string]interface{}{"status": "Accepted"}
}

func (s *Simulator) handleSetFault(payload json.RawMessage) map[string]interface{} {
	var req struct {
		Reason string `json:"reason"`
	}
	json.Unmarshal(payload, &req)

	s.mu.Lock()
	s.faulted = true
	if s.sessionStop != nil {
		close(s.sessionStop)
		s.sessionStop = nil
	}
	s.charging = false
	s.userID = ""
	s.mu.Unlock()

	s.log.Warn("Entering fault state", zap.String("reason", req.Reason))
	return map[string]interface{}{"status": "Accepted"}
}

func (s *Simulator) handleRecoverFault() map[string]interface{} {
	s.mu.Lock()
	s.faulted = false
	s.mu.Unlock()

	s.log.Info("Fault cleared")
	return map[string]interface{}{"status": "Accepted"}
}

// handleShutdown powers the pile down: the ack goes out first, then the
// connection drops and heartbeats stop.
func (s *Simulator) handleShutdown() map[string]interface{} {
	s.log.Info("Shutdown requested, powering down")

	go func() {
		time.Sleep(200 * time.Millisecond)
		s.Disconnect()
	}()

	return map[string]interface{}{"status": "Accepted"}
}

// chargeLoop advances the synthetic meter and reports progress until the
// target is reached or the session is stopped.
func (s *Simulator) chargeLoop(userID string, targetKWh float64, stop, connStop chan struct{}) {
	interval := s.config.ProgressInterval
	perTick := s.config.PowerKW * s.config.Speedup * interval.Hours()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-connStop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.charging || s.userID != userID {
				s.mu.Unlock()
				return
			}
			s.delivered += perTick
			done := s.delivered >= targetKWh
			if done {
				s.delivered = targetKWh
			}
			delivered := s.delivered
			if done {
				s.charging = false
				s.userID = ""
				s.sessionStop = nil
			}
			s.mu.Unlock()

			if done {
				s.sendComplete(userID, delivered, "COMPLETED", "")
				s.log.Info("Charging complete",
					zap.String("user_id", userID),
					zap.Float64("delivered_kwh", delivered),
				)
				return
			}
			s.sendProgress(userID, delivered)
		}
	}
}

// --- Outgoing Reports ---

func (s *Simulator) sendCall(action string, payload interface{}) (map[string]interface{}, error) {
	s.pendingMu.Lock()
	s.messageID++
	msgID := fmt.Sprintf("%d", s.messageID)
	responseChan := make(chan []byte, 1)
	s.pendingMsgs[msgID] = responseChan
	s.pendingMu.Unlock()

	msg := []interface{}{2, msgID, action, payload}
	data, _ := json.Marshal(msg)

	if err := s.write(data); err != nil {
		return nil, err
	}

	select {
	case respData, ok := <-responseChan:
		if !ok {
			return nil, fmt.Errorf("station rejected %s", action)
		}
		var result map[string]interface{}
		json.Unmarshal(respData, &result)
		return result, nil
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timeout waiting for %s response", action)
	}
}

func (s *Simulator) sendCallResult(msgID string, payload interface{}) {
	msg := []interface{}{3, msgID, payload}
	data, _ := json.Marshal(msg)
	s.write(data)
}

func (s *Simulator) sendCallError(msgID, code, desc string) {
	msg := []interface{}{4, msgID, code, desc, map[string]string{}}
	data, _ := json.Marshal(msg)
	s.write(data)
}

func (s *Simulator) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Simulator) sendRegister() (map[string]interface{}, error) {
	return s.sendCall("Register", map[string]interface{}{
		"mode":     s.config.Mode,
		"power_kw": s.config.PowerKW,
	})
}

func (s *Simulator) sendHeartbeat() {
	if _, err := s.sendCall("Heartbeat", map[string]interface{}{}); err != nil {
		s.log.Warn("Heartbeat failed", zap.Error(err))
	}
}

// sendStatusReport pushes a full status snapshot, including the open
// session's meter when charging.
func (s *Simulator) sendStatusReport() {
	s.mu.Lock()
	payload := map[string]interface{}{"status": "AVAILABLE"}
	if s.faulted {
		payload["status"] = "FAULT"
	} else if s.charging {
		payload["status"] = "CHARGING"
		payload["current"] = map[string]interface{}{
			"user_id":       s.userID,
			"delivered_kwh": s.delivered,
			"target_kwh":    s.targetKWh,
		}
	}
	s.mu.Unlock()

	if _, err := s.sendCall("StatusReport", payload); err != nil {
		s.log.Warn("Status report failed", zap.Error(err))
	}
}

func (s *Simulator) sendProgress(userID string, deliveredKWh float64) {
	_, err := s.sendCall("Progress", map[string]interface{}{
		"user_id":       userID,
		"delivered_kwh": deliveredKWh,
	})
	if err != nil {
		s.log.Warn("Progress report failed", zap.Error(err))
	}
}

func (s *Simulator) sendComplete(userID string, deliveredKWh float64, status, reason string) {
	payload := map[string]interface{}{
		"user_id":       userID,
		"delivered_kwh": deliveredKWh,
		"status":        status,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if _, err := s.sendCall("Complete", payload); err != nil {
		s.log.Warn("Completion report failed", zap.Error(err))
	}
}

// heartbeatLoop beats on the advertised interval; every third beat is a
// full status report instead of a bare heartbeat.
func (s *Simulator) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.heartbeatInterval) * time.Second)
	defer ticker.Stop()

	beats := 0
	for {
		select {
		case <-s.connStop:
			return
		case <-ticker.C:
			beats++
			if beats%3 == 0 {
				s.sendStatusReport()
			} else {
				s.sendHeartbeat()
			}
		}
	}
}

// RunInteractive runs the simulator in interactive mode
func (s *Simulator) RunInteractive() {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		parts := strings.Fields(line)

		if len(parts) == 0 {
			fmt.Print("> ")
			continue
		}

		cmd := parts[0]
		args := parts[1:]

		switch cmd {
		case "status":
			s.mu.Lock()
			fmt.Printf("Pile %s (%s, %.1f kW)\n", s.config.PileID, s.config.Mode, s.config.PowerKW)
			fmt.Printf("  charging: %v", s.charging)
			if s.charging {
				fmt.Printf(" (user %s, %.2f / %.2f kWh)", s.userID, s.delivered, s.targetKWh)
			}
			fmt.Println()
			fmt.Printf("  faulted:  %v\n", s.faulted)
			fmt.Printf("  heartbeat every %ds\n", s.heartbeatInterval)
			s.mu.Unlock()

		case "progress":
			if len(args) < 1 {
				fmt.Println("Usage: progress <deliveredKWh>")
				break
			}
			value, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				fmt.Printf("Bad value: %v\n", err)
				break
			}
			s.mu.Lock()
			if !s.charging {
				s.mu.Unlock()
				fmt.Println("Not currently charging")
				break
			}
			userID := s.userID
			if value > s.targetKWh {
				value = s.targetKWh
			}
			if value > s.delivered {
				s.delivered = value
			}
			value = s.delivered
			s.mu.Unlock()
			s.sendProgress(userID, value)
			fmt.Printf("Reported %.2f kWh delivered\n", value)

		case "complete":
			s.mu.Lock()
			if !s.charging {
				s.mu.Unlock()
				fmt.Println("Not currently charging")
				break
			}
			userID := s.userID
			delivered := s.delivered
			if s.sessionStop != nil {
				close(s.sessionStop)
				s.sessionStop = nil
			}
			s.charging = false
			s.userID = ""
			s.mu.Unlock()
			s.sendComplete(userID, delivered, "COMPLETED", "")
			fmt.Printf("Completed session for %s at %.2f kWh\n", userID, delivered)

		case "heartbeat":
			s.sendHeartbeat()
			fmt.Println("Sent heartbeat")

		case "report":
			s.sendStatusReport()
			fmt.Println("Sent status report")

		case "fault":
			s.mu.Lock()
			s.faulted = true
			s.mu.Unlock()
			fmt.Println("Local fault set; start commands will be rejected")

		case "recover":
			s.mu.Lock()
			s.faulted = false
			s.mu.Unlock()
			fmt.Println("Local fault cleared")

		case "disconnect":
			s.Disconnect()
			fmt.Println("Disconnected; station will mark the pile OFFLINE after the staleness window")

		case "connect":
			if err := s.Connect(); err != nil {
				fmt.Printf("Reconnect failed: %v\n", err)
			} else {
				fmt.Println("Reconnected and re-registered")
			}

		case "quit", "exit":
			fmt.Println("Goodbye!")
			return

		default:
			fmt.Printf("Unknown command: %s\n", cmd)
		}

		fmt.Print("> ")
	}
}
