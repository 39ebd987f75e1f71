// Package pilegw is the WebSocket gateway for remote charging piles. Piles
// connect to /pile/{pileID} and exchange JSON array frames modeled on the
// OCPP framing: [2, id, action, payload] for calls, [3, id, payload] for
// results and [4, id, code, description, details] for errors. The station
// runtime drives pile hardware back through the same connection.
package pilegw

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/observability/telemetry"
)

// Message types on the pile protocol.
const (
	CallMessage       = 2
	CallResultMessage = 3
	CallErrorMessage  = 4
)

// Engine is the slice of the station runtime the gateway drives on behalf
// of connected piles.
type Engine interface {
	RegisterPile(ctx context.Context, pileID string, mode domain.ChargeMode, powerKW float64) error
	Heartbeat(ctx context.Context, pileID string) error
	ReportProgress(ctx context.Context, pileID, userID string, deliveredKWh float64) error
	ReportComplete(ctx context.Context, pileID, userID string, deliveredKWh float64, status domain.SessionStatus, reason string) error
}

// Config holds the gateway timing knobs.
type Config struct {
	// HeartbeatInterval is advertised to piles on registration.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// CommandTimeout bounds the wait for a pile to acknowledge a command.
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	// CommandRetries is the number of send attempts per command.
	CommandRetries int `mapstructure:"command_retries"`
}

// DefaultConfig matches the station runtime defaults: piles beat at a
// third of the 30s staleness window.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		CommandTimeout:    10 * time.Second,
		CommandRetries:    3,
	}
}

type client struct {
	pileID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

type callOutcome struct {
	payload json.RawMessage
	errCode string
	errDesc string
}

// Server accepts pile connections and routes protocol frames between the
// piles and the station runtime.
type Server struct {
	engine Engine
	cfg    Config
	log    *zap.Logger

	clients map[string]*client
	mu      sync.RWMutex

	pending   map[string]chan callOutcome
	pendingMu sync.Mutex
	msgSeq    atomic.Int64

	breakers  map[string]*gobreaker.CircuitBreaker
	breakerMu sync.Mutex

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	probes   ProbeRoutes
}

// ProbeRoutes mounts auxiliary endpoints, such as health probes, on the
// gateway listener.
type ProbeRoutes interface {
	RegisterRoutes(mux *http.ServeMux)
}

func NewServer(engine Engine, cfg Config, log *zap.Logger) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultConfig().CommandTimeout
	}
	if cfg.CommandRetries <= 0 {
		cfg.CommandRetries = DefaultConfig().CommandRetries
	}
	return &Server{
		engine:   engine,
		cfg:      cfg,
		log:      log,
		clients:  make(map[string]*client),
		pending:  make(map[string]chan callOutcome),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetHealthHandler mounts health probes on the gateway listener so the
// pile port can be checked independently of the API port. Must be
// called before Start.
func (s *Server) SetHealthHandler(p ProbeRoutes) {
	s.probes = p
}

// Start serves the pile endpoint until Shutdown is called.
func (s *Server) Start(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/pile/", s.handleConnection)
	if s.probes != nil {
		s.probes.RegisterRoutes(mux)
	}

	addr := fmt.Sprintf(":%d", port)
	s.log.Info("Starting pile gateway", zap.String("addr", addr))

	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts down the listener and closes all pile connections.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for id, c := range s.clients {
		c.conn.Close()
		delete(s.clients, id)
	}
	s.mu.Unlock()

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	pileID := r.URL.Path[len("/pile/"):]
	if pileID == "" {
		http.Error(w, "missing pile ID", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{pileID: pileID, conn: conn}
	s.registerClient(c)
	defer s.unregisterClient(c)

	s.log.Info("Pile connected", zap.String("pile_id", pileID))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Error("WebSocket read error", zap.String("pile_id", pileID), zap.Error(err))
			}
			break
		}
		s.handleFrame(c, message)
	}
}

func (s *Server) registerClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.clients[c.pileID]; ok {
		old.conn.Close()
	}
	s.clients[c.pileID] = c
}

// unregisterClient removes the client unless a newer connection has
// already claimed the pile ID.
func (s *Server) unregisterClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.clients[c.pileID]; ok && current == c {
		delete(s.clients, c.pileID)
	}
	c.conn.Close()
	s.log.Info("Pile disconnected", zap.String("pile_id", c.pileID))
}

func (s *Server) client(pileID string) *client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[pileID]
}

// handleFrame parses one protocol frame and routes it: calls go to the
// action handlers, results and errors resolve a pending command.
func (s *Server) handleFrame(c *client, raw []byte) {
	var msg []json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.log.Error("Invalid pile frame", zap.String("pile_id", c.pileID), zap.Error(err))
		return
	}
	if len(msg) < 3 {
		s.log.Error("Pile frame too short", zap.String("pile_id", c.pileID))
		return
	}

	var msgType int
	if err := json.Unmarshal(msg[0], &msgType); err != nil {
		return
	}
	var msgID string
	if err := json.Unmarshal(msg[1], &msgID); err != nil {
		return
	}

	switch msgType {
	case CallMessage:
		if len(msg) < 4 {
			return
		}
		var action string
		if err := json.Unmarshal(msg[2], &action); err != nil {
			return
		}
		s.handleCall(c, msgID, action, msg[3])

	case CallResultMessage:
		s.resolvePending(msgID, callOutcome{payload: msg[2]})

	case CallErrorMessage:
		var code, desc string
		json.Unmarshal(msg[2], &code)
		if len(msg) > 3 {
			json.Unmarshal(msg[3], &desc)
		}
		s.resolvePending(msgID, callOutcome{errCode: code, errDesc: desc})
	}
}

func (s *Server) handleCall(c *client, msgID, action string, payload json.RawMessage) {
	telemetry.PileMessagesTotal.WithLabelValues(action, "in").Inc()

	result, err := s.handleAction(c.pileID, action, payload)
	if err != nil {
		s.log.Warn("Pile call rejected",
			zap.String("pile_id", c.pileID),
			zap.String("action", action),
			zap.Error(err),
		)
		s.sendCallError(c, msgID, errorCode(err), err.Error())
		return
	}
	s.sendCallResult(c, msgID, result)
}

func (s *Server) sendCallResult(c *client, msgID string, payload interface{}) {
	frame := []interface{}{CallResultMessage, msgID, payload}
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Error("Failed to marshal call result", zap.Error(err))
		return
	}
	if err := c.write(data); err != nil {
		s.log.Error("Failed to send call result", zap.String("pile_id", c.pileID), zap.Error(err))
	}
}

func (s *Server) sendCallError(c *client, msgID, code, desc string) {
	frame := []interface{}{CallErrorMessage, msgID, code, desc, map[string]string{}}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := c.write(data); err != nil {
		s.log.Error("Failed to send call error", zap.String("pile_id", c.pileID), zap.Error(err))
	}
}

func (s *Server) resolvePending(msgID string, out callOutcome) {
	s.pendingMu.Lock()
	ch, ok := s.pending[msgID]
	if ok {
		delete(s.pending, msgID)
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- out
	}
}

func errorCode(err error) string {
	switch domain.KindOf(err) {
	case domain.KindPileProtocolViolation:
		return "ProtocolViolation"
	case domain.KindPileNotFound:
		return "UnknownPile"
	case domain.KindInvalidInput:
		return "InvalidPayload"
	default:
		return "InternalError"
	}
}
