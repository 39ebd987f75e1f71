package pilegw

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/domain"
)

// handleAction routes a pile-originated call to the station runtime.
func (s *Server) handleAction(pileID, action string, payload json.RawMessage) (interface{}, error) {
	ctx := context.Background()

	switch action {
	case "Register":
		return s.handleRegister(ctx, pileID, payload)
	case "Heartbeat":
		return s.handleHeartbeat(ctx, pileID)
	case "StatusReport":
		return s.handleStatusReport(ctx, pileID, payload)
	case "Progress":
		return s.handleProgress(ctx, pileID, payload)
	case "Complete":
		return s.handleComplete(ctx, pileID, payload)
	default:
		s.log.Warn("Unknown pile action", zap.String("pile_id", pileID), zap.String("action", action))
		return map[string]string{}, nil
	}
}

type registerRequest struct {
	Mode    string  `json:"mode"`
	PowerKW float64 `json:"power_kw"`
}

type registerResponse struct {
	Status               string `json:"status"`
	CurrentTime          string `json:"current_time"`
	HeartbeatIntervalSec int    `json:"heartbeat_interval_sec"`
}

func (s *Server) handleRegister(ctx context.Context, pileID string, payload json.RawMessage) (interface{}, error) {
	var req registerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid Register payload: %w", err)
	}

	mode, err := domain.ParseChargeMode(req.Mode)
	if err != nil {
		return nil, err
	}

	s.log.Info("Pile registering",
		zap.String("pile_id", pileID),
		zap.String("mode", req.Mode),
		zap.Float64("power_kw", req.PowerKW),
	)

	if err := s.engine.RegisterPile(ctx, pileID, mode, req.PowerKW); err != nil {
		return nil, err
	}

	return registerResponse{
		Status:               "Accepted",
		CurrentTime:          time.Now().UTC().Format(time.RFC3339),
		HeartbeatIntervalSec: int(s.cfg.HeartbeatInterval.Seconds()),
	}, nil
}

func (s *Server) handleHeartbeat(ctx context.Context, pileID string) (interface{}, error) {
	if err := s.engine.Heartbeat(ctx, pileID); err != nil {
		return nil, err
	}
	return map[string]string{
		"current_time": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

type statusReportRequest struct {
	Status  string `json:"status"`
	Current *struct {
		UserID       string  `json:"user_id"`
		DeliveredKWh float64 `json:"delivered_kwh"`
		TargetKWh    float64 `json:"target_kwh"`
	} `json:"current,omitempty"`
}

// handleStatusReport refreshes liveness and, when the report carries the
// open session's meter, folds it into the progress path. The runtime's
// view stays authoritative; a mismatched status is only logged.
func (s *Server) handleStatusReport(ctx context.Context, pileID string, payload json.RawMessage) (interface{}, error) {
	var req statusReportRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid StatusReport payload: %w", err)
	}

	if err := s.engine.Heartbeat(ctx, pileID); err != nil {
		return nil, err
	}
	s.log.Debug("Pile status report",
		zap.String("pile_id", pileID),
		zap.String("reported_status", req.Status),
	)

	if req.Current != nil {
		if err := s.engine.ReportProgress(ctx, pileID, req.Current.UserID, req.Current.DeliveredKWh); err != nil {
			return nil, err
		}
	}
	return map[string]string{}, nil
}

type progressRequest struct {
	UserID       string  `json:"user_id"`
	DeliveredKWh float64 `json:"delivered_kwh"`
}

func (s *Server) handleProgress(ctx context.Context, pileID string, payload json.RawMessage) (interface{}, error) {
	var req progressRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid Progress payload: %w", err)
	}

	if err := s.engine.ReportProgress(ctx, pileID, req.UserID, req.DeliveredKWh); err != nil {
		return nil, err
	}
	return map[string]string{}, nil
}

type completeRequest struct {
	UserID       string  `json:"user_id"`
	DeliveredKWh float64 `json:"delivered_kwh"`
	Status       string  `json:"status"`
	Reason       string  `json:"reason,omitempty"`
}

func (s *Server) handleComplete(ctx context.Context, pileID string, payload json.RawMessage) (interface{}, error) {
	var req completeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid Complete payload: %w", err)
	}

	s.log.Info("Pile session finished",
		zap.String("pile_id", pileID),
		zap.String("user_id", req.UserID),
		zap.Float64("delivered_kwh", req.DeliveredKWh),
		zap.String("status", req.Status),
	)

	err := s.engine.ReportComplete(ctx, pileID, req.UserID, req.DeliveredKWh, domain.SessionStatus(req.Status), req.Reason)
	if err != nil {
		return nil, err
	}
	return map[string]string{}, nil
}
