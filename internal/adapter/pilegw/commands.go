package pilegw

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/observability/telemetry"
)

// The gateway implements station.PileCommander: every method turns into a
// call frame on the pile's connection and waits for the acknowledgement.

const statusAccepted = "Accepted"

type commandAck struct {
	Status string `json:"status"`
}

type startChargingRequest struct {
	UserID    string  `json:"user_id"`
	TargetKWh float64 `json:"target_kwh"`
}

// StartCharging tells the pile to begin delivering energy for the user.
func (s *Server) StartCharging(ctx context.Context, pileID, userID string, targetKWh float64) error {
	req := startChargingRequest{UserID: userID, TargetKWh: targetKWh}

	resp, err := s.call(ctx, pileID, "StartCharging", req)
	if err != nil {
		return fmt.Errorf("start charging failed: %w", err)
	}

	var ack commandAck
	if err := json.Unmarshal(resp, &ack); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if ack.Status != statusAccepted {
		return fmt.Errorf("start charging rejected: %s", ack.Status)
	}
	return nil
}

// StopCharging tells the pile to cut power and report its final meter.
func (s *Server) StopCharging(ctx context.Context, pileID string) error {
	resp, err := s.call(ctx, pileID, "StopCharging", map[string]string{})
	if err != nil {
		return fmt.Errorf("stop charging failed: %w", err)
	}

	var ack commandAck
	if err := json.Unmarshal(resp, &ack); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if ack.Status != statusAccepted {
		return fmt.Errorf("stop charging rejected: %s", ack.Status)
	}
	return nil
}

type setFaultRequest struct {
	Reason string `json:"reason"`
}

// SetFault tells the pile to enter its fault state.
func (s *Server) SetFault(ctx context.Context, pileID, reason string) error {
	resp, err := s.call(ctx, pileID, "SetFault", setFaultRequest{Reason: reason})
	if err != nil {
		return fmt.Errorf("set fault failed: %w", err)
	}

	var ack commandAck
	if err := json.Unmarshal(resp, &ack); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if ack.Status != statusAccepted {
		return fmt.Errorf("set fault rejected: %s", ack.Status)
	}
	return nil
}

// RecoverFault tells the pile to leave its fault state.
func (s *Server) RecoverFault(ctx context.Context, pileID string) error {
	resp, err := s.call(ctx, pileID, "RecoverFault", map[string]string{})
	if err != nil {
		return fmt.Errorf("recover fault failed: %w", err)
	}

	var ack commandAck
	if err := json.Unmarshal(resp, &ack); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if ack.Status != statusAccepted {
		return fmt.Errorf("recover fault rejected: %s", ack.Status)
	}
	return nil
}

// Shutdown tells the pile to power down after the administrator took it
// out of service.
func (s *Server) Shutdown(ctx context.Context, pileID string) error {
	resp, err := s.call(ctx, pileID, "Shutdown", map[string]string{})
	if err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	var ack commandAck
	if err := json.Unmarshal(resp, &ack); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if ack.Status != statusAccepted {
		return fmt.Errorf("shutdown rejected: %s", ack.Status)
	}
	return nil
}

// call sends one command frame to the pile and waits for the matching
// result. Attempts pass through the pile's circuit breaker; an open
// breaker fails fast instead of queueing more sends onto a dead link.
func (s *Server) call(ctx context.Context, pileID, action string, payload interface{}) (json.RawMessage, error) {
	breaker := s.breakerFor(pileID)

	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 0; attempt < s.cfg.CommandRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}

		attemptStart := time.Now()
		out, err := breaker.Execute(func() (interface{}, error) {
			return s.callOnce(ctx, pileID, action, payload)
		})
		if err == nil {
			telemetry.PileCommandSeconds.WithLabelValues(action).Observe(time.Since(attemptStart).Seconds())
			telemetry.PileCommandsTotal.WithLabelValues(action, "ok").Inc()
			return out.(json.RawMessage), nil
		}
		lastErr = err
		telemetry.PileCommandsTotal.WithLabelValues(action, "error").Inc()

		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.Warn("Pile command attempt failed",
			zap.String("pile_id", pileID),
			zap.String("action", action),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

func (s *Server) callOnce(ctx context.Context, pileID, action string, payload interface{}) (json.RawMessage, error) {
	c := s.client(pileID)
	if c == nil {
		return nil, fmt.Errorf("pile %s not connected", pileID)
	}

	msgID := fmt.Sprintf("%d", s.msgSeq.Add(1))
	respChan := make(chan callOutcome, 1)
	s.pendingMu.Lock()
	s.pending[msgID] = respChan
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, msgID)
		s.pendingMu.Unlock()
	}()

	frame := []interface{}{CallMessage, msgID, action, payload}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", action, err)
	}
	if err := c.write(data); err != nil {
		return nil, fmt.Errorf("failed to send %s to pile %s: %w", action, pileID, err)
	}
	telemetry.PileMessagesTotal.WithLabelValues(action, "out").Inc()

	select {
	case out := <-respChan:
		if out.errCode != "" {
			return nil, fmt.Errorf("pile %s rejected %s: %s - %s", pileID, action, out.errCode, out.errDesc)
		}
		return out.payload, nil
	case <-time.After(s.cfg.CommandTimeout):
		return nil, fmt.Errorf("timeout waiting for %s ack from pile %s", action, pileID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) breakerFor(pileID string) *gobreaker.CircuitBreaker {
	s.breakerMu.Lock()
	defer s.breakerMu.Unlock()

	if cb, ok := s.breakers[pileID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pile-" + pileID,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.log.Warn("Pile circuit breaker state changed",
				zap.String("pile_id", pileID),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	s.breakers[pileID] = cb
	return cb
}
