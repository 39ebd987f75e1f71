package station

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/observability/telemetry"
)

// SlotView is the admin's view of one reservation slot.
type SlotView struct {
	RequestID    string     `json:"request_id"`
	UserID       string     `json:"user_id"`
	QueueNumber  string     `json:"queue_number"`
	TargetKWh    float64    `json:"target_kwh"`
	DeliveredKWh *float64   `json:"delivered_kwh,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
}

// PileDetail is one pile with its live slot occupancy.
type PileDetail struct {
	Pile     domain.Pile `json:"pile"`
	Charging *SlotView   `json:"charging,omitempty"`
	Waiting  *SlotView   `json:"waiting,omitempty"`
}

// QueueSnapshot is the station-wide queue state for the admin console.
type QueueSnapshot struct {
	Policy      domain.DispatchPolicy `json:"dispatch_policy"`
	WaitingArea []domain.Request      `json:"waiting_area"`
	Piles       []PileDetail          `json:"piles"`
}

// Piles returns the persisted view of every pile.
func (e *Engine) Piles(ctx context.Context) []domain.Pile {
	out := make([]domain.Pile, 0, len(e.pileIDs))
	for _, id := range e.pileIDs {
		ps := e.piles[id]
		ps.mu.Lock()
		out = append(out, ps.snapshot())
		ps.mu.Unlock()
	}
	return out
}

// PileDetail returns one pile with its slots.
func (e *Engine) PileDetail(ctx context.Context, pileID string) (*PileDetail, error) {
	ps, ok := e.pile(pileID)
	if !ok {
		return nil, domain.Errorf(domain.KindPileNotFound, "pile %s not found", pileID)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return e.pileDetailLocked(ps), nil
}

func (e *Engine) pileDetailLocked(ps *pileState) *PileDetail {
	detail := &PileDetail{Pile: ps.snapshot()}
	if ps.charging != nil {
		view := &SlotView{
			RequestID:   ps.charging.ID,
			UserID:      ps.charging.UserID,
			QueueNumber: ps.charging.QueueNumber,
			TargetKWh:   ps.charging.TargetKWh,
		}
		if ps.session != nil {
			delivered := ps.session.DeliveredKWh
			started := ps.session.StartedAt
			view.DeliveredKWh = &delivered
			view.StartedAt = &started
		}
		detail.Charging = view
	}
	if ps.waiting != nil {
		detail.Waiting = &SlotView{
			RequestID:   ps.waiting.ID,
			UserID:      ps.waiting.UserID,
			QueueNumber: ps.waiting.QueueNumber,
			TargetKWh:   ps.waiting.TargetKWh,
		}
	}
	return detail
}

// QueueState snapshots the waiting area and every pile queue.
func (e *Engine) QueueState(ctx context.Context) *QueueSnapshot {
	snap := &QueueSnapshot{Policy: e.Policy()}

	e.wa.mu.Lock()
	snap.WaitingArea = e.wa.list()
	e.wa.mu.Unlock()

	for _, id := range e.pileIDs {
		ps := e.piles[id]
		ps.mu.Lock()
		snap.Piles = append(snap.Piles, *e.pileDetailLocked(ps))
		ps.mu.Unlock()
	}
	return snap
}

// Policy returns the active dispatch policy.
func (e *Engine) Policy() domain.DispatchPolicy {
	e.pauseMu.RLock()
	defer e.pauseMu.RUnlock()
	return e.policy
}

// SetDispatchPolicy switches the fault re-planning policy at runtime.
func (e *Engine) SetDispatchPolicy(policy string) error {
	parsed, err := domain.ParseDispatchPolicy(policy)
	if err != nil {
		return err
	}
	e.pauseMu.Lock()
	e.policy = parsed
	e.pauseMu.Unlock()
	e.log.Info("dispatch policy changed", zap.String("policy", policy))
	return nil
}

// StopPile takes an idle pile offline for maintenance. Piles with any
// reservation are refused.
func (e *Engine) StopPile(ctx context.Context, pileID string) error {
	ps, ok := e.pile(pileID)
	if !ok {
		return domain.Errorf(domain.KindPileNotFound, "pile %s not found", pileID)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.info.Status == domain.PileStatusOffline {
		return nil
	}
	if ps.info.Status != domain.PileStatusAvailable || ps.charging != nil || ps.waiting != nil {
		return domain.Errorf(domain.KindInvalidInput, "pile %s has an open session or reservation", pileID)
	}
	ps.info.Status = domain.PileStatusOffline
	ps.info.UpdatedAt = e.clock.Now()
	e.persistPileLocked(ctx, ps)
	telemetry.SetPileStatus(pileID, string(domain.PileStatusOffline))

	if ps.info.Management == domain.PileRemote {
		e.commandAsync(pileID, "SHUTDOWN", func(cctx context.Context) error {
			return e.commander.Shutdown(cctx, pileID)
		})
	}
	e.log.Info("pile stopped", zap.String("pile_id", pileID))
	return nil
}

// StartPile brings an offline pile back into dispatch.
func (e *Engine) StartPile(ctx context.Context, pileID string) error {
	ps, ok := e.pile(pileID)
	if !ok {
		return domain.Errorf(domain.KindPileNotFound, "pile %s not found", pileID)
	}
	ps.mu.Lock()
	if ps.info.Status != domain.PileStatusOffline {
		ps.mu.Unlock()
		return nil
	}
	ps.info.Status = domain.PileStatusAvailable
	ps.info.UpdatedAt = e.clock.Now()
	e.persistPileLocked(ctx, ps)
	ps.mu.Unlock()

	telemetry.SetPileStatus(pileID, string(domain.PileStatusAvailable))
	e.log.Info("pile started", zap.String("pile_id", pileID))
	e.notifyDispatch()
	return nil
}

// RegisterPile claims a configured pile for an external controller. The
// call is idempotent; reconnecting controllers re-register. The station
// layout is fixed at startup, so the id must match a configured pile, and
// the configured type and power stay authoritative.
func (e *Engine) RegisterPile(ctx context.Context, pileID string, mode domain.ChargeMode, powerKW float64) error {
	ps, ok := e.pile(pileID)
	if !ok {
		return domain.Errorf(domain.KindPileNotFound, "pile %s is not part of the station layout", pileID)
	}
	now := e.clock.Now()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if mode != ps.info.Type || powerKW != ps.info.PowerKW {
		e.log.Warn("pile registered with mismatched parameters, keeping configured values",
			zap.String("pile_id", pileID),
			zap.String("reported_type", string(mode)),
			zap.Float64("reported_power_kw", powerKW),
		)
	}

	ps.info.Management = domain.PileRemote
	ps.lastHeartbeat = now
	if ps.info.Status == domain.PileStatusOffline {
		ps.info.Status = domain.PileStatusAvailable
	}
	ps.info.LastHeartbeat = &now
	ps.info.UpdatedAt = now
	e.persistPileLocked(ctx, ps)

	e.log.Info("pile registered",
		zap.String("pile_id", pileID),
		zap.String("type", string(ps.info.Type)),
		zap.Float64("power_kw", ps.info.PowerKW),
	)
	e.notifyDispatch()
	return nil
}

// Heartbeat records liveness from a remote pile. A heartbeat from an
// offline pile brings it back; its session view was held while silent.
func (e *Engine) Heartbeat(ctx context.Context, pileID string) error {
	ps, ok := e.pile(pileID)
	if !ok {
		return domain.Errorf(domain.KindPileProtocolViolation, "heartbeat from unknown pile %s", pileID)
	}
	now := e.clock.Now()

	ps.mu.Lock()
	ps.lastHeartbeat = now
	ps.info.LastHeartbeat = &now
	restored := false
	if ps.info.Status == domain.PileStatusOffline && ps.info.Management == domain.PileRemote {
		if ps.session != nil {
			ps.info.Status = domain.PileStatusCharging
		} else {
			ps.info.Status = domain.PileStatusAvailable
		}
		ps.info.UpdatedAt = now
		restored = true
		e.persistPileLocked(ctx, ps)
		telemetry.SetPileStatus(pileID, string(ps.info.Status))
	}
	ps.mu.Unlock()

	if restored {
		e.log.Info("pile back online", zap.String("pile_id", pileID))
		e.notifyDispatch()
	}
	return nil
}

// ReportProgress applies a progress frame from a remote pile. Frames that
// do not match the open session, run delivered energy backwards or
// overshoot the target are protocol violations: the caller logs them and
// no state changes.
func (e *Engine) ReportProgress(ctx context.Context, pileID, userID string, deliveredKWh float64) error {
	ps, ok := e.pile(pileID)
	if !ok {
		return domain.Errorf(domain.KindPileProtocolViolation, "progress from unknown pile %s", pileID)
	}
	now := e.clock.Now()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.lastHeartbeat = now
	ps.info.LastHeartbeat = &now

	if ps.session == nil || ps.session.UserID != userID {
		return domain.Errorf(domain.KindPileProtocolViolation,
			"progress for unknown session on pile %s (user %s)", pileID, userID)
	}
	if !ps.recordProgress(deliveredKWh, now) {
		return domain.Errorf(domain.KindPileProtocolViolation,
			"non-monotonic progress %.4f on pile %s", deliveredKWh, pileID)
	}
	return nil
}

// ReportComplete terminates the open session on a remote pile with the
// delivered energy the pile measured.
func (e *Engine) ReportComplete(ctx context.Context, pileID, userID string, deliveredKWh float64, status domain.SessionStatus, reason string) error {
	ps, ok := e.pile(pileID)
	if !ok {
		return domain.Errorf(domain.KindPileProtocolViolation, "completion from unknown pile %s", pileID)
	}
	if status != domain.SessionStatusCompleted && status != domain.SessionStatusCancelled {
		return domain.Errorf(domain.KindPileProtocolViolation,
			"completion with invalid status %s from pile %s", status, pileID)
	}
	now := e.clock.Now()

	ps.mu.Lock()
	if ps.session == nil || ps.session.UserID != userID {
		ps.mu.Unlock()
		return domain.Errorf(domain.KindPileProtocolViolation,
			"completion for unknown session on pile %s (user %s)", pileID, userID)
	}
	ps.lastHeartbeat = now
	ps.info.LastHeartbeat = &now
	if deliveredKWh > ps.session.TargetKWh {
		e.log.Warn("completion overshoots target, clamping",
			zap.String("pile_id", pileID),
			zap.Float64("delivered_kwh", deliveredKWh),
			zap.Float64("target_kwh", ps.session.TargetKWh),
		)
		deliveredKWh = ps.session.TargetKWh
	}
	if deliveredKWh >= ps.session.DeliveredKWh {
		ps.session.DeliveredKWh = deliveredKWh
	}
	if reason == "" {
		reason = "completed"
	}
	_, err := e.finishSessionLocked(ctx, ps, status, reason, now)
	ps.mu.Unlock()
	if err != nil {
		return err
	}

	e.notifyDispatch()
	return nil
}
