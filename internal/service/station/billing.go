package station

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/observability/telemetry"
)

// startSessionLocked creates and persists a session for req on ps and
// installs it in the charging slot. Caller holds ps.mu. On a store
// failure nothing is placed and the request is untouched.
func (e *Engine) startSessionLocked(ctx context.Context, ps *pileState, req *domain.Request, now time.Time) (*domain.Session, error) {
	sess := &domain.Session{
		ID:        uuid.New().String(),
		RequestID: req.ID,
		UserID:    req.UserID,
		PileID:    ps.info.ID,
		Mode:      req.Mode,
		TargetKWh: req.TargetKWh,
		Status:    domain.SessionStatusCharging,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.sessions.Save(ctx, sess); err != nil {
		return nil, domain.WrapError(domain.KindPersistenceFailure, err, "saving session for request %s", req.ID)
	}

	req.Status = domain.RequestStatusCharging
	req.PileID = ps.info.ID
	req.UpdatedAt = now
	if err := e.requests.Update(ctx, req); err != nil {
		e.log.Warn("persisting request transition failed",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
	}

	ps.placeCharging(req, sess, now)
	e.persistPileLocked(ctx, ps)

	telemetry.ActiveSessions.Inc()
	telemetry.SetPileStatus(ps.info.ID, string(domain.PileStatusCharging))
	e.publish(domain.EventSessionStarted, domain.SessionEvent{
		SessionID: sess.ID,
		RequestID: req.ID,
		UserID:    req.UserID,
		PileID:    ps.info.ID,
		Timestamp: now,
	})

	if ps.info.Management == domain.PileRemote {
		e.commandAsync(ps.info.ID, "START_CHARGING", func(cctx context.Context) error {
			return e.commander.StartCharging(cctx, ps.info.ID, req.UserID, req.TargetKWh)
		})
	}
	return sess, nil
}

// promoteLocked moves the queued request into the charging slot. Caller
// holds ps.mu and has verified the charging slot is empty.
func (e *Engine) promoteLocked(ctx context.Context, ps *pileState, now time.Time) error {
	req := ps.waiting
	if req == nil {
		return nil
	}
	ps.waiting = nil
	if _, err := e.startSessionLocked(ctx, ps, req, now); err != nil {
		ps.waiting = req
		return err
	}
	return nil
}

// buildBill prices the frozen session and allocates the day-scoped bill
// identifier.
func (e *Engine) buildBill(sess *domain.Session, status domain.SessionStatus, reason string, now time.Time) (*domain.Bill, error) {
	end := now
	if sess.EndedAt != nil {
		end = *sess.EndedAt
	}
	energyCost, serviceCost, err := e.calc.Compute(sess.DeliveredKWh, sess.StartedAt, end)
	if err != nil {
		return nil, err
	}
	seq := e.billSeq.allocate(now)
	return &domain.Bill{
		ID:          domain.FormatBillID(now, seq),
		SessionID:   sess.ID,
		RequestID:   sess.RequestID,
		UserID:      sess.UserID,
		PileID:      sess.PileID,
		Mode:        sess.Mode,
		EnergyKWh:   sess.DeliveredKWh,
		DurationHrs: end.Sub(sess.StartedAt).Hours(),
		StartedAt:   sess.StartedAt,
		EndedAt:     end,
		EnergyCost:  energyCost,
		ServiceCost: serviceCost,
		TotalCost:   energyCost + serviceCost,
		Status:      status,
		StopReason:  reason,
		CreatedAt:   now,
	}, nil
}

// finishSessionLocked terminates the open session on ps: it prices and
// persists the bill, applies the slot transition, persists the session
// and request rows, promotes any queued car and publishes the events.
// Caller holds ps.mu.
//
// The bill write is the point of no return. If it fails the session stays
// open and untouched so the next tick can retry; the pile never becomes
// visibly AVAILABLE before its bill is durable. Failures after the bill
// is durable are logged and the in-memory state stays authoritative.
func (e *Engine) finishSessionLocked(ctx context.Context, ps *pileState, status domain.SessionStatus, reason string, now time.Time) (*domain.Bill, error) {
	sess := ps.session
	if sess == nil {
		return nil, domain.Errorf(domain.KindNoActiveSession, "pile %s has no open session", ps.info.ID)
	}

	var bill *domain.Bill
	if sess.DeliveredKWh > 0 {
		end := now
		frozen := *sess
		frozen.EndedAt = &end
		b, err := e.buildBill(&frozen, status, reason, now)
		if err != nil {
			return nil, err
		}
		if err := e.bills.Save(ctx, b); err != nil {
			return nil, domain.WrapError(domain.KindPersistenceFailure, err, "saving bill %s", b.ID)
		}
		bill = b
	}

	req := ps.charging
	closed := ps.closeCharging(status, reason, now)

	if err := e.sessions.Update(ctx, closed); err != nil {
		e.log.Warn("persisting session terminal state failed",
			zap.String("session_id", closed.ID),
			zap.Error(err),
		)
	}

	// Fault evictions keep the request alive with the remaining energy;
	// the coordinator owns its status from here.
	if status != domain.SessionStatusInterrupted && req != nil {
		if status == domain.SessionStatusCompleted {
			req.Status = domain.RequestStatusCompleted
		} else {
			req.Status = domain.RequestStatusCancelled
		}
		req.UpdatedAt = now
		if err := e.requests.Update(ctx, req); err != nil {
			e.log.Warn("persisting request terminal state failed",
				zap.String("request_id", req.ID),
				zap.Error(err),
			)
		}
		e.users.release(req.UserID, req.ID)
	}

	e.persistPileLocked(ctx, ps)

	telemetry.ActiveSessions.Dec()
	telemetry.SessionsTotal.WithLabelValues(string(status)).Inc()
	telemetry.EnergyDeliveredTotal.Add(closed.DeliveredKWh)
	telemetry.SetPileStatus(ps.info.ID, string(ps.info.Status))

	e.publish(domain.EventSessionCompleted, domain.SessionEvent{
		SessionID:    closed.ID,
		RequestID:    closed.RequestID,
		UserID:       closed.UserID,
		PileID:       ps.info.ID,
		DeliveredKWh: closed.DeliveredKWh,
		Timestamp:    now,
	})
	if bill != nil {
		telemetry.BillsTotal.Inc()
		telemetry.RevenueCentsTotal.Add(float64(bill.TotalCost))
		e.publish(domain.EventBillCreated, domain.BillEvent{
			BillID:    bill.ID,
			SessionID: bill.SessionID,
			UserID:    bill.UserID,
			Total:     bill.TotalCost,
			Timestamp: now,
		})
	}

	if ps.info.Status == domain.PileStatusAvailable && ps.waiting != nil {
		if err := e.promoteLocked(ctx, ps, now); err != nil {
			e.log.Error("promoting after session end failed, will retry",
				zap.String("pile_id", ps.info.ID),
				zap.Error(err),
			)
		}
	}
	return bill, nil
}

// commandAsync delivers one command to a remote pile off the lock path.
// The commander owns per-attempt timeouts and retries; an error here
// means they are exhausted, which escalates to a pile fault.
func (e *Engine) commandAsync(pileID, action string, send func(context.Context) error) {
	if e.commander == nil {
		e.log.Error("remote pile has no commander wired",
			zap.String("pile_id", pileID),
			zap.String("action", action),
		)
		return
	}
	go func() {
		timeout := time.Duration(e.cfg.CommandRetries+1) * e.cfg.CommandTimeout * 4
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := send(ctx); err != nil {
			telemetry.PileCommandsTotal.WithLabelValues(action, "failed").Inc()
			e.log.Error("pile command failed after retries",
				zap.String("pile_id", pileID),
				zap.String("action", action),
				zap.Error(err),
			)
			e.escalateCommandFailure(pileID)
			return
		}
		telemetry.PileCommandsTotal.WithLabelValues(action, "ok").Inc()
	}()
}

// escalateCommandFailure faults a pile whose command channel is broken,
// unless it is already faulted.
func (e *Engine) escalateCommandFailure(pileID string) {
	ps, ok := e.pile(pileID)
	if !ok {
		return
	}
	ps.mu.Lock()
	alreadyFaulted := ps.info.Status == domain.PileStatusFault
	ps.mu.Unlock()
	if alreadyFaulted {
		return
	}
	if _, err := e.SetFault(context.Background(), pileID, "command_timeout"); err != nil {
		e.log.Error("faulting unreachable pile failed",
			zap.String("pile_id", pileID),
			zap.Error(err),
		)
	}
}
