package station

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/observability/telemetry"
)

// SubmitResult answers a successful admission.
type SubmitResult struct {
	RequestID   string  `json:"request_id"`
	QueueNumber string  `json:"queue_number"`
	EtaMinutes  float64 `json:"eta_minutes,omitempty"`
}

// StatusResult is the user's live view of their request.
type StatusResult struct {
	RequestID    string               `json:"request_id"`
	State        domain.RequestStatus `json:"state"`
	QueueNumber  string               `json:"queue_number"`
	Mode         domain.ChargeMode    `json:"mode"`
	TargetKWh    float64              `json:"target_kwh"`
	DeliveredKWh *float64             `json:"delivered_kwh,omitempty"`
	EtaMinutes   *float64             `json:"eta_minutes,omitempty"`
	AssignedPile string               `json:"assigned_pile,omitempty"`
	Position     *int                 `json:"position,omitempty"`
}

// ModifyModeResult carries the queue number issued under the new mode.
type ModifyModeResult struct {
	QueueNumber string `json:"new_queue_number"`
}

// StopResult carries the bill cut by a user-initiated stop. Bill is nil
// when the session ended before any energy was delivered.
type StopResult struct {
	Bill *domain.Bill `json:"bill,omitempty"`
}

// Submit admits a charging request into the waiting area and wakes the
// dispatcher. A user may hold only one non-terminal request; admission
// fails when the waiting area is at capacity.
func (e *Engine) Submit(ctx context.Context, userID string, mode domain.ChargeMode, targetKWh float64) (*SubmitResult, error) {
	if userID == "" {
		return nil, domain.Errorf(domain.KindInvalidInput, "user id is required")
	}
	if mode != domain.ModeFast && mode != domain.ModeTrickle {
		return nil, domain.Errorf(domain.KindInvalidInput, "unknown charge mode %q", mode)
	}
	if targetKWh <= 0 {
		return nil, domain.Errorf(domain.KindInvalidInput, "target energy must be positive, got %.4f", targetKWh)
	}

	e.pauseMu.RLock()
	defer e.pauseMu.RUnlock()
	now := e.clock.Now()

	req := &domain.Request{
		ID:        uuid.New().String(),
		UserID:    userID,
		Mode:      mode,
		TargetKWh: targetKWh,
		Status:    domain.RequestStatusWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}

	e.wa.mu.Lock()
	if !e.users.claim(userID, req.ID) {
		e.wa.mu.Unlock()
		return nil, domain.Errorf(domain.KindDuplicateActiveRequest, "user %s already has an active request", userID)
	}
	if e.wa.full() {
		e.users.release(userID, req.ID)
		e.wa.mu.Unlock()
		return nil, domain.Errorf(domain.KindWaitingAreaFull, "waiting area is full (%d)", e.cfg.WaitingAreaCapacity)
	}

	req.QueueNumber = e.queueNums.allocate(mode.QueuePrefix())
	if err := e.requests.Save(ctx, req); err != nil {
		e.users.release(userID, req.ID)
		e.wa.mu.Unlock()
		return nil, domain.WrapError(domain.KindPersistenceFailure, err, "saving request for user %s", userID)
	}
	e.wa.append(req)
	telemetry.WaitingAreaSize.Set(float64(e.wa.size()))
	e.wa.mu.Unlock()

	telemetry.RequestsAdmittedTotal.Inc()
	e.publish(domain.EventRequestAdmitted, domain.RequestEvent{
		RequestID:   req.ID,
		UserID:      userID,
		Mode:        mode,
		QueueNumber: req.QueueNumber,
		TargetKWh:   targetKWh,
		Timestamp:   now,
	})
	e.log.Info("request admitted",
		zap.String("request_id", req.ID),
		zap.String("user_id", userID),
		zap.String("queue_number", req.QueueNumber),
		zap.Float64("target_kwh", targetKWh),
	)

	result := &SubmitResult{RequestID: req.ID, QueueNumber: req.QueueNumber}
	if eta, ok := e.bestProjectionMinutes(mode, targetKWh); ok {
		result.EtaMinutes = eta
	}

	e.notifyDispatch()
	return result, nil
}

// Status reports where the user's request currently is. The request moves
// between the waiting area and pile slots concurrently with this lookup,
// so the location is re-read until a consistent snapshot is found.
func (e *Engine) Status(ctx context.Context, userID string) (*StatusResult, error) {
	e.pauseMu.RLock()
	defer e.pauseMu.RUnlock()

	for attempt := 0; attempt < 3; attempt++ {
		slot, ok := e.users.slot(userID)
		if !ok {
			return nil, domain.Errorf(domain.KindNotFound, "user %s has no active request", userID)
		}

		if slot.PileID == "" {
			e.wa.mu.Lock()
			req := e.wa.find(slot.RequestID)
			if req == nil {
				e.wa.mu.Unlock()
				continue
			}
			res := &StatusResult{
				RequestID:   req.ID,
				State:       domain.RequestStatusWaiting,
				QueueNumber: req.QueueNumber,
				Mode:        req.Mode,
				TargetKWh:   req.TargetKWh,
			}
			pos := e.wa.position(req.ID)
			res.Position = &pos
			mode, target := req.Mode, req.TargetKWh
			e.wa.mu.Unlock()
			if eta, ok := e.bestProjectionMinutes(mode, target); ok {
				res.EtaMinutes = &eta
			}
			return res, nil
		}

		ps, ok := e.pile(slot.PileID)
		if !ok {
			return nil, domain.Errorf(domain.KindNotFound, "user %s has no active request", userID)
		}
		ps.mu.Lock()
		if ps.charging != nil && ps.charging.ID == slot.RequestID {
			req, sess := ps.charging, ps.session
			delivered := sess.DeliveredKWh
			eta := ps.remainingHours() * 60
			res := &StatusResult{
				RequestID:    req.ID,
				State:        domain.RequestStatusCharging,
				QueueNumber:  req.QueueNumber,
				Mode:         req.Mode,
				TargetKWh:    req.TargetKWh,
				DeliveredKWh: &delivered,
				EtaMinutes:   &eta,
				AssignedPile: ps.info.ID,
			}
			ps.mu.Unlock()
			return res, nil
		}
		if ps.waiting != nil && ps.waiting.ID == slot.RequestID {
			req := ps.waiting
			eta := (ps.remainingHours() + req.TargetKWh/ps.info.PowerKW) * 60
			res := &StatusResult{
				RequestID:    req.ID,
				State:        domain.RequestStatusQueued,
				QueueNumber:  req.QueueNumber,
				Mode:         req.Mode,
				TargetKWh:    req.TargetKWh,
				EtaMinutes:   &eta,
				AssignedPile: ps.info.ID,
			}
			ps.mu.Unlock()
			return res, nil
		}
		ps.mu.Unlock()
	}

	// The request left its slots between reads; report the stored state.
	slot, ok := e.users.slot(userID)
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "user %s has no active request", userID)
	}
	req, err := e.requests.FindByID(ctx, slot.RequestID)
	if err != nil || req == nil {
		return nil, domain.Errorf(domain.KindNotFound, "user %s has no active request", userID)
	}
	return &StatusResult{
		RequestID:    req.ID,
		State:        req.Status,
		QueueNumber:  req.QueueNumber,
		Mode:         req.Mode,
		TargetKWh:    req.TargetKWh,
		AssignedPile: req.PileID,
	}, nil
}

// ModifyTarget changes the requested energy. Allowed only while the
// request is still in the waiting area.
func (e *Engine) ModifyTarget(ctx context.Context, userID string, newKWh float64) error {
	if newKWh <= 0 {
		return domain.Errorf(domain.KindInvalidInput, "target energy must be positive, got %.4f", newKWh)
	}

	e.pauseMu.RLock()
	defer e.pauseMu.RUnlock()

	e.wa.mu.Lock()
	defer e.wa.mu.Unlock()

	req := e.findWaitingLocked(userID)
	if req == nil {
		return domain.Errorf(domain.KindNotInWaiting, "request is not in the waiting area")
	}

	prev := req.TargetKWh
	req.TargetKWh = newKWh
	req.UpdatedAt = e.clock.Now()
	if err := e.requests.Update(ctx, req); err != nil {
		req.TargetKWh = prev
		return domain.WrapError(domain.KindPersistenceFailure, err, "updating request %s", req.ID)
	}
	e.log.Info("request target changed",
		zap.String("request_id", req.ID),
		zap.Float64("target_kwh", newKWh),
	)
	return nil
}

// ModifyMode moves the request to the other mode partition. It receives a
// fresh queue number and joins at the tail; the original admission time is
// kept. Allowed only while waiting.
func (e *Engine) ModifyMode(ctx context.Context, userID string, newMode domain.ChargeMode) (*ModifyModeResult, error) {
	if newMode != domain.ModeFast && newMode != domain.ModeTrickle {
		return nil, domain.Errorf(domain.KindInvalidInput, "unknown charge mode %q", newMode)
	}

	e.pauseMu.RLock()
	defer e.pauseMu.RUnlock()

	e.wa.mu.Lock()
	defer e.wa.mu.Unlock()

	req := e.findWaitingLocked(userID)
	if req == nil {
		return nil, domain.Errorf(domain.KindNotInWaiting, "request is not in the waiting area")
	}
	if req.Mode == newMode {
		return nil, domain.Errorf(domain.KindInvalidInput, "request already in %s mode", newMode)
	}

	prevMode, prevNumber := req.Mode, req.QueueNumber
	req.Mode = newMode
	req.QueueNumber = e.queueNums.allocate(newMode.QueuePrefix())
	req.UpdatedAt = e.clock.Now()
	if err := e.requests.Update(ctx, req); err != nil {
		req.Mode, req.QueueNumber = prevMode, prevNumber
		return nil, domain.WrapError(domain.KindPersistenceFailure, err, "updating request %s", req.ID)
	}

	e.wa.remove(req.ID)
	e.wa.append(req)

	e.log.Info("request mode changed",
		zap.String("request_id", req.ID),
		zap.String("queue_number", req.QueueNumber),
		zap.String("mode", string(newMode)),
	)
	e.notifyDispatch()
	return &ModifyModeResult{QueueNumber: req.QueueNumber}, nil
}

// findWaitingLocked resolves the user's request if it is currently in the
// waiting area. Caller holds the waiting-area lock.
func (e *Engine) findWaitingLocked(userID string) *domain.Request {
	slot, ok := e.users.slot(userID)
	if !ok || slot.PileID != "" {
		return nil
	}
	return e.wa.find(slot.RequestID)
}

// Cancel withdraws the user's request wherever it is: waiting area, pile
// queue or mid-charge. Cancelling a request that already reached a
// terminal state succeeds without effect.
func (e *Engine) Cancel(ctx context.Context, userID, requestID string) error {
	e.pauseMu.RLock()
	defer e.pauseMu.RUnlock()

	slot, ok := e.users.slot(userID)
	if !ok || slot.RequestID != requestID {
		return e.cancelSettled(ctx, userID, requestID)
	}

	for attempt := 0; attempt < 3; attempt++ {
		now := e.clock.Now()

		if slot.PileID == "" {
			e.wa.mu.Lock()
			req := e.wa.find(requestID)
			if req == nil {
				e.wa.mu.Unlock()
			} else {
				req.Status = domain.RequestStatusCancelled
				req.UpdatedAt = now
				if err := e.requests.Update(ctx, req); err != nil {
					req.Status = domain.RequestStatusWaiting
					e.wa.mu.Unlock()
					return domain.WrapError(domain.KindPersistenceFailure, err, "cancelling request %s", requestID)
				}
				e.wa.remove(requestID)
				telemetry.WaitingAreaSize.Set(float64(e.wa.size()))
				e.wa.mu.Unlock()
				e.users.release(userID, requestID)
				e.publish(domain.EventRequestCancelled, domain.RequestEvent{
					RequestID: requestID, UserID: userID, Timestamp: now,
				})
				e.log.Info("request cancelled in waiting area", zap.String("request_id", requestID))
				e.notifyDispatch()
				return nil
			}
		} else if ps, found := e.pile(slot.PileID); found {
			ps.mu.Lock()
			if ps.charging != nil && ps.charging.ID == requestID {
				remote := ps.info.Management == domain.PileRemote
				_, err := e.finishSessionLocked(ctx, ps, domain.SessionStatusCancelled, "user_cancel", now)
				ps.mu.Unlock()
				if err != nil {
					return err
				}
				if remote {
					pileID := slot.PileID
					e.commandAsync(pileID, "STOP_CHARGING", func(cctx context.Context) error {
						return e.commander.StopCharging(cctx, pileID)
					})
				}
				e.publish(domain.EventRequestCancelled, domain.RequestEvent{
					RequestID: requestID, UserID: userID, Timestamp: now,
				})
				e.log.Info("charging request cancelled", zap.String("request_id", requestID))
				e.notifyDispatch()
				return nil
			}
			if ps.waiting != nil && ps.waiting.ID == requestID {
				req := ps.takeWaiting()
				req.Status = domain.RequestStatusCancelled
				req.UpdatedAt = now
				if err := e.requests.Update(ctx, req); err != nil {
					req.Status = domain.RequestStatusQueued
					ps.placeWaiting(req)
					ps.mu.Unlock()
					return domain.WrapError(domain.KindPersistenceFailure, err, "cancelling request %s", requestID)
				}
				ps.mu.Unlock()
				e.users.release(userID, requestID)
				e.publish(domain.EventRequestCancelled, domain.RequestEvent{
					RequestID: requestID, UserID: userID, Timestamp: now,
				})
				e.log.Info("queued request cancelled",
					zap.String("request_id", requestID),
					zap.String("pile_id", slot.PileID),
				)
				e.notifyDispatch()
				return nil
			}
			ps.mu.Unlock()
		}

		// The request moved while we were looking; follow it.
		slot, ok = e.users.slot(userID)
		if !ok || slot.RequestID != requestID {
			return e.cancelSettled(ctx, userID, requestID)
		}
	}
	return e.cancelSettled(ctx, userID, requestID)
}

// cancelSettled resolves a cancel that raced a terminal transition: if
// the stored request is terminal the cancel is a benign no-op, otherwise
// the request is unknown.
func (e *Engine) cancelSettled(ctx context.Context, userID, requestID string) error {
	req, err := e.requests.FindByID(ctx, requestID)
	if err != nil {
		return domain.WrapError(domain.KindPersistenceFailure, err, "loading request %s", requestID)
	}
	if req == nil || req.UserID != userID {
		return domain.Errorf(domain.KindNotFound, "request %s not found", requestID)
	}
	if req.Status.IsTerminal() {
		return nil
	}
	return domain.Errorf(domain.KindNotFound, "request %s is not cancellable", requestID)
}

// StopCharging ends the user's open session and returns the bill for the
// delivered energy.
func (e *Engine) StopCharging(ctx context.Context, userID string) (*StopResult, error) {
	e.pauseMu.RLock()
	defer e.pauseMu.RUnlock()

	slot, ok := e.users.slot(userID)
	if !ok || slot.PileID == "" {
		return nil, domain.Errorf(domain.KindNoActiveSession, "user %s has no open session", userID)
	}
	ps, found := e.pile(slot.PileID)
	if !found {
		return nil, domain.Errorf(domain.KindNoActiveSession, "user %s has no open session", userID)
	}

	now := e.clock.Now()
	ps.mu.Lock()
	if ps.charging == nil || ps.charging.UserID != userID {
		ps.mu.Unlock()
		return nil, domain.Errorf(domain.KindNoActiveSession, "user %s has no open session", userID)
	}
	remote := ps.info.Management == domain.PileRemote
	bill, err := e.finishSessionLocked(ctx, ps, domain.SessionStatusCancelled, "user_cancel", now)
	ps.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if remote {
		pileID := slot.PileID
		e.commandAsync(pileID, "STOP_CHARGING", func(cctx context.Context) error {
			return e.commander.StopCharging(cctx, pileID)
		})
	}

	e.log.Info("charging stopped by user",
		zap.String("user_id", userID),
		zap.String("pile_id", slot.PileID),
	)
	e.notifyDispatch()
	return &StopResult{Bill: bill}, nil
}
