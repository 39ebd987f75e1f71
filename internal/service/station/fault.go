package station

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/observability/telemetry"
)

// FaultResult reports what an admin fault displaced.
type FaultResult struct {
	PileID           string   `json:"pile_id"`
	AffectedRequests []string `json:"affected_requests"`
	BillsSettled     []string `json:"bills_settled"`
}

// RecoverResult reports what a recovery re-planned.
type RecoverResult struct {
	PileID              string   `json:"pile_id"`
	RescheduledRequests []string `json:"rescheduled_requests"`
}

// SetFault marks the pile FAULT, settles its open session, evacuates both
// reservation slots and re-plans the displaced requests under the active
// policy. The dispatcher is excluded for the whole re-plan via the pause
// flag. Faulting an already faulted pile is a no-op.
func (e *Engine) SetFault(ctx context.Context, pileID, reason string) (*FaultResult, error) {
	ps, ok := e.pile(pileID)
	if !ok {
		return nil, domain.Errorf(domain.KindPileNotFound, "pile %s not found", pileID)
	}

	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	policy := e.policy
	now := e.clock.Now()

	ps.mu.Lock()
	if ps.info.Status == domain.PileStatusFault {
		ps.mu.Unlock()
		return &FaultResult{PileID: pileID}, nil
	}

	result := &FaultResult{PileID: pileID}
	var evicted []*domain.Request

	if ps.session != nil {
		// A session that already hit its target is a normal completion
		// that the scanner has not observed yet; never requeue it.
		if ps.session.DeliveredKWh >= ps.session.TargetKWh {
			if _, err := e.finishSessionLocked(ctx, ps, domain.SessionStatusCompleted, "completed", now); err != nil {
				ps.mu.Unlock()
				return nil, err
			}
		} else {
			req := ps.charging
			delivered := ps.session.DeliveredKWh
			bill, err := e.finishSessionLocked(ctx, ps, domain.SessionStatusInterrupted, "pile_fault", now)
			if err != nil {
				ps.mu.Unlock()
				return nil, err
			}
			if bill != nil {
				result.BillsSettled = append(result.BillsSettled, bill.ID)
			}
			req.TargetKWh -= delivered
			req.Status = domain.RequestStatusWaiting
			req.PileID = ""
			req.UpdatedAt = now
			evicted = append(evicted, req)
		}
	}
	if w := ps.takeWaiting(); w != nil {
		w.Status = domain.RequestStatusWaiting
		w.PileID = ""
		w.UpdatedAt = now
		evicted = append(evicted, w)
	}

	ps.info.Status = domain.PileStatusFault
	ps.info.UpdatedAt = now
	e.persistPileLocked(ctx, ps)
	ps.mu.Unlock()

	telemetry.PileFaultsTotal.WithLabelValues(pileID).Inc()
	telemetry.SetPileStatus(pileID, string(domain.PileStatusFault))

	for _, r := range evicted {
		result.AffectedRequests = append(result.AffectedRequests, r.ID)
	}

	if ps.info.Management == domain.PileRemote {
		e.commandAsync(pileID, "SET_FAULT", func(cctx context.Context) error {
			return e.commander.SetFault(cctx, pileID, reason)
		})
	}

	switch policy {
	case domain.DispatchTimeOrder:
		pool := append(evicted, e.evictOtherWaiters(ps, now)...)
		e.redispatch(ctx, pool, now)
	default:
		e.redispatch(ctx, evicted, now)
	}

	e.publish(domain.EventPileFault, domain.PileEvent{PileID: pileID, Reason: reason, Timestamp: now})
	e.log.Warn("pile faulted",
		zap.String("pile_id", pileID),
		zap.String("reason", reason),
		zap.String("policy", string(policy)),
		zap.Strings("affected_requests", result.AffectedRequests),
	)

	e.notifyDispatch()
	return result, nil
}

// Recover marks a faulted pile AVAILABLE again and rebalances: the queued
// car of every other matching pile is pulled back and re-dispatched so
// the selection rule may land it on the recovered pile.
func (e *Engine) Recover(ctx context.Context, pileID string) (*RecoverResult, error) {
	ps, ok := e.pile(pileID)
	if !ok {
		return nil, domain.Errorf(domain.KindPileNotFound, "pile %s not found", pileID)
	}

	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	now := e.clock.Now()

	ps.mu.Lock()
	if ps.info.Status != domain.PileStatusFault {
		ps.mu.Unlock()
		return &RecoverResult{PileID: pileID}, nil
	}
	ps.info.Status = domain.PileStatusAvailable
	ps.info.UpdatedAt = now
	e.persistPileLocked(ctx, ps)
	ps.mu.Unlock()

	telemetry.SetPileStatus(pileID, string(domain.PileStatusAvailable))

	if ps.info.Management == domain.PileRemote {
		e.commandAsync(pileID, "RECOVER_FAULT", func(cctx context.Context) error {
			return e.commander.RecoverFault(cctx, pileID)
		})
	}

	pool := e.evictOtherWaiters(ps, now)
	rescheduled := e.redispatch(ctx, pool, now)

	result := &RecoverResult{PileID: pileID, RescheduledRequests: rescheduled}
	e.publish(domain.EventPileRecovered, domain.PileEvent{PileID: pileID, Timestamp: now})
	e.log.Info("pile recovered",
		zap.String("pile_id", pileID),
		zap.Strings("rescheduled_requests", rescheduled),
	)

	e.notifyDispatch()
	return result, nil
}

// evictOtherWaiters pulls the queued car off every matching pile except
// ref and returns them as re-dispatch candidates. Charging cars stay put.
func (e *Engine) evictOtherWaiters(ref *pileState, now time.Time) []*domain.Request {
	var out []*domain.Request
	for _, other := range e.pilesOfType(ref.info.Type) {
		if other == ref {
			continue
		}
		other.mu.Lock()
		if w := other.takeWaiting(); w != nil {
			w.Status = domain.RequestStatusWaiting
			w.PileID = ""
			w.UpdatedAt = now
			out = append(out, w)
		}
		other.mu.Unlock()
	}
	return out
}

// redispatch sorts the displaced requests by queue number and places each
// on the best matching pile. Requests that find no slot return to the
// head of their waiting-area partition in that same order, outranking
// ordinary waiters. Caller holds the pause flag exclusively.
func (e *Engine) redispatch(ctx context.Context, pool []*domain.Request, now time.Time) []string {
	if len(pool) == 0 {
		return nil
	}
	sort.SliceStable(pool, func(i, j int) bool {
		return queueSeq(pool[i].QueueNumber) < queueSeq(pool[j].QueueNumber)
	})

	var placed []string
	var leftover []*domain.Request
	for _, r := range pool {
		pileID, _, err := e.assignBest(ctx, r, now)
		if err != nil {
			e.log.Error("re-dispatch assignment failed, returning request to waiting area",
				zap.String("request_id", r.ID),
				zap.Error(err),
			)
		}
		if pileID == "" || err != nil {
			leftover = append(leftover, r)
			continue
		}
		e.users.moveToPile(r.UserID, r.ID, pileID)
		placed = append(placed, r.ID)
	}

	if len(leftover) > 0 {
		e.wa.mu.Lock()
		e.wa.pushFront(leftover)
		for _, r := range leftover {
			r.Status = domain.RequestStatusWaiting
			r.UpdatedAt = now
			if err := e.requests.Update(ctx, r); err != nil {
				e.log.Warn("persisting requeued request failed",
					zap.String("request_id", r.ID),
					zap.Error(err),
				)
			}
			e.users.moveToWaitingArea(r.UserID, r.ID)
		}
		e.wa.mu.Unlock()
	}
	return placed
}
