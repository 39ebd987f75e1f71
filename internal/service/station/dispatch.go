package station

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/observability/telemetry"
)

// dispatchAll drains both mode partitions, fast first. It runs on the
// dispatcher goroutine under the pause read lock, so a fault or recovery
// re-plan excludes it completely.
func (e *Engine) dispatchAll(ctx context.Context) {
	e.pauseMu.RLock()
	defer e.pauseMu.RUnlock()
	for _, mode := range []domain.ChargeMode{domain.ModeFast, domain.ModeTrickle} {
		e.dispatchMode(ctx, mode)
	}
}

// dispatchMode repeatedly places the FIFO head of the partition on the
// pile with the shortest projected completion time, until the partition
// empties or no matching pile has a free slot. The head is only removed
// from the waiting area after the reservation took hold, under the same
// waiting-area lock, so FIFO order within the mode can never be
// overtaken.
func (e *Engine) dispatchMode(ctx context.Context, mode domain.ChargeMode) {
	for {
		now := e.clock.Now()
		e.wa.mu.Lock()
		r := e.wa.head(mode)
		if r == nil {
			e.wa.mu.Unlock()
			return
		}

		// A user already holding a pile slot must never be dispatched
		// again; this state means a transition is mid-flight, so back off
		// and let the next trigger retry.
		if slot, ok := e.users.slot(r.UserID); !ok || slot.RequestID != r.ID || slot.PileID != "" {
			e.wa.mu.Unlock()
			e.log.Warn("head of waiting area not dispatchable yet",
				zap.String("request_id", r.ID),
				zap.String("user_id", r.UserID),
			)
			return
		}

		pileID, _, err := e.assignBest(ctx, r, now)
		if err != nil {
			e.wa.mu.Unlock()
			e.log.Error("dispatch assignment failed",
				zap.String("request_id", r.ID),
				zap.Error(err),
			)
			return
		}
		if pileID == "" {
			// No matching pile has a free slot; the head stays.
			e.wa.mu.Unlock()
			return
		}

		e.wa.remove(r.ID)
		e.users.moveToPile(r.UserID, r.ID, pileID)
		telemetry.WaitingAreaSize.Set(float64(e.wa.size()))
		e.wa.mu.Unlock()
	}
}

// assignBest reserves a slot for r on the matching pile with the minimum
// projected completion time, lower pile id winning ties. It returns the
// chosen pile id, empty when no pile has a free slot. All matching pile
// locks are taken in id order for the decision so the projection and the
// reservation are one atomic step.
//
// Callers hold the pause flag (shared for normal dispatch, exclusive
// during fault re-planning); r must not be reachable by any other
// assignment path at this moment.
func (e *Engine) assignBest(ctx context.Context, r *domain.Request, now time.Time) (string, bool, error) {
	cands := e.pilesOfType(r.Mode)
	for _, ps := range cands {
		ps.mu.Lock()
	}
	unlock := func() {
		for _, ps := range cands {
			ps.mu.Unlock()
		}
	}

	var best *pileState
	bestT := math.Inf(1)
	for _, ps := range cands {
		if !ps.dispatchable() || !ps.hasFreeSlot() {
			continue
		}
		if t := ps.projectedHours(r.TargetKWh); t < bestT {
			best, bestT = ps, t
		}
	}
	if best == nil {
		unlock()
		return "", false, nil
	}

	started := false
	if best.charging == nil {
		if _, err := e.startSessionLocked(ctx, best, r, now); err != nil {
			unlock()
			return "", false, err
		}
		started = true
	} else {
		prevStatus, prevPile := r.Status, r.PileID
		r.Status = domain.RequestStatusQueued
		r.PileID = best.info.ID
		r.UpdatedAt = now
		if err := e.requests.Update(ctx, r); err != nil {
			r.Status, r.PileID = prevStatus, prevPile
			unlock()
			return "", false, domain.WrapError(domain.KindPersistenceFailure, err, "queueing request %s", r.ID)
		}
		best.placeWaiting(r)
	}

	pileID := best.info.ID
	unlock()

	telemetry.DispatchAssignmentsTotal.WithLabelValues(string(r.Mode)).Inc()
	e.publish(domain.EventDispatchAssigned, domain.DispatchEvent{
		RequestID: r.ID,
		UserID:    r.UserID,
		PileID:    pileID,
		Timestamp: now,
	})
	e.log.Info("request assigned",
		zap.String("request_id", r.ID),
		zap.String("queue_number", r.QueueNumber),
		zap.String("pile_id", pileID),
		zap.Bool("charging", started),
		zap.Float64("projected_hours", bestT),
	)
	return pileID, started, nil
}

// bestProjectionMinutes estimates the shortest completion time for a
// target across dispatchable piles of the mode, for user-facing ETAs.
func (e *Engine) bestProjectionMinutes(mode domain.ChargeMode, targetKWh float64) (float64, bool) {
	best := math.Inf(1)
	found := false
	for _, ps := range e.pilesOfType(mode) {
		ps.mu.Lock()
		if ps.dispatchable() {
			if t := ps.projectedHours(targetKWh); t < best {
				best = t
				found = true
			}
		}
		ps.mu.Unlock()
	}
	if !found {
		return 0, false
	}
	return best * 60, true
}
