package station

import (
	"sync"
	"time"

	"github.com/evgrid/stationd/internal/domain"
)

// pileState is the live runtime of one pile: its status, the two
// reservation slots and the open session. All fields are guarded by mu;
// every method below assumes the caller holds mu. The engine is the only
// caller and acquires pile locks in id order whenever it needs more than
// one.
type pileState struct {
	mu sync.Mutex

	info     domain.Pile
	charging *domain.Request
	session  *domain.Session
	waiting  *domain.Request

	// lastTick is the instant delivered energy was last integrated up to,
	// for locally managed piles.
	lastTick time.Time
	// lastHeartbeat is the last heartbeat instant for remote piles.
	lastHeartbeat time.Time
}

func newPileState(spec PileSpec, now time.Time) *pileState {
	mgmt := spec.Management
	if mgmt == "" {
		mgmt = domain.PileLocal
	}
	return &pileState{
		info: domain.Pile{
			ID:         spec.ID,
			Type:       spec.Type,
			PowerKW:    spec.PowerKW,
			Status:     domain.PileStatusAvailable,
			Management: mgmt,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}
}

// dispatchable reports whether the pile may receive new reservations.
// Faulted and offline piles are excluded from dispatch.
func (p *pileState) dispatchable() bool {
	return p.info.Status == domain.PileStatusAvailable || p.info.Status == domain.PileStatusCharging
}

func (p *pileState) hasFreeSlot() bool {
	return p.charging == nil || p.waiting == nil
}

// remainingHours is the time to finish the current session at pile power,
// zero when idle.
func (p *pileState) remainingHours() float64 {
	if p.session == nil {
		return 0
	}
	rem := p.session.TargetKWh - p.session.DeliveredKWh
	if rem <= 0 {
		return 0
	}
	return rem / p.info.PowerKW
}

// projectedHours is the total completion time a new request of
// candidateKWh would see on this pile: remaining of the current session,
// plus the full charge of the queued car, plus its own charge time.
func (p *pileState) projectedHours(candidateKWh float64) float64 {
	total := p.remainingHours()
	if p.waiting != nil {
		total += p.waiting.TargetKWh / p.info.PowerKW
	}
	return total + candidateKWh/p.info.PowerKW
}

// placeCharging installs req in the charging slot with its freshly
// created session and flips the pile to CHARGING.
func (p *pileState) placeCharging(req *domain.Request, sess *domain.Session, now time.Time) {
	p.charging = req
	p.session = sess
	p.lastTick = now
	p.info.Status = domain.PileStatusCharging
	p.info.UpdatedAt = now
}

func (p *pileState) placeWaiting(req *domain.Request) {
	p.waiting = req
}

// takeWaiting clears and returns the queued request, nil when the slot is
// empty.
func (p *pileState) takeWaiting() *domain.Request {
	req := p.waiting
	p.waiting = nil
	return req
}

// integrate advances delivered energy up to now at constant pile power,
// clamped at the session target. It reports whether the target has been
// reached. Only locally managed piles integrate; remote piles report
// their own progress.
func (p *pileState) integrate(now time.Time) bool {
	if p.session == nil || p.info.Status != domain.PileStatusCharging {
		return false
	}
	elapsed := now.Sub(p.lastTick)
	if elapsed > 0 {
		p.session.DeliveredKWh += p.info.PowerKW * elapsed.Hours()
		if p.session.DeliveredKWh > p.session.TargetKWh {
			p.session.DeliveredKWh = p.session.TargetKWh
		}
		p.session.UpdatedAt = now
		p.lastTick = now
	}
	return p.session.DeliveredKWh >= p.session.TargetKWh
}

// recordProgress applies a progress report from a remote pile. Delivered
// energy is monotonic and never exceeds the target; a report that
// violates either is rejected.
func (p *pileState) recordProgress(delivered float64, now time.Time) bool {
	if p.session == nil {
		return false
	}
	if delivered < p.session.DeliveredKWh || delivered > p.session.TargetKWh {
		return false
	}
	p.session.DeliveredKWh = delivered
	p.session.UpdatedAt = now
	return true
}

// closeCharging freezes the open session with the given terminal status,
// folds it into the cumulative totals, clears the charging slot and
// returns the frozen session. The pile is left AVAILABLE; fault paths
// override the status afterwards.
func (p *pileState) closeCharging(status domain.SessionStatus, reason string, now time.Time) *domain.Session {
	sess := p.session
	if sess == nil {
		return nil
	}
	sess.Status = status
	sess.StopReason = reason
	ended := now
	sess.EndedAt = &ended
	sess.UpdatedAt = now

	p.info.TotalSessions++
	p.info.TotalEnergyKWh += sess.DeliveredKWh
	p.info.TotalHours += sess.Hours(now)
	p.info.Status = domain.PileStatusAvailable
	p.info.UpdatedAt = now

	p.charging = nil
	p.session = nil
	return sess
}

// snapshot copies the persisted view of the pile for queries and saves.
func (p *pileState) snapshot() domain.Pile {
	return p.info
}

// heartbeatStale reports whether a remote pile has gone silent for longer
// than the timeout. Local piles never go stale.
func (p *pileState) heartbeatStale(now time.Time, timeout time.Duration) bool {
	if p.info.Management != domain.PileRemote {
		return false
	}
	if p.lastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(p.lastHeartbeat) > timeout
}
