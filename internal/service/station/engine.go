package station

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/adapter/queue"
	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/observability/telemetry"
	"github.com/evgrid/stationd/internal/ports"
	"github.com/evgrid/stationd/internal/service/tariff"
)

// PileCommander delivers commands to remotely managed piles. The gateway
// implements it; commands to locally managed piles never reach it. The
// implementation owns ack timeouts and retries and returns an error only
// after those are exhausted.
type PileCommander interface {
	StartCharging(ctx context.Context, pileID, userID string, targetKWh float64) error
	StopCharging(ctx context.Context, pileID string) error
	SetFault(ctx context.Context, pileID, reason string) error
	RecoverFault(ctx context.Context, pileID string) error
	Shutdown(ctx context.Context, pileID string) error
}

// Engine is the dispatch core of one charging station: the waiting area,
// the per-pile runtimes, the dispatcher and the fault coordinator.
//
// Lock order, outermost first: pause flag, waiting area, pile locks in
// ascending pile id, then repositories. The user index is a leaf and may
// be taken under any of them.
type Engine struct {
	cfg   *Config
	calc  *tariff.Calculator
	clock Clock
	log   *zap.Logger

	pileRepo ports.PileRepository
	requests ports.RequestRepository
	sessions ports.SessionRepository
	bills    ports.BillRepository
	mq       queue.MessageQueue

	commander PileCommander

	// pauseMu is held for writing while the fault coordinator re-plans
	// reservations; the dispatcher and user-facing operations hold it for
	// reading. policy is guarded by it.
	pauseMu sync.RWMutex
	policy  domain.DispatchPolicy

	wa      *waitingArea
	users   *userIndex
	piles   map[string]*pileState
	pileIDs []string

	queueNums *queueCounters
	billSeq   *billCounter

	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	runCtx  context.Context
}

func NewEngine(
	cfg *Config,
	calc *tariff.Calculator,
	pileRepo ports.PileRepository,
	requestRepo ports.RequestRepository,
	sessionRepo ports.SessionRepository,
	billRepo ports.BillRepository,
	mq queue.MessageQueue,
	clock Clock,
	log *zap.Logger,
) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if calc == nil {
		calc = tariff.NewCalculator(nil)
	}
	if clock == nil {
		clock = SystemClock()
	}

	e := &Engine{
		cfg:       cfg,
		calc:      calc,
		clock:     clock,
		log:       log,
		pileRepo:  pileRepo,
		requests:  requestRepo,
		sessions:  sessionRepo,
		bills:     billRepo,
		mq:        mq,
		policy:    cfg.DispatchPolicy,
		wa:        newWaitingArea(cfg.WaitingAreaCapacity),
		users:     newUserIndex(),
		piles:     make(map[string]*pileState, len(cfg.Piles)),
		queueNums: newQueueCounters(),
		billSeq:   newBillCounter(),
		trigger:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	if e.policy == "" {
		e.policy = domain.DispatchPriority
	}

	now := clock.Now()
	for _, spec := range cfg.Piles {
		e.piles[spec.ID] = newPileState(spec, now)
		e.pileIDs = append(e.pileIDs, spec.ID)
	}
	sort.Strings(e.pileIDs)
	return e
}

// SetCommander wires the remote pile command channel. Must be called
// before Start when the station has remotely managed piles.
func (e *Engine) SetCommander(c PileCommander) { e.commander = c }

// Start seeds counters from the store, persists the configured pile set
// and launches the dispatch and progress loops.
func (e *Engine) Start(ctx context.Context) error {
	e.runCtx = ctx
	now := e.clock.Now()

	for _, prefix := range []string{"F", "T"} {
		last, err := e.requests.MaxQueueSeq(ctx, now, prefix)
		if err != nil {
			return domain.WrapError(domain.KindPersistenceFailure, err, "restoring %s queue counter", prefix)
		}
		e.queueNums.seed(prefix, last)
	}
	lastBill, err := e.bills.MaxSeq(ctx, now)
	if err != nil {
		return domain.WrapError(domain.KindPersistenceFailure, err, "restoring bill counter")
	}
	e.billSeq.seed(now, lastBill)

	for _, id := range e.pileIDs {
		ps := e.piles[id]
		ps.mu.Lock()
		snap := ps.snapshot()
		ps.mu.Unlock()
		if err := e.pileRepo.Save(ctx, &snap); err != nil {
			return domain.WrapError(domain.KindPersistenceFailure, err, "persisting pile %s", id)
		}
	}

	e.wg.Add(2)
	go e.dispatchLoop()
	go e.progressLoop()

	e.log.Info("station engine started",
		zap.Int("piles", len(e.pileIDs)),
		zap.Int("waiting_area_capacity", e.cfg.WaitingAreaCapacity),
		zap.String("dispatch_policy", string(e.policy)),
	)
	return nil
}

// Stop halts the background loops. Open sessions are not resumed across
// restarts; they simply stop advancing.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
	e.log.Info("station engine stopped")
}

// notifyDispatch nudges the dispatcher without blocking. Coalescing is
// fine: one wake-up drains all dispatchable heads.
func (e *Engine) notifyDispatch() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.DispatchTick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-e.trigger:
		case <-ticker.C:
		}
		e.dispatchAll(e.runCtx)
	}
}

func (e *Engine) progressLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ProgressTick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.scanPiles(e.runCtx)
		}
	}
}

// scanPiles advances every locally managed charging session, completes
// the ones that reached their target, applies heartbeat staleness to
// remote piles and retries any promotion a transient store failure left
// pending. Exactly one pile lock is held at a time.
func (e *Engine) scanPiles(ctx context.Context) {
	now := e.clock.Now()
	freed := false

	for _, id := range e.pileIDs {
		ps := e.piles[id]
		ps.mu.Lock()

		if ps.heartbeatStale(now, e.cfg.HeartbeatTimeout) &&
			(ps.info.Status == domain.PileStatusAvailable || ps.info.Status == domain.PileStatusCharging) {
			ps.info.Status = domain.PileStatusOffline
			ps.info.UpdatedAt = now
			e.log.Warn("pile heartbeat stale, marking offline",
				zap.String("pile_id", id),
				zap.Time("last_heartbeat", ps.lastHeartbeat),
			)
			e.persistPileLocked(ctx, ps)
			telemetry.SetPileStatus(id, string(domain.PileStatusOffline))
		}

		if ps.info.Management == domain.PileLocal &&
			ps.info.Status == domain.PileStatusCharging && ps.session != nil {
			if ps.integrate(now) {
				if _, err := e.finishSessionLocked(ctx, ps, domain.SessionStatusCompleted, "completed", now); err != nil {
					e.log.Error("completing session failed, will retry",
						zap.String("pile_id", id),
						zap.Error(err),
					)
				} else {
					freed = true
				}
			}
		}

		// A promotion that failed to persist earlier leaves an available
		// pile with an occupied waiting slot; pick it up here.
		if ps.info.Status == domain.PileStatusAvailable && ps.charging == nil && ps.waiting != nil {
			if err := e.promoteLocked(ctx, ps, now); err != nil {
				e.log.Error("promoting queued request failed, will retry",
					zap.String("pile_id", id),
					zap.Error(err),
				)
			}
		}

		ps.mu.Unlock()
	}

	if freed {
		e.notifyDispatch()
	}
}

// persistPileLocked saves the pile snapshot, logging instead of failing;
// the in-memory state is authoritative and the row catches up on the next
// write.
func (e *Engine) persistPileLocked(ctx context.Context, ps *pileState) {
	snap := ps.snapshot()
	if err := e.pileRepo.Update(ctx, &snap); err != nil {
		e.log.Warn("persisting pile state failed",
			zap.String("pile_id", snap.ID),
			zap.Error(err),
		)
	}
}

// publish serializes an event and hands it to the message queue. Queue
// trouble is logged and never fails the operation that produced the
// event.
func (e *Engine) publish(subject string, event interface{}) {
	if e.mq == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		e.log.Warn("marshaling event failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := e.mq.Publish(subject, data); err != nil {
		e.log.Warn("publishing event failed", zap.String("subject", subject), zap.Error(err))
	}
}

// pilesOfType returns the pile runtimes matching the mode, in ascending
// id order.
func (e *Engine) pilesOfType(mode domain.ChargeMode) []*pileState {
	out := make([]*pileState, 0, len(e.pileIDs))
	for _, id := range e.pileIDs {
		ps := e.piles[id]
		if ps.info.Type == mode {
			out = append(out, ps)
		}
	}
	return out
}

func (e *Engine) pile(id string) (*pileState, bool) {
	ps, ok := e.piles[id]
	return ps, ok
}
