package station

import (
	"context"
	"testing"
	"time"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/ports"
)

func TestSetFault_PriorityPolicyRequeuesDisplacedCars(t *testing.T) {
	// Arrange: A charging u1 (12 of 30 delivered) with u2 queued, B idle.
	ctx := context.Background()
	env := newTestEnv(t)
	eng := env.engine
	if err := eng.StopPile(ctx, "B"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := eng.Submit(ctx, "u1", domain.ModeFast, 30.0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	eng.dispatchAll(ctx)
	if _, err := eng.Submit(ctx, "u2", domain.ModeFast, 20.0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	eng.dispatchAll(ctx)
	if err := eng.StartPile(ctx, "B"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	env.clock.Advance(24 * time.Minute)
	eng.scanPiles(ctx)

	// Act
	res, err := eng.SetFault(ctx, "A", "breaker_trip")

	// Assert
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(res.AffectedRequests) != 2 {
		t.Fatalf("expected 2 affected requests, got %d", len(res.AffectedRequests))
	}
	if len(res.BillsSettled) != 1 {
		t.Fatalf("expected 1 settled bill, got %d", len(res.BillsSettled))
	}

	// The interrupted session is billed for the 12 kWh delivered at the
	// peak start rate.
	bill, err := env.store.Bills().FindByID(ctx, res.BillsSettled[0])
	if err != nil || bill == nil {
		t.Fatalf("expected stored bill, got %v / %v", bill, err)
	}
	if !floatEq(bill.EnergyKWh, 12.0) {
		t.Errorf("expected 12.0 kWh billed, got %v", bill.EnergyKWh)
	}
	if bill.EnergyCost != domain.MoneyFromFloat(12.00) {
		t.Errorf("expected energy cost 12.00, got %s", bill.EnergyCost)
	}
	if bill.ServiceCost != domain.MoneyFromFloat(9.60) {
		t.Errorf("expected service cost 9.60, got %s", bill.ServiceCost)
	}
	if bill.Status != domain.SessionStatusInterrupted {
		t.Errorf("expected bill status INTERRUPTED, got '%s'", bill.Status)
	}
	if bill.StopReason != "pile_fault" {
		t.Errorf("expected stop reason 'pile_fault', got '%s'", bill.StopReason)
	}

	// u1 lands on B first with the remaining 18 kWh, u2 queues behind.
	st1, err := eng.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if st1.State != domain.RequestStatusCharging || st1.AssignedPile != "B" {
		t.Errorf("expected u1 CHARGING on B, got '%s' on '%s'", st1.State, st1.AssignedPile)
	}
	if !floatEq(st1.TargetKWh, 18.0) {
		t.Errorf("expected remaining target 18.0, got %v", st1.TargetKWh)
	}
	st2, err := eng.Status(ctx, "u2")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if st2.State != domain.RequestStatusQueued || st2.AssignedPile != "B" {
		t.Errorf("expected u2 QUEUED on B, got '%s' on '%s'", st2.State, st2.AssignedPile)
	}
	if !floatEq(st2.TargetKWh, 20.0) {
		t.Errorf("expected u2 target 20.0, got %v", st2.TargetKWh)
	}

	detail, err := eng.PileDetail(ctx, "A")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if detail.Pile.Status != domain.PileStatusFault {
		t.Errorf("expected pile A FAULT, got '%s'", detail.Pile.Status)
	}
	if n := len(env.queue.GetPublishedMessages(domain.EventPileFault)); n != 1 {
		t.Errorf("expected 1 fault event, got %d", n)
	}
}

func TestSetFault_TimeOrderPolicyMergesOtherQueues(t *testing.T) {
	// Arrange: A charging u1 with u2 queued, B charging u3 with u4 queued.
	ctx := context.Background()
	env := newTestEnv(t)
	eng := env.engine
	if err := eng.SetDispatchPolicy("time_order"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	submits := []struct {
		user   string
		target float64
	}{
		{"u1", 30.0}, // F1 -> A charging
		{"u3", 30.0}, // F2 -> B charging
		{"u2", 20.0}, // F3 -> A waiting (tie broken to A)
		{"u4", 20.0}, // F4 -> B waiting
	}
	for _, s := range submits {
		if _, err := eng.Submit(ctx, s.user, domain.ModeFast, s.target); err != nil {
			t.Fatalf("expected no error for %s, got %v", s.user, err)
		}
		eng.dispatchAll(ctx)
	}

	// Act
	res, err := eng.SetFault(ctx, "A", "breaker_trip")

	// Assert
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(res.AffectedRequests) != 2 {
		t.Errorf("expected 2 affected requests from A, got %d", len(res.AffectedRequests))
	}

	// Merged pool sorted by queue number: u1 (F1) wins B's freed waiting
	// slot, u2 (F3) and u4 (F4) return to the head of the fast partition
	// in that order.
	st1, err := eng.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if st1.State != domain.RequestStatusQueued || st1.AssignedPile != "B" {
		t.Errorf("expected u1 QUEUED on B, got '%s' on '%s'", st1.State, st1.AssignedPile)
	}

	st2, err := eng.Status(ctx, "u2")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if st2.State != domain.RequestStatusWaiting || st2.Position == nil || *st2.Position != 0 {
		t.Errorf("expected u2 WAITING at head, got '%s' at %v", st2.State, st2.Position)
	}
	st4, err := eng.Status(ctx, "u4")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if st4.State != domain.RequestStatusWaiting || st4.Position == nil || *st4.Position != 1 {
		t.Errorf("expected u4 WAITING second, got '%s' at %v", st4.State, st4.Position)
	}

	// B's charging car is never disturbed.
	st3, err := eng.Status(ctx, "u3")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if st3.State != domain.RequestStatusCharging || st3.AssignedPile != "B" {
		t.Errorf("expected u3 CHARGING on B, got '%s' on '%s'", st3.State, st3.AssignedPile)
	}
}

func TestSetFault_LeftoversReturnToHeadInQueueOrder(t *testing.T) {
	// Arrange: A is the only dispatchable fast pile, fully booked, with a
	// third car already waiting in the admission queue.
	ctx := context.Background()
	env := newTestEnv(t)
	eng := env.engine
	if err := eng.StopPile(ctx, "B"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, user := range []string{"u1", "u2", "u3"} {
		if _, err := eng.Submit(ctx, user, domain.ModeFast, 10.0); err != nil {
			t.Fatalf("expected no error for %s, got %v", user, err)
		}
		eng.dispatchAll(ctx)
	}

	// Act
	if _, err := eng.SetFault(ctx, "A", "breaker_trip"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Assert: evicted cars outrank the ordinary waiter, in queue order.
	for i, user := range []string{"u1", "u2", "u3"} {
		st, err := eng.Status(ctx, user)
		if err != nil {
			t.Fatalf("expected no error for %s, got %v", user, err)
		}
		if st.State != domain.RequestStatusWaiting {
			t.Errorf("expected %s WAITING, got '%s'", user, st.State)
		}
		if st.Position == nil || *st.Position != i {
			t.Errorf("expected %s at position %d, got %v", user, i, st.Position)
		}
	}

	// Bringing B back drains the queue in the same order.
	if err := eng.StartPile(ctx, "B"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	eng.dispatchAll(ctx)

	st1, _ := eng.Status(ctx, "u1")
	st2, _ := eng.Status(ctx, "u2")
	st3, _ := eng.Status(ctx, "u3")
	if st1.State != domain.RequestStatusCharging || st1.AssignedPile != "B" {
		t.Errorf("expected u1 CHARGING on B, got '%s' on '%s'", st1.State, st1.AssignedPile)
	}
	if st2.State != domain.RequestStatusQueued || st2.AssignedPile != "B" {
		t.Errorf("expected u2 QUEUED on B, got '%s' on '%s'", st2.State, st2.AssignedPile)
	}
	if st3.State != domain.RequestStatusWaiting {
		t.Errorf("expected u3 still WAITING, got '%s'", st3.State)
	}
}

func TestSetFault_Idempotent(t *testing.T) {
	// Arrange
	ctx := context.Background()
	env := newTestEnv(t)
	if _, err := env.engine.SetFault(ctx, "A", "breaker_trip"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Act
	res, err := env.engine.SetFault(ctx, "A", "breaker_trip")

	// Assert
	if err != nil {
		t.Fatalf("expected idempotent fault, got %v", err)
	}
	if len(res.AffectedRequests) != 0 || len(res.BillsSettled) != 0 {
		t.Errorf("expected empty result on repeat fault, got %+v", res)
	}
	if _, err := env.engine.SetFault(ctx, "Z", "breaker_trip"); domain.KindOf(err) != domain.KindPileNotFound {
		t.Errorf("expected pile_not_found, got %v", err)
	}
}

func TestSetFault_SessionAtTargetCompletesNormally(t *testing.T) {
	// Arrange: the session reached its target but the scanner has not
	// observed it yet when the fault lands.
	ctx := context.Background()
	env := newTestEnv(t)
	eng := env.engine
	if _, err := eng.Submit(ctx, "u1", domain.ModeFast, 30.0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	eng.dispatchAll(ctx)

	ps, ok := eng.pile("A")
	if !ok {
		t.Fatal("expected pile A")
	}
	ps.mu.Lock()
	ps.session.DeliveredKWh = 30.0
	ps.mu.Unlock()
	env.clock.Advance(time.Hour)

	// Act
	res, err := eng.SetFault(ctx, "A", "breaker_trip")

	// Assert: completion, not eviction.
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(res.AffectedRequests) != 0 {
		t.Errorf("expected no affected requests, got %v", res.AffectedRequests)
	}
	bills, total, err := env.store.Bills().List(ctx, ports.RecordQuery{UserID: "u1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if total != 1 {
		t.Fatalf("expected 1 bill, got %d", total)
	}
	if bills[0].Status != domain.SessionStatusCompleted {
		t.Errorf("expected bill status COMPLETED, got '%s'", bills[0].Status)
	}
	if _, err := eng.Status(ctx, "u1"); domain.KindOf(err) != domain.KindNotFound {
		t.Errorf("expected not_found after completion, got %v", err)
	}
}

func TestRecover_RebalancesQueuedCarToRecoveredPile(t *testing.T) {
	// Arrange: A faulted; u1 charging on B with u3 queued behind.
	ctx := context.Background()
	env := newTestEnv(t)
	eng := env.engine
	if _, err := eng.SetFault(ctx, "A", "breaker_trip"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := eng.Submit(ctx, "u1", domain.ModeFast, 30.0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	eng.dispatchAll(ctx)
	if _, err := eng.Submit(ctx, "u3", domain.ModeFast, 10.0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	eng.dispatchAll(ctx)

	// Act
	res, err := eng.Recover(ctx, "A")

	// Assert: T(A) = 10/30 beats T(B) = 30/30 + 10/30, so u3 moves to A.
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(res.RescheduledRequests) != 1 {
		t.Fatalf("expected 1 rescheduled request, got %d", len(res.RescheduledRequests))
	}
	st3, err := eng.Status(ctx, "u3")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if st3.State != domain.RequestStatusCharging || st3.AssignedPile != "A" {
		t.Errorf("expected u3 CHARGING on A, got '%s' on '%s'", st3.State, st3.AssignedPile)
	}
	st1, err := eng.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if st1.State != domain.RequestStatusCharging || st1.AssignedPile != "B" {
		t.Errorf("expected u1 untouched on B, got '%s' on '%s'", st1.State, st1.AssignedPile)
	}
	detailB, err := eng.PileDetail(ctx, "B")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if detailB.Waiting != nil {
		t.Errorf("expected B's waiting slot empty, got %+v", detailB.Waiting)
	}
	if n := len(env.queue.GetPublishedMessages(domain.EventPileRecovered)); n != 1 {
		t.Errorf("expected 1 recovered event, got %d", n)
	}
}

func TestRecover_NonFaultedIsNoOp(t *testing.T) {
	// Arrange
	ctx := context.Background()
	env := newTestEnv(t)

	// Act
	res, err := env.engine.Recover(ctx, "A")

	// Assert
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(res.RescheduledRequests) != 0 {
		t.Errorf("expected empty result, got %+v", res)
	}
	if _, err := env.engine.Recover(ctx, "Z"); domain.KindOf(err) != domain.KindPileNotFound {
		t.Errorf("expected pile_not_found, got %v", err)
	}
}

func TestFaultThenRecover_NeverDoubleCharges(t *testing.T) {
	// Arrange: u1 interrupted mid-charge, then finishes on another pile.
	// The two bills must cover 30 kWh exactly once.
	ctx := context.Background()
	env := newTestEnv(t)
	eng := env.engine
	if err := eng.StopPile(ctx, "B"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := eng.Submit(ctx, "u1", domain.ModeFast, 30.0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	eng.dispatchAll(ctx)
	env.clock.Advance(24 * time.Minute)
	eng.scanPiles(ctx)

	if err := eng.StartPile(ctx, "B"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Act: fault A, the remainder moves to B and runs to completion.
	if _, err := eng.SetFault(ctx, "A", "breaker_trip"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	env.clock.Advance(36 * time.Minute) // 18 kWh at 30 kW
	eng.scanPiles(ctx)

	// Assert
	bills, total, err := env.store.Bills().List(ctx, ports.RecordQuery{
		UserID: "u1",
		Sort:   ports.SortTimeAsc,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 bills, got %d", total)
	}
	if !floatEq(bills[0].EnergyKWh+bills[1].EnergyKWh, 30.0) {
		t.Errorf("expected bills to cover 30.0 kWh once, got %v + %v",
			bills[0].EnergyKWh, bills[1].EnergyKWh)
	}
	if bills[0].Status != domain.SessionStatusInterrupted {
		t.Errorf("expected first bill INTERRUPTED, got '%s'", bills[0].Status)
	}
	if bills[1].Status != domain.SessionStatusCompleted {
		t.Errorf("expected second bill COMPLETED, got '%s'", bills[1].Status)
	}
	if _, err := eng.Status(ctx, "u1"); domain.KindOf(err) != domain.KindNotFound {
		t.Errorf("expected not_found after completion, got %v", err)
	}
}
