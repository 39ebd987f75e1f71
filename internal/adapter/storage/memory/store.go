package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/ports"
)

// Store is the in-memory persistence backend: a process-local durable
// store for single-binary deployments and tests. All four repositories
// share one lock; values are copied on the way in and out so callers
// never alias stored state.
type Store struct {
	mu       sync.RWMutex
	piles    map[string]domain.Pile
	requests map[string]domain.Request
	sessions map[string]domain.Session
	bills    map[string]domain.Bill
}

func NewStore() *Store {
	return &Store{
		piles:    make(map[string]domain.Pile),
		requests: make(map[string]domain.Request),
		sessions: make(map[string]domain.Session),
		bills:    make(map[string]domain.Bill),
	}
}

func (s *Store) Piles() ports.PileRepository       { return &pileRepo{s} }
func (s *Store) Requests() ports.RequestRepository { return &requestRepo{s} }
func (s *Store) Sessions() ports.SessionRepository { return &sessionRepo{s} }
func (s *Store) Bills() ports.BillRepository       { return &billRepo{s} }

func sameDay(t, day time.Time) bool {
	return t.Format("20060102") == day.Format("20060102")
}

func sortBills(bills []domain.Bill, order ports.RecordSort) {
	switch order {
	case ports.SortTimeAsc:
		sort.SliceStable(bills, func(i, j int) bool { return bills[i].EndedAt.Before(bills[j].EndedAt) })
	case ports.SortCostAsc:
		sort.SliceStable(bills, func(i, j int) bool { return bills[i].TotalCost < bills[j].TotalCost })
	case ports.SortCostDesc:
		sort.SliceStable(bills, func(i, j int) bool { return bills[i].TotalCost > bills[j].TotalCost })
	default: // time_desc
		sort.SliceStable(bills, func(i, j int) bool { return bills[i].EndedAt.After(bills[j].EndedAt) })
	}
}

func matches(b *domain.Bill, q ports.RecordQuery) bool {
	if q.UserID != "" && b.UserID != q.UserID {
		return false
	}
	if q.PileID != "" && b.PileID != q.PileID {
		return false
	}
	if q.Mode != "" && b.Mode != q.Mode {
		return false
	}
	if q.Status != "" && b.Status != q.Status {
		return false
	}
	if !q.From.IsZero() && b.EndedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && b.EndedAt.After(q.To) {
		return false
	}
	return true
}

func hasQueuePrefix(queueNumber, prefix string) bool {
	return strings.HasPrefix(queueNumber, prefix) && len(queueNumber) > len(prefix)
}
