package station

import (
	"sync"

	"github.com/evgrid/stationd/internal/domain"
)

// waitingArea is the bounded admission queue, partitioned by charge mode.
// Capacity is total across both partitions. All methods assume the caller
// holds mu; the engine acquires it after the pause flag and before any
// pile lock.
type waitingArea struct {
	mu       sync.Mutex
	capacity int
	queues   map[domain.ChargeMode][]*domain.Request
}

func newWaitingArea(capacity int) *waitingArea {
	return &waitingArea{
		capacity: capacity,
		queues: map[domain.ChargeMode][]*domain.Request{
			domain.ModeFast:    {},
			domain.ModeTrickle: {},
		},
	}
}

func (w *waitingArea) size() int {
	return len(w.queues[domain.ModeFast]) + len(w.queues[domain.ModeTrickle])
}

func (w *waitingArea) full() bool {
	return w.size() >= w.capacity
}

// head returns the FIFO head of the mode partition without removing it.
func (w *waitingArea) head(mode domain.ChargeMode) *domain.Request {
	q := w.queues[mode]
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (w *waitingArea) append(req *domain.Request) {
	w.queues[req.Mode] = append(w.queues[req.Mode], req)
}

// pushFront prepends reqs to their partitions preserving the given order,
// so reqs[0] becomes the new head. Used by the fault coordinator to make
// evicted requests outrank ordinary waiters.
func (w *waitingArea) pushFront(reqs []*domain.Request) {
	for i := len(reqs) - 1; i >= 0; i-- {
		req := reqs[i]
		w.queues[req.Mode] = append([]*domain.Request{req}, w.queues[req.Mode]...)
	}
}

// remove deletes the request with the given id from its partition and
// reports whether it was present.
func (w *waitingArea) remove(id string) bool {
	for mode, q := range w.queues {
		for i, req := range q {
			if req.ID == id {
				w.queues[mode] = append(q[:i], q[i+1:]...)
				return true
			}
		}
	}
	return false
}

// find returns the waiting request with the given id, nil when absent.
func (w *waitingArea) find(id string) *domain.Request {
	for _, q := range w.queues {
		for _, req := range q {
			if req.ID == id {
				return req
			}
		}
	}
	return nil
}

// position returns how many requests precede id in its partition, -1 when
// absent.
func (w *waitingArea) position(id string) int {
	for _, q := range w.queues {
		for i, req := range q {
			if req.ID == id {
				return i
			}
		}
	}
	return -1
}

// snapshot copies both partitions in FIFO order for admin queries.
func (w *waitingArea) list() []domain.Request {
	out := make([]domain.Request, 0, w.size())
	for _, mode := range []domain.ChargeMode{domain.ModeFast, domain.ModeTrickle} {
		for _, req := range w.queues[mode] {
			out = append(out, *req)
		}
	}
	return out
}
