package memory

import (
	"context"
	"time"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/ports"
)

type pileRepo struct{ s *Store }

func (r *pileRepo) Save(ctx context.Context, pile *domain.Pile) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.piles[pile.ID] = *pile
	return nil
}

func (r *pileRepo) FindByID(ctx context.Context, id string) (*domain.Pile, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.piles[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *pileRepo) FindAll(ctx context.Context) ([]domain.Pile, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]domain.Pile, 0, len(r.s.piles))
	for _, p := range r.s.piles {
		out = append(out, p)
	}
	return out, nil
}

func (r *pileRepo) Update(ctx context.Context, pile *domain.Pile) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.piles[pile.ID] = *pile
	return nil
}

func (r *pileRepo) UpdateStatus(ctx context.Context, id string, status domain.PileStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.piles[id]
	if !ok {
		return domain.Errorf(domain.KindPileNotFound, "pile %s not found", id)
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	r.s.piles[id] = p
	return nil
}

type requestRepo struct{ s *Store }

func (r *requestRepo) Save(ctx context.Context, req *domain.Request) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.requests[req.ID] = *req
	return nil
}

func (r *requestRepo) FindByID(ctx context.Context, id string) (*domain.Request, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	req, ok := r.s.requests[id]
	if !ok {
		return nil, nil
	}
	return &req, nil
}

func (r *requestRepo) FindActiveByUserID(ctx context.Context, userID string) (*domain.Request, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var latest *domain.Request
	for id := range r.s.requests {
		req := r.s.requests[id]
		if req.UserID != userID || req.Status.IsTerminal() {
			continue
		}
		if latest == nil || req.CreatedAt.After(latest.CreatedAt) {
			cp := req
			latest = &cp
		}
	}
	return latest, nil
}

func (r *requestRepo) FindByUserID(ctx context.Context, userID string, limit, offset int) ([]domain.Request, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	all := make([]domain.Request, 0)
	for _, req := range r.s.requests {
		if req.UserID == userID {
			all = append(all, req)
		}
	}
	sortRequestsByCreatedDesc(all)
	return paginate(all, limit, offset), nil
}

func (r *requestRepo) Update(ctx context.Context, req *domain.Request) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.requests[req.ID] = *req
	return nil
}

func (r *requestRepo) MaxQueueSeq(ctx context.Context, day time.Time, prefix string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	max := 0
	for _, req := range r.s.requests {
		if !sameDay(req.CreatedAt, day) || !hasQueuePrefix(req.QueueNumber, prefix) {
			continue
		}
		if seq := queueSeq(req.QueueNumber); seq > max {
			max = seq
		}
	}
	return max, nil
}

type sessionRepo struct{ s *Store }

func (r *sessionRepo) Save(ctx context.Context, sess *domain.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sessions[sess.ID] = *sess
	return nil
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*domain.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (r *sessionRepo) FindByUserID(ctx context.Context, userID string, limit, offset int) ([]domain.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	all := make([]domain.Session, 0)
	for _, sess := range r.s.sessions {
		if sess.UserID == userID {
			all = append(all, sess)
		}
	}
	sortSessionsByStartedDesc(all)
	return paginate(all, limit, offset), nil
}

func (r *sessionRepo) Update(ctx context.Context, sess *domain.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sessions[sess.ID] = *sess
	return nil
}

type billRepo struct{ s *Store }

func (r *billRepo) Save(ctx context.Context, bill *domain.Bill) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.bills[bill.ID]; exists {
		return domain.Errorf(domain.KindPersistenceFailure, "bill %s already exists", bill.ID)
	}
	r.s.bills[bill.ID] = *bill
	return nil
}

func (r *billRepo) FindByID(ctx context.Context, id string) (*domain.Bill, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	b, ok := r.s.bills[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (r *billRepo) List(ctx context.Context, q ports.RecordQuery) ([]domain.Bill, int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	all := make([]domain.Bill, 0)
	for _, b := range r.s.bills {
		if matches(&b, q) {
			all = append(all, b)
		}
	}
	sortBills(all, q.Sort)
	total := int64(len(all))
	return paginate(all, q.Limit, q.Offset), total, nil
}

func (r *billRepo) MaxSeq(ctx context.Context, day time.Time) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	max := 0
	for id := range r.s.bills {
		d, seq, err := domain.ParseBillID(id)
		if err != nil || !sameDay(d, day) {
			continue
		}
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

func (r *billRepo) Aggregate(ctx context.Context, from, to time.Time, pileID string) (*ports.BillAggregate, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	agg := &ports.BillAggregate{}
	q := ports.RecordQuery{PileID: pileID, From: from, To: to}
	for _, b := range r.s.bills {
		if !matches(&b, q) {
			continue
		}
		agg.Count++
		agg.TotalEnergyKWh += b.EnergyKWh
		agg.TotalHours += b.DurationHrs
		agg.EnergyCost += b.EnergyCost
		agg.ServiceCost += b.ServiceCost
		agg.TotalCost += b.TotalCost
	}
	return agg, nil
}
