package mocks

import (
	"context"
	"time"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/ports"
)

// MockPileRepository is a mock implementation of PileRepository interface
type MockPileRepository struct {
	SaveFunc         func(ctx context.Context, pile *domain.Pile) error
	FindByIDFunc     func(ctx context.Context, id string) (*domain.Pile, error)
	FindAllFunc      func(ctx context.Context) ([]domain.Pile, error)
	UpdateFunc       func(ctx context.Context, pile *domain.Pile) error
	UpdateStatusFunc func(ctx context.Context, id string, status domain.PileStatus) error
}

func (m *MockPileRepository) Save(ctx context.Context, pile *domain.Pile) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, pile)
	}
	return nil
}

func (m *MockPileRepository) FindByID(ctx context.Context, id string) (*domain.Pile, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockPileRepository) FindAll(ctx context.Context) ([]domain.Pile, error) {
	if m.FindAllFunc != nil {
		return m.FindAllFunc(ctx)
	}
	return nil, nil
}

func (m *MockPileRepository) Update(ctx context.Context, pile *domain.Pile) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, pile)
	}
	return nil
}

func (m *MockPileRepository) UpdateStatus(ctx context.Context, id string, status domain.PileStatus) error {
	if m.UpdateStatusFunc != nil {
		return m.UpdateStatusFunc(ctx, id, status)
	}
	return nil
}

// MockRequestRepository is a mock implementation of RequestRepository interface
type MockRequestRepository struct {
	SaveFunc             func(ctx context.Context, req *domain.Request) error
	FindByIDFunc         func(ctx context.Context, id string) (*domain.Request, error)
	FindActiveByUserFunc func(ctx context.Context, userID string) (*domain.Request, error)
	FindByUserIDFunc     func(ctx context.Context, userID string, limit, offset int) ([]domain.Request, error)
	UpdateFunc           func(ctx context.Context, req *domain.Request) error
	MaxQueueSeqFunc      func(ctx context.Context, day time.Time, prefix string) (int, error)
}

func (m *MockRequestRepository) Save(ctx context.Context, req *domain.Request) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, req)
	}
	return nil
}

func (m *MockRequestRepository) FindByID(ctx context.Context, id string) (*domain.Request, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockRequestRepository) FindActiveByUserID(ctx context.Context, userID string) (*domain.Request, error) {
	if m.FindActiveByUserFunc != nil {
		return m.FindActiveByUserFunc(ctx, userID)
	}
	return nil, nil
}

func (m *MockRequestRepository) FindByUserID(ctx context.Context, userID string, limit, offset int) ([]domain.Request, error) {
	if m.FindByUserIDFunc != nil {
		return m.FindByUserIDFunc(ctx, userID, limit, offset)
	}
	return nil, nil
}

func (m *MockRequestRepository) Update(ctx context.Context, req *domain.Request) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, req)
	}
	return nil
}

func (m *MockRequestRepository) MaxQueueSeq(ctx context.Context, day time.Time, prefix string) (int, error) {
	if m.MaxQueueSeqFunc != nil {
		return m.MaxQueueSeqFunc(ctx, day, prefix)
	}
	return 0, nil
}

// MockSessionRepository is a mock implementation of SessionRepository interface
type MockSessionRepository struct {
	SaveFunc         func(ctx context.Context, sess *domain.Session) error
	FindByIDFunc     func(ctx context.Context, id string) (*domain.Session, error)
	FindByUserIDFunc func(ctx context.Context, userID string, limit, offset int) ([]domain.Session, error)
	UpdateFunc       func(ctx context.Context, sess *domain.Session) error
}

func (m *MockSessionRepository) Save(ctx context.Context, sess *domain.Session) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, sess)
	}
	return nil
}

func (m *MockSessionRepository) FindByID(ctx context.Context, id string) (*domain.Session, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockSessionRepository) FindByUserID(ctx context.Context, userID string, limit, offset int) ([]domain.Session, error) {
	if m.FindByUserIDFunc != nil {
		return m.FindByUserIDFunc(ctx, userID, limit, offset)
	}
	return nil, nil
}

func (m *MockSessionRepository) Update(ctx context.Context, sess *domain.Session) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, sess)
	}
	return nil
}

// MockBillRepository is a mock implementation of BillRepository interface
type MockBillRepository struct {
	SaveFunc      func(ctx context.Context, bill *domain.Bill) error
	FindByIDFunc  func(ctx context.Context, id string) (*domain.Bill, error)
	ListFunc      func(ctx context.Context, q ports.RecordQuery) ([]domain.Bill, int64, error)
	MaxSeqFunc    func(ctx context.Context, day time.Time) (int, error)
	AggregateFunc func(ctx context.Context, from, to time.Time, pileID string) (*ports.BillAggregate, error)
}

func (m *MockBillRepository) Save(ctx context.Context, bill *domain.Bill) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, bill)
	}
	return nil
}

func (m *MockBillRepository) FindByID(ctx context.Context, id string) (*domain.Bill, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockBillRepository) List(ctx context.Context, q ports.RecordQuery) ([]domain.Bill, int64, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, q)
	}
	return nil, 0, nil
}

func (m *MockBillRepository) MaxSeq(ctx context.Context, day time.Time) (int, error) {
	if m.MaxSeqFunc != nil {
		return m.MaxSeqFunc(ctx, day)
	}
	return 0, nil
}

func (m *MockBillRepository) Aggregate(ctx context.Context, from, to time.Time, pileID string) (*ports.BillAggregate, error) {
	if m.AggregateFunc != nil {
		return m.AggregateFunc(ctx, from, to, pileID)
	}
	return &ports.BillAggregate{}, nil
}
