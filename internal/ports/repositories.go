package ports

import (
	"context"
	"time"

	"github.com/evgrid/stationd/internal/domain"
)

type PileRepository interface {
	Save(ctx context.Context, pile *domain.Pile) error
	FindByID(ctx context.Context, id string) (*domain.Pile, error)
	FindAll(ctx context.Context) ([]domain.Pile, error)
	Update(ctx context.Context, pile *domain.Pile) error
	UpdateStatus(ctx context.Context, id string, status domain.PileStatus) error
}

type RequestRepository interface {
	Save(ctx context.Context, req *domain.Request) error
	FindByID(ctx context.Context, id string) (*domain.Request, error)
	FindActiveByUserID(ctx context.Context, userID string) (*domain.Request, error)
	FindByUserID(ctx context.Context, userID string, limit, offset int) ([]domain.Request, error)
	Update(ctx context.Context, req *domain.Request) error
	// MaxQueueSeq returns the highest queue-number sequence issued for the
	// prefix on the given day, 0 when none. Used to restore counters at
	// startup so numbers stay monotonic across restarts.
	MaxQueueSeq(ctx context.Context, day time.Time, prefix string) (int, error)
}

type SessionRepository interface {
	Save(ctx context.Context, session *domain.Session) error
	FindByID(ctx context.Context, id string) (*domain.Session, error)
	FindByUserID(ctx context.Context, userID string, limit, offset int) ([]domain.Session, error)
	Update(ctx context.Context, session *domain.Session) error
}

// RecordSort orders bill listings.
type RecordSort string

const (
	SortTimeAsc  RecordSort = "time_asc"
	SortTimeDesc RecordSort = "time_desc"
	SortCostAsc  RecordSort = "cost_asc"
	SortCostDesc RecordSort = "cost_desc"
)

// RecordQuery filters and pages a bill listing. Zero values mean no
// constraint; Limit 0 means the repository default.
type RecordQuery struct {
	UserID string
	PileID string
	Mode   domain.ChargeMode
	Status domain.SessionStatus
	From   time.Time
	To     time.Time
	Sort   RecordSort
	Limit  int
	Offset int
}

// BillAggregate carries station-wide roll-ups for reports.
type BillAggregate struct {
	Count          int64        `json:"count"`
	TotalEnergyKWh float64      `json:"total_energy_kwh"`
	TotalHours     float64      `json:"total_hours"`
	EnergyCost     domain.Money `json:"energy_cost"`
	ServiceCost    domain.Money `json:"service_cost"`
	TotalCost      domain.Money `json:"total_cost"`
}

type BillRepository interface {
	// Save inserts a bill. Bills are immutable; there is no update.
	Save(ctx context.Context, bill *domain.Bill) error
	FindByID(ctx context.Context, id string) (*domain.Bill, error)
	List(ctx context.Context, q RecordQuery) ([]domain.Bill, int64, error)
	// MaxSeq returns the highest bill sequence issued on the given day,
	// 0 when none.
	MaxSeq(ctx context.Context, day time.Time) (int, error)
	Aggregate(ctx context.Context, from, to time.Time, pileID string) (*BillAggregate, error)
}
