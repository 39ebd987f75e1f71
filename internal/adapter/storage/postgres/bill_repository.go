package postgres

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/ports"
)

type BillRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewBillRepository(db *gorm.DB, log *zap.Logger) ports.BillRepository {
	return &BillRepository{
		db:  db,
		log: log,
	}
}

// Save inserts the bill. Bills are immutable, so a duplicate identifier is
// an error rather than an upsert.
func (r *BillRepository) Save(ctx context.Context, bill *domain.Bill) error {
	result := r.db.WithContext(ctx).Create(bill)
	if result.Error != nil {
		r.log.Error("Failed to save bill", zap.String("bill_id", bill.ID), zap.Error(result.Error))
		return domain.WrapError(domain.KindPersistenceFailure, result.Error, "saving bill %s", bill.ID)
	}
	return nil
}

func (r *BillRepository) FindByID(ctx context.Context, id string) (*domain.Bill, error) {
	var bill domain.Bill
	err := r.db.WithContext(ctx).First(&bill, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &bill, nil
}

func (r *BillRepository) List(ctx context.Context, q ports.RecordQuery) ([]domain.Bill, int64, error) {
	query := r.db.WithContext(ctx).Model(&domain.Bill{})
	if q.UserID != "" {
		query = query.Where("user_id = ?", q.UserID)
	}
	if q.PileID != "" {
		query = query.Where("pile_id = ?", q.PileID)
	}
	if q.Mode != "" {
		query = query.Where("mode = ?", q.Mode)
	}
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}
	if !q.From.IsZero() {
		query = query.Where("ended_at >= ?", q.From)
	}
	if !q.To.IsZero() {
		query = query.Where("ended_at <= ?", q.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = query.Order(orderClause(q.Sort)).Offset(q.Offset)
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var bills []domain.Bill
	if err := query.Find(&bills).Error; err != nil {
		return nil, 0, err
	}
	return bills, total, nil
}

func orderClause(sort ports.RecordSort) string {
	switch sort {
	case ports.SortTimeAsc:
		return "ended_at asc"
	case ports.SortCostAsc:
		return "total_cost asc"
	case ports.SortCostDesc:
		return "total_cost desc"
	default:
		return "ended_at desc"
	}
}

// MaxSeq returns the highest bill sequence issued on the given day. Bill
// identifiers embed the day and a zero-padded sequence, so the newest one
// sorts last lexically.
func (r *BillRepository) MaxSeq(ctx context.Context, day time.Time) (int, error) {
	prefix := domain.FormatBillID(day, 0)
	prefix = prefix[:len(prefix)-4]

	var latest domain.Bill
	err := r.db.WithContext(ctx).
		Where("id LIKE ?", prefix+"%").
		Order("id desc").
		First(&latest).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}

	_, seq, err := domain.ParseBillID(latest.ID)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

type aggregateRow struct {
	Count          int64
	TotalEnergyKWh float64 `gorm:"column:total_energy_kwh"`
	TotalHours     float64
	EnergyCost     int64
	ServiceCost    int64
	TotalCost      int64
}

func (r *BillRepository) Aggregate(ctx context.Context, from, to time.Time, pileID string) (*ports.BillAggregate, error) {
	query := r.db.WithContext(ctx).Model(&domain.Bill{}).
		Where("ended_at >= ? AND ended_at <= ?", from, to)
	if pileID != "" {
		query = query.Where("pile_id = ?", pileID)
	}

	var row aggregateRow
	err := query.Select(
		"COUNT(*) as count, " +
			"COALESCE(SUM(energy_kwh), 0) as total_energy_kwh, " +
			"COALESCE(SUM(duration_hrs), 0) as total_hours, " +
			"COALESCE(SUM(energy_cost), 0) as energy_cost, " +
			"COALESCE(SUM(service_cost), 0) as service_cost, " +
			"COALESCE(SUM(total_cost), 0) as total_cost",
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}

	return &ports.BillAggregate{
		Count:          row.Count,
		TotalEnergyKWh: row.TotalEnergyKWh,
		TotalHours:     row.TotalHours,
		EnergyCost:     domain.Money(row.EnergyCost),
		ServiceCost:    domain.Money(row.ServiceCost),
		TotalCost:      domain.Money(row.TotalCost),
	}, nil
}
