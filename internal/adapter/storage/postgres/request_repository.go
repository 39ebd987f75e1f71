package postgres

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/ports"
)

type RequestRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewRequestRepository(db *gorm.DB, log *zap.Logger) ports.RequestRepository {
	return &RequestRepository{
		db:  db,
		log: log,
	}
}

func (r *RequestRepository) Save(ctx context.Context, req *domain.Request) error {
	result := r.db.WithContext(ctx).Save(req)
	if result.Error != nil {
		r.log.Error("Failed to save request", zap.String("request_id", req.ID), zap.Error(result.Error))
		return result.Error
	}
	return nil
}

func (r *RequestRepository) FindByID(ctx context.Context, id string) (*domain.Request, error) {
	var req domain.Request
	err := r.db.WithContext(ctx).First(&req, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

func (r *RequestRepository) FindActiveByUserID(ctx context.Context, userID string) (*domain.Request, error) {
	active := []domain.RequestStatus{
		domain.RequestStatusWaiting,
		domain.RequestStatusQueued,
		domain.RequestStatusCharging,
	}
	var req domain.Request
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, active).
		Order("created_at desc").
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

func (r *RequestRepository) FindByUserID(ctx context.Context, userID string, limit, offset int) ([]domain.Request, error) {
	var reqs []domain.Request
	query := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc").Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&reqs).Error
	return reqs, err
}

func (r *RequestRepository) Update(ctx context.Context, req *domain.Request) error {
	return r.db.WithContext(ctx).Save(req).Error
}

// MaxQueueSeq scans the day's queue numbers for the prefix and returns the
// highest sequence. Numbers are short strings like F12, so the parse
// happens here rather than in SQL.
func (r *RequestRepository) MaxQueueSeq(ctx context.Context, day time.Time, prefix string) (int, error) {
	startOfDay := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	endOfDay := startOfDay.Add(24 * time.Hour)

	var numbers []string
	err := r.db.WithContext(ctx).Model(&domain.Request{}).
		Where("created_at >= ? AND created_at < ? AND queue_number LIKE ?", startOfDay, endOfDay, prefix+"%").
		Pluck("queue_number", &numbers).Error
	if err != nil {
		return 0, err
	}

	max := 0
	for _, n := range numbers {
		if len(n) < 2 {
			continue
		}
		seq, err := strconv.Atoi(n[1:])
		if err != nil {
			continue
		}
		if seq > max {
			max = seq
		}
	}
	return max, nil
}
