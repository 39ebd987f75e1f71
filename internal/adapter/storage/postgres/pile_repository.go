package postgres

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/ports"
)

type PileRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewPileRepository(db *gorm.DB, log *zap.Logger) ports.PileRepository {
	return &PileRepository{
		db:  db,
		log: log,
	}
}

func (r *PileRepository) Save(ctx context.Context, pile *domain.Pile) error {
	result := r.db.WithContext(ctx).Save(pile)
	if result.Error != nil {
		r.log.Error("Failed to save pile", zap.String("pile_id", pile.ID), zap.Error(result.Error))
		return result.Error
	}
	return nil
}

func (r *PileRepository) FindByID(ctx context.Context, id string) (*domain.Pile, error) {
	var pile domain.Pile
	err := r.db.WithContext(ctx).First(&pile, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pile, nil
}

func (r *PileRepository) FindAll(ctx context.Context) ([]domain.Pile, error) {
	var piles []domain.Pile
	err := r.db.WithContext(ctx).Order("id asc").Find(&piles).Error
	return piles, err
}

func (r *PileRepository) Update(ctx context.Context, pile *domain.Pile) error {
	return r.db.WithContext(ctx).Save(pile).Error
}

func (r *PileRepository) UpdateStatus(ctx context.Context, id string, status domain.PileStatus) error {
	result := r.db.WithContext(ctx).Model(&domain.Pile{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.Errorf(domain.KindPileNotFound, "pile %s not found", id)
	}
	return nil
}
