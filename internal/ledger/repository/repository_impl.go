package repository

import (
	"context"
	"errors"

	ledgerdomain "github.com/crafthaus/booksync/internal/ledger/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB *gorm.DB
}

type repository struct {
	db *gorm.DB
}

func NewRepository(p Params) ledgerdomain.Repository {
	return &repository{db: p.DB}
}

func (r *repository) Insert(ctx context.Context, entity *ledgerdomain.Entity) error {
	return r.db.WithContext(ctx).Create(entity).Error
}

func (r *repository) FindBySourceID(ctx context.Context, source, sourceID string) (*ledgerdomain.Entity, error) {
	var entity ledgerdomain.Entity
	err := r.db.WithContext(ctx).
		Preload("Lines").
		Where("source = ? AND source_id = ?", source, sourceID).
		First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgerdomain.ErrNotFound
		}
		return nil, err
	}
	return &entity, nil
}
