package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	txndomain "github.com/crafthaus/booksync/internal/transaction/domain"
	"gorm.io/gorm"
)

type repository struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func NewRepository(db *gorm.DB, genID *snowflake.Node) txndomain.Repository {
	return &repository{db: db, genID: genID}
}

func (r *repository) Insert(ctx context.Context, txn *txndomain.Transaction) error {
	if txn.ID == 0 {
		txn.ID = r.genID.Generate()
	}
	for i := range txn.LineItems {
		if txn.LineItems[i].ID == 0 {
			txn.LineItems[i].ID = r.genID.Generate()
		}
		txn.LineItems[i].TransactionID = txn.ID
	}
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *repository) FindBySourceID(ctx context.Context, source, sourceID string) (*txndomain.Transaction, error) {
	var txn txndomain.Transaction
	err := r.db.WithContext(ctx).
		Preload("LineItems").
		Where("source = ? AND source_id = ?", source, sourceID).
		First(&txn).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, txndomain.ErrNotFound
		}
		return nil, err
	}
	return &txn, nil
}

func (r *repository) FetchBatch(ctx context.Context, source string, after time.Time, afterID string, limit int) ([]txndomain.Transaction, error) {
	var txns []txndomain.Transaction
	err := r.db.WithContext(ctx).
		Preload("LineItems").
		Where("source = ? AND (source_created_at > ? OR (source_created_at = ? AND source_id > ?))",
			source, after, after, afterID).
		Order("source_created_at ASC, source_id ASC").
		Limit(limit).
		Find(&txns).Error
	if err != nil {
		return nil, err
	}
	return txns, nil
}
