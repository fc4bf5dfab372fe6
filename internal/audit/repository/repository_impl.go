package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/crafthaus/booksync/internal/audit/domain"
	"github.com/crafthaus/booksync/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultListLimit = 200

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type recorder struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewRecorder(p Params) auditdomain.Recorder {
	return &recorder{
		db:    p.DB,
		log:   p.Log.Named("audit.recorder"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (r *recorder) Record(ctx context.Context, entry *auditdomain.Entry) error {
	if entry.ID == 0 {
		entry.ID = r.genID.Generate()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.clock.Now()
	}
	if entry.Actor == "" {
		entry.Actor = "system"
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *recorder) List(ctx context.Context, filter auditdomain.ListFilter) ([]auditdomain.Entry, error) {
	query := r.db.WithContext(ctx).Model(&auditdomain.Entry{})
	if filter.RunID != "" {
		query = query.Where("run_id = ?", filter.RunID)
	}
	if filter.Source != "" {
		query = query.Where("source = ?", filter.Source)
	}
	if filter.SourceID != "" {
		query = query.Where("source_id = ?", filter.SourceID)
	}
	if filter.Result != "" {
		query = query.Where("result = ?", filter.Result)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var entries []auditdomain.Entry
	err := query.
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
