package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/crafthaus/booksync/internal/clock"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Cursor is the per-source feed position. It pairs the timestamp with
// the last source ID seen at that timestamp, so a run of transactions
// sharing one timestamp can be paged through across batches.
type Cursor struct {
	LastSyncedAt time.Time `json:"last_synced_at"`
	LastSourceID string    `json:"last_source_id"`
}

func (c Cursor) IsZero() bool {
	return c.LastSyncedAt.IsZero() && c.LastSourceID == ""
}

// SyncState is the persisted cursor row: transactions strictly after
// (LastSyncedAt, LastSourceID) are picked up by the next run.
type SyncState struct {
	Source       string    `gorm:"primaryKey;type:text"`
	LastSyncedAt time.Time `gorm:"not null"`
	LastSourceID string    `gorm:"column:last_source_id;type:text;not null;default:''"`
	LastRunID    string    `gorm:"type:text;not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (SyncState) TableName() string { return "sync_states" }

type CursorStore interface {
	// Get returns the current cursor, or the zero cursor when the source
	// has never been synced.
	Get(ctx context.Context, source string) (Cursor, error)
	Advance(ctx context.Context, source string, to Cursor, runID string) error
}

type cursorStore struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewCursorStore(db *gorm.DB, clk clock.Clock) CursorStore {
	return &cursorStore{db: db, clock: clk}
}

func (s *cursorStore) Get(ctx context.Context, source string) (Cursor, error) {
	var state SyncState
	err := s.db.WithContext(ctx).
		Where("source = ?", source).
		First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Cursor{}, nil
		}
		return Cursor{}, err
	}
	return Cursor{LastSyncedAt: state.LastSyncedAt, LastSourceID: state.LastSourceID}, nil
}

func (s *cursorStore) Advance(ctx context.Context, source string, to Cursor, runID string) error {
	state := SyncState{
		Source:       source,
		LastSyncedAt: to.LastSyncedAt,
		LastSourceID: to.LastSourceID,
		LastRunID:    runID,
		UpdatedAt:    s.clock.Now(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_synced_at", "last_source_id", "last_run_id", "updated_at"}),
		}).
		Create(&state).Error
}
