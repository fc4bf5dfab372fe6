package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/crafthaus/booksync/internal/clock"
	idemdomain "github.com/crafthaus/booksync/internal/idempotency/domain"
	"github.com/crafthaus/booksync/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type store struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewStore(p Params) idemdomain.Store {
	return &store{
		db:    p.DB,
		log:   p.Log.Named("idempotency.store"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// Reserve inserts the pending row and lets the unique index on
// {source, source_id, entity_kind} arbitrate races. The insert either
// lands or fails with a duplicate-key error; there is no read-then-write
// window, so the guarantee holds across separate processes sharing the
// store.
func (s *store) Reserve(ctx context.Context, source, sourceID, entityKind string) (*idemdomain.Reservation, error) {
	now := s.clock.Now()
	record := idemdomain.Record{
		ID:         s.genID.Generate(),
		Source:     source,
		SourceID:   sourceID,
		EntityKind: entityKind,
		Status:     idemdomain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.db.WithContext(ctx).Exec(
		`INSERT INTO idempotency_records (
			id, source, source_id, entity_kind, ledger_entity_id, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, NULL, ?, ?, ?)`,
		record.ID,
		record.Source,
		record.SourceID,
		record.EntityKind,
		record.Status,
		record.CreatedAt,
		record.UpdatedAt,
	).Error
	if err == nil {
		return &idemdomain.Reservation{
			RecordID:   record.ID,
			Source:     source,
			SourceID:   sourceID,
			EntityKind: entityKind,
		}, nil
	}
	if !db.IsDuplicateKeyErr(err) {
		return nil, err
	}

	existing, findErr := s.find(ctx, source, sourceID, entityKind)
	if findErr != nil {
		return nil, findErr
	}
	if existing == nil {
		// Row vanished between insert and read: a concurrent release.
		// Report it as held; the next batch retries cleanly.
		return nil, &idemdomain.AlreadyExistsError{Status: idemdomain.StatusPending}
	}
	exists := &idemdomain.AlreadyExistsError{Status: existing.Status}
	if existing.LedgerEntityID != nil {
		exists.LedgerEntityID = *existing.LedgerEntityID
	}
	return nil, exists
}

// Commit is a compare-and-swap on the record's status. The WHERE clause
// only matches the pending row; zero affected rows trigger a re-read to
// distinguish the idempotent no-op from a genuine conflict.
func (s *store) Commit(ctx context.Context, token *idemdomain.Reservation, ledgerEntityID string) error {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE idempotency_records
		 SET status = ?, ledger_entity_id = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		idemdomain.StatusCommitted,
		ledgerEntityID,
		now,
		token.RecordID,
		idemdomain.StatusPending,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	existing, err := s.find(ctx, token.Source, token.SourceID, token.EntityKind)
	if err != nil {
		return err
	}
	if existing == nil {
		return idemdomain.ErrReservationNotFound
	}
	if existing.Status == idemdomain.StatusCommitted &&
		existing.LedgerEntityID != nil &&
		*existing.LedgerEntityID == ledgerEntityID {
		return nil
	}
	s.log.Error("idempotency commit conflict",
		zap.String("source", token.Source),
		zap.String("source_id", token.SourceID),
		zap.String("entity_kind", token.EntityKind),
		zap.String("ledger_entity_id", ledgerEntityID),
	)
	return idemdomain.ErrConflict
}

// Release removes the reservation only while it is still pending; a
// committed record is permanent.
func (s *store) Release(ctx context.Context, token *idemdomain.Reservation) error {
	result := s.db.WithContext(ctx).Exec(
		`DELETE FROM idempotency_records
		 WHERE id = ? AND status = ?`,
		token.RecordID,
		idemdomain.StatusPending,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return idemdomain.ErrReservationNotFound
	}
	return nil
}

func (s *store) LookupCommitted(ctx context.Context, source, sourceID, entityKind string) (string, error) {
	record, err := s.find(ctx, source, sourceID, entityKind)
	if err != nil {
		return "", err
	}
	if record == nil || record.Status != idemdomain.StatusCommitted || record.LedgerEntityID == nil {
		return "", idemdomain.ErrNotCommitted
	}
	return *record.LedgerEntityID, nil
}

func (s *store) ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Exec(
		`DELETE FROM idempotency_records
		 WHERE status = ? AND updated_at < ?`,
		idemdomain.StatusPending,
		olderThan,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Info("released stale reservations", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

func (s *store) find(ctx context.Context, source, sourceID, entityKind string) (*idemdomain.Record, error) {
	var record idemdomain.Record
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, source, source_id, entity_kind, ledger_entity_id, status, created_at, updated_at
		 FROM idempotency_records
		 WHERE source = ? AND source_id = ? AND entity_kind = ?`,
		source,
		sourceID,
		entityKind,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}
