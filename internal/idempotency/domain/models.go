package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status of an idempotency record. Only this package's store transitions
// records to committed; nothing else writes the table.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
)

// Record is the durable marker preventing duplicate ledger entities for
// the same source transaction. At most one record per
// {source, source_id, entity_kind} ever reaches committed, and the row
// survives process restarts.
type Record struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	Source     string       `gorm:"type:text;not null;uniqueIndex:ux_idempotency_key,priority:1"`
	SourceID   string       `gorm:"column:source_id;type:text;not null;uniqueIndex:ux_idempotency_key,priority:2"`
	EntityKind string       `gorm:"column:entity_kind;type:text;not null;uniqueIndex:ux_idempotency_key,priority:3"`

	LedgerEntityID *string   `gorm:"column:ledger_entity_id;type:text"`
	Status         Status    `gorm:"type:text;not null;index"`
	CreatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Record) TableName() string { return "idempotency_records" }

// Reservation is the token handed to the caller that won the reserve race.
// Commit and Release only accept operations through a token.
type Reservation struct {
	RecordID   snowflake.ID
	Source     string
	SourceID   string
	EntityKind string
}

// Store is the transactional key-value map with compare-and-set semantics
// gating every external ledger write.
type Store interface {
	// Reserve atomically inserts a pending record. The losing caller of a
	// concurrent race receives *AlreadyExistsError, never a duplicate row.
	Reserve(ctx context.Context, source, sourceID, entityKind string) (*Reservation, error)

	// Commit transitions pending -> committed. Committing twice with the
	// same ledger entity ID is a no-op; a different ID fails with
	// ErrConflict because it means two entities were created upstream.
	Commit(ctx context.Context, token *Reservation, ledgerEntityID string) error

	// Release removes a still-pending reservation so a later run can retry.
	Release(ctx context.Context, token *Reservation) error

	// LookupCommitted returns the ledger entity ID recorded for the key,
	// or ErrNotCommitted.
	LookupCommitted(ctx context.Context, source, sourceID, entityKind string) (string, error)

	// ReleaseStale removes pending reservations older than the cutoff.
	// Crash recovery: a process that died between reserve and commit left
	// such a row behind.
	ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error)
}
