package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Action names the orchestrator step a log entry records.
type Action string

const (
	ActionFetch     Action = "fetch"
	ActionNormalize Action = "normalize"
	ActionClassify  Action = "classify"
	ActionBuild     Action = "build"
	ActionReserve   Action = "reserve"
	ActionSubmit    Action = "submit"
	ActionCommit    Action = "commit"
	ActionRelease   Action = "release"
	ActionSweep     Action = "sweep"
)

type Result string

const (
	ResultOK       Result = "ok"
	ResultSkipped  Result = "skipped"
	ResultDeferred Result = "deferred"
	ResultRetried  Result = "retried"
	ResultFailed   Result = "failed"
)

// Entry is one append-only row in the reconciliation trail. Entries are
// never updated or deleted.
type Entry struct {
	ID        snowflake.ID       `gorm:"column:id;primaryKey"`
	RunID     string             `gorm:"column:run_id;index:ix_audit_run_id"`
	Source    string             `gorm:"column:source"`
	SourceID  string             `gorm:"column:source_id;index:ix_audit_source_id"`
	Action    Action             `gorm:"column:action"`
	FromState string             `gorm:"column:from_state"`
	ToState   string             `gorm:"column:to_state"`
	Result    Result             `gorm:"column:result"`
	Actor     string             `gorm:"column:actor"`
	Metadata  datatypes.JSONMap  `gorm:"column:metadata"`
	CreatedAt time.Time          `gorm:"column:created_at"`
}

func (Entry) TableName() string {
	return "audit_log_entries"
}

// ListFilter narrows a trail query. Zero values match everything.
type ListFilter struct {
	RunID    string
	Source   string
	SourceID string
	Result   Result
	Since    time.Time
	Limit    int
}

type Recorder interface {
	// Record appends one entry. Failures are returned but callers may
	// choose to log and continue; the trail must never block the sync.
	Record(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter ListFilter) ([]Entry, error)
}
