// Package scheduler runs the sync loop: sweep stale reservations, fetch
// the next batch after the cursor, process it, advance the cursor.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	auditdomain "github.com/crafthaus/booksync/internal/audit/domain"
	"github.com/crafthaus/booksync/internal/clock"
	"github.com/crafthaus/booksync/internal/config"
	idemdomain "github.com/crafthaus/booksync/internal/idempotency/domain"
	"github.com/crafthaus/booksync/internal/observability/metrics"
	syncengine "github.com/crafthaus/booksync/internal/sync"
	txndomain "github.com/crafthaus/booksync/internal/transaction/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// ErrRunInProgress means a run is already executing; runs never overlap.
var ErrRunInProgress = errors.New("sync_run_in_progress")

const initialStartLayout = "2006-01-02"

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Clock  clock.Clock
	Txns   txndomain.Repository
	Orch   *syncengine.Orchestrator
	Cursor CursorStore
	Idem   idemdomain.Store
	Audit  auditdomain.Recorder
}

type Scheduler struct {
	cfg    config.Config
	log    *zap.Logger
	clock  clock.Clock
	txns   txndomain.Repository
	orch   *syncengine.Orchestrator
	cursor CursorStore
	idem   idemdomain.Store
	trail  auditdomain.Recorder

	mu sync.Mutex
}

func New(p Params) *Scheduler {
	return &Scheduler{
		cfg:    p.Config,
		log:    p.Log.Named("scheduler"),
		clock:  p.Clock,
		txns:   p.Txns,
		orch:   p.Orch,
		cursor: p.Cursor,
		idem:   p.Idem,
		trail:  p.Audit,
	}
}

// RunOnce executes a single sync run. Concurrent callers get
// ErrRunInProgress instead of a second overlapping run.
func (s *Scheduler) RunOnce(ctx context.Context) (syncengine.Summary, error) {
	if !s.mu.TryLock() {
		return syncengine.Summary{}, ErrRunInProgress
	}
	defer s.mu.Unlock()

	source := s.cfg.Sync.Source
	now := s.clock.Now()

	released, err := s.idem.ReleaseStale(ctx, now.Add(-s.cfg.Sync.StaleReservation))
	if err != nil {
		s.log.Error("stale reservation sweep failed", zap.Error(err))
	} else {
		metrics.Sync().RecordStaleReleased(released)
		if released > 0 {
			s.recordAudit(ctx, source, "", auditdomain.ActionSweep, "pending", "released", datatypes.JSONMap{
				"released": released,
			})
		}
	}

	cursor, err := s.cursor.Get(ctx, source)
	if err != nil {
		return syncengine.Summary{}, err
	}
	if cursor.IsZero() {
		cursor.LastSyncedAt = s.initialStart()
	}

	batch, err := s.txns.FetchBatch(ctx, source, cursor.LastSyncedAt, cursor.LastSourceID, s.cfg.Sync.BatchSize)
	if err != nil {
		return syncengine.Summary{}, err
	}
	if len(batch) == 0 {
		s.log.Debug("no transactions after cursor",
			zap.String("source", source),
			zap.Time("after", cursor.LastSyncedAt),
		)
		return syncengine.Summary{}, nil
	}
	s.recordAudit(ctx, source, "", auditdomain.ActionFetch, "feed", "fetched", datatypes.JSONMap{
		"count": len(batch),
	})

	summary, err := s.orch.Process(ctx, batch)
	if err != nil {
		return summary, err
	}

	// The cursor only moves when every transaction in the batch reached
	// a terminal outcome that will not need this run's input again.
	// Deferred or failed items hold the cursor so the next run retries
	// them; committed items re-encountered then are skipped by the
	// reservation check.
	if summary.Deferred == 0 && summary.Failed == 0 {
		last := batch[len(batch)-1]
		next := Cursor{LastSyncedAt: last.SourceCreatedAt, LastSourceID: last.SourceID}
		if err := s.cursor.Advance(ctx, source, next, summary.RunID); err != nil {
			s.log.Error("cursor advance failed",
				zap.String("run_id", summary.RunID),
				zap.Error(err),
			)
		}
	}
	return summary, nil
}

// RunForever loops RunOnce on the configured interval until ctx ends.
func (s *Scheduler) RunForever(ctx context.Context) {
	interval := s.cfg.Sync.RunInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s.runAndLog(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Scheduler) runAndLog(ctx context.Context) {
	summary, err := s.RunOnce(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("sync run failed", zap.Error(err))
		return
	}
	if summary.Processed > 0 {
		s.log.Info("sync run summary",
			zap.String("run_id", summary.RunID),
			zap.Int("processed", summary.Processed),
			zap.Int("committed", summary.Committed),
		)
	}
}

func (s *Scheduler) recordAudit(ctx context.Context, source, sourceID string, action auditdomain.Action, from, to string, metadata datatypes.JSONMap) {
	entry := &auditdomain.Entry{
		Source:    source,
		SourceID:  sourceID,
		Action:    action,
		FromState: from,
		ToState:   to,
		Result:    auditdomain.ResultOK,
		Metadata:  metadata,
	}
	if err := s.trail.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.log.Warn("audit record failed",
			zap.String("action", string(action)),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) initialStart() time.Time {
	start, err := time.Parse(initialStartLayout, s.cfg.Sync.InitialSyncStart)
	if err != nil {
		s.log.Warn("invalid initial sync start date, using zero time",
			zap.String("value", s.cfg.Sync.InitialSyncStart),
		)
		return time.Time{}
	}
	return start
}
