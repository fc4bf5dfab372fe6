// Package server exposes the operational HTTP surface: run triggers,
// run summaries, the audit trail and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/crafthaus/booksync/internal/audit/domain"
	"github.com/crafthaus/booksync/internal/config"
	ledgerdomain "github.com/crafthaus/booksync/internal/ledger/domain"
	"github.com/crafthaus/booksync/internal/scheduler"
	syncengine "github.com/crafthaus/booksync/internal/sync"
	txndomain "github.com/crafthaus/booksync/internal/transaction/domain"
	"github.com/crafthaus/booksync/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config    config.Config
	Log       *zap.Logger
	Scheduler *scheduler.Scheduler
	Cursor    scheduler.CursorStore
	Audit     auditdomain.Recorder
	Txns      txndomain.Repository
	Ledger    ledgerdomain.Repository
}

type Server struct {
	cfg       config.Config
	log       *zap.Logger
	scheduler *scheduler.Scheduler
	cursor    scheduler.CursorStore
	audit     auditdomain.Recorder
	txns      txndomain.Repository
	ledger    ledgerdomain.Repository

	mu          sync.RWMutex
	lastSummary *syncengine.Summary
}

func New(p Params) *Server {
	return &Server{
		cfg:       p.Config,
		log:       p.Log.Named("server"),
		scheduler: p.Scheduler,
		cursor:    p.Cursor,
		audit:     p.Audit,
		txns:      p.Txns,
		ledger:    p.Ledger,
	}
}

func NewEngine(cfg config.Config, s *Server) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.POST("/transactions", s.IngestTransaction)
	v1.POST("/sync/runs", s.TriggerRun)
	v1.GET("/sync/summary", s.LastSummary)
	v1.GET("/sync/state", s.SyncState)
	v1.GET("/ledger-entities/:source_id", s.GetLedgerEntity)
	v1.GET("/audit-logs", s.ListAuditLogs)

	return r
}

// IngestTransaction accepts one raw marketplace payload, maps it onto
// the closed transaction variants and stores it for the next sync run.
// Re-delivering the same payload answers 409 without a second row.
func (s *Server) IngestTransaction(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}

	source := c.DefaultQuery("source", s.cfg.Sync.Source)
	txn, err := txndomain.FromPayload(source, payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.txns.Insert(c.Request.Context(), txn); err != nil {
		if db.IsDuplicateKeyErr(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "already_ingested"})
			return
		}
		s.log.Error("transaction ingest failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest_failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"source":    txn.Source,
		"source_id": txn.SourceID,
		"kind":      txn.Kind,
	})
}

// TriggerRun starts a sync run synchronously and returns its summary.
// An already-running sync answers 409 instead of queueing a second run.
func (s *Server) TriggerRun(c *gin.Context) {
	summary, err := s.scheduler.RunOnce(c.Request.Context())
	if err != nil {
		if errors.Is(err, scheduler.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": "run_in_progress"})
			return
		}
		s.log.Error("manual sync run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_run_failed"})
		return
	}

	s.mu.Lock()
	s.lastSummary = &summary
	s.mu.Unlock()

	c.JSON(http.StatusOK, summary)
}

func (s *Server) LastSummary(c *gin.Context) {
	s.mu.RLock()
	summary := s.lastSummary
	s.mu.RUnlock()

	if summary == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_runs_yet"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) SyncState(c *gin.Context) {
	source := c.DefaultQuery("source", s.cfg.Sync.Source)
	cursor, err := s.cursor.Get(c.Request.Context(), source)
	if err != nil {
		s.log.Error("sync state read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_state_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"source":         source,
		"last_synced_at": cursor.LastSyncedAt,
		"last_source_id": cursor.LastSourceID,
	})
}

// GetLedgerEntity returns the local mirror of the entity built for a
// source transaction, including its remote document ID once submitted.
func (s *Server) GetLedgerEntity(c *gin.Context) {
	source := c.DefaultQuery("source", s.cfg.Sync.Source)
	entity, err := s.ledger.FindBySourceID(c.Request.Context(), source, c.Param("source_id"))
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ledger_entity_not_found"})
			return
		}
		s.log.Error("ledger entity read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_entity_unavailable"})
		return
	}
	c.JSON(http.StatusOK, entity)
}

type listAuditLogsQuery struct {
	RunID    string `form:"run_id"`
	SourceID string `form:"source_id"`
	Result   string `form:"result"`
	Since    string `form:"since"`
	Limit    int    `form:"limit"`
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	var query listAuditLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var since time.Time
	if query.Since != "" {
		parsed, err := time.Parse(time.RFC3339, query.Since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		since = parsed
	}

	entries, err := s.audit.List(c.Request.Context(), auditdomain.ListFilter{
		RunID:    query.RunID,
		Source:   s.cfg.Sync.Source,
		SourceID: query.SourceID,
		Result:   auditdomain.Result(query.Result),
		Since:    since,
		Limit:    query.Limit,
	})
	if err != nil {
		s.log.Error("audit log list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit_logs_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func run(lc fx.Lifecycle, cfg config.Config, engine *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

var Module = fx.Module("http.server",
	fx.Provide(
		New,
		NewEngine,
	),
	fx.Invoke(run),
)
