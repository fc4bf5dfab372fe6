// Package sync drives a marketplace batch through normalization,
// classification, entity building, idempotent reservation and ledger
// submission.
package sync

import (
	"context"
	"errors"
	"sync/atomic"

	auditdomain "github.com/crafthaus/booksync/internal/audit/domain"
	"github.com/crafthaus/booksync/internal/clock"
	"github.com/crafthaus/booksync/internal/config"
	idemdomain "github.com/crafthaus/booksync/internal/idempotency/domain"
	ledgerdomain "github.com/crafthaus/booksync/internal/ledger/domain"
	"github.com/crafthaus/booksync/internal/money"
	"github.com/crafthaus/booksync/internal/observability/metrics"
	"github.com/crafthaus/booksync/internal/rates"
	"github.com/crafthaus/booksync/internal/submit"
	taxdomain "github.com/crafthaus/booksync/internal/tax/domain"
	taxservice "github.com/crafthaus/booksync/internal/tax/service"
	txndomain "github.com/crafthaus/booksync/internal/transaction/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

type ctxKey int

const runIDKey ctxKey = iota

// RunIDFromContext returns the run ID attached by Process, or "".
func RunIDFromContext(ctx context.Context) string {
	runID, _ := ctx.Value(runIDKey).(string)
	return runID
}

// Summary is the outcome tally of one sync run. Every transaction in the
// batch lands in exactly one of the four terminal buckets.
type Summary struct {
	RunID     string `json:"run_id"`
	Processed int    `json:"processed"`
	Committed int    `json:"committed"`
	Skipped   int    `json:"skipped"`
	Deferred  int    `json:"deferred"`
	Failed    int    `json:"failed"`
}

type tally struct {
	committed atomic.Int64
	skipped   atomic.Int64
	deferred  atomic.Int64
	failed    atomic.Int64
}

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Clock   clock.Clock
	Profile taxdomain.Profile
	Rates   rates.Provider
	Builder ledgerdomain.Builder
	Ledger  ledgerdomain.Repository
	Idem    idemdomain.Store
	Audit   auditdomain.Recorder
	Backend submit.Submitter
}

// Orchestrator walks each transaction through the pipeline:
// normalize, classify, build, reserve, submit, commit. Failures release
// the reservation so a later run can retry; nothing is ever submitted
// twice for the same reservation key.
type Orchestrator struct {
	cfg       config.Config
	log       *zap.Logger
	clock     clock.Clock
	profile   taxdomain.Profile
	rates     rates.Provider
	builder   ledgerdomain.Builder
	ledger    ledgerdomain.Repository
	idem      idemdomain.Store
	trail     auditdomain.Recorder
	submitter submit.Submitter
	metrics   *metrics.SyncMetrics
}

func NewOrchestrator(p Params) *Orchestrator {
	o := &Orchestrator{
		cfg:     p.Config,
		log:     p.Log.Named("sync.orchestrator"),
		clock:   p.Clock,
		profile: p.Profile,
		rates:   p.Rates,
		builder: p.Builder,
		ledger:  p.Ledger,
		idem:    p.Idem,
		trail:   p.Audit,
		metrics: metrics.SyncWithConfig(metrics.Config{
			ServiceName: p.Config.AppName,
			Environment: p.Config.Environment,
		}),
	}
	o.submitter = submit.NewResilient(p.Backend, p.Config.Sync, p.Log,
		submit.WithAttemptFunc(o.onSubmitAttempt),
		submit.WithStateChangeFunc(o.metrics.RecordCircuitTransition),
	)
	return o
}

// Process runs the batch with bounded concurrency and returns the tally.
// A non-nil error means the run itself was cut short (context canceled);
// per-transaction failures are counted, not returned.
func (o *Orchestrator) Process(ctx context.Context, batch []txndomain.Transaction) (Summary, error) {
	started := o.clock.Now()
	runID := uuid.NewString()
	ctx = context.WithValue(ctx, runIDKey, runID)

	o.log.Info("sync run started",
		zap.String("run_id", runID),
		zap.Int("batch_size", len(batch)),
	)

	var counts tally
	group, groupCtx := errgroup.WithContext(ctx)
	limit := o.cfg.Sync.Concurrency
	if limit <= 0 {
		limit = 1
	}
	group.SetLimit(limit)

	for i := range batch {
		txn := &batch[i]
		group.Go(func() error {
			return o.processOne(groupCtx, runID, txn, &counts)
		})
	}
	err := group.Wait()

	summary := Summary{
		RunID:     runID,
		Processed: len(batch),
		Committed: int(counts.committed.Load()),
		Skipped:   int(counts.skipped.Load()),
		Deferred:  int(counts.deferred.Load()),
		Failed:    int(counts.failed.Load()),
	}
	o.metrics.ObserveRun(o.clock.Now().Sub(started))
	o.log.Info("sync run finished",
		zap.String("run_id", runID),
		zap.Int("committed", summary.Committed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("deferred", summary.Deferred),
		zap.Int("failed", summary.Failed),
	)
	return summary, err
}

func (o *Orchestrator) processOne(ctx context.Context, runID string, txn *txndomain.Transaction, counts *tally) error {
	gross, ok := o.normalize(ctx, runID, txn, counts)
	if !ok {
		return nil
	}

	det, err := taxservice.Determine(txn, o.profile, gross)
	if err != nil {
		counts.failed.Add(1)
		o.metrics.RecordFailed(metrics.FailReasonInternal)
		o.record(ctx, runID, txn, auditdomain.ActionClassify, "normalized", "failed", auditdomain.ResultFailed, meta{"error": err.Error()})
		o.log.Error("classification failed",
			zap.String("run_id", runID),
			zap.String("source_id", txn.SourceID),
			zap.Error(err),
		)
		return nil
	}
	if det.ThresholdWarning {
		o.log.Warn("oss threshold exceeded, manual review required",
			zap.String("run_id", runID),
			zap.String("source_id", txn.SourceID),
			zap.String("buyer_country", txn.BuyerCountry),
		)
	}
	o.record(ctx, runID, txn, auditdomain.ActionClassify, "normalized", "classified", auditdomain.ResultOK, meta{
		"regime":  string(det.Regime),
		"rate":    det.Rate.String(),
		"account": string(det.AccountCode),
	})

	entity, err := o.builder.Build(ctx, txn, det, gross)
	if err != nil {
		return o.buildFailed(ctx, runID, txn, counts, err)
	}
	o.record(ctx, runID, txn, auditdomain.ActionBuild, "classified", "built", auditdomain.ResultOK, meta{
		"entity_kind": string(entity.Kind),
		"gross_total": entity.GrossTotal.StringFixed(2),
	})

	token, err := o.idem.Reserve(ctx, txn.Source, txn.SourceID, string(entity.Kind))
	if err != nil {
		var exists *idemdomain.AlreadyExistsError
		if errors.As(err, &exists) {
			counts.skipped.Add(1)
			o.metrics.RecordOutcome(metrics.OutcomeSkipped)
			o.record(ctx, runID, txn, auditdomain.ActionReserve, "built", "skipped", auditdomain.ResultSkipped, meta{
				"existing_status":  string(exists.Status),
				"ledger_entity_id": exists.LedgerEntityID,
			})
			return nil
		}
		counts.failed.Add(1)
		o.metrics.RecordFailed(metrics.FailReasonInternal)
		o.record(ctx, runID, txn, auditdomain.ActionReserve, "built", "failed", auditdomain.ResultFailed, meta{"error": err.Error()})
		return nil
	}
	o.record(ctx, runID, txn, auditdomain.ActionReserve, "built", "reserved", auditdomain.ResultOK, nil)

	remoteID, err := o.submitter.Submit(ctx, entity)
	if err != nil {
		return o.submitFailed(ctx, runID, txn, token, counts, err)
	}
	o.metrics.RecordSubmitAttempt("success")
	o.record(ctx, runID, txn, auditdomain.ActionSubmit, "reserved", "submitted", auditdomain.ResultOK, meta{"remote_id": remoteID})

	entity.RemoteID = &remoteID
	if err := o.ledger.Insert(ctx, entity); err != nil {
		// The document exists remotely; keep the reservation on track and
		// only lose the local mirror row.
		o.log.Error("local ledger mirror insert failed",
			zap.String("run_id", runID),
			zap.String("source_id", txn.SourceID),
			zap.Error(err),
		)
	}

	if err := o.idem.Commit(ctx, token, remoteID); err != nil {
		counts.failed.Add(1)
		if errors.Is(err, idemdomain.ErrConflict) {
			o.metrics.RecordFailed(metrics.FailReasonConflict)
		} else {
			o.metrics.RecordFailed(metrics.FailReasonInternal)
		}
		o.record(ctx, runID, txn, auditdomain.ActionCommit, "submitted", "failed", auditdomain.ResultFailed, meta{
			"remote_id": remoteID,
			"error":     err.Error(),
		})
		o.log.Error("idempotency commit failed after submission",
			zap.String("run_id", runID),
			zap.String("source_id", txn.SourceID),
			zap.String("remote_id", remoteID),
			zap.Error(err),
		)
		return nil
	}

	counts.committed.Add(1)
	o.metrics.RecordOutcome(metrics.OutcomeCommitted)
	o.record(ctx, runID, txn, auditdomain.ActionCommit, "submitted", "committed", auditdomain.ResultOK, meta{"remote_id": remoteID})
	return nil
}

// normalize converts the transaction gross to the home currency. A
// missing conversion rate defers the transaction; the same batch picks
// it up again once the provider knows the rate. The returned amount
// carries the rate used for the rest of the pipeline.
func (o *Orchestrator) normalize(ctx context.Context, runID string, txn *txndomain.Transaction, counts *tally) (money.NormalizedAmount, bool) {
	var ratePtr *decimal.Decimal
	if txn.Currency != o.cfg.BaseCurrency {
		rate, err := o.rates.Rate(txn.Currency, o.cfg.BaseCurrency, txn.SourceCreatedAt)
		if err != nil && !errors.Is(err, rates.ErrRateUnavailable) {
			counts.failed.Add(1)
			o.metrics.RecordFailed(metrics.FailReasonInternal)
			o.record(ctx, runID, txn, auditdomain.ActionNormalize, "fetched", "failed", auditdomain.ResultFailed, meta{"error": err.Error()})
			o.log.Error("rate lookup failed",
				zap.String("run_id", runID),
				zap.String("source_id", txn.SourceID),
				zap.String("currency", txn.Currency),
				zap.Error(err),
			)
			return money.NormalizedAmount{}, false
		}
		if err == nil {
			ratePtr = &rate
		}
	}

	gross, err := money.Normalize(txn.GrossAmount, txn.Currency, o.cfg.BaseCurrency, ratePtr)
	if err != nil {
		if errors.Is(err, money.ErrMissingRate) {
			counts.deferred.Add(1)
			o.metrics.RecordDeferred(metrics.DeferReasonMissingRate)
			o.record(ctx, runID, txn, auditdomain.ActionNormalize, "fetched", "deferred", auditdomain.ResultDeferred, meta{
				"reason":   metrics.DeferReasonMissingRate,
				"currency": txn.Currency,
			})
			return money.NormalizedAmount{}, false
		}
		counts.failed.Add(1)
		o.metrics.RecordFailed(metrics.FailReasonInternal)
		o.record(ctx, runID, txn, auditdomain.ActionNormalize, "fetched", "failed", auditdomain.ResultFailed, meta{"error": err.Error()})
		return money.NormalizedAmount{}, false
	}

	o.record(ctx, runID, txn, auditdomain.ActionNormalize, "fetched", "normalized", auditdomain.ResultOK, meta{
		"currency": txn.Currency,
		"rate":     gross.Rate.String(),
	})
	return gross, true
}

// buildFailed sorts builder errors into deferrals (retryable next run
// without operator action) and hard failures.
func (o *Orchestrator) buildFailed(ctx context.Context, runID string, txn *txndomain.Transaction, counts *tally, err error) error {
	switch {
	case errors.Is(err, ledgerdomain.ErrOriginalNotFound):
		// Refund arrived ahead of its order. The order commits on a later
		// run and the refund follows.
		counts.deferred.Add(1)
		o.metrics.RecordDeferred(metrics.DeferReasonOriginalMissing)
		o.record(ctx, runID, txn, auditdomain.ActionBuild, "classified", "deferred", auditdomain.ResultDeferred, meta{"reason": metrics.DeferReasonOriginalMissing})
	default:
		counts.failed.Add(1)
		o.metrics.RecordFailed(metrics.FailReasonInternal)
		o.record(ctx, runID, txn, auditdomain.ActionBuild, "classified", "failed", auditdomain.ResultFailed, meta{"error": err.Error()})
		o.log.Error("entity build failed",
			zap.String("run_id", runID),
			zap.String("source_id", txn.SourceID),
			zap.Error(err),
		)
	}
	return nil
}

// submitFailed releases the reservation and records the terminal reason.
// Context cancellation propagates so the errgroup stops the run.
func (o *Orchestrator) submitFailed(ctx context.Context, runID string, txn *txndomain.Transaction, token *idemdomain.Reservation, counts *tally, err error) error {
	releaseCtx := context.WithoutCancel(ctx)
	if releaseErr := o.idem.Release(releaseCtx, token); releaseErr != nil {
		o.log.Error("reservation release failed",
			zap.String("run_id", runID),
			zap.String("source_id", txn.SourceID),
			zap.Error(releaseErr),
		)
	} else {
		o.record(releaseCtx, runID, txn, auditdomain.ActionRelease, "reserved", "released", auditdomain.ResultOK, nil)
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	counts.failed.Add(1)
	reason := metrics.FailReasonExhausted
	var rejected *submit.RejectedError
	switch {
	case errors.Is(err, submit.ErrCircuitOpen):
		reason = metrics.FailReasonCircuitOpen
	case errors.As(err, &rejected):
		reason = metrics.FailReasonRejected
	}
	o.metrics.RecordFailed(reason)
	o.record(releaseCtx, runID, txn, auditdomain.ActionSubmit, "reserved", "failed", auditdomain.ResultFailed, meta{
		"reason": reason,
		"error":  err.Error(),
	})
	o.log.Error("submission failed",
		zap.String("run_id", runID),
		zap.String("source_id", txn.SourceID),
		zap.String("reason", reason),
		zap.Error(err),
	)
	return nil
}

func (o *Orchestrator) onSubmitAttempt(ctx context.Context, entity *ledgerdomain.Entity, attempt int, err error) {
	o.metrics.RecordSubmitAttempt("retryable_failure")
	entry := &auditdomain.Entry{
		RunID:     RunIDFromContext(ctx),
		Source:    entity.Source,
		SourceID:  entity.SourceID,
		Action:    auditdomain.ActionSubmit,
		FromState: "reserved",
		ToState:   "reserved",
		Result:    auditdomain.ResultRetried,
		Metadata: datatypes.JSONMap{
			"attempt": attempt,
			"error":   err.Error(),
		},
	}
	if recordErr := o.trail.Record(context.WithoutCancel(ctx), entry); recordErr != nil {
		o.log.Warn("audit record failed", zap.Error(recordErr))
	}
}

type meta = datatypes.JSONMap

func (o *Orchestrator) record(ctx context.Context, runID string, txn *txndomain.Transaction, action auditdomain.Action, from, to string, result auditdomain.Result, metadata datatypes.JSONMap) {
	entry := &auditdomain.Entry{
		RunID:     runID,
		Source:    txn.Source,
		SourceID:  txn.SourceID,
		Action:    action,
		FromState: from,
		ToState:   to,
		Result:    result,
		Metadata:  metadata,
	}
	if err := o.trail.Record(context.WithoutCancel(ctx), entry); err != nil {
		o.log.Warn("audit record failed",
			zap.String("run_id", runID),
			zap.String("source_id", txn.SourceID),
			zap.Error(err),
		)
	}
}
