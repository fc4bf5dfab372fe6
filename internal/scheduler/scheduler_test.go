package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/crafthaus/booksync/internal/audit/domain"
	auditrepo "github.com/crafthaus/booksync/internal/audit/repository"
	"github.com/crafthaus/booksync/internal/clock"
	"github.com/crafthaus/booksync/internal/config"
	idemdomain "github.com/crafthaus/booksync/internal/idempotency/domain"
	idemrepo "github.com/crafthaus/booksync/internal/idempotency/repository"
	ledgerdomain "github.com/crafthaus/booksync/internal/ledger/domain"
	ledgerrepo "github.com/crafthaus/booksync/internal/ledger/repository"
	ledgersvc "github.com/crafthaus/booksync/internal/ledger/service"
	"github.com/crafthaus/booksync/internal/rates"
	syncengine "github.com/crafthaus/booksync/internal/sync"
	taxdomain "github.com/crafthaus/booksync/internal/tax/domain"
	txndomain "github.com/crafthaus/booksync/internal/transaction/domain"
	txnrepo "github.com/crafthaus/booksync/internal/transaction/repository"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type okBackend struct {
	mu      sync.Mutex
	submits int
}

func (b *okBackend) Submit(_ context.Context, entity *ledgerdomain.Entity) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits++
	return "remote-" + entity.SourceID, nil
}

type schedulerHarness struct {
	scheduler *Scheduler
	cursor    CursorStore
	txns      txndomain.Repository
	idem      idemdomain.Store
	trail     auditdomain.Recorder
	clock     *clock.FakeClock
	backend   *okBackend
}

func newSchedulerHarness(t *testing.T) *schedulerHarness {
	return newSchedulerHarnessWithBatch(t, 50)
}

func newSchedulerHarnessWithBatch(t *testing.T, batchSize int) *schedulerHarness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&txndomain.Transaction{},
		&txndomain.LineItem{},
		&idemdomain.Record{},
		&ledgerdomain.Entity{},
		&ledgerdomain.EntityLine{},
		&auditdomain.Entry{},
		&SyncState{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	cfg := config.Config{
		AppName:      "booksync-test",
		Environment:  "test",
		BaseCurrency: "EUR",
		Sync: config.SyncConfig{
			Source:           "etsy",
			BatchSize:        batchSize,
			Concurrency:      2,
			MaxAttempts:      2,
			BackoffBase:      time.Millisecond,
			SubmitTimeout:    time.Second,
			CircuitThreshold: 100,
			CircuitCooldown:  time.Minute,
			StaleReservation: 15 * time.Minute,
			InitialSyncStart: "2024-01-01",
		},
	}

	idem := idemrepo.NewStore(idemrepo.Params{DB: db, Log: log, GenID: node, Clock: fake})
	trail := auditrepo.NewRecorder(auditrepo.Params{DB: db, Log: log, GenID: node, Clock: fake})
	builder := ledgersvc.NewBuilder(ledgersvc.Params{
		Config: cfg,
		Log:    log,
		GenID:  node,
		Clock:  fake,
		Idem:   idem,
	})
	backend := &okBackend{}
	orch := syncengine.NewOrchestrator(syncengine.Params{
		Config: cfg,
		Log:    log,
		Clock:  fake,
		Profile: taxdomain.Profile{
			HomeCountry:  "DE",
			StandardRate: d("19"),
			ReducedRate:  d("7"),
			OSSRates:     taxdomain.DefaultOSSRates(),
			OSSEnabled:   true,
			OSSThreshold: d("10000.00"),
		},
		Rates:   rates.NewManualProvider("EUR", nil),
		Builder: builder,
		Ledger:  ledgerrepo.NewRepository(ledgerrepo.Params{DB: db}),
		Idem:    idem,
		Audit:   trail,
		Backend: backend,
	})

	txns := txnrepo.NewRepository(db, node)
	cursor := NewCursorStore(db, fake)
	sched := New(Params{
		Config: cfg,
		Log:    log,
		Clock:  fake,
		Txns:   txns,
		Orch:   orch,
		Cursor: cursor,
		Idem:   idem,
		Audit:  trail,
	})
	return &schedulerHarness{
		scheduler: sched,
		cursor:    cursor,
		txns:      txns,
		idem:      idem,
		trail:     trail,
		clock:     fake,
		backend:   backend,
	}
}

func (h *schedulerHarness) insertOrder(t *testing.T, sourceID, currency string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, h.txns.Insert(context.Background(), &txndomain.Transaction{
		Source:          "etsy",
		SourceID:        sourceID,
		Kind:            txndomain.KindOrder,
		BuyerCountry:    "DE",
		Currency:        currency,
		GrossAmount:     d("119.00"),
		SourceCreatedAt: createdAt,
		SourceUpdatedAt: createdAt,
	}))
}

func TestRunOnce_ProcessesAndAdvancesCursor(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	first := time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)
	second := time.Date(2025, 5, 21, 9, 0, 0, 0, time.UTC)
	h.insertOrder(t, "order-1", "EUR", first)
	h.insertOrder(t, "order-2", "EUR", second)

	summary, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Committed)

	cursor, err := h.cursor.Get(ctx, "etsy")
	require.NoError(t, err)
	assert.True(t, cursor.LastSyncedAt.Equal(second))
	assert.Equal(t, "order-2", cursor.LastSourceID)
}

func TestRunOnce_DeferredItemHoldsCursor(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	created := time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)
	h.insertOrder(t, "order-1", "EUR", created)
	// No USD rate is configured, so this one defers.
	h.insertOrder(t, "order-usd", "USD", created.Add(time.Hour))

	summary, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Committed)
	assert.Equal(t, 1, summary.Deferred)

	cursor, err := h.cursor.Get(ctx, "etsy")
	require.NoError(t, err)
	assert.True(t, cursor.IsZero())
}

func TestRunOnce_HeldCursorSkipsCommittedOnRetry(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	created := time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)
	h.insertOrder(t, "order-1", "EUR", created)
	h.insertOrder(t, "order-usd", "USD", created.Add(time.Hour))

	first, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Committed)
	assert.Equal(t, 1, first.Deferred)

	// The cursor held, so the next run refetches the same batch; the
	// committed order is skipped by its reservation, never resubmitted.
	second, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, 1, second.Deferred)
	assert.Zero(t, second.Committed)
	assert.Equal(t, 1, h.backend.submits)
}

func TestRunOnce_SecondRunAfterFullCommitIsANoOp(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	created := time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)
	h.insertOrder(t, "order-1", "EUR", created)

	first, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Committed)

	second, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Processed)

	// Nothing was submitted twice.
	assert.Equal(t, 1, h.backend.submits)
}

// A burst of transactions sharing one timestamp must page through in
// source-ID order; a timestamp-only watermark would refetch the same
// head of the burst forever once it exceeds the batch size.
func TestRunOnce_SameTimestampBurstPagesThrough(t *testing.T) {
	h := newSchedulerHarnessWithBatch(t, 2)
	ctx := context.Background()

	created := time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)
	h.insertOrder(t, "order-a", "EUR", created)
	h.insertOrder(t, "order-b", "EUR", created)
	h.insertOrder(t, "order-c", "EUR", created)

	first, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Committed)

	cursor, err := h.cursor.Get(ctx, "etsy")
	require.NoError(t, err)
	assert.Equal(t, "order-b", cursor.LastSourceID)

	second, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Committed)
	assert.Zero(t, second.Skipped)

	third, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, third.Processed)
	assert.Equal(t, 3, h.backend.submits)
}

func TestRunOnce_EmptyFeedIsANoOp(t *testing.T) {
	h := newSchedulerHarness(t)

	summary, err := h.scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Processed)
}

func TestRunOnce_SweepsStaleReservations(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	// A crashed run left a pending reservation behind.
	_, err := h.idem.Reserve(ctx, "etsy", "order-1", "invoice")
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	created := time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)
	h.insertOrder(t, "order-1", "EUR", created)

	summary, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Committed)

	// The sweep itself shows up in the trail.
	entries, err := h.trail.List(ctx, auditdomain.ListFilter{Source: "etsy"})
	require.NoError(t, err)
	var swept bool
	for _, entry := range entries {
		if entry.Action == auditdomain.ActionSweep {
			swept = true
			assert.Equal(t, "released", entry.ToState)
		}
	}
	assert.True(t, swept)
}

func TestRunOnce_RecordsFetchInTrail(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	created := time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)
	h.insertOrder(t, "order-1", "EUR", created)

	_, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)

	entries, err := h.trail.List(ctx, auditdomain.ListFilter{Source: "etsy"})
	require.NoError(t, err)
	var fetched bool
	for _, entry := range entries {
		if entry.Action == auditdomain.ActionFetch {
			fetched = true
			assert.Equal(t, "fetched", entry.ToState)
		}
	}
	assert.True(t, fetched)
}

func TestCursorStore_GetAdvance(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&SyncState{}))

	store := NewCursorStore(db, clock.NewSystemClock())
	ctx := context.Background()

	cursor, err := store.Get(ctx, "etsy")
	require.NoError(t, err)
	assert.True(t, cursor.IsZero())

	first := Cursor{
		LastSyncedAt: time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC),
		LastSourceID: "order-1",
	}
	require.NoError(t, store.Advance(ctx, "etsy", first, "run-1"))

	second := Cursor{
		LastSyncedAt: first.LastSyncedAt.Add(24 * time.Hour),
		LastSourceID: "order-2",
	}
	require.NoError(t, store.Advance(ctx, "etsy", second, "run-2"))

	cursor, err = store.Get(ctx, "etsy")
	require.NoError(t, err)
	assert.True(t, cursor.LastSyncedAt.Equal(second.LastSyncedAt))
	assert.Equal(t, "order-2", cursor.LastSourceID)
}
