package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/crafthaus/booksync/internal/clock"
	idemdomain "github.com/crafthaus/booksync/internal/idempotency/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (idemdomain.Store, *clock.FakeClock) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&idemdomain.Record{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewStore(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	}), fake
}

func TestReserve_ThenCommit(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	token, err := store.Reserve(ctx, "etsy", "order-1", "invoice")
	require.NoError(t, err)
	require.NotNil(t, token)

	require.NoError(t, store.Commit(ctx, token, "remote-42"))

	remoteID, err := store.LookupCommitted(ctx, "etsy", "order-1", "invoice")
	require.NoError(t, err)
	assert.Equal(t, "remote-42", remoteID)
}

func TestReserve_SecondCallReportsExisting(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	token, err := store.Reserve(ctx, "etsy", "order-1", "invoice")
	require.NoError(t, err)

	_, err = store.Reserve(ctx, "etsy", "order-1", "invoice")
	var exists *idemdomain.AlreadyExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, idemdomain.StatusPending, exists.Status)

	require.NoError(t, store.Commit(ctx, token, "remote-42"))

	_, err = store.Reserve(ctx, "etsy", "order-1", "invoice")
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, idemdomain.StatusCommitted, exists.Status)
	assert.Equal(t, "remote-42", exists.LedgerEntityID)
}

func TestReserve_DifferentEntityKindsAreIndependent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Reserve(ctx, "etsy", "txn-1", "invoice")
	require.NoError(t, err)

	_, err = store.Reserve(ctx, "etsy", "txn-1", "credit_note")
	require.NoError(t, err)
}

func TestReserve_ConcurrentCallersExactlyOneWins(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	tokens := make([]*idemdomain.Reservation, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = store.Reserve(ctx, "etsy", "order-race", "invoice")
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < workers; i++ {
		if errs[i] == nil {
			winners++
			assert.NotNil(t, tokens[i])
			continue
		}
		var exists *idemdomain.AlreadyExistsError
		assert.ErrorAs(t, errs[i], &exists)
	}
	assert.Equal(t, 1, winners)
}

func TestCommit_SameRemoteIDIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	token, err := store.Reserve(ctx, "etsy", "order-1", "invoice")
	require.NoError(t, err)

	require.NoError(t, store.Commit(ctx, token, "remote-42"))
	require.NoError(t, store.Commit(ctx, token, "remote-42"))
}

func TestCommit_DifferentRemoteIDConflicts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	token, err := store.Reserve(ctx, "etsy", "order-1", "invoice")
	require.NoError(t, err)

	require.NoError(t, store.Commit(ctx, token, "remote-42"))
	err = store.Commit(ctx, token, "remote-43")
	assert.ErrorIs(t, err, idemdomain.ErrConflict)
}

func TestCommit_UnknownTokenFails(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	err := store.Commit(ctx, &idemdomain.Reservation{
		RecordID: 12345, Source: "etsy", SourceID: "ghost", EntityKind: "invoice",
	}, "remote-1")
	assert.ErrorIs(t, err, idemdomain.ErrReservationNotFound)
}

func TestRelease_ReopensTheKey(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	token, err := store.Reserve(ctx, "etsy", "order-1", "invoice")
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, token))

	_, err = store.Reserve(ctx, "etsy", "order-1", "invoice")
	require.NoError(t, err)
}

func TestRelease_CommittedRecordIsPermanent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	token, err := store.Reserve(ctx, "etsy", "order-1", "invoice")
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, token, "remote-42"))

	err = store.Release(ctx, token)
	assert.ErrorIs(t, err, idemdomain.ErrReservationNotFound)

	remoteID, err := store.LookupCommitted(ctx, "etsy", "order-1", "invoice")
	require.NoError(t, err)
	assert.Equal(t, "remote-42", remoteID)
}

func TestLookupCommitted_PendingIsNotCommitted(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Reserve(ctx, "etsy", "order-1", "invoice")
	require.NoError(t, err)

	_, err = store.LookupCommitted(ctx, "etsy", "order-1", "invoice")
	assert.ErrorIs(t, err, idemdomain.ErrNotCommitted)
}

func TestReleaseStale_SweepsOldPendingOnly(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()

	_, err := store.Reserve(ctx, "etsy", "stale-1", "invoice")
	require.NoError(t, err)
	committed, err := store.Reserve(ctx, "etsy", "done-1", "invoice")
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, committed, "remote-1"))

	fake.Advance(30 * time.Minute)
	fresh, err := store.Reserve(ctx, "etsy", "fresh-1", "invoice")
	require.NoError(t, err)
	require.NotNil(t, fresh)

	released, err := store.ReleaseStale(ctx, fake.Now().Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	// Stale key is reusable, fresh and committed untouched.
	_, err = store.Reserve(ctx, "etsy", "stale-1", "invoice")
	require.NoError(t, err)
	_, err = store.LookupCommitted(ctx, "etsy", "done-1", "invoice")
	require.NoError(t, err)
	_, err = store.Reserve(ctx, "etsy", "fresh-1", "invoice")
	var exists *idemdomain.AlreadyExistsError
	assert.ErrorAs(t, err, &exists)
}
