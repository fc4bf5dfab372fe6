package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/crafthaus/booksync/internal/clock"
	"github.com/crafthaus/booksync/internal/config"
	idemdomain "github.com/crafthaus/booksync/internal/idempotency/domain"
	ledgerdomain "github.com/crafthaus/booksync/internal/ledger/domain"
	"github.com/crafthaus/booksync/internal/money"
	taxdomain "github.com/crafthaus/booksync/internal/tax/domain"
	txndomain "github.com/crafthaus/booksync/internal/transaction/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func eurGross(amount string) money.NormalizedAmount {
	return money.NormalizedAmount{
		Amount:   d(amount),
		Currency: "EUR",
		Rate:     decimal.NewFromInt(1),
	}
}

// fakeStore is an in-memory committed-lookup table for builder tests.
type fakeStore struct {
	committed map[string]string
}

func (f *fakeStore) Reserve(context.Context, string, string, string) (*idemdomain.Reservation, error) {
	panic("not used")
}

func (f *fakeStore) Commit(context.Context, *idemdomain.Reservation, string) error {
	panic("not used")
}

func (f *fakeStore) Release(context.Context, *idemdomain.Reservation) error {
	panic("not used")
}

func (f *fakeStore) LookupCommitted(_ context.Context, source, sourceID, entityKind string) (string, error) {
	remoteID, ok := f.committed[source+"/"+sourceID+"/"+entityKind]
	if !ok {
		return "", idemdomain.ErrNotCommitted
	}
	return remoteID, nil
}

func (f *fakeStore) ReleaseStale(context.Context, time.Time) (int64, error) {
	panic("not used")
}

func newTestBuilder(t *testing.T, store *fakeStore) ledgerdomain.Builder {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	if store == nil {
		store = &fakeStore{committed: map[string]string{}}
	}
	return NewBuilder(Params{
		Config: config.Config{BaseCurrency: "EUR"},
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		Idem:   store,
	})
}

func domesticDet() taxdomain.Determination {
	return taxdomain.Determination{
		Regime:      taxdomain.RegimeDomesticStandard,
		Rate:        d("19"),
		AccountCode: taxdomain.AccountRevenueStandard,
	}
}

func orderTxn() *txndomain.Transaction {
	ref := "buyer-7"
	return &txndomain.Transaction{
		Source:          "etsy",
		SourceID:        "order-1",
		Kind:            txndomain.KindOrder,
		BuyerCountry:    "DE",
		BuyerReference:  &ref,
		Currency:        "EUR",
		GrossAmount:     d("119.00"),
		SourceCreatedAt: time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC),
		LineItems: []txndomain.LineItem{
			{Position: 1, Title: "Mug", Category: "ceramics", Quantity: 2, UnitPrice: d("35.70")},
			{Position: 2, Title: "Plate", Category: "ceramics", Quantity: 1, UnitPrice: d("47.60")},
		},
	}
}

func TestBuild_OrderBecomesInvoice(t *testing.T) {
	builder := newTestBuilder(t, nil)

	entity, err := builder.Build(context.Background(), orderTxn(), domesticDet(), eurGross("119.00"))
	require.NoError(t, err)

	assert.Equal(t, ledgerdomain.KindInvoice, entity.Kind)
	assert.Equal(t, taxdomain.RegimeDomesticStandard, entity.Regime)
	assert.Equal(t, "EUR", entity.Currency)
	require.NotNil(t, entity.CustomerReference)
	assert.Equal(t, "buyer-7", *entity.CustomerReference)
	assert.Nil(t, entity.ReversesRemoteID)

	assert.True(t, entity.GrossTotal.Equal(d("119.00")))
	assert.True(t, entity.TaxTotal.Equal(d("19.00")))
	assert.True(t, entity.NetTotal.Equal(d("100.00")))
	assert.True(t, entity.ConversionRate.Equal(d("1")))

	require.Len(t, entity.Lines, 2)
	for _, line := range entity.Lines {
		assert.True(t, line.Net.Add(line.Tax).Equal(line.Gross))
		assert.Equal(t, taxdomain.AccountRevenueStandard, line.AccountCode)
	}
	assert.True(t, entity.Lines[0].Gross.Equal(d("71.40")))
	assert.True(t, entity.Lines[1].Gross.Equal(d("47.60")))
	assert.True(t, entity.RoundingAdjustment.IsZero())
}

func TestBuild_ForeignCurrencyConverted(t *testing.T) {
	builder := newTestBuilder(t, nil)

	txn := orderTxn()
	txn.Currency = "USD"
	txn.GrossAmount = d("100.00")
	txn.LineItems = []txndomain.LineItem{
		{Position: 1, Title: "Mug", Category: "ceramics", Quantity: 1, UnitPrice: d("100.00")},
	}
	gross := money.NormalizedAmount{Amount: d("92.00"), Currency: "EUR", Rate: d("0.92")}

	entity, err := builder.Build(context.Background(), txn, domesticDet(), gross)
	require.NoError(t, err)

	assert.Equal(t, "EUR", entity.Currency)
	assert.True(t, entity.ConversionRate.Equal(d("0.92")))
	assert.True(t, entity.GrossTotal.Equal(d("92.00")))
	require.Len(t, entity.Lines, 1)
	assert.True(t, entity.Lines[0].Gross.Equal(d("92.00")))
}

func TestBuild_LineItemsConvertedAtTransactionRate(t *testing.T) {
	builder := newTestBuilder(t, nil)

	txn := orderTxn()
	txn.Currency = "USD"
	txn.GrossAmount = d("83.30")
	txn.LineItems = []txndomain.LineItem{
		{Position: 1, Title: "Mug", Category: "ceramics", Quantity: 1, UnitPrice: d("35.70")},
		{Position: 2, Title: "Plate", Category: "ceramics", Quantity: 1, UnitPrice: d("47.60")},
	}
	gross := money.NormalizedAmount{Amount: d("83.30").Mul(d("0.92")), Currency: "EUR", Rate: d("0.92")}

	entity, err := builder.Build(context.Background(), txn, domesticDet(), gross)
	require.NoError(t, err)

	require.Len(t, entity.Lines, 2)
	assert.True(t, entity.Lines[0].Gross.Equal(d("32.84"))) // 35.70 * 0.92 = 32.844
	assert.True(t, entity.Lines[1].Gross.Equal(d("43.79"))) // 47.60 * 0.92 = 43.792

	roundedSum := decimal.Zero
	for _, line := range entity.Lines {
		roundedSum = roundedSum.Add(line.Gross)
	}
	assert.True(t, roundedSum.Add(entity.RoundingAdjustment).Equal(entity.GrossTotal))
}

func TestBuild_RefundBeforeOriginalDefers(t *testing.T) {
	builder := newTestBuilder(t, nil)

	refundedID := "order-1"
	refund := orderTxn()
	refund.SourceID = "refund-1"
	refund.Kind = txndomain.KindRefund
	refund.RefundedOrderID = &refundedID

	_, err := builder.Build(context.Background(), refund, domesticDet(), eurGross("119.00"))
	assert.ErrorIs(t, err, ledgerdomain.ErrOriginalNotFound)
}

func TestBuild_RefundBecomesCreditNoteLinkedToOriginal(t *testing.T) {
	store := &fakeStore{committed: map[string]string{
		"etsy/order-1/invoice": "remote-42",
	}}
	builder := newTestBuilder(t, store)

	refundedID := "order-1"
	refund := orderTxn()
	refund.SourceID = "refund-1"
	refund.Kind = txndomain.KindRefund
	refund.RefundedOrderID = &refundedID

	entity, err := builder.Build(context.Background(), refund, domesticDet(), eurGross("119.00"))
	require.NoError(t, err)

	assert.Equal(t, ledgerdomain.KindCreditNote, entity.Kind)
	require.NotNil(t, entity.ReversesRemoteID)
	assert.Equal(t, "remote-42", *entity.ReversesRemoteID)
	assert.True(t, entity.GrossTotal.Equal(d("119.00")))
}

func TestBuild_FeeBecomesExpenseReceipt(t *testing.T) {
	builder := newTestBuilder(t, nil)

	fee := &txndomain.Transaction{
		Source:          "etsy",
		SourceID:        "fee-1",
		Kind:            txndomain.KindFee,
		BuyerCountry:    "IE",
		Currency:        "EUR",
		GrossAmount:     d("3.50"),
		SourceCreatedAt: time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC),
	}
	det := taxdomain.Determination{
		Regime:      taxdomain.RegimeReverseCharge,
		Rate:        decimal.Zero,
		AccountCode: taxdomain.AccountMarketplaceFees,
	}

	entity, err := builder.Build(context.Background(), fee, det, eurGross("3.50"))
	require.NoError(t, err)

	assert.Equal(t, ledgerdomain.KindExpenseReceipt, entity.Kind)
	assert.Nil(t, entity.CustomerReference)
	assert.True(t, entity.TaxTotal.IsZero())
	assert.True(t, entity.NetTotal.Equal(d("3.50")))
	require.Len(t, entity.Lines, 1)
	assert.Equal(t, taxdomain.AccountMarketplaceFees, entity.Lines[0].AccountCode)
}

func TestBuild_RoundingAdjustmentBounded(t *testing.T) {
	builder := newTestBuilder(t, nil)

	// Three lines whose exact thirds each round down, leaving one cent of
	// drift against the exact total.
	txn := orderTxn()
	txn.GrossAmount = d("1.00")
	third := d("1.00").Div(d("3"))
	txn.LineItems = []txndomain.LineItem{
		{Position: 1, Title: "A", Category: "ceramics", Quantity: 1, UnitPrice: third},
		{Position: 2, Title: "B", Category: "ceramics", Quantity: 1, UnitPrice: third},
		{Position: 3, Title: "C", Category: "ceramics", Quantity: 1, UnitPrice: third},
	}

	entity, err := builder.Build(context.Background(), txn, domesticDet(), eurGross("1.00"))
	require.NoError(t, err)

	assert.False(t, entity.RoundingAdjustment.IsZero())
	assert.True(t, entity.RoundingAdjustment.Abs().LessThanOrEqual(d("0.01")))

	roundedSum := decimal.Zero
	for _, line := range entity.Lines {
		roundedSum = roundedSum.Add(line.Gross)
	}
	assert.True(t, roundedSum.Add(entity.RoundingAdjustment).Equal(entity.GrossTotal))
}
