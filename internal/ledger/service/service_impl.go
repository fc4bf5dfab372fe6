package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/crafthaus/booksync/internal/clock"
	"github.com/crafthaus/booksync/internal/config"
	idemdomain "github.com/crafthaus/booksync/internal/idempotency/domain"
	ledgerdomain "github.com/crafthaus/booksync/internal/ledger/domain"
	"github.com/crafthaus/booksync/internal/money"
	taxdomain "github.com/crafthaus/booksync/internal/tax/domain"
	txndomain "github.com/crafthaus/booksync/internal/transaction/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Idem   idemdomain.Store
}

type builder struct {
	cfg   config.Config
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	idem  idemdomain.Store
}

func NewBuilder(p Params) ledgerdomain.Builder {
	return &builder{
		cfg:   p.Config,
		log:   p.Log.Named("ledger.builder"),
		genID: p.GenID,
		clock: p.Clock,
		idem:  p.Idem,
	}
}

// Build maps a classified transaction onto its accounting document.
// Orders become invoices, refunds become credit notes linked to the
// committed original, fees and payouts become expense receipts. The
// caller has already normalized the transaction total; line items are
// converted at the same rate and rounded once per line plus once at the
// total.
func (b *builder) Build(ctx context.Context, txn *txndomain.Transaction, det taxdomain.Determination, gross money.NormalizedAmount) (*ledgerdomain.Entity, error) {
	switch txn.Kind {
	case txndomain.KindOrder:
		return b.buildSale(txn, det, gross, ledgerdomain.KindInvoice, nil)
	case txndomain.KindRefund:
		return b.buildRefund(ctx, txn, det, gross)
	case txndomain.KindFee, txndomain.KindPayout:
		return b.buildExpense(txn, det, gross)
	default:
		return nil, ledgerdomain.ErrUnsupportedKind
	}
}

func (b *builder) buildRefund(ctx context.Context, txn *txndomain.Transaction, det taxdomain.Determination, gross money.NormalizedAmount) (*ledgerdomain.Entity, error) {
	if txn.RefundedOrderID == nil || *txn.RefundedOrderID == "" {
		return nil, txndomain.ErrInvalidPayload
	}
	remoteID, err := b.idem.LookupCommitted(ctx, txn.Source, *txn.RefundedOrderID, string(ledgerdomain.KindInvoice))
	if err != nil {
		if errors.Is(err, idemdomain.ErrNotCommitted) {
			return nil, ledgerdomain.ErrOriginalNotFound
		}
		return nil, err
	}
	return b.buildSale(txn, det, gross, ledgerdomain.KindCreditNote, &remoteID)
}

func (b *builder) buildSale(txn *txndomain.Transaction, det taxdomain.Determination, gross money.NormalizedAmount, kind ledgerdomain.EntityKind, reverses *string) (*ledgerdomain.Entity, error) {
	entity := b.newEntity(txn, det, gross, kind)
	entity.CustomerReference = txn.BuyerReference
	entity.ReversesRemoteID = reverses

	if len(txn.LineItems) == 0 {
		line, err := b.newLine(txn, entity, 1, describe(txn), 1, txn.GrossAmount, det, gross.Rate)
		if err != nil {
			return nil, err
		}
		entity.Lines = []ledgerdomain.EntityLine{line}
	} else {
		entity.Lines = make([]ledgerdomain.EntityLine, 0, len(txn.LineItems))
		for _, item := range txn.LineItems {
			line, err := b.newLine(txn, entity, item.Position, item.Title, item.Quantity, item.Gross(), det, gross.Rate)
			if err != nil {
				return nil, err
			}
			entity.Lines = append(entity.Lines, line)
		}
	}

	b.total(entity, det, gross)
	return entity, nil
}

func (b *builder) buildExpense(txn *txndomain.Transaction, det taxdomain.Determination, gross money.NormalizedAmount) (*ledgerdomain.Entity, error) {
	entity := b.newEntity(txn, det, gross, ledgerdomain.KindExpenseReceipt)
	line, err := b.newLine(txn, entity, 1, describe(txn), 1, txn.GrossAmount, det, gross.Rate)
	if err != nil {
		return nil, err
	}
	entity.Lines = []ledgerdomain.EntityLine{line}
	b.total(entity, det, gross)
	return entity, nil
}

func (b *builder) newEntity(txn *txndomain.Transaction, det taxdomain.Determination, gross money.NormalizedAmount, kind ledgerdomain.EntityKind) *ledgerdomain.Entity {
	return &ledgerdomain.Entity{
		ID:             b.genID.Generate(),
		Source:         txn.Source,
		SourceID:       txn.SourceID,
		Kind:           kind,
		Regime:         det.Regime,
		Rate:           det.Rate,
		AccountCode:    det.AccountCode,
		Currency:       gross.Currency,
		ConversionRate: gross.Rate,
		BuyerCountry:   txn.BuyerCountry,
		DocumentDate:   txn.SourceCreatedAt,
		CreatedAt:      b.clock.Now(),
	}
}

// newLine converts the source-currency amount at the transaction's rate,
// rounds the line's gross first, then derives net and keeps tax as the
// difference so net + tax equals gross on every line.
func (b *builder) newLine(txn *txndomain.Transaction, entity *ledgerdomain.Entity, position int, description string, quantity int64, amount decimal.Decimal, det taxdomain.Determination, rate decimal.Decimal) (ledgerdomain.EntityLine, error) {
	norm, err := money.Normalize(amount, txn.Currency, entity.Currency, &rate)
	if err != nil {
		return ledgerdomain.EntityLine{}, fmt.Errorf("normalize line %d: %w", position, err)
	}
	lineGross := money.Round(norm.Amount, entity.Currency)
	net := money.Round(money.NetFromGross(norm.Amount, det.Rate), entity.Currency)
	return ledgerdomain.EntityLine{
		ID:          b.genID.Generate(),
		EntityID:    entity.ID,
		Position:    position,
		Description: description,
		Quantity:    quantity,
		Net:         net,
		Tax:         lineGross.Sub(net),
		Gross:       lineGross,
		Rate:        det.Rate,
		AccountCode: det.AccountCode,
	}, nil
}

// total derives the entity totals from the exact normalized transaction
// total, then records the drift against the rounded line sum. The drift
// is bounded by one minor unit per line by construction.
func (b *builder) total(entity *ledgerdomain.Entity, det taxdomain.Determination, gross money.NormalizedAmount) {
	exactTotal := gross.Amount

	entity.GrossTotal = money.Round(exactTotal, entity.Currency)
	entity.TaxTotal = money.Round(money.TaxFromGross(exactTotal, det.Rate), entity.Currency)
	entity.NetTotal = entity.GrossTotal.Sub(entity.TaxTotal)

	roundedSum := decimal.Zero
	for _, line := range entity.Lines {
		roundedSum = roundedSum.Add(line.Gross)
	}
	entity.RoundingAdjustment = money.RoundingAdjustment(exactTotal, roundedSum, entity.Currency)
}

func describe(txn *txndomain.Transaction) string {
	switch txn.Kind {
	case txndomain.KindFee:
		return fmt.Sprintf("Marketplace fee %s %s", txn.Source, txn.SourceID)
	case txndomain.KindPayout:
		return fmt.Sprintf("Marketplace payout %s %s", txn.Source, txn.SourceID)
	case txndomain.KindRefund:
		return fmt.Sprintf("Refund %s %s", txn.Source, txn.SourceID)
	default:
		return fmt.Sprintf("Order %s %s", txn.Source, txn.SourceID)
	}
}
