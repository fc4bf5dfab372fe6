package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/crafthaus/booksync/internal/money"
	taxdomain "github.com/crafthaus/booksync/internal/tax/domain"
	txndomain "github.com/crafthaus/booksync/internal/transaction/domain"
	"github.com/shopspring/decimal"
)

// EntityKind is the accounting document type a transaction maps to.
type EntityKind string

const (
	KindInvoice        EntityKind = "invoice"
	KindCreditNote     EntityKind = "credit_note"
	KindExpenseReceipt EntityKind = "expense_receipt"
)

// Entity is a ledger document ready for submission. It is built
// deterministically from a transaction and its tax determination; amounts
// are already normalized to the home currency and rounded per the
// commercial rounding policy.
type Entity struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	Source   string       `gorm:"type:text;not null;index:ix_ledger_source,priority:1"`
	SourceID string       `gorm:"column:source_id;type:text;not null;index:ix_ledger_source,priority:2"`
	Kind     EntityKind   `gorm:"type:text;not null"`

	Regime      taxdomain.Regime      `gorm:"type:text;not null"`
	Rate        decimal.Decimal       `gorm:"type:numeric(6,3);not null"`
	AccountCode taxdomain.AccountCode `gorm:"column:account_code;type:text;not null"`

	Currency       string          `gorm:"type:text;not null"`
	ConversionRate decimal.Decimal `gorm:"type:numeric(14,8);not null"`

	// CustomerReference carries the buyer identity for invoices and
	// credit notes. Expense receipts have none.
	CustomerReference *string `gorm:"type:text"`
	BuyerCountry      string  `gorm:"type:text;not null"`

	NetTotal   decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	TaxTotal   decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	GrossTotal decimal.Decimal `gorm:"type:numeric(12,2);not null"`

	// RoundingAdjustment reconciles the sum of rounded lines with the
	// rounded exact total. Bounded by one minor unit.
	RoundingAdjustment decimal.Decimal `gorm:"type:numeric(12,2);not null"`

	// ReversesRemoteID is the remote ledger ID of the invoice a credit
	// note reverses. Nil for every other kind.
	ReversesRemoteID *string `gorm:"column:reverses_remote_id;type:text"`

	// RemoteID is assigned by the accounting backend after submission.
	RemoteID *string `gorm:"column:remote_id;type:text"`

	DocumentDate time.Time `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`

	Lines []EntityLine `gorm:"foreignKey:EntityID"`
}

func (Entity) TableName() string { return "ledger_entities" }

// EntityLine is one positioned booking line of a ledger entity. Net, Tax
// and Gross are each rounded at the home currency's minor-unit scale.
type EntityLine struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	EntityID snowflake.ID `gorm:"not null;index"`
	Position int          `gorm:"not null"`

	Description string `gorm:"type:text;not null"`
	Quantity    int64  `gorm:"not null"`

	Net   decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Tax   decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Gross decimal.Decimal `gorm:"type:numeric(12,2);not null"`

	Rate        decimal.Decimal       `gorm:"type:numeric(6,3);not null"`
	AccountCode taxdomain.AccountCode `gorm:"column:account_code;type:text;not null"`
}

func (EntityLine) TableName() string { return "ledger_entity_lines" }

// Builder turns a classified transaction into the ledger entity for it.
// The gross argument is the transaction's gross amount already normalized
// to the home currency; its rate converts the line items.
type Builder interface {
	Build(ctx context.Context, txn *txndomain.Transaction, det taxdomain.Determination, gross money.NormalizedAmount) (*Entity, error)
}
