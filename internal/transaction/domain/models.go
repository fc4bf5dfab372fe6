package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Kind is the closed set of marketplace transaction variants. Dynamic
// payloads from the marketplace are mapped onto this set at the ingestion
// boundary; the tax and ledger logic never sees open maps.
type Kind string

const (
	KindOrder  Kind = "order"
	KindRefund Kind = "refund"
	KindFee    Kind = "fee"
	KindPayout Kind = "payout"
)

func (k Kind) Valid() bool {
	switch k {
	case KindOrder, KindRefund, KindFee, KindPayout:
		return true
	}
	return false
}

// Transaction is the immutable source-of-truth record ingested from the
// marketplace. The sync engine reads it, never mutates it.
type Transaction struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	Source   string       `gorm:"type:text;not null;uniqueIndex:ux_transactions_source_id,priority:1"`
	SourceID string       `gorm:"column:source_id;type:text;not null;uniqueIndex:ux_transactions_source_id,priority:2"`
	Kind     Kind         `gorm:"type:text;not null;index"`

	BuyerCountry   string  `gorm:"type:text;not null"`
	BuyerReference *string `gorm:"type:text"`
	Currency       string  `gorm:"type:text;not null"`

	GrossAmount decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	TaxAmount   decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	NetAmount   decimal.Decimal `gorm:"type:numeric(12,2);not null"`

	// RefundedOrderID links a refund back to the order it reverses.
	RefundedOrderID *string `gorm:"type:text;index"`

	RawPayload datatypes.JSON `gorm:"type:jsonb"`

	SourceCreatedAt time.Time `gorm:"not null;index"`
	SourceUpdatedAt time.Time `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`

	LineItems []LineItem `gorm:"foreignKey:TransactionID"`
}

func (Transaction) TableName() string { return "transactions" }

// LineItem is one positioned item of an order or refund.
type LineItem struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	TransactionID snowflake.ID    `gorm:"not null;index"`
	Position      int             `gorm:"not null"`
	Title         string          `gorm:"type:text;not null"`
	Category      string          `gorm:"type:text;not null"`
	Quantity      int64           `gorm:"not null"`
	UnitPrice     decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (LineItem) TableName() string { return "transaction_line_items" }

// Gross returns the line's gross amount (quantity * unit price) at full
// precision.
func (l LineItem) Gross() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity))
}
