package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FromPayload maps a dynamic marketplace payload onto the closed
// Transaction variant. Unknown kinds and missing identifiers are rejected
// here so the rest of the pipeline only ever handles typed records.
func FromPayload(source string, payload map[string]any) (*Transaction, error) {
	sourceID := stringField(payload, "id")
	if sourceID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidPayload)
	}

	kind := Kind(strings.ToLower(stringField(payload, "kind")))
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, stringField(payload, "kind"))
	}

	gross, err := decimalField(payload, "gross_amount")
	if err != nil {
		return nil, err
	}
	tax, err := decimalField(payload, "tax_amount")
	if err != nil {
		return nil, err
	}

	txn := &Transaction{
		Source:          source,
		SourceID:        sourceID,
		Kind:            kind,
		BuyerCountry:    strings.ToUpper(stringField(payload, "buyer_country")),
		Currency:        strings.ToUpper(stringField(payload, "currency")),
		GrossAmount:     gross,
		TaxAmount:       tax,
		NetAmount:       gross.Sub(tax),
		SourceCreatedAt: timeField(payload, "created_at"),
		SourceUpdatedAt: timeField(payload, "updated_at"),
	}

	if ref := stringField(payload, "buyer_reference"); ref != "" {
		txn.BuyerReference = &ref
	}
	if orderID := stringField(payload, "refunded_order_id"); orderID != "" {
		txn.RefundedOrderID = &orderID
	}
	if kind == KindRefund && txn.RefundedOrderID == nil {
		return nil, fmt.Errorf("%w: refund without refunded_order_id", ErrInvalidPayload)
	}

	if items, ok := payload["line_items"].([]any); ok {
		for i, raw := range items {
			item, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: line item %d", ErrInvalidPayload, i)
			}
			unitPrice, err := decimalField(item, "unit_price")
			if err != nil {
				return nil, err
			}
			txn.LineItems = append(txn.LineItems, LineItem{
				Position:  i + 1,
				Title:     stringField(item, "title"),
				Category:  strings.ToLower(stringField(item, "category")),
				Quantity:  intField(item, "quantity", 1),
				UnitPrice: unitPrice,
			})
		}
	}

	if raw, err := json.Marshal(payload); err == nil {
		txn.RawPayload = raw
	}
	return txn, nil
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return decimal.NewFromFloat(v).String()
	default:
		return ""
	}
}

func decimalField(m map[string]any, key string) (decimal.Decimal, error) {
	switch v := m[key].(type) {
	case nil:
		return decimal.Decimal{}, nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrInvalidPayload, key)
		}
		return d, nil
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrInvalidPayload, key)
		}
		return d, nil
	case float64:
		// Marketplaces that send JSON numbers are converted immediately;
		// the value never travels further as a float.
		return decimal.NewFromFloat(v), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrInvalidPayload, key)
	}
}

func intField(m map[string]any, key string, def int64) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

func timeField(m map[string]any, key string) time.Time {
	switch v := m[key].(type) {
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC()
		}
	case float64:
		return time.Unix(int64(v), 0).UTC()
	}
	return time.Time{}
}
