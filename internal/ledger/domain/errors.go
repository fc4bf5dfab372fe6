package domain

import "errors"

var (
	// ErrOriginalNotFound means a refund arrived before the invoice it
	// reverses was committed. The caller defers the refund and retries
	// on a later run.
	ErrOriginalNotFound = errors.New("original_invoice_not_found")

	ErrUnsupportedKind = errors.New("unsupported_transaction_kind")

	ErrNotFound = errors.New("ledger_entity_not_found")
)
