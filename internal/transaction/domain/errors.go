package domain

import "errors"

var (
	ErrUnknownKind    = errors.New("unknown_transaction_kind")
	ErrInvalidPayload = errors.New("invalid_payload")
	ErrNotFound       = errors.New("transaction_not_found")
)
