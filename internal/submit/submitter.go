// Package submit defines the outbound boundary to the accounting backend
// and the resilience decorator every submission flows through.
package submit

import (
	"context"
	"errors"
	"fmt"

	ledgerdomain "github.com/crafthaus/booksync/internal/ledger/domain"
)

// ErrCircuitOpen is returned while the breaker is open; the caller
// releases the reservation and retries the transaction on a later run.
var ErrCircuitOpen = errors.New("circuit_open")

// Submitter delivers one ledger entity to the accounting backend and
// returns the remote document ID on success.
type Submitter interface {
	Submit(ctx context.Context, entity *ledgerdomain.Entity) (string, error)
}

// RetryableError marks a transient backend failure (5xx, timeout,
// connection reset). The resilient decorator retries these.
type RetryableError struct {
	StatusCode int
	Err        error
}

func (e *RetryableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("backend unavailable (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("backend unavailable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// RejectedError marks a permanent rejection (4xx validation failure).
// Retrying cannot help; the transaction fails loudly instead.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("backend rejected entity (status %d): %s", e.StatusCode, e.Reason)
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}
