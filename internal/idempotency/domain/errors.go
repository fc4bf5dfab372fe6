package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict indicates a commit with a different ledger entity ID than
	// the one already recorded. This is an invariant violation pointing at
	// an upstream bug and must never be swallowed.
	ErrConflict = errors.New("idempotency_conflict")

	// ErrNotCommitted is returned by LookupCommitted when no committed
	// record exists for the key.
	ErrNotCommitted = errors.New("not_committed")

	// ErrReservationNotFound is returned when a token no longer matches a
	// stored record.
	ErrReservationNotFound = errors.New("reservation_not_found")
)

// AlreadyExistsError answers a reserve call that lost to an earlier
// reservation. Committed records carry the previously created ledger
// entity ID so callers can treat the transaction as already synchronized.
type AlreadyExistsError struct {
	Status         Status
	LedgerEntityID string
}

func (e *AlreadyExistsError) Error() string {
	if e.Status == StatusCommitted {
		return fmt.Sprintf("already committed as ledger entity %s", e.LedgerEntityID)
	}
	return "reservation already held"
}
