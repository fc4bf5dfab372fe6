package domain

import (
	"context"
	"time"
)

// Repository reads the ingested transaction feed. Ingestion itself is an
// external collaborator; Insert exists for the ingestion boundary and tests.
//
// FetchBatch pages on the composite (source_created_at, source_id) key:
// it returns transactions strictly after (after, afterID) in feed order,
// so batches of same-timestamp transactions never trap the cursor.
type Repository interface {
	Insert(ctx context.Context, txn *Transaction) error
	FindBySourceID(ctx context.Context, source, sourceID string) (*Transaction, error)
	FetchBatch(ctx context.Context, source string, after time.Time, afterID string, limit int) ([]Transaction, error)
}
