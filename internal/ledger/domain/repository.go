package domain

import "context"

// Repository persists built ledger entities as the local mirror of what
// was submitted to the accounting backend.
type Repository interface {
	Insert(ctx context.Context, entity *Entity) error
	FindBySourceID(ctx context.Context, source, sourceID string) (*Entity, error)
}
