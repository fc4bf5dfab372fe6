package idempotency

import (
	"github.com/crafthaus/booksync/internal/idempotency/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("idempotency",
	fx.Provide(
		repository.NewStore,
	),
)
