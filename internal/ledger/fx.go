package ledger

import (
	"github.com/crafthaus/booksync/internal/ledger/repository"
	"github.com/crafthaus/booksync/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger",
	fx.Provide(
		repository.NewRepository,
		service.NewBuilder,
	),
)
