package transaction

import (
	"github.com/crafthaus/booksync/internal/transaction/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("transaction",
	fx.Provide(repository.NewRepository),
)
