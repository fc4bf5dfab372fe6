package audit

import (
	"github.com/crafthaus/booksync/internal/audit/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("audit",
	fx.Provide(
		repository.NewRecorder,
	),
)
