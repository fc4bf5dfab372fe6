package tax

import (
	"github.com/crafthaus/booksync/internal/config"
	taxdomain "github.com/crafthaus/booksync/internal/tax/domain"
	"go.uber.org/fx"
)

func newProfile(cfg config.Config) taxdomain.Profile {
	return taxdomain.NewProfile(cfg.Tax)
}

var Module = fx.Module("tax",
	fx.Provide(newProfile),
)
