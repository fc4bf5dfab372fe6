package submit

import (
	"github.com/crafthaus/booksync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func newBackend(cfg config.Config, log *zap.Logger) Submitter {
	if cfg.AccountingBaseURL == "" {
		return NewDryRun(log)
	}
	return NewHTTPClient(cfg.AccountingBaseURL, cfg.AccountingToken, log)
}

// Module provides the raw backend submitter. The orchestrator wraps it
// with NewResilient so the attempt observer can reach the audit trail.
var Module = fx.Module("submit",
	fx.Provide(newBackend),
)
