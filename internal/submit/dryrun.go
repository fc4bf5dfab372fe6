package submit

import (
	"context"
	"fmt"

	ledgerdomain "github.com/crafthaus/booksync/internal/ledger/domain"
	"go.uber.org/zap"
)

// DryRun accepts every entity without calling any backend. It is the
// default submitter when no accounting base URL is configured, useful
// for local runs against a scratch database.
type DryRun struct {
	log *zap.Logger
}

func NewDryRun(log *zap.Logger) *DryRun {
	return &DryRun{log: log.Named("submit.dryrun")}
}

func (d *DryRun) Submit(_ context.Context, entity *ledgerdomain.Entity) (string, error) {
	remoteID := fmt.Sprintf("dry-%s", entity.ID)
	d.log.Info("dry-run submission",
		zap.String("kind", string(entity.Kind)),
		zap.String("source_id", entity.SourceID),
		zap.String("gross_total", entity.GrossTotal.StringFixed(2)),
		zap.String("remote_id", remoteID),
	)
	return remoteID, nil
}
