package scheduler

import (
	"context"

	"go.uber.org/fx"
)

// Module provides the cursor store and the scheduler, and runs the sync
// loop for the lifetime of the application.
var Module = fx.Module("scheduler",
	fx.Provide(
		NewCursorStore,
		New,
	),
	fx.Invoke(run),
)

func run(lc fx.Lifecycle, s *Scheduler) {
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.RunForever(loopCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
