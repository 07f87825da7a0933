package scheduler

import (
	"context"
	"log/slog"
	"time"
)

type Task func(ctx context.Context) error

// Every runs task immediately and then on each tick until ctx is done. A tick
// that fires while the previous run is still going is skipped.
func Every(ctx context.Context, interval time.Duration, name string, log *slog.Logger, task Task) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("task", name)

	run := func() {
		start := time.Now()
		if err := task(ctx); err != nil && ctx.Err() == nil {
			log.Error("task failed", "err", err, "took", time.Since(start).Round(time.Millisecond))
		}
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	run()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			run()
		}
	}
}
