package deploy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Prad-v/FlowGate-sub000/pkg/store"
)

// DeadlineWatcher periodically fails deployments that missed their
// deadline. Every replica runs one; the CAS on deployment state makes
// concurrent sweeps idempotent.
type DeadlineWatcher struct {
	interval time.Duration
	engine   *Engine
	store    store.Store
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDeadlineWatcher creates a watcher; call Start to run it.
func NewDeadlineWatcher(interval time.Duration, engine *Engine, st store.Store, logger *slog.Logger) *DeadlineWatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DeadlineWatcher{
		interval: interval,
		engine:   engine,
		store:    st,
		logger:   logger.With("component", "deadline_watcher"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (w *DeadlineWatcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.sweep(ctx)
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (w *DeadlineWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *DeadlineWatcher) sweep(ctx context.Context) {
	expired, err := w.store.ExpiredDeployments(ctx, time.Now())
	if err != nil {
		w.logger.Error("deadline sweep failed", "error", err)
		return
	}
	for _, d := range expired {
		if err := w.engine.failDeployment(ctx, d, "deployment deadline exceeded"); err != nil {
			w.logger.Error("failed to expire deployment", "deployment_id", d.ID, "error", err)
		}
	}
}
