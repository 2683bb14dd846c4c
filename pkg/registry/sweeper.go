package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Prad-v/FlowGate-sub000/pkg/store"
)

// SweeperConfig tunes the background liveness sweeper.
type SweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// InactiveAfter is how long an active agent may stay silent before
	// it is flipped to inactive.
	InactiveAfter time.Duration
}

// Sweeper periodically flips silent agents to inactive and expires
// stale configuration request tickets. All replicas run it
// independently; both operations are idempotent.
type Sweeper struct {
	cfg    SweeperConfig
	store  store.Store
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper; call Start to run it.
func NewSweeper(cfg SweeperConfig, st store.Store, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.InactiveAfter <= 0 {
		cfg.InactiveAfter = 5 * time.Minute
	}
	return &Sweeper{
		cfg:    cfg,
		store:  st,
		logger: logger.With("component", "liveness_sweeper"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit. Safe to call more
// than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.InactiveAfter)
	ids, err := s.store.MarkAgentsInactive(ctx, cutoff)
	if err != nil {
		s.logger.Error("liveness sweep failed", "error", err)
	} else if len(ids) > 0 {
		s.logger.Warn("agents marked inactive", "count", len(ids), "agent_ids", ids)
	}

	expired, err := s.store.ExpireTickets(ctx, time.Now())
	if err != nil {
		s.logger.Error("ticket expiry sweep failed", "error", err)
	} else if expired > 0 {
		s.logger.Info("tickets expired", "count", expired)
	}
}
