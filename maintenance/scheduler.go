// Package maintenance runs the periodic housekeeping loops for the stats
// cache: expiry cleanup, storage compaction, daily statistics rollover, and
// cache warming.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/teamfinder/statcache/cache"
	"github.com/teamfinder/statcache/config"
	"github.com/teamfinder/statcache/logger"
	"github.com/teamfinder/statcache/orchestrator"
)

// KeySource supplies externally curated keys to warm (popular subjects,
// a user's teammates). The scheduler only consumes the ordered sequence; how
// the keys were selected is the surrounding application's business.
type KeySource func(ctx context.Context) []cache.Key

// Scheduler owns the four maintenance loops. All loops are children of the
// context passed to Start and stop together when it is cancelled or Close is
// called.
type Scheduler struct {
	cfg       config.MaintenanceConfig
	store     cache.Store
	orch      *orchestrator.Orchestrator
	keySource KeySource
	log       logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	stop   sync.Once
}

// New wires a Scheduler. keySource may be nil when only store-derived
// warming candidates are wanted.
func New(cfg config.MaintenanceConfig, store cache.Store, orch *orchestrator.Orchestrator, keySource KeySource, log logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		orch:      orch,
		keySource: keySource,
		log:       log.WithPrefix("maintenance"),
	}
}

// Start launches the loops. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.once.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel

		s.launch(loopCtx, "cleanup", s.cfg.CleanupInterval, s.runCleanup)
		s.launch(loopCtx, "vacuum", s.cfg.VacuumInterval, s.runVacuum)
		s.launch(loopCtx, "stats", s.cfg.StatsInterval, s.runStats)
		if s.cfg.WarmingEnabled {
			s.launch(loopCtx, "warming", s.cfg.WarmingInterval, s.runWarming)
		}
		s.log.Info("maintenance loops started")
	})
}

// Close cancels the loops and waits for them to exit.
func (s *Scheduler) Close() {
	s.stop.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.log.Info("maintenance loops stopped")
	})
}

func (s *Scheduler) launch(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		s.log.Warn("%s loop disabled: no interval configured", name)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	if _, err := s.store.CleanupExpired(ctx); err != nil {
		s.log.Error("cleanup failed: %v", err)
	}
}

func (s *Scheduler) runVacuum(ctx context.Context) {
	if err := s.store.Vacuum(ctx); err != nil {
		s.log.Error("vacuum failed: %v", err)
	}
}

func (s *Scheduler) runStats(ctx context.Context) {
	if err := s.store.RecordDay(ctx); err != nil {
		s.log.Error("stats rollover failed: %v", err)
	}
}

func (s *Scheduler) runWarming(ctx context.Context) {
	candidates, err := s.store.WarmingCandidates(ctx, 0)
	if err != nil {
		s.log.Error("warming selection failed: %v", err)
		return
	}

	// Store-derived candidates are still cached, so they are refreshed in
	// place; external keys only need fetching when absent.
	warmed := s.orch.Refresh(ctx, candidates)
	if s.keySource != nil {
		warmed += s.orch.Preload(ctx, s.keySource(ctx))
	}
	if warmed > 0 {
		s.store.RecordWarming(warmed)
		s.log.Info("warming submitted %d fetches", warmed)
	}
}
