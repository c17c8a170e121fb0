// Package sweeper runs the periodic maintenance loops: refunding expired
// escrows, releasing deliveries whose dispute window has elapsed, refreshing
// stale reputation caches and expiring abandoned registration batches.
package sweeper

import (
	"context"
	"database/sql"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/agentmarkets/trustline/internal/domain"
	"github.com/agentmarkets/trustline/internal/ledger"
	"github.com/agentmarkets/trustline/internal/store"
)

// Config holds tunable parameters for the sweep loops.
type Config struct {
	SweepIntervalSec     int
	SweepPageSize        int
	ReleasePageSize      int
	ReputationRefreshSec int
	ReputationBatchSize  int
	BatchTTLHours        int
	JitterMaxMs          int
}

// Sweeper drives the background maintenance loops against the ledger.
type Sweeper struct {
	DB        *sql.DB
	Ledger    *ledger.Ledger
	Txns      *store.TxRepo
	Agents    *store.AgentRepo
	Batches   *store.BatchRepo
	SweepRuns *store.SweepRunRepo
	Config    Config
	Clock     func() time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewSweeper creates a Sweeper with sensible defaults for zero-value config fields.
func NewSweeper(db *sql.DB, lg *ledger.Ledger, cfg Config) *Sweeper {
	if cfg.SweepIntervalSec == 0 {
		cfg.SweepIntervalSec = 300
	}
	if cfg.SweepPageSize == 0 {
		cfg.SweepPageSize = 10
	}
	if cfg.ReleasePageSize == 0 {
		cfg.ReleasePageSize = 20
	}
	if cfg.ReputationRefreshSec == 0 {
		cfg.ReputationRefreshSec = 600
	}
	if cfg.ReputationBatchSize == 0 {
		cfg.ReputationBatchSize = 100
	}
	if cfg.BatchTTLHours == 0 {
		cfg.BatchTTLHours = 168
	}
	if cfg.JitterMaxMs == 0 {
		cfg.JitterMaxMs = 250
	}
	return &Sweeper{
		DB:        db,
		Ledger:    lg,
		Txns:      lg.Txns,
		Agents:    lg.Agents,
		Batches:   &store.BatchRepo{},
		SweepRuns: &store.SweepRunRepo{},
		Config:    cfg,
		Clock:     time.Now,
		stopCh:    make(chan struct{}),
	}
}

// SweepExpiredEscrows refunds one page of FUNDED transactions whose deadline
// has passed. Each refund is attempted independently; a failed item stays
// FUNDED and is picked up again on the next pass. A short random pause
// between items keeps custodial signing requests from bursting.
func (s *Sweeper) SweepExpiredEscrows(ctx context.Context) (*domain.SweepResult, error) {
	now := s.Clock().Unix()
	runID, err := s.SweepRuns.Start(ctx, s.DB, "expired_escrows", now)
	if err != nil {
		return nil, err
	}

	expired, err := s.Txns.ListExpiredFunded(ctx, s.DB, now, s.Config.SweepPageSize)
	if err != nil {
		return nil, err
	}

	res := &domain.SweepResult{Processed: len(expired)}
	for i, t := range expired {
		if i > 0 {
			s.pause(ctx)
		}
		if _, err := s.Ledger.Timeout(ctx, t.ID); err != nil {
			log.Printf("sweeper: auto-refund of %s failed: %v", t.ID, err)
			res.Failed++
			continue
		}
		res.Successful++
	}

	if err := s.SweepRuns.Finish(ctx, s.DB, runID, s.Clock().Unix(), *res); err != nil {
		log.Printf("sweeper: record sweep run %d: %v", runID, err)
	}
	return res, nil
}

// SweepElapsedWindows releases one page of DELIVERED, undisputed transactions
// whose buyer-protection window has elapsed.
func (s *Sweeper) SweepElapsedWindows(ctx context.Context) (*domain.SweepResult, error) {
	now := s.Clock().Unix()
	runID, err := s.SweepRuns.Start(ctx, s.DB, "elapsed_windows", now)
	if err != nil {
		return nil, err
	}

	releasable, err := s.Txns.ListReleasable(ctx, s.DB, now, s.Config.ReleasePageSize)
	if err != nil {
		return nil, err
	}

	res := &domain.SweepResult{Processed: len(releasable)}
	for i, t := range releasable {
		if i > 0 {
			s.pause(ctx)
		}
		if _, err := s.Ledger.Release(ctx, t.ID); err != nil {
			log.Printf("sweeper: auto-release of %s failed: %v", t.ID, err)
			res.Failed++
			continue
		}
		res.Successful++
	}

	if err := s.SweepRuns.Finish(ctx, s.DB, runID, s.Clock().Unix(), *res); err != nil {
		log.Printf("sweeper: record sweep run %d: %v", runID, err)
	}
	return res, nil
}

// RefreshReputation recomputes and re-caches the stalest reputation entries,
// oldest cache first.
func (s *Sweeper) RefreshReputation(ctx context.Context) (*domain.SweepResult, error) {
	stale, err := s.Agents.ListStaleReputation(ctx, s.DB, s.Config.ReputationBatchSize)
	if err != nil {
		return nil, err
	}

	res := &domain.SweepResult{Processed: len(stale)}
	for _, agentID := range stale {
		score, tier, count, err := s.Ledger.Recompute(ctx, agentID)
		if err != nil {
			log.Printf("sweeper: recompute reputation for %s: %v", agentID, err)
			res.Failed++
			continue
		}
		if err := s.Agents.UpdateReputationCache(ctx, s.DB, agentID, score, tier, count, s.Clock().Unix()); err != nil {
			log.Printf("sweeper: cache reputation for %s: %v", agentID, err)
			res.Failed++
			continue
		}
		res.Successful++
	}
	return res, nil
}

// CleanupStagedBatches deletes staged registration batches that were never
// confirmed within the TTL.
func (s *Sweeper) CleanupStagedBatches(ctx context.Context) (int64, error) {
	cutoff := s.Clock().Add(-time.Duration(s.Config.BatchTTLHours) * time.Hour).Unix()
	return s.Batches.DeleteStagedBefore(ctx, s.DB, cutoff)
}

// Start spawns the background loops. The escrow and release sweeps share one
// ticker; reputation refresh and batch cleanup run on their own slower one.
func (s *Sweeper) Start(ctx context.Context) {
	sweepTicker := time.NewTicker(time.Duration(s.Config.SweepIntervalSec) * time.Second)
	go func() {
		defer sweepTicker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-sweepTicker.C:
				if _, err := s.SweepExpiredEscrows(ctx); err != nil {
					log.Printf("sweeper: expired escrow sweep: %v", err)
				}
				if _, err := s.SweepElapsedWindows(ctx); err != nil {
					log.Printf("sweeper: elapsed window sweep: %v", err)
				}
			}
		}
	}()

	refreshTicker := time.NewTicker(time.Duration(s.Config.ReputationRefreshSec) * time.Second)
	go func() {
		defer refreshTicker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-refreshTicker.C:
				if _, err := s.RefreshReputation(ctx); err != nil {
					log.Printf("sweeper: reputation refresh: %v", err)
				}
				if _, err := s.CleanupStagedBatches(ctx); err != nil {
					log.Printf("sweeper: batch cleanup: %v", err)
				}
			}
		}
	}()
}

// Stop signals the background loops to exit. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Sweeper) pause(ctx context.Context) {
	if s.Config.JitterMaxMs <= 0 {
		return
	}
	d := time.Duration(rand.Intn(s.Config.JitterMaxMs)+1) * time.Millisecond
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
