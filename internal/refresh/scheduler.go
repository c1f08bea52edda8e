// Package refresh implements C4, the refresh scheduler: a background sweep
// that proactively refreshes OAuth connections nearing expiry, ahead of
// any on-demand caller needing them.
//
// Loop structure is grounded on pkg/escalation/engine.go's Run/tick split
// (ticker + context-cancellation select) and pkg/roster/worker.go's
// RunScheduleTopUpLoop (run once at start, then on ticker).
package refresh

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrix/agentcore/internal/oauthmgr"
)

// Stats summarizes the outcome of one sweep.
type Stats struct {
	Examined int
	Refreshed int
	Skipped  int // already in-flight, or refresh itself failed
	SweptAt  time.Time
}

// Scheduler runs the periodic sweep loop.
type Scheduler struct {
	pool     *pgxpool.Pool
	mgr      *oauthmgr.Manager
	log      *slog.Logger
	inFlight *sync.Map // shared with oauthmgr.Manager

	interval      time.Duration
	jitter        time.Duration
	refreshWindow time.Duration
	batchSize     int
	concurrency   int

	mu        sync.Mutex
	lastStats Stats
}

// Options configures a Scheduler.
type Options struct {
	Interval      time.Duration
	Jitter        time.Duration
	RefreshWindow time.Duration
	BatchSize     int
	Concurrency   int
}

// New constructs a Scheduler sharing mgr's in-flight set, so on-demand and
// scheduled refreshes of the same connection never race.
func New(pool *pgxpool.Pool, mgr *oauthmgr.Manager, logger *slog.Logger, opts Options) *Scheduler {
	s := &Scheduler{
		pool:          pool,
		mgr:           mgr,
		log:           logger,
		inFlight:      mgr.InFlight(),
		interval:      opts.Interval,
		jitter:        opts.Jitter,
		refreshWindow: opts.RefreshWindow,
		batchSize:     opts.BatchSize,
		concurrency:   opts.Concurrency,
	}
	if s.interval <= 0 {
		s.interval = 60 * time.Second
	}
	if s.jitter <= 0 {
		s.jitter = 5 * time.Second
	}
	if s.refreshWindow <= 0 {
		s.refreshWindow = 5 * time.Minute
	}
	if s.batchSize <= 0 {
		s.batchSize = 50
	}
	if s.concurrency <= 0 {
		s.concurrency = 5
	}
	return s
}

// Run blocks, sweeping every interval ± jitter, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("refresh scheduler started", "interval", s.interval)
	for {
		wait := s.interval + jitterDuration(s.jitter)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("refresh scheduler stopped")
			return
		case <-timer.C:
			if err := s.tick(ctx); err != nil {
				s.log.Error("refresh scheduler tick", "error", err)
			}
		}
	}
}

func jitterDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// tick performs one sweep: find connections expiring within
// 2*refreshWindow, skip any already in-flight, process up to batchSize
// with a concurrency cap.
func (s *Scheduler) tick(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, provider
		FROM provider_connections
		WHERE revoked_at IS NULL AND supports_refresh AND NOT needs_reauth
		  AND access_token_expires_at < now() + $1
		LIMIT $2
	`, 2*s.refreshWindow, s.batchSize)
	if err != nil {
		return err
	}
	type candidate struct {
		id       uuid.UUID
		userID   uuid.UUID
		provider string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.userID, &c.provider); err != nil {
			rows.Close()
			return err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	stats := Stats{Examined: len(candidates), SweptAt: time.Now()}

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, c := range candidates {
		if _, busy := s.inFlight.Load(c.id); busy {
			mu.Lock()
			stats.Skipped++
			mu.Unlock()
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(c candidate) {
			defer wg.Done()
			defer func() { <-sem }()

			// Re-read happens inside EnsureFresh's per-connection path;
			// this call re-resolves the user's full connection set, which
			// also re-checks this connection's current expiry before
			// attempting a refresh, in case another actor already refreshed
			// it since the sweep listed it.
			if _, err := s.mgr.EnsureFresh(ctx, c.userID); err != nil {
				mu.Lock()
				stats.Skipped++
				mu.Unlock()
				return
			}
			mu.Lock()
			stats.Refreshed++
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	s.mu.Lock()
	s.lastStats = stats
	s.mu.Unlock()

	return nil
}

// LastStats returns a snapshot of the most recently completed sweep, for
// the /healthz/oauth monitoring endpoint.
func (s *Scheduler) LastStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStats
}
