package scheduler

import (
	"context"
	"time"
)

// runOrphanSweep periodically logs jobs whose lock has outlived their
// configured lock lifetime without finishing. Reclaiming itself happens
// automatically in claimNext's WHERE clause (locked_at + lockLifetime <=
// now is eligible again); this sweep exists purely as the crash-recovery
// visibility net the teacher's pkg/queue.orphan.go provides, since here
// there's nothing extra to *do* — the next successful claim already is
// the recovery.
func (s *Scheduler) runOrphanSweep(ctx context.Context) {
	interval := s.cfg.OrphanSweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.logOrphans(ctx)
		}
	}
}

func (s *Scheduler) logOrphans(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.jobs))
	lockSeconds := make([]float64, 0, len(s.jobs))
	for name, job := range s.jobs {
		names = append(names, string(name))
		lockSeconds = append(lockSeconds, job.opts.LockLifetime.Seconds())
	}
	s.mu.Unlock()

	var count int
	err := s.pool.QueryRow(ctx, `
		WITH job_locks(name, lock_seconds) AS (
			SELECT unnest($1::text[]), unnest($2::float8[])
		)
		SELECT count(*) FROM scheduled_jobs sj
		LEFT JOIN job_locks jl ON jl.name = sj.name
		WHERE sj.locked_at IS NOT NULL
		  AND sj.locked_at + make_interval(secs => COALESCE(NULLIF(jl.lock_seconds, 0), $3)) <= now()`,
		names, lockSeconds, s.defaultLockSeconds(),
	).Scan(&count)
	if err != nil {
		s.logger.Error("orphan sweep query failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Warn("found stale job locks eligible for reclaim", "count", count)
	}
}
