package scheduler

import "context"

// Health reports the scheduler's current queue depth and worker count.
type Health struct {
	TotalWorkers int    `json:"total_workers"`
	QueueDepth   int    `json:"queue_depth"`
	DBError      string `json:"db_error,omitempty"`
}

// Health queries the current due-but-unclaimed job count across every
// registered job name.
func (s *Scheduler) Health(ctx context.Context) Health {
	names := func() []string {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := make([]string, 0, len(s.jobs))
		for name := range s.jobs {
			out = append(out, string(name))
		}
		return out
	}()

	h := Health{TotalWorkers: len(s.workers)}

	var depth int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM scheduled_jobs
		WHERE name = ANY($1) AND next_run_at <= now() AND locked_at IS NULL`, names,
	).Scan(&depth)
	if err != nil {
		h.DBError = err.Error()
		return h
	}
	h.QueueDepth = depth
	return h
}
