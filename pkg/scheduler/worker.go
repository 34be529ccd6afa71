package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// worker polls for and runs claimed jobs, one at a time, grounded on the
// teacher's Worker.run/pollAndProcess loop.
type worker struct {
	id       string
	s        *Scheduler
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newWorker(id string, s *Scheduler) *worker {
	return &worker{id: id, s: s, stopCh: make(chan struct{})}
}

func (w *worker) start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *worker) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *worker) run(ctx context.Context) {
	defer w.wg.Done()
	log := slog.With("worker_id", w.id)
	log.Info("scheduler worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("scheduler worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, scheduler worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("error claiming or running job", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

func (w *worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

func (w *worker) pollAndProcess(ctx context.Context) error {
	names := w.s.jobNames()
	if len(names) == 0 {
		return ErrAtCapacity
	}

	job, err := w.s.claimNext(ctx, names)
	if err != nil {
		return err
	}

	def, ok := w.s.lookup(job.Name)
	if !ok {
		return w.s.finish(ctx, job, errUnregisteredJob(job.Name))
	}

	if !w.s.acquireSlot(job.Name) {
		// Lost the per-job concurrency race between listing eligible
		// names and claiming this row; hand it back immediately.
		return w.s.requeue(ctx, job.ID)
	}
	defer w.s.releaseSlot(job.Name)

	log := slog.With("worker_id", w.id, "job_name", job.Name, "job_id", job.ID)
	log.Info("job claimed")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatCtx, cancelHeartbeat := context.WithCancel(runCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, def.opts.LockLifetime, job.ID)

	handle := &jobHandle{s: w.s, jobID: job.ID}
	runErr := def.handler(runCtx, handle, job.Payload)
	cancelHeartbeat()

	if runErr != nil {
		log.Error("job run failed", "error", runErr)
	} else {
		log.Info("job run complete")
	}

	return w.s.finish(context.Background(), job, runErr)
}

// runHeartbeat periodically extends the job's lock lease so long handlers
// are not reclaimed as orphaned mid-run, mirroring the teacher's
// runHeartbeat but driven by the job's own LockLifetime rather than a
// fixed session heartbeat interval.
func (w *worker) runHeartbeat(ctx context.Context, lockLifetime time.Duration, jobID int64) {
	interval := lockLifetime / 3
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.s.touch(context.Background(), jobID); err != nil {
				slog.Warn("job heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (w *worker) pollInterval() time.Duration {
	base := w.s.cfg.PollInterval
	jitter := w.s.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}
