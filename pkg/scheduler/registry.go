package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brandsignal/batchworks/pkg/config"
	"github.com/brandsignal/batchworks/pkg/jobnames"
)

// Scheduler is the durable job queue's public entry point: DefineJob at
// startup, Enqueue at runtime, Start/Stop to run the worker pool.
type Scheduler struct {
	pool        *pgxpool.Pool
	cfg         config.SchedulerConfig
	instanceID  string
	logger      *slog.Logger

	mu       sync.Mutex
	jobs     map[jobnames.Name]*registeredJob
	counts   map[jobnames.Name]*int32

	workers  []*worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// New builds a Scheduler bound to the shared pool. instanceID identifies
// this process for lock attribution (the teacher's podID equivalent).
func New(pool *pgxpool.Pool, cfg config.SchedulerConfig, instanceID string) *Scheduler {
	return &Scheduler{
		pool:       pool,
		cfg:        cfg,
		instanceID: instanceID,
		logger:     slog.With("component", "scheduler", "instance_id", instanceID),
		jobs:       make(map[jobnames.Name]*registeredJob),
		counts:     make(map[jobnames.Name]*int32),
		stopCh:     make(chan struct{}),
	}
}

// DefineJob registers a job family's handler and options. Must be called
// before Start; registering the same name twice panics, since a static
// registry is meant to be assembled once at process wiring time.
func (s *Scheduler) DefineJob(name jobnames.Name, opts JobOptions, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		panic(fmt.Sprintf("scheduler: job %s already registered", name))
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.LockLifetime <= 0 {
		opts.LockLifetime = s.cfg.DefaultLockLifetime
	}
	s.jobs[name] = &registeredJob{name: name, opts: opts, handler: handler}
	var zero int32
	s.counts[name] = &zero
}

// Start spawns the worker pool and the orphan-sweep goroutine. Safe to
// call once; a second call is a no-op, mirroring the teacher's
// WorkerPool.Start.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	workerCount := s.cfg.MaxConcurrency
	if workerCount <= 0 {
		workerCount = 1
	}

	s.logger.Info("starting scheduler worker pool", "worker_count", workerCount, "job_count", len(s.jobs))

	for i := 0; i < workerCount; i++ {
		w := newWorker(fmt.Sprintf("%s-worker-%d", s.instanceID, i), s)
		s.workers = append(s.workers, w)
		w.start(ctx)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOrphanSweep(ctx)
	}()
}

// Stop signals every worker to finish its current job and return, then
// waits for the orphan sweep to exit.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler worker pool")
	for _, w := range s.workers {
		w.stop()
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("scheduler worker pool stopped")
}

// defaultLockSeconds is the fallback lock lifetime for a job name claimNext
// is asked about but that isn't (or is no longer) registered on this
// instance — registered jobs use their own LockLifetime via lockSecondsFor.
func (s *Scheduler) defaultLockSeconds() float64 {
	if s.cfg.DefaultLockLifetime <= 0 {
		return (10 * time.Minute).Seconds()
	}
	return s.cfg.DefaultLockLifetime.Seconds()
}

// lockSecondsFor returns the reclaim window claimNext should use for name:
// the job's own registered LockLifetime, or defaultLockSeconds if name
// isn't registered on this instance.
func (s *Scheduler) lockSecondsFor(name jobnames.Name) float64 {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok || job.opts.LockLifetime <= 0 {
		return s.defaultLockSeconds()
	}
	return job.opts.LockLifetime.Seconds()
}

func (s *Scheduler) jobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name, job := range s.jobs {
		if atomic.LoadInt32(s.counts[name]) < int32(job.opts.Concurrency) {
			names = append(names, string(name))
		}
	}
	return names
}

func (s *Scheduler) lookup(name jobnames.Name) (*registeredJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	return j, ok
}

func (s *Scheduler) acquireSlot(name jobnames.Name) bool {
	s.mu.Lock()
	counter, ok := s.counts[name]
	job := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if atomic.AddInt32(counter, 1) > int32(job.opts.Concurrency) {
		atomic.AddInt32(counter, -1)
		return false
	}
	return true
}

func (s *Scheduler) releaseSlot(name jobnames.Name) {
	s.mu.Lock()
	counter, ok := s.counts[name]
	s.mu.Unlock()
	if ok {
		atomic.AddInt32(counter, -1)
	}
}
