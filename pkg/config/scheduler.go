package config

import "time"

// SchedulerConfig controls how the durable job queue polls, claims, and
// bounds running jobs. Field shapes are grounded on the teacher's
// QueueConfig (worker_count, poll interval + jitter, orphan detection),
// generalized from "one fixed session job" to "any number of named job
// families registered at startup" (spec.md §4.1, §9).
type SchedulerConfig struct {
	// MaxConcurrency is the global cap on jobs running at once across every
	// job name (spec.md §4.1: "maxConcurrency=5").
	MaxConcurrency int

	// PollInterval is the base interval each instance polls for due jobs.
	PollInterval time.Duration

	// PollIntervalJitter randomizes the poll interval to desynchronize
	// multiple instances.
	PollIntervalJitter time.Duration

	// DefaultLockLifetime bounds how long a claimed-but-unfinished job
	// record is considered locked before another instance may reclaim it.
	DefaultLockLifetime time.Duration

	// LongRunningLockLifetime is used for jobs explicitly marked long
	// (e.g. batch-status polling, spec.md §5: "24 hours for long batch
	// polling").
	LongRunningLockLifetime time.Duration

	// OrphanSweepInterval is how often the scheduler scans for jobs whose
	// lock expired without completion.
	OrphanSweepInterval time.Duration

	// GracefulShutdownTimeout bounds how long Stop() waits for in-flight
	// jobs to finish before forcing an exit.
	GracefulShutdownTimeout time.Duration
}

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrency:          getEnvIntOrDefault("SCHEDULER_MAX_CONCURRENCY", 5),
		PollInterval:            getEnvDurationOrDefault("SCHEDULER_POLL_INTERVAL", 1*time.Second),
		PollIntervalJitter:      getEnvDurationOrDefault("SCHEDULER_POLL_JITTER", 500*time.Millisecond),
		DefaultLockLifetime:     getEnvDurationOrDefault("SCHEDULER_LOCK_LIFETIME", 10*time.Minute),
		LongRunningLockLifetime: getEnvDurationOrDefault("SCHEDULER_LONG_LOCK_LIFETIME", 24*time.Hour),
		OrphanSweepInterval:     getEnvDurationOrDefault("SCHEDULER_ORPHAN_SWEEP_INTERVAL", 5*time.Minute),
		GracefulShutdownTimeout: getEnvDurationOrDefault("SCHEDULER_SHUTDOWN_TIMEOUT", 15*time.Minute),
	}
}

// RouterConfig controls the change router's stream bookkeeping.
type RouterConfig struct {
	// ReconcileInterval is the periodic sweep that reopens missing streams
	// (spec.md §4.2: "A periodic sweep (≥60s)").
	ReconcileInterval time.Duration

	// HeartbeatInterval is how often an instance refreshes ownership of
	// the listener rules it holds locks on.
	HeartbeatInterval time.Duration

	// MaxPoolSize bounds the number of concurrent LISTEN connections
	// (spec.md §4.2: "bounded pool... mandatory").
	MaxPoolSize int

	// ListenTimeout bounds how long a LISTEN command may block.
	ListenTimeout time.Duration
}

// DefaultRouterConfig returns the built-in change-router defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ReconcileInterval: getEnvDurationOrDefault("ROUTER_RECONCILE_INTERVAL", 60*time.Second),
		HeartbeatInterval: getEnvDurationOrDefault("ROUTER_HEARTBEAT_INTERVAL", 30*time.Second),
		MaxPoolSize:       getEnvIntOrDefault("ROUTER_MAX_POOL_SIZE", 20),
		ListenTimeout:     getEnvDurationOrDefault("ROUTER_LISTEN_TIMEOUT", 10*time.Second),
	}
}

// RetentionConfig controls the background retention-enforcement job.
type RetentionConfig struct {
	SweepInterval time.Duration
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		SweepInterval: getEnvDurationOrDefault("RETENTION_SWEEP_INTERVAL", 1*time.Hour),
	}
}
