// Package scheduler is the durable job queue. A single collection
// (scheduled_jobs, in the shared schema) holds job records keyed by
// (name, uniqueKey); any number of process instances poll it concurrently,
// claiming one row at a time with SELECT ... FOR UPDATE SKIP LOCKED.
// Grounded on the teacher's pkg/queue (WorkerPool/Worker/orphan detection),
// generalized from one fixed job (alert sessions) to any named job
// registered at startup via DefineJob — spec.md §9's static-registry
// redesign flag.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brandsignal/batchworks/pkg/jobnames"
)

// Sentinel errors mirroring the teacher's ErrNoSessionsAvailable/
// ErrAtCapacity control-flow signals.
var (
	ErrNoJobsAvailable = errors.New("scheduler: no jobs available")
	ErrAtCapacity      = errors.New("scheduler: at capacity")
)

// Handle is passed to a running job handler so it can report liveness and
// progress without the scheduler package needing to know the handler's
// internals.
type Handle interface {
	// Touch extends the job's lock lease, preventing another instance from
	// reclaiming it as orphaned while long work is still progressing.
	Touch(ctx context.Context) error
	// Progress records a human-readable status string visible to
	// operators (e.g. via JobHistory or a future admin surface).
	Progress(ctx context.Context, status string)
}

// HandlerFunc is the function a job name is registered with.
type HandlerFunc func(ctx context.Context, h Handle, payload json.RawMessage) error

// JobOptions configures one registered job family.
type JobOptions struct {
	// Concurrency caps how many instances of this job name may run at
	// once across the whole registry (spec.md §4.1: "concurrency=1 for
	// the batch jobs").
	Concurrency int
	// LockLifetime bounds how long a claimed run may hold its lock before
	// another instance may reclaim it as orphaned.
	LockLifetime time.Duration
}

// EnqueueOptions configures a single Enqueue call.
type EnqueueOptions struct {
	// RunAt schedules the job's first eligible run; zero means "now".
	RunAt time.Time
	// RepeatEvery, if non-zero, makes this a repeating job: on each
	// completion, nextRunAt is advanced by this interval.
	RepeatEvery time.Duration
	// UniqueKey scopes the (name, uniqueKey) uniqueness constraint. Two
	// Enqueue calls with the same name and UniqueKey update the same row
	// rather than creating a duplicate — the mechanism behind "at most
	// one in-flight batch per (workspace, model)" at the scheduling layer.
	UniqueKey string
}

func errUnregisteredJob(name jobnames.Name) error {
	return fmt.Errorf("scheduler: no handler registered for job %q", name)
}

type registeredJob struct {
	name    jobnames.Name
	opts    JobOptions
	handler HandlerFunc
}
