// Package jobnames is the static, compile-time list of job names the
// scheduler dispatches to. Spec.md §9 calls for a static registry in place
// of the source's filesystem-directory handler discovery: every job name
// that can be enqueued is declared here, once, and nowhere else.
package jobnames

// Name identifies a registered scheduler job handler.
type Name string

const (
	// SubmitBatch materializes one batch per (workspace, model); see
	// internal component "Batch Submitter" (spec.md §4.3). Repeating job,
	// one instance per workspace, enqueued by the tenant job scheduler.
	SubmitBatch Name = "submit-batch"

	// ProcessBatch ingests provider batch output for one batch id; see
	// "Batch Result Processor" (spec.md §4.4). Enqueued by the change
	// router when a batch flips to the "received" status.
	ProcessBatch Name = "process-batch"

	// PollBatchStatus polls a provider for the status of in-flight batches
	// that have not yet received a completion notification, flipping them
	// to "received" on completion (spec.md §4.4, "Transitions to received
	// are performed by either a poll or a BatchNotification-triggered job").
	PollBatchStatus Name = "poll-batch-status"

	// EnforceRetention deletes records past a workspace's
	// data-retention window (spec.md §3, BillingProfile.dataRetentionDays).
	EnforceRetention Name = "enforce-retention"
)
