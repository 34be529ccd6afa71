package scheduler

import "context"

// jobHandle implements Handle for one claimed job run.
type jobHandle struct {
	s     *Scheduler
	jobID int64
}

func (h *jobHandle) Touch(ctx context.Context) error {
	return h.s.touch(ctx, h.jobID)
}

func (h *jobHandle) Progress(ctx context.Context, status string) {
	h.s.setProgress(ctx, h.jobID, status)
}
