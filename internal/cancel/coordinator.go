// Package cancel turns user cancel requests into calls against the job
// management API and reconciles the outcome into tracking.
package cancel

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/skier233/Stash-AIServer-sub000/internal/jobsapi"
)

const defaultParallelism = 4

type JobAPI interface {
	CancelTask(ctx context.Context, taskID string) error
	GetJob(ctx context.Context, jobID string) (jobsapi.JobDetail, error)
}

type Unsubscriber interface {
	UnsubscribeTask(id string)
	UnsubscribeJob(id string)
}

// Reconciler applies a successful cancellation to tracked state.
// *tracking.Store satisfies it.
type Reconciler interface {
	MarkCancelled(id, message string) bool
}

type TaskResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type JobResult struct {
	Success          bool     `json:"success"`
	Message          string   `json:"message"`
	CancelledTaskIDs []string `json:"cancelled_task_ids"`
	FailedTaskIDs    []string `json:"failed_task_ids,omitempty"`
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithParallelism bounds concurrent per-task cancellations in CancelJob.
func WithParallelism(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.parallelism = n
		}
	}
}

type Coordinator struct {
	api         JobAPI
	subs        Unsubscriber
	rec         Reconciler
	parallelism int
	log         *slog.Logger
}

func New(api JobAPI, subs Unsubscriber, rec Reconciler, opts ...Option) *Coordinator {
	c := &Coordinator{
		api:         api,
		subs:        subs,
		rec:         rec,
		parallelism: defaultParallelism,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "cancel")
	return c
}

// CancelTask cancels one task. Failures are reported in the result.
func (c *Coordinator) CancelTask(ctx context.Context, taskID string) TaskResult {
	if err := c.api.CancelTask(ctx, taskID); err != nil {
		c.log.Warn("cancel task failed", "task_id", taskID, "err", err)
		return TaskResult{Success: false, Message: fmt.Sprintf("Failed to cancel task: %v", err)}
	}
	if c.subs != nil {
		c.subs.UnsubscribeTask(taskID)
	}
	if c.rec != nil {
		c.rec.MarkCancelled(taskID, "Cancelled")
	}
	c.log.Info("task cancelled", "task_id", taskID)
	return TaskResult{Success: true, Message: "Task cancelled"}
}

// CancelJob cancels every pending or running task of jobID. Tasks already
// terminal are skipped. Success is reported when at least one cancellation
// went through.
func (c *Coordinator) CancelJob(ctx context.Context, jobID string) JobResult {
	detail, err := c.api.GetJob(ctx, jobID)
	if err != nil {
		c.log.Warn("fetch job for cancel failed", "job_id", jobID, "err", err)
		return JobResult{Message: fmt.Sprintf("Failed to fetch job: %v", err), CancelledTaskIDs: []string{}}
	}
	defer c.unsubscribeJob(jobID)

	if len(detail.Tasks) == 0 {
		return JobResult{Message: "Job has already completed or has no tasks", CancelledTaskIDs: []string{}}
	}

	var candidates []string
	for _, t := range detail.Tasks {
		if t.Status.IsActive() {
			candidates = append(candidates, t.TaskID)
		}
	}
	if len(candidates) == 0 {
		return JobResult{Message: "All tasks in job have already completed", CancelledTaskIDs: []string{}}
	}

	errs := make([]error, len(candidates))
	g := new(errgroup.Group)
	g.SetLimit(c.parallelism)
	for i, id := range candidates {
		i, id := i, id
		g.Go(func() error {
			errs[i] = c.api.CancelTask(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	res := JobResult{CancelledTaskIDs: []string{}}
	for i, id := range candidates {
		if errs[i] != nil {
			c.log.Warn("cancel job task failed", "job_id", jobID, "task_id", id, "err", errs[i])
			res.FailedTaskIDs = append(res.FailedTaskIDs, id)
			continue
		}
		res.CancelledTaskIDs = append(res.CancelledTaskIDs, id)
	}

	ok, failed := len(res.CancelledTaskIDs), len(res.FailedTaskIDs)
	switch {
	case ok == 0:
		res.Message = fmt.Sprintf("Failed to cancel any of %d tasks", failed)
		return res
	case failed == 0:
		res.Message = fmt.Sprintf("Cancelled %d tasks", ok)
	default:
		res.Message = fmt.Sprintf("Cancelled %d tasks, %d failed", ok, failed)
	}
	res.Success = true

	if c.rec != nil {
		c.rec.MarkCancelled(jobID, res.Message)
		for _, id := range res.CancelledTaskIDs {
			c.rec.MarkCancelled(id, "Cancelled")
		}
	}
	c.log.Info("job cancelled", "job_id", jobID, "cancelled", ok, "failed", failed)
	return res
}

func (c *Coordinator) unsubscribeJob(jobID string) {
	if c.subs != nil {
		c.subs.UnsubscribeJob(jobID)
	}
}
