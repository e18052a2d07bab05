// pkg/schema/status.go
package schema

// TaskStatus is the lifecycle state of a single server-side task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskFinished  TaskStatus = "finished"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further updates are expected after s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskFinished, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// IsActive reports whether a task in state s can still be cancelled.
func (s TaskStatus) IsActive() bool {
	return s == TaskPending || s == TaskRunning
}

// JobStatus is the aggregate lifecycle state of a multi-task job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFinished  JobStatus = "finished"
	JobPartial   JobStatus = "partial"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further updates are expected after s.
// A partial job is terminal: late retries are not tracked.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFinished, JobPartial, JobFailed, JobCancelled:
		return true
	}
	return false
}
