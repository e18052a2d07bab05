package tracking

import (
	"fmt"

	"github.com/skier233/Stash-AIServer-sub000/pkg/schema"
)

// TaskMessage derives the status line shown for a single task.
func TaskMessage(status schema.TaskStatus, adapterName string, processingTimeMs *int64) string {
	switch status {
	case schema.TaskPending:
		if adapterName != "" {
			return "Queued for " + adapterName
		}
		return "Queued"
	case schema.TaskRunning:
		if adapterName != "" {
			return "Processing with " + adapterName + "..."
		}
		return "Processing..."
	case schema.TaskFinished:
		if processingTimeMs != nil && *processingTimeMs >= 0 {
			return "Completed in " + FormatDuration(*processingTimeMs)
		}
		return "Completed"
	case schema.TaskFailed:
		if adapterName != "" {
			return "Failed in " + adapterName
		}
		return "Failed"
	case schema.TaskCancelled:
		return "Cancelled"
	default:
		return string(status)
	}
}

// JobMessage derives the status line shown for a multi-task job. Partial
// (some tasks failed) reads differently from failed.
func JobMessage(status schema.JobStatus, completed, total, failed int, progressPercent float64) string {
	switch status {
	case schema.JobPending:
		if total > 0 {
			return fmt.Sprintf("Queued: %d tasks", total)
		}
		return "Queued"
	case schema.JobRunning:
		msg := fmt.Sprintf("Processing %d/%d tasks (%.0f%%)", completed, total, progressPercent)
		if failed > 0 {
			msg += fmt.Sprintf(", %d failed", failed)
		}
		return msg
	case schema.JobCompleted, schema.JobFinished:
		msg := fmt.Sprintf("Completed %d/%d tasks", completed, total)
		if failed > 0 {
			msg += fmt.Sprintf(", %d failed", failed)
		}
		return msg
	case schema.JobPartial:
		return fmt.Sprintf("Partially completed: %d/%d succeeded, %d failed", completed, total, failed)
	case schema.JobFailed:
		return fmt.Sprintf("Failed: %d/%d tasks failed", failed, total)
	case schema.JobCancelled:
		return fmt.Sprintf("Cancelled after %d/%d tasks", completed, total)
	default:
		return string(status)
	}
}

// FormatDuration renders a millisecond duration for status lines.
func FormatDuration(ms int64) string {
	switch {
	case ms < 1000:
		return fmt.Sprintf("%dms", ms)
	case ms < 60_000:
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	default:
		sec := ms / 1000
		return fmt.Sprintf("%dm %ds", sec/60, sec%60)
	}
}
