package jobs

import (
	"context"
	"time"
)

// TaskResult is what the external system reported for a task.
type TaskResult struct {
	Outcome   Outcome
	ResultRef string
	Error     string
	At        time.Time
}

// Store persists jobs and their external tasks. It is the only place job state lives;
// every process reads and writes through it.
type Store interface {
	// Create fails with a Conflict error when a non-terminal job exists for the call.
	Create(ctx context.Context, job Job) (Job, error)
	Get(ctx context.Context, id string) (Job, error)
	ListForCall(ctx context.Context, callRecordID int64) ([]Job, error)
	List(ctx context.Context, from, to time.Time) ([]Job, error)

	// CompareAndSwap writes next only if the stored job still has cur's status and
	// attempt count. A lost race fails with an InvalidTransition error. The stage
	// pointer (current_stage, active_task_id) is owned by ReserveTask and Rearm and is
	// never written here.
	CompareAndSwap(ctx context.Context, cur, next Job) (Job, error)
	// Rearm is CompareAndSwap for a retry: in the same atomic step it clears the stage
	// pointer and supersedes every live task of the previous attempt.
	Rearm(ctx context.Context, cur, next Job) (Job, error)
	// ReassignCall moves the jobs of call record from onto call record to, after the
	// two records were merged. An active job stays put when to already has one.
	ReassignCall(ctx context.Context, from, to int64) (int, error)

	// DeleteCompletedBefore removes completed jobs that ended before t, with their tasks.
	DeleteCompletedBefore(ctx context.Context, t time.Time) (int, error)

	// ReserveTask inserts a pending task for a job that is in progress on the task's
	// attempt, and points the job at it. A pending task for the same stage is a Conflict.
	// Earlier failed tasks of the stage are superseded.
	ReserveTask(ctx context.Context, task ExternalTask) (ExternalTask, error)
	AttachExternalID(ctx context.Context, taskID, externalID string) (ExternalTask, error)
	// FindTask resolves ref as an internal task id first, then as an external task id.
	FindTask(ctx context.Context, ref string) (ExternalTask, error)
	// CompleteTask records res if the task is still pending, not superseded, and the
	// active task of an in-progress job. applied is false otherwise.
	CompleteTask(ctx context.Context, taskID string, res TaskResult) (task ExternalTask, applied bool, err error)
	ListTasks(ctx context.Context, jobID string) ([]ExternalTask, error)
}
