// Package pipeline advances jobs through diarization, transcription and analysis in
// response to stage callbacks.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"callpipeline/internal/dispatch"
	"callpipeline/internal/jobs"
	"callpipeline/pkg/apperr"
	"callpipeline/pkg/logger"
)

// StageDispatcher launches stages and records their outcomes.
type StageDispatcher interface {
	Dispatch(ctx context.Context, job jobs.Job, stage jobs.Stage) (jobs.ExternalTask, error)
	ReportOutcome(ctx context.Context, ref string, outcome jobs.Outcome, resultRef, errText string) (dispatch.Report, error)
}

// TaskLister reads a job's task history.
type TaskLister interface {
	ListTasks(ctx context.Context, jobID string) ([]jobs.ExternalTask, error)
}

// Coordinator sequences stages. It keeps no state of its own: the job's active task
// in the store is the stage pointer.
type Coordinator struct {
	jobs       *jobs.Service
	tasks      TaskLister
	dispatcher StageDispatcher
	resume     bool
}

// New builds a Coordinator. With resume set, a retried job restarts after the last
// stage that already succeeded instead of at diarization.
func New(js *jobs.Service, tasks TaskLister, d StageDispatcher, resume bool) *Coordinator {
	return &Coordinator{jobs: js, tasks: tasks, dispatcher: d, resume: resume}
}

// Outcome is the effect of one stage callback.
type Outcome struct {
	Disposition dispatch.Disposition `json:"disposition"`
	Task        jobs.ExternalTask    `json:"task"`
	Job         jobs.Job             `json:"job"`
	// Next is the task dispatched for the following stage, if any.
	Next *jobs.ExternalTask `json:"next,omitempty"`
}

// Start moves an init job to in_progress and dispatches its first stage.
func (c *Coordinator) Start(ctx context.Context, jobID string) (jobs.Job, error) {
	job, err := c.jobs.MarkInProgress(ctx, jobID)
	if err != nil {
		return jobs.Job{}, err
	}
	stage, err := c.entryStage(ctx, job)
	if err != nil {
		return job, err
	}
	if _, err := c.dispatcher.Dispatch(ctx, job, stage); err != nil {
		return c.current(ctx, job), err
	}
	return c.current(ctx, job), nil
}

// HandleOutcome applies a stage callback and advances the pipeline when it was applied.
// Duplicates return their disposition without error; stale callbacks return a Conflict.
func (c *Coordinator) HandleOutcome(ctx context.Context, ref string, outcome jobs.Outcome, resultRef, errText string) (Outcome, error) {
	rep, err := c.dispatcher.ReportOutcome(ctx, ref, outcome, resultRef, errText)
	if err != nil {
		return Outcome{Disposition: rep.Disposition, Task: rep.Task}, err
	}
	out := Outcome{Disposition: rep.Disposition, Task: rep.Task}
	job, err := c.jobs.Get(ctx, rep.Task.JobID)
	if err != nil {
		return out, err
	}
	out.Job = job
	if rep.Disposition != dispatch.DispositionApplied {
		return out, nil
	}

	ctx = logger.Enrich(ctx, "job_id", job.ID, "stage", rep.Task.Stage)
	if outcome == jobs.OutcomeFailed {
		cause := errText
		if cause == "" {
			cause = "external task reported failure"
		}
		failed, err := c.jobs.MarkFailed(ctx, job.ID, fmt.Errorf("%s failed: %s", rep.Task.Stage, cause))
		if err != nil {
			return out, err
		}
		out.Job = failed
		return out, nil
	}

	next, ok := rep.Task.Stage.Next()
	if !ok {
		done, err := c.jobs.MarkCompleted(ctx, job.ID)
		if err != nil {
			return out, err
		}
		out.Job = done
		return out, nil
	}

	task, err := c.dispatcher.Dispatch(ctx, job, next)
	out.Job = c.current(ctx, job)
	if err != nil {
		// The dispatcher already failed the job; the callback itself was accepted.
		if apperr.Is(err, apperr.KindDispatch) {
			logger.From(ctx).Warn("next stage could not be dispatched", "next_stage", next, "err", err)
			return out, nil
		}
		return out, err
	}
	out.Next = &task
	return out, nil
}

// Retry re-arms a failed job and runs it again from its entry stage.
func (c *Coordinator) Retry(ctx context.Context, jobID string) (jobs.Job, error) {
	if _, err := c.jobs.Retry(ctx, jobID); err != nil {
		return jobs.Job{}, err
	}
	return c.Start(ctx, jobID)
}

// entryStage is diarization, or with resume on, the first stage with no successful
// run in any attempt.
func (c *Coordinator) entryStage(ctx context.Context, job jobs.Job) (jobs.Stage, error) {
	first := jobs.Stages[0]
	if !c.resume || job.AttemptCount <= 1 {
		return first, nil
	}
	history, err := c.tasks.ListTasks(ctx, job.ID)
	if err != nil {
		return "", err
	}
	done := map[jobs.Stage]bool{}
	for _, t := range history {
		if t.Outcome == jobs.OutcomeSuccess && t.ResultRef != "" {
			done[t.Stage] = true
		}
	}
	for _, st := range jobs.Stages {
		if !done[st] {
			if st != first {
				logger.From(ctx).Info("resuming job from checkpoint", "job_id", job.ID, "stage", st)
			}
			return st, nil
		}
	}
	// Every stage produced a result before; rerun the last one to finish.
	return jobs.Stages[len(jobs.Stages)-1], nil
}

func (c *Coordinator) current(ctx context.Context, fallback jobs.Job) jobs.Job {
	j, err := c.jobs.Get(ctx, fallback.ID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.From(ctx).Warn("reloading job failed", "job_id", fallback.ID, "err", err)
		}
		return fallback
	}
	return j
}
