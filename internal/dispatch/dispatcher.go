// Package dispatch launches external compute for pipeline stages and records what
// the external system reports back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callpipeline/internal/jobs"
	"callpipeline/pkg/apperr"
	"callpipeline/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// ErrNoCapacity means the stage's in-flight cap is full.
var ErrNoCapacity = errors.New("dispatch: stage in-flight limit reached")

// Config bounds launch retries.
type Config struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.InitialInterval <= 0 {
		out.InitialInterval = 500 * time.Millisecond
	}
	if out.MaxInterval <= 0 {
		out.MaxInterval = 30 * time.Second
	}
	return out
}

// JobFailer is the part of the state machine the dispatcher drives on give-up.
type JobFailer interface {
	MarkFailed(ctx context.Context, id string, cause error) (jobs.Job, error)
}

// Dispatcher launches one stage at a time per job and tracks the task handles.
type Dispatcher struct {
	store   jobs.Store
	jobs    JobFailer
	tasks   AudioTaskService
	limiter Limiter
	cfg     Config
	clock   func() time.Time
	newID   func() string
}

func New(store jobs.Store, failer JobFailer, tasks AudioTaskService, limiter Limiter, cfg Config) *Dispatcher {
	if limiter == nil {
		limiter = NoLimit{}
	}
	return &Dispatcher{
		store:   store,
		jobs:    failer,
		tasks:   tasks,
		limiter: limiter,
		cfg:     cfg.withDefaults(),
		clock:   time.Now,
		newID:   uuid.NewString,
	}
}

// Dispatch reserves the stage's task, then launches it with exponential backoff.
// A pending task for (job, stage) fails with a Conflict error before any launch.
// When every launch attempt fails the task is marked failed and the job moves to
// failure with a Dispatch error, which is also returned.
func (d *Dispatcher) Dispatch(ctx context.Context, job jobs.Job, stage jobs.Stage) (jobs.ExternalTask, error) {
	if !stage.Valid() {
		return jobs.ExternalTask{}, apperr.Validation(fmt.Sprintf("unknown stage %q", stage))
	}
	if job.Status != jobs.StatusInProgress {
		return jobs.ExternalTask{}, apperr.InvalidTransition(fmt.Sprintf("job %s is %s, not in_progress", job.ID, job.Status))
	}

	payload, err := d.payloadFor(ctx, job, stage)
	if err != nil {
		return jobs.ExternalTask{}, err
	}

	task, err := d.store.ReserveTask(ctx, jobs.ExternalTask{
		ID:           d.newID(),
		JobID:        job.ID,
		Stage:        stage,
		Attempt:      job.AttemptCount,
		DispatchedAt: d.clock().UTC(),
	})
	if err != nil {
		return jobs.ExternalTask{}, err
	}

	log := logger.From(ctx).With("job_id", job.ID, "stage", stage, "task_id", task.ID)
	req := LaunchRequest{JobID: job.ID, TaskID: task.ID, Stage: stage, Attempt: job.AttemptCount, Payload: payload}

	externalID, err := d.launch(ctx, req, log)
	if err != nil {
		return jobs.ExternalTask{}, d.giveUp(ctx, job, task, err)
	}

	attached, err := d.store.AttachExternalID(ctx, task.ID, externalID)
	if err != nil {
		// Callbacks can still reference the internal task id.
		log.Error("recording external task id failed", "external_task_id", externalID, "err", err)
		return task, nil
	}
	log.Info("stage dispatched", "external_task_id", externalID)
	return attached, nil
}

func (d *Dispatcher) launch(ctx context.Context, req LaunchRequest, log *slog.Logger) (string, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = d.cfg.InitialInterval
	expo.MaxInterval = d.cfg.MaxInterval
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(d.cfg.MaxRetries)), ctx)

	var externalID string
	op := func() error {
		ok, err := d.limiter.Acquire(ctx, req.Stage, req.TaskID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoCapacity
		}
		id, err := d.tasks.Launch(ctx, req)
		if err != nil {
			_ = d.limiter.Release(ctx, req.Stage, req.TaskID)
			var le *LaunchError
			if errors.As(err, &le) && !le.Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		externalID = id
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("stage launch failed, retrying", "err", err, "backoff", wait)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return "", err
	}
	return externalID, nil
}

func (d *Dispatcher) giveUp(ctx context.Context, job jobs.Job, task jobs.ExternalTask, cause error) error {
	dispatchErr := apperr.Dispatch(fmt.Sprintf("launching %s for job %s failed", task.Stage, job.ID), cause)
	// The caller may have given up; the failure still has to be recorded.
	ctx = context.WithoutCancel(ctx)
	log := logger.From(ctx).With("job_id", job.ID, "stage", task.Stage, "task_id", task.ID)

	if _, _, err := d.store.CompleteTask(ctx, task.ID, jobs.TaskResult{
		Outcome: jobs.OutcomeFailed,
		Error:   dispatchErr.Error(),
		At:      d.clock().UTC(),
	}); err != nil {
		log.Error("marking undispatched task failed", "err", err)
	}
	if _, err := d.jobs.MarkFailed(ctx, job.ID, dispatchErr); err != nil {
		log.Error("marking job failed after dispatch give-up", "err", err)
	}
	log.Warn("stage dispatch gave up", "err", cause)
	return dispatchErr
}

// payloadFor builds the stage input: the audio for diarization, otherwise the result
// of the latest successful run of the previous stage.
func (d *Dispatcher) payloadFor(ctx context.Context, job jobs.Job, stage jobs.Stage) (Payload, error) {
	p := Payload{CallRecordID: job.CallRecordID}
	prev, ok := stage.Previous()
	if !ok {
		p.AudioURL = job.S3AudioURL
		return p, nil
	}
	tasks, err := d.store.ListTasks(ctx, job.ID)
	if err != nil {
		return Payload{}, err
	}
	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]
		if t.Stage == prev && t.Outcome == jobs.OutcomeSuccess {
			p.InputRef = t.ResultRef
			return p, nil
		}
	}
	return Payload{}, apperr.Conflict(fmt.Sprintf("job %s has no successful %s result to feed %s", job.ID, prev, stage))
}

// Disposition tells what a reported outcome did.
type Disposition string

const (
	DispositionApplied   Disposition = "applied"
	DispositionDuplicate Disposition = "duplicate"
	DispositionStale     Disposition = "stale"
)

// Report is the result of ReportOutcome.
type Report struct {
	Disposition Disposition       `json:"disposition"`
	Task        jobs.ExternalTask `json:"task"`
}

// ReportOutcome records the external system's verdict for a task, referenced by its
// internal or external id. Redelivery for a task that already has an outcome is a
// no-op. Outcomes for superseded tasks, or for tasks that are no longer the job's
// active one, are rejected as stale with a Conflict error.
func (d *Dispatcher) ReportOutcome(ctx context.Context, ref string, outcome jobs.Outcome, resultRef, errText string) (Report, error) {
	if ref == "" {
		return Report{}, apperr.Validation("task id is required")
	}
	if outcome != jobs.OutcomeSuccess && outcome != jobs.OutcomeFailed {
		return Report{}, apperr.Validation(fmt.Sprintf("outcome must be success or failed, got %q", outcome))
	}
	task, err := d.store.FindTask(ctx, ref)
	if err != nil {
		return Report{}, err
	}
	log := logger.From(ctx).With("job_id", task.JobID, "stage", task.Stage, "task_id", task.ID)

	done, applied, err := d.store.CompleteTask(ctx, task.ID, jobs.TaskResult{
		Outcome:   outcome,
		ResultRef: resultRef,
		Error:     errText,
		At:        d.clock().UTC(),
	})
	if err != nil {
		return Report{}, err
	}
	if applied {
		if err := d.limiter.Release(ctx, done.Stage, done.ID); err != nil {
			log.Warn("releasing in-flight slot failed", "err", err)
		}
		log.Info("stage outcome recorded", "outcome", outcome)
		return Report{Disposition: DispositionApplied, Task: done}, nil
	}
	if done.Terminal() {
		log.Info("duplicate stage outcome ignored", "outcome", outcome, "recorded", done.Outcome)
		return Report{Disposition: DispositionDuplicate, Task: done}, nil
	}
	log.Warn("stale stage outcome rejected", "outcome", outcome, "superseded", done.Superseded)
	return Report{Disposition: DispositionStale, Task: done},
		apperr.Conflict(fmt.Sprintf("task %s is no longer the active task of job %s", done.ID, done.JobID))
}
