package jobs

import (
	"context"
	"fmt"
	"time"

	"callpipeline/pkg/apperr"
	"callpipeline/pkg/logger"

	"github.com/google/uuid"
)

// DefaultMaxAttempts bounds retries when no limit is configured.
const DefaultMaxAttempts = 3

// TransitionEvent describes one successful state change.
type TransitionEvent struct {
	Job  Job
	From Status
	To   Status
	At   time.Time
}

// Observer is notified after a transition has been persisted. Observers run inline
// and must not fail the transition.
type Observer interface {
	JobTransitioned(ctx context.Context, ev TransitionEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev TransitionEvent)

func (f ObserverFunc) JobTransitioned(ctx context.Context, ev TransitionEvent) { f(ctx, ev) }

// Service is the job state machine. It is the only writer of job status.
//
//	init -> in_progress -> completed | failure
//	init -> failure            (dispatch-time failure)
//	failure -> init            (explicit retry, bounded)
type Service struct {
	store       Store
	maxAttempts int
	clock       func() time.Time
	newID       func() string
	observers   []Observer
}

func NewService(store Store, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Service{store: store, maxAttempts: maxAttempts, clock: time.Now, newID: uuid.NewString}
}

// Observe registers o for every later transition.
func (s *Service) Observe(o Observer) {
	s.observers = append(s.observers, o)
}

func (s *Service) MaxAttempts() int { return s.maxAttempts }

// CreateJob opens a job for a call record that has audio to process.
func (s *Service) CreateJob(ctx context.Context, callRecordID int64, audioURL string) (Job, error) {
	if callRecordID <= 0 {
		return Job{}, apperr.Validation("call record id is required")
	}
	if audioURL == "" {
		return Job{}, apperr.Validation("audio url is required")
	}
	now := s.clock().UTC()
	job, err := s.store.Create(ctx, Job{
		ID:           s.newID(),
		CallRecordID: callRecordID,
		Status:       StatusInit,
		S3AudioURL:   audioURL,
		AttemptCount: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return Job{}, err
	}
	logger.From(ctx).Info("job created", "job_id", job.ID, "call_id", callRecordID)
	s.notify(ctx, TransitionEvent{Job: job, To: StatusInit, At: now})
	return job, nil
}

func (s *Service) Get(ctx context.Context, id string) (Job, error) {
	return s.store.Get(ctx, id)
}

// ActiveForCall returns the non-terminal job of a call record, if any.
func (s *Service) ActiveForCall(ctx context.Context, callRecordID int64) (Job, bool, error) {
	js, err := s.store.ListForCall(ctx, callRecordID)
	if err != nil {
		return Job{}, false, err
	}
	for _, j := range js {
		if !j.Status.Terminal() {
			return j, true, nil
		}
	}
	return Job{}, false, nil
}

// LatestForCall returns the most recently created job of a call record.
func (s *Service) LatestForCall(ctx context.Context, callRecordID int64) (Job, bool, error) {
	js, err := s.store.ListForCall(ctx, callRecordID)
	if err != nil || len(js) == 0 {
		return Job{}, false, err
	}
	return js[len(js)-1], true, nil
}

func (s *Service) MarkInProgress(ctx context.Context, id string) (Job, error) {
	return s.transition(ctx, id, StatusInProgress, func(cur Job, now time.Time) (Job, error) {
		if cur.Status != StatusInit {
			return Job{}, invalid(cur, StatusInProgress)
		}
		next := cur
		next.StartTime = timePtr(now)
		return next, nil
	})
}

func (s *Service) MarkCompleted(ctx context.Context, id string) (Job, error) {
	return s.transition(ctx, id, StatusCompleted, func(cur Job, now time.Time) (Job, error) {
		if cur.Status != StatusInProgress {
			return Job{}, invalid(cur, StatusCompleted)
		}
		next := cur
		next.EndTime = timePtr(now)
		next.LastError = ""
		return next, nil
	})
}

// MarkFailed records cause as the job's last error. It never schedules a retry.
func (s *Service) MarkFailed(ctx context.Context, id string, cause error) (Job, error) {
	return s.transition(ctx, id, StatusFailure, func(cur Job, now time.Time) (Job, error) {
		if cur.Status != StatusInProgress && cur.Status != StatusInit {
			return Job{}, invalid(cur, StatusFailure)
		}
		next := cur
		next.EndTime = timePtr(now)
		next.LastError = "failed"
		if cause != nil {
			next.LastError = cause.Error()
		}
		return next, nil
	})
}

// Retry moves a failed job back to init for another attempt. Tasks of the previous
// attempt are superseded in the same store write.
func (s *Service) Retry(ctx context.Context, id string) (Job, error) {
	return s.transitionWith(ctx, id, StatusInit, func(cur Job, now time.Time) (Job, error) {
		if cur.Status != StatusFailure {
			return Job{}, invalid(cur, StatusInit)
		}
		if cur.AttemptCount >= s.maxAttempts {
			return Job{}, apperr.RetryExhausted(fmt.Sprintf("job %s used %d of %d attempts", cur.ID, cur.AttemptCount, s.maxAttempts))
		}
		next := cur
		next.AttemptCount = cur.AttemptCount + 1
		next.StartTime = nil
		next.EndTime = nil
		next.LastError = ""
		next.CurrentStage = ""
		next.ActiveTaskID = ""
		return next, nil
	}, s.store.Rearm)
}

// ReassignCall points the jobs of an absorbed call record at the record that
// survived the merge.
func (s *Service) ReassignCall(ctx context.Context, from, to int64) (int, error) {
	if from <= 0 || to <= 0 {
		return 0, apperr.Validation("call record ids are required")
	}
	n, err := s.store.ReassignCall(ctx, from, to)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.From(ctx).Info("jobs reassigned after merge", "from_call_id", from, "to_call_id", to, "count", n)
	}
	return n, nil
}

// ListTasks returns the job's task history in dispatch order.
func (s *Service) ListTasks(ctx context.Context, id string) ([]ExternalTask, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListTasks(ctx, id)
}

// CleanupCompleted deletes completed jobs that ended more than retention ago.
func (s *Service) CleanupCompleted(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, apperr.Validation("retention must be positive")
	}
	n, err := s.store.DeleteCompletedBefore(ctx, s.clock().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.From(ctx).Info("completed jobs cleaned up", "count", n)
	}
	return n, nil
}

type decideFunc func(cur Job, now time.Time) (Job, error)

type swapFunc func(ctx context.Context, cur, next Job) (Job, error)

func (s *Service) transition(ctx context.Context, id string, to Status, decide decideFunc) (Job, error) {
	return s.transitionWith(ctx, id, to, decide, s.store.CompareAndSwap)
}

func (s *Service) transitionWith(ctx context.Context, id string, to Status, decide decideFunc, swap swapFunc) (Job, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	now := s.clock().UTC()
	next, err := decide(cur, now)
	if err != nil {
		return Job{}, err
	}
	next.Status = to
	next.UpdatedAt = now

	saved, err := swap(ctx, cur, next)
	if err != nil {
		return Job{}, err
	}
	logger.From(ctx).Info("job transitioned",
		"job_id", saved.ID,
		"call_id", saved.CallRecordID,
		"from", cur.Status,
		"to", saved.Status,
		"attempt", saved.AttemptCount,
	)
	s.notify(ctx, TransitionEvent{Job: saved, From: cur.Status, To: saved.Status, At: now})
	return saved, nil
}

func (s *Service) notify(ctx context.Context, ev TransitionEvent) {
	for _, o := range s.observers {
		o.JobTransitioned(ctx, ev)
	}
}

func invalid(cur Job, to Status) error {
	return apperr.InvalidTransition(fmt.Sprintf("job %s cannot move from %s to %s", cur.ID, cur.Status, to))
}
