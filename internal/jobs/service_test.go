package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"callpipeline/pkg/apperr"
)

func newTestService(max int) (*Service, *MemoryStore) {
	store := NewMemoryStore()
	svc := NewService(store, max)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return now }
	var seq int64
	svc.newID = func() string { return fmt.Sprintf("job-%d", atomic.AddInt64(&seq, 1)) }
	return svc, store
}

func TestCreateJob_ConflictWhileActive(t *testing.T) {
	svc, _ := newTestService(3)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, 1, "s3://audio/1.mp3")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != StatusInit || job.AttemptCount != 1 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if _, err := svc.CreateJob(ctx, 1, "s3://audio/1.mp3"); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// A terminal job no longer blocks a new one.
	if _, err := svc.MarkFailed(ctx, job.ID, errors.New("boom")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := svc.CreateJob(ctx, 1, "s3://audio/1.mp3"); err != nil {
		t.Fatalf("expected new job after terminal, got %v", err)
	}
}

func TestCreateJob_Validation(t *testing.T) {
	svc, _ := newTestService(3)
	if _, err := svc.CreateJob(context.Background(), 1, ""); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTransitions_HappyPath(t *testing.T) {
	svc, _ := newTestService(3)
	ctx := context.Background()
	job, _ := svc.CreateJob(ctx, 1, "s3://audio/1.mp3")

	if _, err := svc.MarkCompleted(ctx, job.ID); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Fatalf("completed from init must be invalid, got %v", err)
	}

	started, err := svc.MarkInProgress(ctx, job.ID)
	if err != nil {
		t.Fatalf("in progress: %v", err)
	}
	if started.StartTime == nil {
		t.Fatalf("expected start time")
	}
	done, err := svc.MarkCompleted(ctx, job.ID)
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if done.Status != StatusCompleted || done.EndTime == nil {
		t.Fatalf("unexpected job: %+v", done)
	}
	if _, err := svc.MarkFailed(ctx, job.ID, errors.New("late")); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Fatalf("failure from completed must be invalid, got %v", err)
	}
	if _, err := svc.Retry(ctx, job.ID); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Fatalf("retry from completed must be invalid, got %v", err)
	}
}

func TestMarkInProgress_ConcurrentExactlyOneWins(t *testing.T) {
	for run := 0; run < 50; run++ {
		svc, _ := newTestService(3)
		ctx := context.Background()
		job, _ := svc.CreateJob(ctx, 1, "s3://audio/1.mp3")

		var (
			wg      sync.WaitGroup
			wins    int32
			invalid int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.MarkInProgress(ctx, job.ID)
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
				case apperr.Is(err, apperr.KindInvalidTransition):
					atomic.AddInt32(&invalid, 1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		if wins != 1 || invalid != 7 {
			t.Fatalf("run %d: expected 1 winner and 7 invalid, got %d/%d", run, wins, invalid)
		}
		got, _ := svc.Get(ctx, job.ID)
		if got.Status != StatusInProgress {
			t.Fatalf("expected in_progress, got %s", got.Status)
		}
	}
}

func TestRetry_BoundedByMaxAttempts(t *testing.T) {
	svc, _ := newTestService(2)
	ctx := context.Background()
	job, _ := svc.CreateJob(ctx, 1, "s3://audio/1.mp3")

	_, _ = svc.MarkInProgress(ctx, job.ID)
	failed, err := svc.MarkFailed(ctx, job.ID, errors.New("diarization crashed"))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.LastError != "diarization crashed" {
		t.Fatalf("expected last error, got %q", failed.LastError)
	}

	retried, err := svc.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != StatusInit || retried.AttemptCount != 2 || retried.LastError != "" || retried.EndTime != nil {
		t.Fatalf("unexpected retried job: %+v", retried)
	}

	_, _ = svc.MarkInProgress(ctx, job.ID)
	before, _ := svc.MarkFailed(ctx, job.ID, errors.New("again"))

	if _, err := svc.Retry(ctx, job.ID); !apperr.Is(err, apperr.KindRetryExhausted) {
		t.Fatalf("expected retry exhausted, got %v", err)
	}
	after, _ := svc.Get(ctx, job.ID)
	if after.Status != before.Status || after.AttemptCount != before.AttemptCount || after.LastError != before.LastError {
		t.Fatalf("exhausted retry must not change the job: before=%+v after=%+v", before, after)
	}
}

func TestMarkFailed_FromInit(t *testing.T) {
	svc, _ := newTestService(3)
	ctx := context.Background()
	job, _ := svc.CreateJob(ctx, 1, "s3://audio/1.mp3")
	got, err := svc.MarkFailed(ctx, job.ID, apperr.Dispatch("launch failed", errors.New("capacity")))
	if err != nil {
		t.Fatalf("fail from init: %v", err)
	}
	if got.Status != StatusFailure {
		t.Fatalf("expected failure, got %s", got.Status)
	}
}

func TestRetry_SupersedesTasks(t *testing.T) {
	svc, store := newTestService(3)
	ctx := context.Background()
	job, _ := svc.CreateJob(ctx, 1, "s3://audio/1.mp3")
	job, _ = svc.MarkInProgress(ctx, job.ID)

	task, err := store.ReserveTask(ctx, ExternalTask{ID: "task-1", JobID: job.ID, Stage: StageDiarization, Attempt: 1, DispatchedAt: time.Now()})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := svc.MarkFailed(ctx, job.ID, errors.New("operator abort")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := svc.Retry(ctx, job.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ := store.FindTask(ctx, task.ID)
	if !got.Superseded {
		t.Fatalf("expected task superseded after retry")
	}
	rearmed, _ := svc.Get(ctx, job.ID)
	if rearmed.ActiveTaskID != "" || rearmed.CurrentStage != "" || rearmed.AttemptCount != 2 {
		t.Fatalf("expected cleared stage pointer on attempt 2, got %+v", rearmed)
	}

	// The old pending task no longer blocks a fresh dispatch of the stage.
	_, _ = svc.MarkInProgress(ctx, job.ID)
	if _, err := store.ReserveTask(ctx, ExternalTask{ID: "task-2", JobID: job.ID, Stage: StageDiarization, Attempt: 2, DispatchedAt: time.Now()}); err != nil {
		t.Fatalf("reserve after retry: %v", err)
	}
}

func TestObserversSeeTransitions(t *testing.T) {
	svc, _ := newTestService(3)
	ctx := context.Background()
	var seen []Status
	svc.Observe(ObserverFunc(func(_ context.Context, ev TransitionEvent) {
		seen = append(seen, ev.To)
	}))
	job, _ := svc.CreateJob(ctx, 1, "s3://audio/1.mp3")
	_, _ = svc.MarkInProgress(ctx, job.ID)
	_, _ = svc.MarkCompleted(ctx, job.ID)

	want := []Status{StatusInit, StatusInProgress, StatusCompleted}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestCleanupCompleted(t *testing.T) {
	svc, _ := newTestService(3)
	ctx := context.Background()
	job, _ := svc.CreateJob(ctx, 1, "s3://audio/1.mp3")
	_, _ = svc.MarkInProgress(ctx, job.ID)
	_, _ = svc.MarkCompleted(ctx, job.ID)
	other, _ := svc.CreateJob(ctx, 2, "s3://audio/2.mp3")

	later := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return later }

	n, err := svc.CleanupCompleted(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected one job removed, got %d err=%v", n, err)
	}
	if _, err := svc.Get(ctx, job.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("completed job should be gone, got %v", err)
	}
	if _, err := svc.Get(ctx, other.ID); err != nil {
		t.Fatalf("active job must survive cleanup: %v", err)
	}
}

func TestStageOrder(t *testing.T) {
	next, ok := StageDiarization.Next()
	if !ok || next != StageTranscription {
		t.Fatalf("diarization -> %s", next)
	}
	next, ok = StageTranscription.Next()
	if !ok || next != StageAnalysis {
		t.Fatalf("transcription -> %s", next)
	}
	if _, ok := StageAnalysis.Next(); ok {
		t.Fatalf("analysis is the last stage")
	}
	if prev, ok := StageAnalysis.Previous(); !ok || prev != StageTranscription {
		t.Fatalf("analysis previous -> %s", prev)
	}
	if Stage("mixing").Valid() {
		t.Fatalf("unknown stage must be invalid")
	}
}

func TestReassignCall_Validation(t *testing.T) {
	svc, _ := newTestService(3)
	if _, err := svc.ReassignCall(context.Background(), 0, 1); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
