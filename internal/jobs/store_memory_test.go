package jobs

import (
	"context"
	"testing"
	"time"

	"callpipeline/pkg/apperr"
)

func inProgressJob(t *testing.T, store *MemoryStore) Job {
	t.Helper()
	now := time.Now().UTC()
	job := Job{ID: "job-1", CallRecordID: 9, Status: StatusInProgress, S3AudioURL: "s3://a", AttemptCount: 1, CreatedAt: now, UpdatedAt: now}
	if _, err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}
	return job
}

func TestReserveTask_OnePendingPerStage(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	job := inProgressJob(t, store)

	if _, err := store.ReserveTask(ctx, ExternalTask{ID: "t1", JobID: job.ID, Stage: StageDiarization, Attempt: 1}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := store.ReserveTask(ctx, ExternalTask{ID: "t2", JobID: job.ID, Stage: StageDiarization, Attempt: 1}); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ := store.Get(ctx, job.ID)
	if got.ActiveTaskID != "t1" || got.CurrentStage != StageDiarization {
		t.Fatalf("job should point at t1, got %+v", got)
	}
}

func TestReserveTask_SupersedesFailedAttempt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	job := inProgressJob(t, store)

	_, _ = store.ReserveTask(ctx, ExternalTask{ID: "t1", JobID: job.ID, Stage: StageDiarization, Attempt: 1})
	if _, applied, err := store.CompleteTask(ctx, "t1", TaskResult{Outcome: OutcomeFailed, Error: "oom", At: time.Now()}); err != nil || !applied {
		t.Fatalf("complete: applied=%v err=%v", applied, err)
	}
	if _, err := store.ReserveTask(ctx, ExternalTask{ID: "t2", JobID: job.ID, Stage: StageDiarization, Attempt: 1}); err != nil {
		t.Fatalf("reserve after failure: %v", err)
	}
	old, _ := store.FindTask(ctx, "t1")
	if !old.Superseded {
		t.Fatalf("failed task should be superseded by the new dispatch")
	}
}

func TestReserveTask_RequiresInProgress(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	_, _ = store.Create(ctx, Job{ID: "job-1", CallRecordID: 1, Status: StatusInit, AttemptCount: 1, CreatedAt: now})
	if _, err := store.ReserveTask(ctx, ExternalTask{ID: "t1", JobID: "job-1", Stage: StageDiarization, Attempt: 1}); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCompleteTask_OnlyActivePending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	job := inProgressJob(t, store)
	_, _ = store.ReserveTask(ctx, ExternalTask{ID: "t1", JobID: job.ID, Stage: StageDiarization, Attempt: 1})
	_, _ = store.AttachExternalID(ctx, "t1", "ext-1")

	byExt, err := store.FindTask(ctx, "ext-1")
	if err != nil || byExt.ID != "t1" {
		t.Fatalf("find by external id: %+v err=%v", byExt, err)
	}

	res := TaskResult{Outcome: OutcomeSuccess, ResultRef: "s3://diar/1.json", At: time.Now()}
	if _, applied, _ := store.CompleteTask(ctx, "t1", res); !applied {
		t.Fatalf("expected first completion applied")
	}
	if task, applied, _ := store.CompleteTask(ctx, "t1", res); applied || task.Outcome != OutcomeSuccess {
		t.Fatalf("second completion must not apply, got %+v", task)
	}
}

func TestAttachExternalID_Unique(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	job := inProgressJob(t, store)
	_, _ = store.ReserveTask(ctx, ExternalTask{ID: "t1", JobID: job.ID, Stage: StageDiarization, Attempt: 1})
	_, _ = store.ReserveTask(ctx, ExternalTask{ID: "t2", JobID: job.ID, Stage: StageTranscription, Attempt: 1})
	_, _ = store.AttachExternalID(ctx, "t1", "ext-1")
	if _, err := store.AttachExternalID(ctx, "t2", "ext-1"); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCompareAndSwap_KeepsStagePointer(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	job := inProgressJob(t, store)

	// job was read before the reservation, so its pointer fields are empty.
	if _, err := store.ReserveTask(ctx, ExternalTask{ID: "t1", JobID: job.ID, Stage: StageDiarization, Attempt: 1}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	next := job
	next.Status = StatusFailure
	next.LastError = "boom"
	saved, err := store.CompareAndSwap(ctx, job, next)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if saved.ActiveTaskID != "t1" || saved.CurrentStage != StageDiarization {
		t.Fatalf("swap must not roll back the stage pointer, got %+v", saved)
	}
	got, _ := store.Get(ctx, job.ID)
	if got.ActiveTaskID != "t1" || got.Status != StatusFailure {
		t.Fatalf("unexpected stored job: %+v", got)
	}
}

func TestRearm_ClearsPointerAndSupersedesTogether(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	job := inProgressJob(t, store)
	if _, err := store.ReserveTask(ctx, ExternalTask{ID: "t1", JobID: job.ID, Stage: StageDiarization, Attempt: 1}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	failed := job
	failed.Status = StatusFailure
	failed, err := store.CompareAndSwap(ctx, job, failed)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}

	// A guard mismatch changes nothing, tasks included.
	stale := failed
	stale.AttemptCount = 5
	rearmed := failed
	rearmed.Status = StatusInit
	rearmed.AttemptCount = 2
	if _, err := store.Rearm(ctx, stale, rearmed); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if task, _ := store.FindTask(ctx, "t1"); task.Superseded {
		t.Fatalf("a rejected rearm must not supersede tasks")
	}

	out, err := store.Rearm(ctx, failed, rearmed)
	if err != nil {
		t.Fatalf("rearm: %v", err)
	}
	if out.Status != StatusInit || out.AttemptCount != 2 || out.ActiveTaskID != "" || out.CurrentStage != "" {
		t.Fatalf("unexpected rearmed job: %+v", out)
	}
	if task, _ := store.FindTask(ctx, "t1"); !task.Superseded {
		t.Fatalf("expected t1 superseded")
	}
}

func TestReassignCall(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	mk := func(id string, call int64, st Status) {
		t.Helper()
		if _, err := store.Create(ctx, Job{ID: id, CallRecordID: call, Status: st, S3AudioURL: "s3://a", AttemptCount: 1, CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	mk("old", 2, StatusCompleted)
	mk("live", 2, StatusInProgress)
	mk("other", 3, StatusInit)

	n, err := store.ReassignCall(ctx, 2, 1)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 jobs moved, got %d %v", n, err)
	}
	if js, _ := store.ListForCall(ctx, 1); len(js) != 2 {
		t.Fatalf("expected both jobs on call 1, got %d", len(js))
	}

	// Call 1 now has an active job, so the active job of call 3 stays behind.
	n, err = store.ReassignCall(ctx, 3, 1)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing moved, got %d %v", n, err)
	}
	if got, _ := store.Get(ctx, "other"); got.CallRecordID != 3 {
		t.Fatalf("active job must stay on its record, got %d", got.CallRecordID)
	}
}
