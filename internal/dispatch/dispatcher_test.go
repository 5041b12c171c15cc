package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"callpipeline/internal/jobs"
	"callpipeline/pkg/apperr"
)

type stubTasks struct {
	mu       sync.Mutex
	failures int // launches to reject before succeeding
	err      error
	requests []LaunchRequest
}

func (s *stubTasks) Launch(_ context.Context, req LaunchRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.failures > 0 {
		s.failures--
		if s.err != nil {
			return "", s.err
		}
		return "", &LaunchError{StatusCode: http.StatusServiceUnavailable, Body: "no capacity"}
	}
	return fmt.Sprintf("ext-%d", len(s.requests)), nil
}

func (s *stubTasks) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type fixture struct {
	store *jobs.MemoryStore
	jobs  *jobs.Service
	tasks *stubTasks
	d     *Dispatcher
}

func newFixture(maxRetries int) *fixture {
	store := jobs.NewMemoryStore()
	svc := jobs.NewService(store, 3)
	tasks := &stubTasks{}
	d := New(store, svc, tasks, nil, Config{MaxRetries: maxRetries, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond})
	return &fixture{store: store, jobs: svc, tasks: tasks, d: d}
}

func (f *fixture) startedJob(t *testing.T) jobs.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.jobs.CreateJob(ctx, 42, "s3://audio/42.mp3")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	job, err = f.jobs.MarkInProgress(ctx, job.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return job
}

func TestDispatch_RecordsHandleAndPayload(t *testing.T) {
	f := newFixture(3)
	ctx := context.Background()
	job := f.startedJob(t)

	task, err := f.d.Dispatch(ctx, job, jobs.StageDiarization)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if task.ExternalTaskID != "ext-1" || task.Outcome != jobs.OutcomePending {
		t.Fatalf("unexpected task: %+v", task)
	}
	req := f.tasks.requests[0]
	if req.Payload.AudioURL != "s3://audio/42.mp3" || req.TaskID != task.ID || req.Stage != jobs.StageDiarization {
		t.Fatalf("unexpected launch request: %+v", req)
	}
	got, _ := f.jobs.Get(ctx, job.ID)
	if got.ActiveTaskID != task.ID || got.CurrentStage != jobs.StageDiarization {
		t.Fatalf("job should point at the new task: %+v", got)
	}
}

func TestDispatch_PendingStageConflicts(t *testing.T) {
	f := newFixture(3)
	ctx := context.Background()
	job := f.startedJob(t)

	if _, err := f.d.Dispatch(ctx, job, jobs.StageDiarization); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := f.d.Dispatch(ctx, job, jobs.StageDiarization); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if f.tasks.calls() != 1 {
		t.Fatalf("second dispatch must not launch, got %d launches", f.tasks.calls())
	}
}

func TestDispatch_RequiresInProgress(t *testing.T) {
	f := newFixture(3)
	job, _ := f.jobs.CreateJob(context.Background(), 1, "s3://a")
	if _, err := f.d.Dispatch(context.Background(), job, jobs.StageDiarization); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestDispatch_RetriesTransientFailures(t *testing.T) {
	f := newFixture(3)
	f.tasks.failures = 2
	job := f.startedJob(t)

	task, err := f.d.Dispatch(context.Background(), job, jobs.StageDiarization)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if f.tasks.calls() != 3 || task.ExternalTaskID != "ext-3" {
		t.Fatalf("expected success on third launch, got %d calls task=%+v", f.tasks.calls(), task)
	}
}

func TestDispatch_ExhaustedRetriesFailJob(t *testing.T) {
	f := newFixture(2)
	f.tasks.failures = 10
	ctx := context.Background()
	job := f.startedJob(t)

	_, err := f.d.Dispatch(ctx, job, jobs.StageDiarization)
	if !apperr.Is(err, apperr.KindDispatch) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	if f.tasks.calls() != 3 {
		t.Fatalf("expected 1 launch + 2 retries, got %d", f.tasks.calls())
	}
	got, _ := f.jobs.Get(ctx, job.ID)
	if got.Status != jobs.StatusFailure || got.LastError == "" {
		t.Fatalf("job should be failed with last error, got %+v", got)
	}
	tasks, _ := f.store.ListTasks(ctx, job.ID)
	if len(tasks) != 1 || tasks[0].Outcome != jobs.OutcomeFailed {
		t.Fatalf("reserved task should be failed, got %+v", tasks)
	}
}

func TestDispatch_PermanentRejectionStopsEarly(t *testing.T) {
	f := newFixture(5)
	f.tasks.failures = 10
	f.tasks.err = &LaunchError{StatusCode: http.StatusBadRequest, Body: "bad payload"}
	job := f.startedJob(t)

	if _, err := f.d.Dispatch(context.Background(), job, jobs.StageDiarization); !apperr.Is(err, apperr.KindDispatch) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	if f.tasks.calls() != 1 {
		t.Fatalf("permanent rejection must not be retried, got %d launches", f.tasks.calls())
	}
}

func TestDispatch_LaterStageUsesPreviousResult(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	job := f.startedJob(t)

	if _, err := f.d.Dispatch(ctx, job, jobs.StageTranscription); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("transcription without diarization result must conflict, got %v", err)
	}

	diar, _ := f.d.Dispatch(ctx, job, jobs.StageDiarization)
	if _, err := f.d.ReportOutcome(ctx, diar.ExternalTaskID, jobs.OutcomeSuccess, "s3://diar/42.json", ""); err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := f.d.Dispatch(ctx, job, jobs.StageTranscription); err != nil {
		t.Fatalf("dispatch transcription: %v", err)
	}
	last := f.tasks.requests[len(f.tasks.requests)-1]
	if last.Payload.InputRef != "s3://diar/42.json" || last.Payload.AudioURL != "" {
		t.Fatalf("unexpected payload: %+v", last.Payload)
	}
}

func TestReportOutcome_Dispositions(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	job := f.startedJob(t)
	task, _ := f.d.Dispatch(ctx, job, jobs.StageDiarization)

	rep, err := f.d.ReportOutcome(ctx, task.ExternalTaskID, jobs.OutcomeSuccess, "s3://diar/1.json", "")
	if err != nil || rep.Disposition != DispositionApplied {
		t.Fatalf("expected applied, got %+v err=%v", rep, err)
	}

	// Redelivery by internal id, even with a different verdict, is a no-op.
	rep, err = f.d.ReportOutcome(ctx, task.ID, jobs.OutcomeFailed, "", "late")
	if err != nil || rep.Disposition != DispositionDuplicate || rep.Task.Outcome != jobs.OutcomeSuccess {
		t.Fatalf("expected duplicate no-op, got %+v err=%v", rep, err)
	}

	if _, err := f.d.ReportOutcome(ctx, "nope", jobs.OutcomeSuccess, "", ""); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.d.ReportOutcome(ctx, task.ID, "done", "", ""); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReportOutcome_StaleAfterJobFailed(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	job := f.startedJob(t)
	task, _ := f.d.Dispatch(ctx, job, jobs.StageDiarization)

	if _, err := f.jobs.MarkFailed(ctx, job.ID, errors.New("operator abort")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	rep, err := f.d.ReportOutcome(ctx, task.ExternalTaskID, jobs.OutcomeSuccess, "s3://x", "")
	if !apperr.Is(err, apperr.KindConflict) || rep.Disposition != DispositionStale {
		t.Fatalf("expected stale conflict, got %+v err=%v", rep, err)
	}
}

type countingLimiter struct {
	mu       sync.Mutex
	limit    int
	inflight map[string]bool
	denied   int
}

func (l *countingLimiter) Acquire(_ context.Context, _ jobs.Stage, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight[id] {
		return true, nil
	}
	if len(l.inflight) >= l.limit {
		l.denied++
		return false, nil
	}
	l.inflight[id] = true
	return true, nil
}

func (l *countingLimiter) Release(_ context.Context, _ jobs.Stage, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, id)
	return nil
}

func TestDispatch_CapacityLimitRetriesThenFails(t *testing.T) {
	store := jobs.NewMemoryStore()
	svc := jobs.NewService(store, 3)
	tasks := &stubTasks{}
	lim := &countingLimiter{limit: 1, inflight: map[string]bool{}}
	d := New(store, svc, tasks, lim, Config{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})
	ctx := context.Background()

	start := func(callID int64) jobs.Job {
		j, _ := svc.CreateJob(ctx, callID, "s3://a")
		j, _ = svc.MarkInProgress(ctx, j.ID)
		return j
	}
	first, err := d.Dispatch(ctx, start(1), jobs.StageDiarization)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if _, err := d.Dispatch(ctx, start(2), jobs.StageDiarization); !apperr.Is(err, apperr.KindDispatch) {
		t.Fatalf("expected dispatch error while cap is full, got %v", err)
	}
	if lim.denied != 3 || tasks.calls() != 1 {
		t.Fatalf("expected 3 denied acquisitions and 1 launch, got %d/%d", lim.denied, tasks.calls())
	}

	if _, err := d.ReportOutcome(ctx, first.ID, jobs.OutcomeSuccess, "s3://r", ""); err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := d.Dispatch(ctx, start(3), jobs.StageDiarization); err != nil {
		t.Fatalf("slot should be free after outcome: %v", err)
	}
}
