package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"callpipeline/pkg/apperr"
)

// MemoryStore is an in-process Store for tests and single-instance runs.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]Job
	tasks map[string]ExternalTask
	order []string // task ids in reservation order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]Job{}, tasks: map[string]ExternalTask{}}
}

func (s *MemoryStore) Create(_ context.Context, job Job) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return Job{}, apperr.Conflict("job id already exists")
	}
	for _, j := range s.jobs {
		if j.CallRecordID == job.CallRecordID && !j.Status.Terminal() {
			return Job{}, apperr.Conflict("call record already has an active job")
		}
	}
	s.jobs[job.ID] = job
	return job, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, apperr.NotFound("job not found")
	}
	return j, nil
}

func (s *MemoryStore) ListForCall(_ context.Context, callRecordID int64) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if j.CallRecordID == callRecordID {
			out = append(out, j)
		}
	}
	sortJobs(out)
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, from, to time.Time) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if !from.IsZero() && j.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !j.CreatedAt.Before(to) {
			continue
		}
		out = append(out, j)
	}
	sortJobs(out)
	return out, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, cur, next Job) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.swapLocked(cur, next)
	if err != nil {
		return Job{}, err
	}
	prev := s.jobs[cur.ID]
	out.CurrentStage = prev.CurrentStage
	out.ActiveTaskID = prev.ActiveTaskID
	s.jobs[out.ID] = out
	return out, nil
}

func (s *MemoryStore) Rearm(_ context.Context, cur, next Job) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.swapLocked(cur, next)
	if err != nil {
		return Job{}, err
	}
	out.CurrentStage = ""
	out.ActiveTaskID = ""
	s.jobs[out.ID] = out
	for id, t := range s.tasks {
		if t.JobID == out.ID && !t.Superseded {
			t.Superseded = true
			s.tasks[id] = t
		}
	}
	return out, nil
}

// swapLocked checks cur against the stored job and returns next with its identity
// fields taken from the store.
func (s *MemoryStore) swapLocked(cur, next Job) (Job, error) {
	stored, ok := s.jobs[cur.ID]
	if !ok {
		return Job{}, apperr.NotFound("job not found")
	}
	if stored.Status != cur.Status || stored.AttemptCount != cur.AttemptCount {
		return Job{}, apperr.InvalidTransition("job changed concurrently: now " + string(stored.Status))
	}
	next.ID = stored.ID
	next.CallRecordID = stored.CallRecordID
	next.CreatedAt = stored.CreatedAt
	return next, nil
}

func (s *MemoryStore) ReassignCall(_ context.Context, from, to int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from == to {
		return 0, nil
	}
	targetActive := false
	for _, j := range s.jobs {
		if j.CallRecordID == to && !j.Status.Terminal() {
			targetActive = true
		}
	}
	n := 0
	for id, j := range s.jobs {
		if j.CallRecordID != from || (targetActive && !j.Status.Terminal()) {
			continue
		}
		j.CallRecordID = to
		s.jobs[id] = j
		n++
	}
	return n, nil
}

func (s *MemoryStore) DeleteCompletedBefore(_ context.Context, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status != StatusCompleted || j.EndTime == nil || !j.EndTime.Before(t) {
			continue
		}
		delete(s.jobs, id)
		for tid, task := range s.tasks {
			if task.JobID == id {
				delete(s.tasks, tid)
			}
		}
		n++
	}
	kept := s.order[:0]
	for _, tid := range s.order {
		if _, ok := s.tasks[tid]; ok {
			kept = append(kept, tid)
		}
	}
	s.order = kept
	return n, nil
}

func (s *MemoryStore) ReserveTask(_ context.Context, task ExternalTask) (ExternalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[task.JobID]
	if !ok {
		return ExternalTask{}, apperr.NotFound("job not found")
	}
	if job.Status != StatusInProgress || job.AttemptCount != task.Attempt {
		return ExternalTask{}, apperr.InvalidTransition("job is not in progress on this attempt")
	}
	for id, t := range s.tasks {
		if t.JobID != task.JobID || t.Stage != task.Stage || t.Superseded {
			continue
		}
		switch t.Outcome {
		case OutcomePending:
			return ExternalTask{}, apperr.Conflict("a task is already pending for this stage")
		case OutcomeFailed:
			t.Superseded = true
			s.tasks[id] = t
		}
	}
	task.Outcome = OutcomePending
	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)

	job.CurrentStage = task.Stage
	job.ActiveTaskID = task.ID
	job.UpdatedAt = task.DispatchedAt
	s.jobs[job.ID] = job
	return task, nil
}

func (s *MemoryStore) AttachExternalID(_ context.Context, taskID, externalID string) (ExternalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ExternalTask{}, apperr.NotFound("task not found")
	}
	for id, other := range s.tasks {
		if id != taskID && other.ExternalTaskID == externalID {
			return ExternalTask{}, apperr.Conflict("external task id already recorded")
		}
	}
	t.ExternalTaskID = externalID
	s.tasks[taskID] = t
	return t, nil
}

func (s *MemoryStore) FindTask(_ context.Context, ref string) (ExternalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[ref]; ok {
		return t, nil
	}
	for _, t := range s.tasks {
		if ref != "" && t.ExternalTaskID == ref {
			return t, nil
		}
	}
	return ExternalTask{}, apperr.NotFound("task not found")
}

func (s *MemoryStore) CompleteTask(_ context.Context, taskID string, res TaskResult) (ExternalTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ExternalTask{}, false, apperr.NotFound("task not found")
	}
	job := s.jobs[t.JobID]
	if t.Outcome != OutcomePending || t.Superseded || job.Status != StatusInProgress || job.ActiveTaskID != t.ID {
		return t, false, nil
	}
	t.Outcome = res.Outcome
	t.ResultRef = res.ResultRef
	t.Error = res.Error
	t.CompletedAt = timePtr(res.At)
	s.tasks[taskID] = t
	return t, true, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, jobID string) ([]ExternalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ExternalTask
	for _, id := range s.order {
		if t := s.tasks[id]; t.JobID == jobID {
			out = append(out, t)
		}
	}
	return out, nil
}

func sortJobs(js []Job) {
	sort.Slice(js, func(i, j int) bool {
		if !js[i].CreatedAt.Equal(js[j].CreatedAt) {
			return js[i].CreatedAt.Before(js[j].CreatedAt)
		}
		return js[i].ID < js[j].ID
	})
}
