package reporting

import (
	"context"
	"time"

	"callpipeline/internal/calls"
	"callpipeline/internal/jobs"
)

// CallLister is satisfied by calls.Store.
type CallLister interface {
	List(ctx context.Context, from, to time.Time) ([]calls.CallRecord, error)
}

// JobLister is satisfied by jobs.Store.
type JobLister interface {
	List(ctx context.Context, from, to time.Time) ([]jobs.Job, error)
}

// StoreRepo reads reporting inputs straight from the call and job stores.
type StoreRepo struct {
	calls CallLister
	jobs  JobLister
}

func NewStoreRepo(c CallLister, j JobLister) *StoreRepo { return &StoreRepo{calls: c, jobs: j} }

func (r *StoreRepo) ListCalls(ctx context.Context, from, to time.Time) ([]calls.CallRecord, error) {
	return r.calls.List(ctx, from, to)
}

func (r *StoreRepo) ListJobs(ctx context.Context, from, to time.Time) ([]jobs.Job, error) {
	return r.jobs.List(ctx, from, to)
}
