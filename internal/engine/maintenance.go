package engine

import (
	"context"
	"time"

	"callpipeline/internal/calls"
	"callpipeline/internal/reporting"
	"callpipeline/pkg/apperr"
)

func (e *Engine) SettleUnmatched(ctx context.Context) (int, error) {
	return e.calls.SettleUnmatched(ctx)
}

// MergeDuplicates sweeps provisional counterpart pairs stored as separate rows.
func (e *Engine) MergeDuplicates(ctx context.Context) (int, error) {
	return e.calls.MergeDuplicates(ctx, e.cfg.MergeBatch)
}

// MergeRecords merges one specific pair of records.
func (e *Engine) MergeRecords(ctx context.Context, aID, bID int64) (calls.CallRecord, error) {
	if aID <= 0 || bID <= 0 || aID == bID {
		return calls.CallRecord{}, apperr.Validation("two distinct call record ids are required")
	}
	return e.calls.MergeRecords(ctx, aID, bID)
}

func (e *Engine) CleanupCompletedJobs(ctx context.Context) (int, error) {
	return e.jobs.CleanupCompleted(ctx, e.cfg.JobRetention)
}

func (e *Engine) ListUnmatched(ctx context.Context, olderThan time.Duration, limit int) ([]calls.CallRecord, error) {
	return e.calls.ListUnmatched(ctx, olderThan, limit)
}

func (e *Engine) GetCallRecord(ctx context.Context, id int64) (calls.CallRecord, error) {
	return e.calls.Get(ctx, id)
}

func (e *Engine) CallStatistics(ctx context.Context, req reporting.CallsSummaryRequest) (reporting.CallsSummary, error) {
	return e.reports.CallsSummary(ctx, req)
}

func (e *Engine) JobStatistics(ctx context.Context, req reporting.JobsSummaryRequest) (reporting.JobsSummary, error) {
	return e.reports.JobsSummary(ctx, req)
}
