package audit

import (
	"context"
	"encoding/json"
	"strconv"

	"callpipeline/internal/calls"
	"callpipeline/internal/jobs"
	"callpipeline/pkg/logger"
)

// JobObserver appends a job_transition event for every persisted transition.
// Failures are logged and dropped.
type JobObserver struct {
	svc *Service
}

func NewJobObserver(svc *Service) *JobObserver { return &JobObserver{svc: svc} }

func (o *JobObserver) JobTransitioned(ctx context.Context, ev jobs.TransitionEvent) {
	msg := ""
	if ev.To == jobs.StatusFailure {
		msg = ev.Job.LastError
	}
	if err := o.svc.LogTransition(ctx, ev.Job.ID, ev.Job.CallRecordID, string(ev.From), string(ev.To), msg, ev.At); err != nil {
		logger.From(ctx).Warn("audit append failed", "job_id", ev.Job.ID, "err", err)
	}
}

var _ jobs.Observer = (*JobObserver)(nil)

// MergeObserver appends a call_merged event for every pair merge.
type MergeObserver struct {
	svc *Service
}

func NewMergeObserver(svc *Service) *MergeObserver { return &MergeObserver{svc: svc} }

func (o *MergeObserver) CallsMerged(ctx context.Context, survivor calls.CallRecord, absorbedID int64) {
	meta, _ := json.Marshal(map[string]string{
		"telephony_call_id": survivor.TelephonyCallID,
		"mobile_call_id":    survivor.MobileCallID,
	})
	if err := o.svc.LogCallMerged(ctx, survivor.ID, absorbedID, string(meta)); err != nil {
		logger.From(ctx).Warn("audit append failed", "call_id", survivor.ID, "err", err)
	}
}

var _ calls.MergeObserver = (*MergeObserver)(nil)

func formatID(id int64) string { return strconv.FormatInt(id, 10) }
