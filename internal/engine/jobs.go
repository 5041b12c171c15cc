package engine

import (
	"context"
	"strings"

	"callpipeline/internal/dispatch"
	"callpipeline/internal/jobs"
	"callpipeline/internal/pipeline"
	"callpipeline/pkg/apperr"
	"callpipeline/pkg/logger"
)

// RecordingReady announces audio for either an existing job or a call record.
type RecordingReady struct {
	JobID        string `json:"job_id"`
	CallRecordID int64  `json:"call_record_id"`
	AudioURL     string `json:"audio_url"`
}

// IngestRecordingReady starts processing. By job id it starts an init job. By call
// record id it attaches the recording and opens a job unless the record has one.
func (e *Engine) IngestRecordingReady(ctx context.Context, req RecordingReady) (jobs.StatusView, error) {
	req.JobID = strings.TrimSpace(req.JobID)
	switch {
	case req.JobID != "" && req.CallRecordID != 0:
		return jobs.StatusView{}, apperr.Validation("set either job_id or call_record_id, not both")
	case req.JobID != "":
		return e.startExisting(ctx, req.JobID)
	case req.CallRecordID > 0:
		return e.startForCall(ctx, req.CallRecordID, strings.TrimSpace(req.AudioURL))
	default:
		return jobs.StatusView{}, apperr.Validation("job_id or call_record_id is required")
	}
}

func (e *Engine) startExisting(ctx context.Context, jobID string) (jobs.StatusView, error) {
	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return jobs.StatusView{}, err
	}
	if job.Status != jobs.StatusInit {
		return job.View(), apperr.Conflict("job has already been started")
	}
	job, err = e.start(ctx, job)
	if err != nil {
		return jobs.StatusView{}, err
	}
	return job.View(), nil
}

func (e *Engine) startForCall(ctx context.Context, callID int64, audioURL string) (jobs.StatusView, error) {
	ctx = logger.Enrich(ctx, "call_id", callID)
	if audioURL == "" {
		return jobs.StatusView{}, apperr.Validation("audio_url is required")
	}
	rec, err := e.calls.AttachRecording(ctx, callID, audioURL)
	if err != nil {
		return jobs.StatusView{}, err
	}
	if existing, ok, err := e.jobs.LatestForCall(ctx, rec.ID); err != nil {
		return jobs.StatusView{}, err
	} else if ok {
		return existing.View(), nil
	}
	job, err := e.openJob(ctx, rec)
	if err != nil {
		return jobs.StatusView{}, err
	}
	return job.View(), nil
}

// StageOutcome is a completion callback from the audio task service.
type StageOutcome struct {
	// TaskID is the external task id, or the internal id echoed back from the payload.
	TaskID    string       `json:"task_id" validate:"required"`
	Outcome   jobs.Outcome `json:"outcome" validate:"required,oneof=success failed"`
	ResultRef string       `json:"result_ref"`
	Error     string       `json:"error"`
}

func (e *Engine) ReportStageOutcome(ctx context.Context, in StageOutcome) (pipeline.Outcome, error) {
	ctx = logger.Enrich(ctx, "task_ref", in.TaskID)
	out, err := e.coord.HandleOutcome(ctx, in.TaskID, in.Outcome, in.ResultRef, in.Error)
	if err != nil && out.Disposition == dispatch.DispositionStale && e.audit != nil {
		if aerr := e.audit.LogStaleCallback(ctx, out.Task.JobID, out.Task.ID, err.Error()); aerr != nil {
			logger.From(ctx).Warn("audit append failed", "err", aerr)
		}
	}
	return out, err
}

// RetryJob re-runs a failed job. It fails with RetryExhausted once the attempt
// ceiling is reached, leaving the job untouched.
func (e *Engine) RetryJob(ctx context.Context, jobID string) (jobs.StatusView, error) {
	ctx = logger.Enrich(ctx, "job_id", jobID)
	job, err := e.coord.Retry(ctx, jobID)
	if apperr.Is(err, apperr.KindDispatch) {
		logger.From(ctx).Warn("retried job failed to dispatch", "err", err)
		job, err = e.jobs.Get(ctx, jobID)
	}
	if err != nil {
		return jobs.StatusView{}, err
	}
	return job.View(), nil
}

func (e *Engine) GetJobStatus(ctx context.Context, jobID string) (jobs.StatusView, error) {
	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return jobs.StatusView{}, err
	}
	return job.View(), nil
}

// JobTasks returns the stage history of a job, oldest first.
func (e *Engine) JobTasks(ctx context.Context, jobID string) ([]jobs.ExternalTask, error) {
	return e.jobs.ListTasks(ctx, jobID)
}
