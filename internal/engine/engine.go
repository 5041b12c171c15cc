// Package engine exposes the operations the HTTP layer and the worker call: event
// ingestion, recording-ready, stage callbacks, retries and maintenance.
package engine

import (
	"context"
	"time"

	"callpipeline/internal/audit"
	"callpipeline/internal/calls"
	"callpipeline/internal/jobs"
	"callpipeline/internal/pipeline"
	"callpipeline/internal/reporting"
	"callpipeline/internal/storage"
	"callpipeline/pkg/apperr"
	"callpipeline/pkg/logger"
)

// Config tunes the engine's own behaviour; reconciliation and retry limits live in
// the services it wraps.
type Config struct {
	IngestConcurrency int
	JobRetention      time.Duration
	MergeBatch        int
}

type Engine struct {
	calls    *calls.Service
	jobs     *jobs.Service
	coord    *pipeline.Coordinator
	archiver storage.Archiver
	reports  *reporting.Service
	audit    *audit.Service
	cfg      Config
}

// Deps groups the collaborators of an Engine. Archiver and Audit are optional.
type Deps struct {
	Calls    *calls.Service
	Jobs     *jobs.Service
	Pipeline *pipeline.Coordinator
	Archiver storage.Archiver
	Reports  *reporting.Service
	Audit    *audit.Service
}

func New(d Deps, cfg Config) *Engine {
	if cfg.IngestConcurrency <= 0 {
		cfg.IngestConcurrency = 8
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = 30 * 24 * time.Hour
	}
	if cfg.MergeBatch <= 0 {
		cfg.MergeBatch = 200
	}
	if d.Archiver == nil {
		d.Archiver = storage.PassThrough{}
	}
	e := &Engine{
		calls:    d.Calls,
		jobs:     d.Jobs,
		coord:    d.Pipeline,
		archiver: d.Archiver,
		reports:  d.Reports,
		audit:    d.Audit,
		cfg:      cfg,
	}
	d.Jobs.Observe(jobs.ObserverFunc(e.syncCallStatus))
	d.Calls.Observe(mergeFunc(e.followMerge))
	if d.Audit != nil {
		d.Jobs.Observe(audit.NewJobObserver(d.Audit))
	}
	return e
}

// syncCallStatus mirrors job progress onto the call record.
func (e *Engine) syncCallStatus(ctx context.Context, ev jobs.TransitionEvent) {
	var err error
	switch ev.To {
	case jobs.StatusInProgress:
		_, err = e.calls.MarkProcessing(ctx, ev.Job.CallRecordID)
	case jobs.StatusCompleted:
		_, err = e.calls.MarkCompleted(ctx, ev.Job.CallRecordID)
	default:
		return
	}
	if err != nil {
		logger.From(ctx).Warn("call status sync failed", "job_id", ev.Job.ID, "call_id", ev.Job.CallRecordID, "err", err)
	}
}

type mergeFunc func(ctx context.Context, survivor calls.CallRecord, absorbedID int64)

func (f mergeFunc) CallsMerged(ctx context.Context, survivor calls.CallRecord, absorbedID int64) {
	f(ctx, survivor, absorbedID)
}

// followMerge moves jobs of an absorbed record onto the survivor, so that a
// redelivered event resolving to the survivor finds the existing job.
func (e *Engine) followMerge(ctx context.Context, survivor calls.CallRecord, absorbedID int64) {
	if _, err := e.jobs.ReassignCall(ctx, absorbedID, survivor.ID); err != nil {
		logger.From(ctx).Error("job reassignment after merge failed",
			"call_id", survivor.ID, "absorbed_id", absorbedID, "err", err)
	}
}

// IngestResult is the effect of one ingested event.
type IngestResult struct {
	Record  calls.CallRecord `json:"record"`
	Outcome calls.Outcome    `json:"outcome"`
	// Job is set when the record has audio to process.
	Job *jobs.StatusView `json:"job,omitempty"`
}

func (e *Engine) IngestTelephonyEvent(ctx context.Context, ev calls.TelephonyEvent) (IngestResult, error) {
	ctx = logger.Enrich(ctx, "source", calls.SourceTelephony, "raw_id", ev.CallID)
	res, err := e.calls.IngestTelephony(ctx, ev)
	if err != nil {
		return IngestResult{}, err
	}
	return e.afterIngest(ctx, res)
}

func (e *Engine) afterIngest(ctx context.Context, res calls.Result) (IngestResult, error) {
	out := IngestResult{Record: res.Record, Outcome: res.Outcome}
	job, ok, err := e.ensureJob(ctx, res.Record)
	if err != nil {
		return out, err
	}
	if ok {
		v := job.View()
		out.Job = &v
	}
	return out, nil
}

// ensureJob opens and starts a job for a record with a usable recording, unless the
// record already has one. Redelivered events therefore never dispatch twice.
func (e *Engine) ensureJob(ctx context.Context, rec calls.CallRecord) (jobs.Job, bool, error) {
	if !rec.NeedsAudioProcessing() {
		return jobs.Job{}, false, nil
	}
	if existing, ok, err := e.jobs.LatestForCall(ctx, rec.ID); err != nil || ok {
		return existing, ok, err
	}
	job, err := e.openJob(ctx, rec)
	if err != nil {
		return jobs.Job{}, false, err
	}
	return job, true, nil
}

// openJob archives the recording, creates the job and starts the pipeline. A job
// created concurrently for the same record wins; dispatch failures are already
// recorded on the job and do not fail ingestion.
func (e *Engine) openJob(ctx context.Context, rec calls.CallRecord) (jobs.Job, error) {
	audioURL, err := e.archiver.Archive(ctx, rec)
	if err != nil {
		return jobs.Job{}, err
	}
	job, err := e.jobs.CreateJob(ctx, rec.ID, audioURL)
	if apperr.Is(err, apperr.KindConflict) {
		active, ok, ferr := e.jobs.ActiveForCall(ctx, rec.ID)
		if ferr != nil {
			return jobs.Job{}, ferr
		}
		if ok {
			return active, nil
		}
		return jobs.Job{}, err
	}
	if err != nil {
		return jobs.Job{}, err
	}
	return e.start(ctx, job)
}

func (e *Engine) start(ctx context.Context, job jobs.Job) (jobs.Job, error) {
	started, err := e.coord.Start(ctx, job.ID)
	switch {
	case err == nil:
		return started, nil
	case apperr.Is(err, apperr.KindDispatch):
		logger.From(ctx).Warn("first stage dispatch failed", "job_id", job.ID, "err", err)
		return e.jobs.Get(ctx, job.ID)
	case apperr.Is(err, apperr.KindInvalidTransition):
		// Another caller started it first.
		return e.jobs.Get(ctx, job.ID)
	default:
		return jobs.Job{}, err
	}
}
