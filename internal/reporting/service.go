package reporting

import (
	"context"
	"errors"
	"time"

	"callpipeline/internal/calls"
	"callpipeline/internal/jobs"
	"callpipeline/pkg/apperr"
)

var ErrInvalidRequest error = apperr.Validation("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// IMPORTANT:
// - ListCalls must exclude records absorbed by a merge.
// - Implementations should query the authoritative stores; nothing here is cached.
type Repository interface {
	ListCalls(ctx context.Context, from, to time.Time) ([]calls.CallRecord, error)
	ListJobs(ctx context.Context, from, to time.Time) ([]jobs.Job, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if !validRange(req.Range) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{
		AgencyID: req.AgencyID,
		SellerID: req.SellerID,
		BySource: map[string]int{},
		ByStatus: map[string]int{},
	}
	timed := 0
	for _, c := range rows {
		if req.AgencyID != "" && c.AgencyID != req.AgencyID {
			continue
		}
		if req.SellerID != "" && c.SellerID != req.SellerID {
			continue
		}
		out.TotalCalls++
		out.BySource[string(c.Source)]++
		out.ByStatus[string(c.Status)]++
		if c.Source == calls.SourceReconciled {
			out.ReconciledCalls++
		} else if c.SettledAt != nil {
			out.SingleSourceCalls++
		}
		if c.HasRecording() {
			out.RecordedCalls++
		}
		if c.DurationSeconds != nil {
			out.TotalDurationSeconds += *c.DurationSeconds
			timed++
		}
	}
	if timed > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / timed
	}
	return out, nil
}

func (s *Service) JobsSummary(ctx context.Context, req JobsSummaryRequest) (JobsSummary, error) {
	if !validRange(req.Range) {
		return JobsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return JobsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListJobs(ctx, req.Range.From, req.Range.To)
	if err != nil {
		return JobsSummary{}, err
	}

	var out JobsSummary
	var processing time.Duration
	timed := 0
	for _, j := range rows {
		out.TotalJobs++
		if j.AttemptCount > 1 {
			out.RetriedJobs++
		}
		switch j.Status {
		case jobs.StatusInit:
			out.Init++
		case jobs.StatusInProgress:
			out.InProgress++
		case jobs.StatusCompleted:
			out.Completed++
			if j.StartTime != nil && j.EndTime != nil {
				processing += j.EndTime.Sub(*j.StartTime)
				timed++
			}
		case jobs.StatusFailure:
			out.Failed++
		}
	}
	if terminal := out.Completed + out.Failed; terminal > 0 {
		out.SuccessRate = float64(out.Completed) / float64(terminal)
		out.FailureRate = float64(out.Failed) / float64(terminal)
	}
	if timed > 0 {
		out.AverageProcessingSeconds = processing.Seconds() / float64(timed)
	}
	return out, nil
}

func validRange(r TimeRange) bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}
