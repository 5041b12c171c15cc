package engine

import (
	"context"
	"net/http"

	"callpipeline/internal/calls"
	"callpipeline/pkg/apperr"
	"callpipeline/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// EventResult reports one event of a mobile-app batch. Exactly one of Result and
// Error is set.
type EventResult struct {
	Index     int           `json:"index"`
	AppCallID string        `json:"app_call_id"`
	Result    *IngestResult `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	// Status is the HTTP-style status of this event alone.
	Status int `json:"status"`
}

func (r EventResult) OK() bool { return r.Error == "" }

// IngestMobileAppEvents ingests a batch with bounded parallelism. A failing event
// never fails its siblings; results keep the input order.
func (e *Engine) IngestMobileAppEvents(ctx context.Context, events []calls.MobileAppEvent) []EventResult {
	out := make([]EventResult, len(events))
	var g errgroup.Group
	g.SetLimit(e.cfg.IngestConcurrency)
	for i, ev := range events {
		g.Go(func() error {
			out[i] = e.ingestMobile(ctx, i, ev)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range out {
		if !r.OK() {
			failed++
		}
	}
	if failed > 0 {
		logger.From(ctx).Warn("mobile batch partially rejected", "events", len(events), "failed", failed)
	}
	return out
}

func (e *Engine) ingestMobile(ctx context.Context, i int, ev calls.MobileAppEvent) EventResult {
	ctx = logger.Enrich(ctx, "source", calls.SourceMobileApp, "raw_id", ev.AppCallID)
	r := EventResult{Index: i, AppCallID: ev.AppCallID}
	res, err := e.calls.IngestMobile(ctx, ev)
	if err == nil {
		var ir IngestResult
		ir, err = e.afterIngest(ctx, res)
		if err == nil {
			r.Result = &ir
			r.Status = http.StatusOK
			if ir.Outcome == calls.OutcomeCreated {
				r.Status = http.StatusCreated
			}
			return r
		}
	}
	r.Error = err.Error()
	r.ErrorKind = apperr.GetKind(err).String()
	r.Status = apperr.Status(err)
	return r
}
