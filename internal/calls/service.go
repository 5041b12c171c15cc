package calls

import (
	"context"
	"time"

	"callpipeline/pkg/apperr"
)

// Service is the ingestion entry point for call events: normalize, then reconcile.
type Service struct {
	normalizer *Normalizer
	reconciler *Reconciler
	store      Store
	clock      func() time.Time
}

func NewService(normalizer *Normalizer, reconciler *Reconciler, store Store) *Service {
	return &Service{normalizer: normalizer, reconciler: reconciler, store: store, clock: time.Now}
}

func (s *Service) IngestTelephony(ctx context.Context, ev TelephonyEvent) (Result, error) {
	if existing, ok, err := s.store.FindByRawID(ctx, SourceTelephony, ev.CallID); err != nil {
		return Result{}, err
	} else if ok {
		return Result{Record: existing, Outcome: OutcomeDuplicate}, nil
	}
	rec, err := s.normalizer.NormalizeTelephony(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	return s.reconciler.Reconcile(ctx, rec)
}

func (s *Service) IngestMobile(ctx context.Context, ev MobileAppEvent) (Result, error) {
	if existing, ok, err := s.store.FindByRawID(ctx, SourceMobileApp, ev.AppCallID); err != nil {
		return Result{}, err
	} else if ok {
		return Result{Record: existing, Outcome: OutcomeDuplicate}, nil
	}
	rec, err := s.normalizer.NormalizeMobile(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	return s.reconciler.Reconcile(ctx, rec)
}

// Observe registers o for every later pair merge.
func (s *Service) Observe(o MergeObserver) {
	s.reconciler.Observe(o)
}

func (s *Service) Get(ctx context.Context, id int64) (CallRecord, error) {
	return s.store.Get(ctx, id)
}

// AttachRecording sets the recording of a record that has none yet and moves it to processing.
func (s *Service) AttachRecording(ctx context.Context, id int64, url string) (CallRecord, error) {
	if url == "" {
		return CallRecord{}, apperr.Validation("recording url is required")
	}
	return s.store.SetRecording(ctx, id, url, s.clock().UTC())
}

func (s *Service) MarkProcessing(ctx context.Context, id int64) (CallRecord, error) {
	return s.store.SetStatus(ctx, id, StatusProcessing, s.clock().UTC())
}

func (s *Service) MarkCompleted(ctx context.Context, id int64) (CallRecord, error) {
	return s.store.SetStatus(ctx, id, StatusCompleted, s.clock().UTC())
}

func (s *Service) SettleUnmatched(ctx context.Context) (int, error) {
	return s.reconciler.SettleUnmatched(ctx)
}

func (s *Service) MergeDuplicates(ctx context.Context, limit int) (int, error) {
	return s.reconciler.MergeDuplicates(ctx, limit)
}

func (s *Service) MergeRecords(ctx context.Context, aID, bID int64) (CallRecord, error) {
	return s.reconciler.MergeRecords(ctx, aID, bID)
}

// ListUnmatched returns provisional records older than olderThan.
func (s *Service) ListUnmatched(ctx context.Context, olderThan time.Duration, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListUnmatched(ctx, s.clock().UTC().Add(-olderThan), limit)
}
