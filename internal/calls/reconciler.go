package calls

import (
	"context"
	"time"

	"callpipeline/pkg/apperr"
	"callpipeline/pkg/logger"
)

// Reconciler decides whether a normalized record is a new physical call or the
// counterpart of one already seen, and merges accordingly.
type Reconciler struct {
	store     Store
	window    time.Duration
	grace     time.Duration
	clock     func() time.Time
	observers []MergeObserver
}

// MergeObserver is told after two stored records were collapsed into one.
type MergeObserver interface {
	CallsMerged(ctx context.Context, survivor CallRecord, absorbedID int64)
}

// Observe registers o for every later pair merge.
func (r *Reconciler) Observe(o MergeObserver) {
	r.observers = append(r.observers, o)
}

func NewReconciler(store Store, window, grace time.Duration) *Reconciler {
	return &Reconciler{store: store, window: window, grace: grace, clock: time.Now}
}

// Result is the record as stored after reconciliation.
type Result struct {
	Record  CallRecord `json:"record"`
	Outcome Outcome    `json:"outcome"`
}

// Reconcile stores in, merging it into the closest provisional counterpart when one
// exists inside the match window. Re-delivering the same raw event returns the
// stored record with OutcomeDuplicate.
func (r *Reconciler) Reconcile(ctx context.Context, in CallRecord) (Result, error) {
	if in.Source != SourceTelephony && in.Source != SourceMobileApp {
		return Result{}, apperr.Validation("incoming record must come from telephony or mobile_app")
	}
	if in.RawID(in.Source) == "" {
		return Result{}, apperr.Validation("incoming record has no external id")
	}

	now := r.clock().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now

	q := r.queryFor(in, now)
	rec, outcome, err := r.store.Reconcile(ctx, in, q, func(candidates []CallRecord) (CallRecord, bool) {
		match, ok := SelectMatch(in, candidates, r.window)
		if !ok {
			return CallRecord{}, false
		}
		merged := Merge(match, in)
		merged.UpdatedAt = now
		return merged, true
	})
	if err != nil {
		return Result{}, err
	}

	logger.From(ctx).Info("call record reconciled",
		"call_id", rec.ID,
		"source", in.Source,
		"raw_id", in.RawID(in.Source),
		"outcome", outcome,
		"status", rec.Status,
	)
	return Result{Record: rec, Outcome: outcome}, nil
}

// SettleUnmatched closes the matching window of provisional records older than the
// grace period; they stand alone as single-sourced calls.
func (r *Reconciler) SettleUnmatched(ctx context.Context) (int, error) {
	now := r.clock().UTC()
	n, err := r.store.SettleUnmatched(ctx, now.Add(-r.grace), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.From(ctx).Info("settled unmatched call records", "count", n)
	}
	return n, nil
}

// MergeDuplicates pairs provisional telephony and mobile rows that describe the same
// call but were stored separately, keeping the lower id.
func (r *Reconciler) MergeDuplicates(ctx context.Context, limit int) (int, error) {
	now := r.clock().UTC()
	pending, err := r.store.ListProvisional(ctx, SourceTelephony, limit)
	if err != nil {
		return 0, err
	}

	merged := 0
	for _, t := range pending {
		cands, err := r.store.Candidates(ctx, r.queryFor(t, now))
		if err != nil {
			return merged, err
		}
		m, ok := SelectMatch(t, cands, r.window)
		if !ok {
			continue
		}
		_, err = r.MergeRecords(ctx, t.ID, m.ID)
		if apperr.Is(err, apperr.KindConflict) {
			continue
		}
		if err != nil {
			return merged, err
		}
		merged++
	}
	if merged > 0 {
		logger.From(ctx).Info("merged duplicate call records", "count", merged)
	}
	return merged, nil
}

// MergeRecords merges two provisional records of opposite sources. The lower id
// survives; the other keeps merged_into pointing at it.
func (r *Reconciler) MergeRecords(ctx context.Context, aID, bID int64) (CallRecord, error) {
	now := r.clock().UTC()
	rec, err := r.store.MergePair(ctx, aID, bID, func(keep, absorb CallRecord) (CallRecord, error) {
		if !keep.Provisional() || !absorb.Provisional() || keep.Source != absorb.Source.Counterpart() {
			return CallRecord{}, apperr.Conflict("records are no longer mergeable")
		}
		out := Merge(keep, absorb)
		out.UpdatedAt = now
		return out, nil
	}, now)
	if err != nil {
		return CallRecord{}, err
	}
	logger.From(ctx).Info("call records merged", "call_id", rec.ID, "pair", []int64{aID, bID})
	absorbed := aID
	if absorbed == rec.ID {
		absorbed = bID
	}
	for _, o := range r.observers {
		o.CallsMerged(ctx, rec, absorbed)
	}
	return rec, nil
}

func (r *Reconciler) queryFor(rec CallRecord, now time.Time) MatchQuery {
	return MatchQuery{
		Source:       rec.IngestSource().Counterpart(),
		SellerID:     rec.SellerID,
		BuyerPhone:   rec.BuyerPhone,
		StartFrom:    rec.StartTime.Add(-r.window),
		StartTo:      rec.StartTime.Add(r.window),
		CreatedAfter: now.Add(-r.grace),
	}
}

// SelectMatch returns the counterpart with the smallest start-time delta inside
// window; equal deltas resolve to the smallest id.
func SelectMatch(in CallRecord, candidates []CallRecord, window time.Duration) (CallRecord, bool) {
	var (
		best      CallRecord
		bestDelta time.Duration
		found     bool
	)
	want := in.IngestSource().Counterpart()
	for _, c := range candidates {
		if c.ID == in.ID && in.ID != 0 {
			continue
		}
		if c.Source != want || !c.Provisional() {
			continue
		}
		if c.SellerID != in.SellerID || c.BuyerPhone != in.BuyerPhone {
			continue
		}
		d := absDuration(c.StartTime.Sub(in.StartTime))
		if d > window {
			continue
		}
		if !found || d < bestDelta || (d == bestDelta && c.ID < best.ID) {
			best, bestDelta, found = c, d, true
		}
	}
	return best, found
}

// Merge folds incoming into existing. The telephony side is authoritative for audio
// (recording and duration) and timestamps; the mobile side is authoritative for
// direction, and for status when there is no recording.
func Merge(existing, incoming CallRecord) CallRecord {
	tel, mob := existing, incoming
	if existing.IngestSource() == SourceMobileApp {
		tel, mob = incoming, existing
	}

	out := existing
	out.Source = SourceReconciled
	out.TelephonyCallID = tel.TelephonyCallID
	out.MobileCallID = mob.MobileCallID
	out.Direction = mob.Direction

	out.StartTime = tel.StartTime
	out.EndTime = tel.EndTime
	if out.EndTime == nil {
		out.EndTime = mob.EndTime
	}
	out.DurationSeconds = tel.DurationSeconds
	if out.DurationSeconds == nil {
		out.DurationSeconds = mob.DurationSeconds
	}
	out.fillDuration()

	out.RecordingURL = tel.RecordingURL
	if out.RecordingURL == "" {
		out.RecordingURL = mob.RecordingURL
	}

	switch {
	case existing.Status == StatusCompleted:
		// audio already processed
	case out.HasRecording():
		out.Status = StatusProcessing
	default:
		out.Status = mob.Status
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
