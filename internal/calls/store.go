package calls

import (
	"context"
	"time"
)

// Outcome tells how an ingested record was applied.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeMerged    Outcome = "merged"
	OutcomeDuplicate Outcome = "duplicate"
)

// MatchQuery selects provisional counterpart candidates for an incoming record.
type MatchQuery struct {
	Source     Source // counterpart source to search
	SellerID   string
	BuyerPhone string
	StartFrom  time.Time
	StartTo    time.Time
	// CreatedAfter excludes candidates whose grace period has elapsed.
	CreatedAfter time.Time
}

// DecideFunc picks the merged record from the candidates, or reports no match.
type DecideFunc func(candidates []CallRecord) (merged CallRecord, ok bool)

// PairMergeFunc combines two provisional records; keep has the lower id.
type PairMergeFunc func(keep, absorb CallRecord) (CallRecord, error)

// Store persists CallRecords.
//
// Reconcile must run dedupe, candidate lookup, decide, and insert-or-update as one
// atomic step serialized per (seller, buyer) pair.
type Store interface {
	Reconcile(ctx context.Context, in CallRecord, q MatchQuery, decide DecideFunc) (CallRecord, Outcome, error)
	Get(ctx context.Context, id int64) (CallRecord, error)
	FindByRawID(ctx context.Context, src Source, rawID string) (CallRecord, bool, error)

	// SetStatus updates the canonical record, following merged_into when id was absorbed.
	SetStatus(ctx context.Context, id int64, status Status, now time.Time) (CallRecord, error)
	// SetRecording attaches a recording to a record that has none.
	SetRecording(ctx context.Context, id int64, url string, now time.Time) (CallRecord, error)

	SettleUnmatched(ctx context.Context, createdBefore, now time.Time) (int, error)
	ListUnmatched(ctx context.Context, createdBefore time.Time, limit int) ([]CallRecord, error)
	ListProvisional(ctx context.Context, src Source, limit int) ([]CallRecord, error)
	Candidates(ctx context.Context, q MatchQuery) ([]CallRecord, error)
	// MergePair locks both rows in ascending id order before calling merge.
	MergePair(ctx context.Context, aID, bID int64, merge PairMergeFunc, now time.Time) (CallRecord, error)

	List(ctx context.Context, from, to time.Time) ([]CallRecord, error)
}
