package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"callpipeline/pkg/apperr"
)

// MemoryStore is an in-process Store. One mutex serializes every write, which
// trivially satisfies the per-pair serialization Reconcile requires.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]CallRecord
	byRaw   map[Source]map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[int64]CallRecord),
		byRaw: map[Source]map[string]int64{
			SourceTelephony: {},
			SourceMobileApp: {},
		},
	}
}

func (s *MemoryStore) Reconcile(_ context.Context, in CallRecord, q MatchQuery, decide DecideFunc) (CallRecord, Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := in.IngestSource()
	raw := in.RawID(src)
	if id, ok := s.byRaw[src][raw]; ok {
		return s.canonicalLocked(id), OutcomeDuplicate, nil
	}

	if merged, ok := decide(s.candidatesLocked(q)); ok {
		prev, exists := s.records[merged.ID]
		if !exists || !prev.Provisional() {
			return CallRecord{}, "", apperr.Conflict("match candidate changed concurrently")
		}
		if other, taken := s.byRaw[src][merged.RawID(src)]; taken && other != merged.ID {
			return CallRecord{}, "", apperr.Conflict("external call id already stored")
		}
		s.records[merged.ID] = merged
		s.indexLocked(merged)
		return merged, OutcomeMerged, nil
	}

	s.nextID++
	in.ID = s.nextID
	s.records[in.ID] = in
	s.indexLocked(in)
	return in, OutcomeCreated, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return CallRecord{}, apperr.NotFound("call record not found")
	}
	return rec, nil
}

func (s *MemoryStore) FindByRawID(_ context.Context, src Source, rawID string) (CallRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRaw[src][rawID]
	if !ok || rawID == "" {
		return CallRecord{}, false, nil
	}
	return s.canonicalLocked(id), true, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id int64, status Status, now time.Time) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return CallRecord{}, apperr.NotFound("call record not found")
	}
	rec = s.canonicalLocked(rec.ID)
	rec.Status = status
	rec.UpdatedAt = now
	s.records[rec.ID] = rec
	return rec, nil
}

func (s *MemoryStore) SetRecording(_ context.Context, id int64, url string, now time.Time) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return CallRecord{}, apperr.NotFound("call record not found")
	}
	rec := s.canonicalLocked(id)
	if rec.HasRecording() {
		if rec.RecordingURL == url {
			return rec, nil
		}
		return CallRecord{}, apperr.Conflict("call record already has a recording")
	}
	rec.RecordingURL = url
	if rec.Status != StatusCompleted {
		rec.Status = StatusProcessing
	}
	rec.UpdatedAt = now
	s.records[rec.ID] = rec
	return rec, nil
}

func (s *MemoryStore) SettleUnmatched(_ context.Context, createdBefore, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		if !rec.Provisional() || !rec.CreatedAt.Before(createdBefore) {
			continue
		}
		rec.SettledAt = timePtr(now)
		rec.UpdatedAt = now
		s.records[id] = rec
		n++
	}
	return n, nil
}

func (s *MemoryStore) ListUnmatched(_ context.Context, createdBefore time.Time, limit int) ([]CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CallRecord
	for _, rec := range s.sortedLocked() {
		if rec.Source == SourceReconciled || rec.MergedInto != nil || !rec.CreatedAt.Before(createdBefore) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListProvisional(_ context.Context, src Source, limit int) ([]CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CallRecord
	for _, rec := range s.sortedLocked() {
		if rec.Source != src || !rec.Provisional() {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Candidates(_ context.Context, q MatchQuery) ([]CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidatesLocked(q), nil
}

func (s *MemoryStore) MergePair(_ context.Context, aID, bID int64, merge PairMergeFunc, now time.Time) (CallRecord, error) {
	if aID == bID {
		return CallRecord{}, apperr.Validation("cannot merge a record into itself")
	}
	if bID < aID {
		aID, bID = bID, aID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	keep, ok := s.records[aID]
	if !ok {
		return CallRecord{}, apperr.NotFound("call record not found")
	}
	absorb, ok := s.records[bID]
	if !ok {
		return CallRecord{}, apperr.NotFound("call record not found")
	}

	out, err := merge(keep, absorb)
	if err != nil {
		return CallRecord{}, err
	}
	out.ID = keep.ID
	out.CreatedAt = keep.CreatedAt

	absorbSrc := absorb.IngestSource()
	delete(s.byRaw[absorbSrc], absorb.RawID(absorbSrc))
	absorb.MergedInto = &out.ID
	absorb.UpdatedAt = now
	switch absorbSrc {
	case SourceTelephony:
		absorb.TelephonyCallID = ""
	case SourceMobileApp:
		absorb.MobileCallID = ""
	}
	s.records[absorb.ID] = absorb
	s.records[out.ID] = out
	s.indexLocked(out)
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, from, to time.Time) ([]CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CallRecord
	for _, rec := range s.sortedLocked() {
		if rec.MergedInto != nil {
			continue
		}
		if !from.IsZero() && rec.StartTime.Before(from) {
			continue
		}
		if !to.IsZero() && !rec.StartTime.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) candidatesLocked(q MatchQuery) []CallRecord {
	var out []CallRecord
	for _, rec := range s.sortedLocked() {
		if rec.Source != q.Source || !rec.Provisional() {
			continue
		}
		if rec.SellerID != q.SellerID || rec.BuyerPhone != q.BuyerPhone {
			continue
		}
		if rec.StartTime.Before(q.StartFrom) || rec.StartTime.After(q.StartTo) {
			continue
		}
		if !q.CreatedAfter.IsZero() && rec.CreatedAt.Before(q.CreatedAfter) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// canonicalLocked follows merged_into to the surviving record.
func (s *MemoryStore) canonicalLocked(id int64) CallRecord {
	rec := s.records[id]
	for hops := 0; rec.MergedInto != nil && hops < 8; hops++ {
		next, ok := s.records[*rec.MergedInto]
		if !ok {
			break
		}
		rec = next
	}
	return rec
}

func (s *MemoryStore) indexLocked(rec CallRecord) {
	if rec.TelephonyCallID != "" {
		s.byRaw[SourceTelephony][rec.TelephonyCallID] = rec.ID
	}
	if rec.MobileCallID != "" {
		s.byRaw[SourceMobileApp][rec.MobileCallID] = rec.ID
	}
}

func (s *MemoryStore) sortedLocked() []CallRecord {
	out := make([]CallRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
