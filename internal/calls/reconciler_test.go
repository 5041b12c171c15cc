package calls

import (
	"context"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc   *Service
	store *MemoryStore
	clock *testClock
	rec   *Reconciler
}

type mergeLog struct {
	mu     sync.Mutex
	merges [][2]int64
}

func (m *mergeLog) CallsMerged(_ context.Context, survivor CallRecord, absorbedID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merges = append(m.merges, [2]int64{survivor.ID, absorbedID})
}

func newHarness() *harness {
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 5, 0, 0, time.UTC)}
	store := NewMemoryStore()
	rec := NewReconciler(store, 120*time.Second, 30*time.Minute)
	rec.clock = clock.Now
	svc := NewService(newTestNormalizer(newTestDirectory()), rec, store)
	svc.clock = clock.Now
	return &harness{svc: svc, store: store, clock: clock, rec: rec}
}

func (h *harness) live(t *testing.T) []CallRecord {
	t.Helper()
	out, err := h.store.List(context.Background(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return out
}

var callStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestReconcile_TelephonyThenMobile(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	first, err := h.svc.IngestTelephony(ctx, telephonyEvent("T1", callStart))
	if err != nil {
		t.Fatalf("telephony: %v", err)
	}
	if first.Outcome != OutcomeCreated || first.Record.Source != SourceTelephony {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := h.svc.IngestMobile(ctx, mobileEvent("M1", callStart.Add(20*time.Second)))
	if err != nil {
		t.Fatalf("mobile: %v", err)
	}
	if second.Outcome != OutcomeMerged || second.Record.ID != first.Record.ID {
		t.Fatalf("expected merge into %d, got %+v", first.Record.ID, second)
	}
	rec := second.Record
	if rec.Source != SourceReconciled || rec.TelephonyCallID != "T1" || rec.MobileCallID != "M1" {
		t.Fatalf("unexpected merged record: %+v", rec)
	}
	if !rec.StartTime.Equal(callStart) || *rec.DurationSeconds != 60 {
		t.Fatalf("telephony timing must win: start=%v duration=%d", rec.StartTime, *rec.DurationSeconds)
	}
	if rec.Status != StatusProcessing || !rec.HasRecording() {
		t.Fatalf("expected processing with recording, got %+v", rec)
	}
	if n := len(h.live(t)); n != 1 {
		t.Fatalf("expected one record, got %d", n)
	}
}

func TestReconcile_MobileThenTelephonyConverges(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if _, err := h.svc.IngestMobile(ctx, mobileEvent("M1", callStart.Add(20*time.Second))); err != nil {
		t.Fatalf("mobile: %v", err)
	}
	res, err := h.svc.IngestTelephony(ctx, telephonyEvent("T1", callStart))
	if err != nil {
		t.Fatalf("telephony: %v", err)
	}
	if res.Outcome != OutcomeMerged {
		t.Fatalf("expected merge, got %s", res.Outcome)
	}
	rec := res.Record
	if rec.Source != SourceReconciled || !rec.StartTime.Equal(callStart) || *rec.DurationSeconds != 60 {
		t.Fatalf("unexpected merged record: %+v", rec)
	}
	if rec.Status != StatusProcessing || rec.RecordingURL == "" {
		t.Fatalf("recording from telephony expected: %+v", rec)
	}
}

func TestReconcile_MobileStatusWinsWithoutRecording(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	ev := telephonyEvent("T1", callStart)
	ev.RecordingURL = ""
	if _, err := h.svc.IngestTelephony(ctx, ev); err != nil {
		t.Fatalf("telephony: %v", err)
	}
	m := mobileEvent("M1", callStart.Add(5*time.Second))
	m.CallType = CallTypeRejected
	m.Duration = "0"
	res, err := h.svc.IngestMobile(ctx, m)
	if err != nil {
		t.Fatalf("mobile: %v", err)
	}
	if res.Record.Status != StatusRejected || res.Record.Direction != DirectionIncoming {
		t.Fatalf("expected mobile status and direction, got %s/%s", res.Record.Status, res.Record.Direction)
	}
}

func TestReconcile_DuplicateDeliveryIsIdempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	first, err := h.svc.IngestTelephony(ctx, telephonyEvent("T1", callStart))
	if err != nil {
		t.Fatalf("telephony: %v", err)
	}
	again, err := h.svc.IngestTelephony(ctx, telephonyEvent("T1", callStart))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if again.Outcome != OutcomeDuplicate || again.Record.ID != first.Record.ID {
		t.Fatalf("expected duplicate of %d, got %+v", first.Record.ID, again)
	}

	// Bypassing the service pre-check still hits the store dedupe.
	rec, err := newTestNormalizer(newTestDirectory()).NormalizeTelephony(ctx, telephonyEvent("T1", callStart))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	res, err := h.svc.reconciler.Reconcile(ctx, rec)
	if err != nil || res.Outcome != OutcomeDuplicate {
		t.Fatalf("expected store-level duplicate, got %+v err=%v", res, err)
	}
	if n := len(h.live(t)); n != 1 {
		t.Fatalf("expected one record, got %d", n)
	}
}

func TestReconcile_OutsideWindowStaysSeparate(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if _, err := h.svc.IngestTelephony(ctx, telephonyEvent("T1", callStart)); err != nil {
		t.Fatalf("telephony: %v", err)
	}
	res, err := h.svc.IngestMobile(ctx, mobileEvent("M1", callStart.Add(121*time.Second)))
	if err != nil {
		t.Fatalf("mobile: %v", err)
	}
	if res.Outcome != OutcomeCreated {
		t.Fatalf("expected separate record, got %s", res.Outcome)
	}
	if n := len(h.live(t)); n != 2 {
		t.Fatalf("expected two records, got %d", n)
	}
}

func TestReconcile_AfterGraceNoMerge(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if _, err := h.svc.IngestTelephony(ctx, telephonyEvent("T1", callStart)); err != nil {
		t.Fatalf("telephony: %v", err)
	}
	h.clock.Advance(31 * time.Minute)
	settled, err := h.svc.SettleUnmatched(ctx)
	if err != nil || settled != 1 {
		t.Fatalf("expected one settled record, got %d err=%v", settled, err)
	}
	res, err := h.svc.IngestMobile(ctx, mobileEvent("M1", callStart.Add(10*time.Second)))
	if err != nil {
		t.Fatalf("mobile: %v", err)
	}
	if res.Outcome != OutcomeCreated {
		t.Fatalf("settled record must not absorb late counterpart, got %s", res.Outcome)
	}
}

func TestSelectMatch_ClosestThenLowestID(t *testing.T) {
	in := CallRecord{Source: SourceMobileApp, SellerID: "s", BuyerPhone: "b", StartTime: callStart}
	cands := []CallRecord{
		{ID: 7, Source: SourceTelephony, SellerID: "s", BuyerPhone: "b", StartTime: callStart.Add(30 * time.Second)},
		{ID: 5, Source: SourceTelephony, SellerID: "s", BuyerPhone: "b", StartTime: callStart.Add(-30 * time.Second)},
		{ID: 9, Source: SourceTelephony, SellerID: "s", BuyerPhone: "b", StartTime: callStart.Add(90 * time.Second)},
		{ID: 1, Source: SourceTelephony, SellerID: "other", BuyerPhone: "b", StartTime: callStart},
	}
	got, ok := SelectMatch(in, cands, 2*time.Minute)
	if !ok || got.ID != 5 {
		t.Fatalf("expected id 5, got %d ok=%v", got.ID, ok)
	}

	cands[1].StartTime = callStart.Add(-40 * time.Second)
	got, _ = SelectMatch(in, cands, 2*time.Minute)
	if got.ID != 7 {
		t.Fatalf("expected closest id 7, got %d", got.ID)
	}

	if _, ok := SelectMatch(in, cands[2:3], 60*time.Second); ok {
		t.Fatalf("expected no match outside window")
	}
}

func TestMerge_OrderIndependent(t *testing.T) {
	end := callStart.Add(60 * time.Second)
	tel := CallRecord{
		ID: 1, Source: SourceTelephony, Direction: DirectionOutgoing, StartTime: callStart, EndTime: &end,
		DurationSeconds: intPtr(60), TelephonyCallID: "T1", RecordingURL: "https://r/1.mp3", Status: StatusProcessing,
	}
	mob := CallRecord{
		ID: 1, Source: SourceMobileApp, Direction: DirectionIncoming, StartTime: callStart.Add(3 * time.Second),
		DurationSeconds: intPtr(55), MobileCallID: "M1", Status: StatusProcessing,
	}
	a := Merge(tel, mob)
	b := Merge(mob, tel)
	if a.TelephonyCallID != b.TelephonyCallID || a.MobileCallID != b.MobileCallID {
		t.Fatalf("raw ids differ: %+v vs %+v", a, b)
	}
	if !a.StartTime.Equal(b.StartTime) || *a.DurationSeconds != *b.DurationSeconds {
		t.Fatalf("timing differs: %+v vs %+v", a, b)
	}
	if a.Direction != DirectionIncoming || b.Direction != DirectionIncoming {
		t.Fatalf("mobile direction must win")
	}
	if a.Status != b.Status || a.RecordingURL != b.RecordingURL {
		t.Fatalf("status or recording differ")
	}
}

func TestMerge_KeepsCompleted(t *testing.T) {
	existing := CallRecord{Source: SourceMobileApp, MobileCallID: "M1", Status: StatusCompleted, RecordingURL: "https://r/1.mp3"}
	in := CallRecord{Source: SourceTelephony, TelephonyCallID: "T1", Status: StatusNotRecorded}
	if got := Merge(existing, in); got.Status != StatusCompleted {
		t.Fatalf("expected completed to stick, got %s", got.Status)
	}
}

func TestReconcile_ConcurrentCounterpartsYieldOneRecord(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness()
		ctx := context.Background()
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := h.svc.IngestTelephony(ctx, telephonyEvent("T1", callStart)); err != nil {
				t.Errorf("telephony: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := h.svc.IngestMobile(ctx, mobileEvent("M1", callStart.Add(4*time.Second))); err != nil {
				t.Errorf("mobile: %v", err)
			}
		}()
		wg.Wait()
		live := h.live(t)
		if len(live) != 1 || live[0].Source != SourceReconciled {
			t.Fatalf("run %d: expected one reconciled record, got %+v", i, live)
		}
	}
}

func TestMergeDuplicates_LowerIDSurvives(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	never := func([]CallRecord) (CallRecord, bool) { return CallRecord{}, false }
	log := &mergeLog{}
	h.rec.Observe(log)

	n := newTestNormalizer(newTestDirectory())
	mob, err := n.NormalizeMobile(ctx, mobileEvent("M1", callStart.Add(10*time.Second)))
	if err != nil {
		t.Fatalf("normalize mobile: %v", err)
	}
	tel, err := n.NormalizeTelephony(ctx, telephonyEvent("T1", callStart))
	if err != nil {
		t.Fatalf("normalize telephony: %v", err)
	}
	mob.CreatedAt, tel.CreatedAt = h.clock.Now(), h.clock.Now()
	first, _, err := h.store.Reconcile(ctx, mob, MatchQuery{}, never)
	if err != nil {
		t.Fatalf("store mobile: %v", err)
	}
	second, _, err := h.store.Reconcile(ctx, tel, MatchQuery{}, never)
	if err != nil {
		t.Fatalf("store telephony: %v", err)
	}

	merged, err := h.svc.MergeDuplicates(ctx, 100)
	if err != nil || merged != 1 {
		t.Fatalf("expected one merge, got %d err=%v", merged, err)
	}

	live := h.live(t)
	if len(live) != 1 || live[0].ID != first.ID || live[0].Source != SourceReconciled {
		t.Fatalf("expected survivor %d, got %+v", first.ID, live)
	}
	if len(log.merges) != 1 || log.merges[0] != [2]int64{first.ID, second.ID} {
		t.Fatalf("observer should see survivor and absorbed ids, got %v", log.merges)
	}
	got, ok, err := h.store.FindByRawID(ctx, SourceTelephony, "T1")
	if err != nil || !ok || got.ID != first.ID {
		t.Fatalf("absorbed raw id should resolve to survivor, got %+v ok=%v err=%v", got, ok, err)
	}

	updated, err := h.svc.MarkCompleted(ctx, second.ID)
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if updated.ID != first.ID || updated.Status != StatusCompleted {
		t.Fatalf("status update should follow merged_into, got %+v", updated)
	}
}

func TestAttachRecording(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	m := mobileEvent("M1", callStart)
	res, err := h.svc.IngestMobile(ctx, m)
	if err != nil {
		t.Fatalf("mobile: %v", err)
	}
	rec, err := h.svc.AttachRecording(ctx, res.Record.ID, "https://r/m1.mp3")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !rec.NeedsAudioProcessing() {
		t.Fatalf("expected record to need processing: %+v", rec)
	}
	if _, err := h.svc.AttachRecording(ctx, res.Record.ID, "https://r/other.mp3"); err == nil {
		t.Fatalf("expected conflict on second recording")
	}
}
