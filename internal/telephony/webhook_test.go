package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callpipeline/internal/calls"
	"callpipeline/internal/engine"
	"callpipeline/pkg/apperr"

	"github.com/gin-gonic/gin"
)

func TestParseCallback_QueryString(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/webhooks/telephony/call?CallSid=CA123&CallFrom=09876543210&CallTo=09123456789"+
		"&CallStatus=completed&Direction=outbound-dial&StartTime=2024-03-01+09%3A00%3A00&EndTime=2024-03-01+09%3A03%3A00"+
		"&DialCallDuration=175&RecordingUrl=https%3A%2F%2Frec.example.com%2FCA123.mp3", nil)

	form, err := ParseCallback(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if form.CallSid != "CA123" || form.RecordingURL != "https://rec.example.com/CA123.mp3" {
		t.Fatalf("unexpected form: %+v", form)
	}

	ist := time.FixedZone("IST", 5*3600+1800)
	ev, err := form.ToEvent(ist)
	if err != nil {
		t.Fatalf("to event: %v", err)
	}
	if ev.Direction != calls.DirectionOutgoing || ev.Status != "completed" {
		t.Fatalf("unexpected direction/status: %+v", ev)
	}
	want := time.Date(2024, 3, 1, 3, 30, 0, 0, time.UTC)
	if !ev.StartTime.Equal(want) {
		t.Fatalf("expected %s, got %s", want, ev.StartTime)
	}
	if ev.DurationSeconds == nil || *ev.DurationSeconds != 175 {
		t.Fatalf("expected duration 175, got %v", ev.DurationSeconds)
	}
	if ev.EndTime.Sub(ev.StartTime) != 3*time.Minute {
		t.Fatalf("unexpected end time %s", ev.EndTime)
	}
}

func TestToEvent_Rejections(t *testing.T) {
	base := CallbackForm{CallSid: "CA1", CallFrom: "1", CallTo: "2", Direction: "inbound", StartTime: "2024-03-01 09:00:00"}

	bad := base
	bad.Direction = "sideways"
	if _, err := bad.ToEvent(nil); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for direction, got %v", err)
	}
	bad = base
	bad.StartTime = "yesterday"
	if _, err := bad.ToEvent(nil); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for start time, got %v", err)
	}
	bad = base
	bad.DialCallDuration = "-3"
	if _, err := bad.ToEvent(nil); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for duration, got %v", err)
	}

	ok := base
	ok.StartTime = ""
	ok.Created = "2024-03-01T09:00:00Z"
	ev, err := ok.ToEvent(nil)
	if err != nil {
		t.Fatalf("Created should stand in for StartTime: %v", err)
	}
	if ev.Direction != calls.DirectionIncoming || ev.Status != calls.TelephonyStatusCompleted {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

type stubIngester struct {
	got calls.TelephonyEvent
	res engine.IngestResult
	err error
}

func (s *stubIngester) IngestTelephonyEvent(_ context.Context, ev calls.TelephonyEvent) (engine.IngestResult, error) {
	s.got = ev
	return s.res, s.err
}

func TestWebhookHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ing := &stubIngester{res: engine.IngestResult{Outcome: calls.OutcomeCreated}}
	r := gin.New()
	r.POST("/cb", WebhookHandler{Ingester: ing}.HandleCallback)

	body := strings.NewReader("CallSid=CA9&CallFrom=1&CallTo=2&Direction=inbound&StartTime=2024-03-01+09%3A00%3A00")
	req := httptest.NewRequest(http.MethodPost, "/cb", body)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if ing.got.CallID != "CA9" {
		t.Fatalf("expected event forwarded, got %+v", ing.got)
	}

	ing.err = apperr.Validation("seller not found")
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/cb", strings.NewReader("CallSid=CA9&CallFrom=1&CallTo=2&Direction=inbound&StartTime=2024-03-01+09%3A00%3A00"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
