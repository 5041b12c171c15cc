// Package telephony adapts the PBX call webhook into calls.TelephonyEvent.
package telephony

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"callpipeline/internal/calls"
	"callpipeline/pkg/apperr"
)

// CallbackForm captures the subset of the PBX status callback fields we care about.
// The provider calls the webhook with a GET query string; some accounts are
// configured to POST the same fields form-encoded.
//
// Keep it minimal and provider-adapter-only.
// Reconciliation decisions are not made here.
type CallbackForm struct {
	CallSid          string
	CallFrom         string
	CallTo           string
	CallStatus       string
	Direction        string
	Created          string
	StartTime        string
	EndTime          string
	DialCallDuration string
	RecordingURL     string
}

func ParseCallback(r *http.Request) (CallbackForm, error) {
	if err := r.ParseForm(); err != nil {
		return CallbackForm{}, err
	}
	get := func(k string) string { return strings.TrimSpace(r.Form.Get(k)) }
	return CallbackForm{
		CallSid:          get("CallSid"),
		CallFrom:         get("CallFrom"),
		CallTo:           get("CallTo"),
		CallStatus:       get("CallStatus"),
		Direction:        get("Direction"),
		Created:          get("Created"),
		StartTime:        get("StartTime"),
		EndTime:          get("EndTime"),
		DialCallDuration: get("DialCallDuration"),
		RecordingURL:     get("RecordingUrl"),
	}, nil
}

// Provider timestamps carry no zone; they are wall-clock in the account's location.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// ToEvent converts the form. Naive timestamps are read in loc.
func (f CallbackForm) ToEvent(loc *time.Location) (calls.TelephonyEvent, error) {
	if loc == nil {
		loc = time.UTC
	}
	dir, err := parseDirection(f.Direction)
	if err != nil {
		return calls.TelephonyEvent{}, err
	}

	startRaw := f.StartTime
	if startRaw == "" {
		startRaw = f.Created
	}
	start, err := parseTime(startRaw, loc)
	if err != nil {
		return calls.TelephonyEvent{}, apperr.Validation(fmt.Sprintf("StartTime: %v", err))
	}

	ev := calls.TelephonyEvent{
		CallID:       f.CallSid,
		From:         f.CallFrom,
		To:           f.CallTo,
		Status:       strings.ToLower(f.CallStatus),
		Direction:    dir,
		StartTime:    start,
		RecordingURL: f.RecordingURL,
	}
	if ev.Status == "" {
		ev.Status = calls.TelephonyStatusCompleted
	}
	if f.EndTime != "" {
		end, err := parseTime(f.EndTime, loc)
		if err != nil {
			return calls.TelephonyEvent{}, apperr.Validation(fmt.Sprintf("EndTime: %v", err))
		}
		ev.EndTime = end
	}
	if f.DialCallDuration != "" {
		n, err := strconv.Atoi(f.DialCallDuration)
		if err != nil || n < 0 {
			return calls.TelephonyEvent{}, apperr.Validation(fmt.Sprintf("DialCallDuration must be a non-negative integer, got %q", f.DialCallDuration))
		}
		ev.DurationSeconds = &n
	}
	return ev, nil
}

func parseDirection(raw string) (calls.Direction, error) {
	d := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case d == "inbound" || d == "incoming":
		return calls.DirectionIncoming, nil
	case strings.HasPrefix(d, "outbound") || d == "outgoing":
		return calls.DirectionOutgoing, nil
	default:
		return "", apperr.Validation(fmt.Sprintf("unknown call direction %q", raw))
	}
}

func parseTime(raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing")
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", raw)
}
