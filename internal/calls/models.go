package calls

import "time"

// CallRecord is the canonical representation of one physical phone call.
//
// A record is created by the first event seen for a call (telephony or mobile app)
// and is merged in place when the counterpart event arrives. Records are never
// deleted: a duplicate row absorbed by a later merge keeps MergedInto pointing at
// the surviving record.
type CallRecord struct {
	ID        int64     `json:"id" db:"id"`
	Source    Source    `json:"source" db:"source"`
	Direction Direction `json:"direction" db:"direction"`

	AgencyID    string `json:"agency_id" db:"agency_id"`
	SellerID    string `json:"seller_id" db:"seller_id"`
	BuyerID     string `json:"buyer_id" db:"buyer_id"`
	SellerPhone string `json:"seller_phone" db:"seller_phone"`
	BuyerPhone  string `json:"buyer_phone" db:"buyer_phone"`

	StartTime time.Time  `json:"start_time" db:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty" db:"end_time"`
	// DurationSeconds stays nil until both endpoints (or an explicit duration) are known.
	DurationSeconds *int `json:"duration_seconds,omitempty" db:"duration_seconds"`

	TelephonyCallID string `json:"telephony_call_id,omitempty" db:"telephony_call_id"`
	MobileCallID    string `json:"mobile_call_id,omitempty" db:"mobile_call_id"`

	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`
	Status       Status `json:"status" db:"status"`

	MergedInto *int64     `json:"merged_into,omitempty" db:"merged_into"`
	SettledAt  *time.Time `json:"settled_at,omitempty" db:"settled_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Source string

const (
	SourceTelephony  Source = "telephony"
	SourceMobileApp  Source = "mobile_app"
	SourceReconciled Source = "reconciled"
)

// Counterpart returns the source a record of s is reconciled against.
func (s Source) Counterpart() Source {
	switch s {
	case SourceTelephony:
		return SourceMobileApp
	case SourceMobileApp:
		return SourceTelephony
	default:
		return ""
	}
}

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type Status string

const (
	StatusNotRecorded Status = "not_recorded"
	StatusMissed      Status = "missed"
	StatusRejected    Status = "rejected"
	StatusNotAnswered Status = "not_answered"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
)

// Label is the presentation form shown to sellers.
func (s Status) Label() string {
	switch s {
	case StatusNotRecorded:
		return "Not Recorded"
	case StatusMissed:
		return "Missed"
	case StatusRejected:
		return "Rejected"
	case StatusNotAnswered:
		return "Not Answered"
	case StatusProcessing:
		return "Processing"
	case StatusCompleted:
		return "Completed"
	default:
		return string(s)
	}
}

// RawID returns the source-specific external id held by the record.
func (r CallRecord) RawID(src Source) string {
	switch src {
	case SourceTelephony:
		return r.TelephonyCallID
	case SourceMobileApp:
		return r.MobileCallID
	default:
		return ""
	}
}

// IngestSource is the source whose event created this record.
func (r CallRecord) IngestSource() Source {
	if r.Source != SourceReconciled {
		return r.Source
	}
	if r.TelephonyCallID != "" {
		return SourceTelephony
	}
	return SourceMobileApp
}

func (r CallRecord) HasRecording() bool {
	return r.RecordingURL != ""
}

// Provisional reports whether the record may still absorb its counterpart.
func (r CallRecord) Provisional() bool {
	return r.Source != SourceReconciled && r.MergedInto == nil && r.SettledAt == nil
}

// NeedsAudioProcessing reports whether a job should exist for this record.
func (r CallRecord) NeedsAudioProcessing() bool {
	return r.HasRecording() && r.Status == StatusProcessing && r.MergedInto == nil
}

func (r *CallRecord) fillDuration() {
	if r.DurationSeconds != nil || r.EndTime == nil {
		return
	}
	d := int(r.EndTime.Sub(r.StartTime).Seconds())
	if d < 0 {
		return
	}
	r.DurationSeconds = &d
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }
