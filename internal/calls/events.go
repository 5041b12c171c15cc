package calls

import "time"

// TelephonyEvent is a call event delivered by the PBX webhook.
type TelephonyEvent struct {
	CallID    string    `json:"call_id" validate:"required"`
	From      string    `json:"from" validate:"required"`
	To        string    `json:"to" validate:"required"`
	Status    string    `json:"status"`
	Direction Direction `json:"direction" validate:"required,oneof=incoming outgoing"`
	StartTime time.Time `json:"start_time" validate:"required"`
	// EndTime is zero when the provider did not report it.
	EndTime time.Time `json:"end_time"`
	// DurationSeconds is nil when the provider did not report it.
	DurationSeconds *int   `json:"duration_seconds,omitempty" validate:"omitempty,gte=0"`
	RecordingURL    string `json:"recording_url,omitempty" validate:"omitempty,url"`
}

// Telephony call statuses as reported by the provider.
const (
	TelephonyStatusCompleted = "completed"
	TelephonyStatusBusy      = "busy"
	TelephonyStatusNoAnswer  = "no-answer"
	TelephonyStatusFailed    = "failed"
	TelephonyStatusCanceled  = "canceled"
)

// MobileAppEvent is one call log entry pushed by the seller's mobile app.
type MobileAppEvent struct {
	SellerNumber string     `json:"sellerNumber" validate:"required"`
	AppCallID    string     `json:"appCallId" validate:"required"`
	BuyerNumber  string     `json:"buyerNumber" validate:"required"`
	CallType     CallType   `json:"callType" validate:"required,oneof=incoming outgoing missed rejected"`
	StartTime    time.Time  `json:"startTime" validate:"required"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	Duration     string     `json:"duration" validate:"required"`
}

type CallType string

const (
	CallTypeIncoming CallType = "incoming"
	CallTypeOutgoing CallType = "outgoing"
	CallTypeMissed   CallType = "missed"
	CallTypeRejected CallType = "rejected"
)
