package audit

import "time"

// Event is an immutable, append-only audit record.
//
// Invariants:
// - Events are never updated or deleted.
// - Actor and ip capture are best-effort; audit failures never block the pipeline.
type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// Target identifiers (optional, depending on the event type).
	JobID        string `json:"job_id,omitempty" db:"job_id"`
	CallRecordID int64  `json:"call_record_id,omitempty" db:"call_record_id"`
	TaskID       string `json:"task_id,omitempty" db:"task_id"`

	FromStatus string `json:"from_status,omitempty" db:"from_status"`
	ToStatus   string `json:"to_status,omitempty" db:"to_status"`

	// ActorUserID is the authenticated operator causing the event, if any.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeJobTransition  EventType = "job_transition"
	EventTypeCallMerged     EventType = "call_merged"
	EventTypeStaleCallback  EventType = "stale_callback"
	EventTypeOperatorAction EventType = "operator_action"
)
