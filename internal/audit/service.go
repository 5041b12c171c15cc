package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to agency users by default.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.JobID == "" && e.CallRecordID <= 0 {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogTransition records a job status change.
func (s *Service) LogTransition(ctx context.Context, jobID string, callRecordID int64, from, to, message string, at time.Time) error {
	return s.Append(ctx, Event{
		Type:         EventTypeJobTransition,
		JobID:        jobID,
		CallRecordID: callRecordID,
		FromStatus:   from,
		ToStatus:     to,
		Message:      message,
		CreatedAt:    at,
	})
}

// LogCallMerged records two provisional call records collapsing into one.
func (s *Service) LogCallMerged(ctx context.Context, survivorID, absorbedID int64, metadata string) error {
	return s.Append(ctx, Event{
		Type:         EventTypeCallMerged,
		CallRecordID: survivorID,
		Message:      "absorbed call record " + formatID(absorbedID),
		Metadata:     metadata,
	})
}

// LogStaleCallback records a stage callback that was rejected as stale.
func (s *Service) LogStaleCallback(ctx context.Context, jobID, taskID, message string) error {
	return s.Append(ctx, Event{
		Type:    EventTypeStaleCallback,
		JobID:   jobID,
		TaskID:  taskID,
		Message: message,
	})
}

// LogOperatorAction records an action taken by an authenticated operator, e.g. a retry.
func (s *Service) LogOperatorAction(ctx context.Context, jobID, actorUserID, actorRole, ip, message, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeOperatorAction,
		JobID:       jobID,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		Message:     message,
		Metadata:    metadata,
	})
}
