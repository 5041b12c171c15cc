package jobs

import "time"

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusInit       Status = "init"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailure    Status = "failure"
)

// Terminal reports whether the job has stopped moving on its own.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailure
}

// Stage is one ordered step of the audio pipeline.
type Stage string

const (
	StageDiarization   Stage = "diarization"
	StageTranscription Stage = "transcription"
	StageAnalysis      Stage = "analysis"
)

// Stages lists the pipeline in execution order.
var Stages = []Stage{StageDiarization, StageTranscription, StageAnalysis}

// Next returns the stage that follows s; ok is false for the last stage.
func (s Stage) Next() (Stage, bool) {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1], true
		}
	}
	return "", false
}

// Previous returns the stage whose result feeds s.
func (s Stage) Previous() (Stage, bool) {
	for i, st := range Stages {
		if st == s && i > 0 {
			return Stages[i-1], true
		}
	}
	return "", false
}

func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

// Job is the unit of audio processing work for one call record.
type Job struct {
	ID           string     `json:"id" db:"id"`
	CallRecordID int64      `json:"call_record_id" db:"call_record_id"`
	Status       Status     `json:"status" db:"status"`
	S3AudioURL   string     `json:"s3_audio_url" db:"s3_audio_url"`
	StartTime    *time.Time `json:"start_time,omitempty" db:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty" db:"end_time"`
	AttemptCount int        `json:"attempt_count" db:"attempt_count"`
	LastError    string     `json:"last_error,omitempty" db:"last_error"`

	// CurrentStage and ActiveTaskID point at the most recent non-superseded task.
	CurrentStage Stage  `json:"current_stage,omitempty" db:"current_stage"`
	ActiveTaskID string `json:"active_task_id,omitempty" db:"active_task_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// StatusView is the operator-facing projection of a Job.
type StatusView struct {
	ID           string     `json:"id"`
	CallRecordID int64      `json:"call_record_id"`
	Status       Status     `json:"status"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	S3AudioURL   string     `json:"s3_audio_url"`
	AttemptCount int        `json:"attempt_count"`
	LastError    string     `json:"last_error,omitempty"`
	CurrentStage Stage      `json:"current_stage,omitempty"`
}

func (j Job) View() StatusView {
	return StatusView{
		ID:           j.ID,
		CallRecordID: j.CallRecordID,
		Status:       j.Status,
		StartTime:    j.StartTime,
		EndTime:      j.EndTime,
		S3AudioURL:   j.S3AudioURL,
		AttemptCount: j.AttemptCount,
		LastError:    j.LastError,
		CurrentStage: j.CurrentStage,
	}
}

// Outcome is the result of one external task.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// ExternalTask is the handle of one dispatched external compute invocation.
type ExternalTask struct {
	ID             string     `json:"id" db:"id"`
	JobID          string     `json:"job_id" db:"job_id"`
	Stage          Stage      `json:"stage" db:"stage"`
	Attempt        int        `json:"attempt" db:"attempt"`
	ExternalTaskID string     `json:"external_task_id,omitempty" db:"external_task_id"`
	Outcome        Outcome    `json:"outcome" db:"outcome"`
	Superseded     bool       `json:"superseded" db:"superseded"`
	ResultRef      string     `json:"result_ref,omitempty" db:"result_ref"`
	Error          string     `json:"error,omitempty" db:"error"`
	DispatchedAt   time.Time  `json:"dispatched_at" db:"dispatched_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Terminal reports whether the external system already reported this task.
func (t ExternalTask) Terminal() bool {
	return t.Outcome == OutcomeSuccess || t.Outcome == OutcomeFailed
}

func timePtr(t time.Time) *time.Time { return &t }
