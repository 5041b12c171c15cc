package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics. Calls are bucketed by start time.
type CallsSummaryRequest struct {
	Range    TimeRange `json:"range"`
	AgencyID string    `json:"agency_id,omitempty"`
	SellerID string    `json:"seller_id,omitempty"`
}

type CallsSummary struct {
	AgencyID string `json:"agency_id,omitempty"`
	SellerID string `json:"seller_id,omitempty"`

	TotalCalls int            `json:"total_calls"`
	BySource   map[string]int `json:"by_source"`
	ByStatus   map[string]int `json:"by_status"`

	// ReconciledCalls were seen by both telephony and the mobile app.
	ReconciledCalls int `json:"reconciled_calls"`
	// SingleSourceCalls had their matching window closed without a counterpart.
	SingleSourceCalls int `json:"single_source_calls"`
	RecordedCalls     int `json:"recorded_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}

// JobsSummaryRequest requests aggregated job metrics. Jobs are bucketed by creation time.
type JobsSummaryRequest struct {
	Range TimeRange `json:"range"`
}

type JobsSummary struct {
	TotalJobs  int `json:"total_jobs"`
	Init       int `json:"init"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`

	// RetriedJobs needed more than one attempt.
	RetriedJobs int `json:"retried_jobs"`

	// Rates are over terminal jobs only.
	SuccessRate float64 `json:"success_rate"`
	FailureRate float64 `json:"failure_rate"`

	AverageProcessingSeconds float64 `json:"average_processing_seconds"`
}
