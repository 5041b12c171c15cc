package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"callpipeline/internal/jobs"
)

// LaunchRequest is what the external task service receives for one stage.
type LaunchRequest struct {
	JobID   string     `json:"job_id"`
	TaskID  string     `json:"task_id"`
	Stage   jobs.Stage `json:"stage"`
	Attempt int        `json:"attempt"`
	Payload Payload    `json:"payload"`
}

// Payload carries the stage input: the audio for diarization, the previous stage's
// result for the later stages.
type Payload struct {
	CallRecordID int64  `json:"call_record_id"`
	AudioURL     string `json:"audio_url,omitempty"`
	InputRef     string `json:"input_ref,omitempty"`
}

// AudioTaskService launches containerized compute for a stage and returns the
// external task handle.
type AudioTaskService interface {
	Launch(ctx context.Context, req LaunchRequest) (externalTaskID string, err error)
}

// LaunchError is a rejection by the task service.
type LaunchError struct {
	StatusCode int
	Body       string
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("task service rejected launch: status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the rejection may succeed later (capacity, auth
// rotation, server errors). Malformed requests never will.
func (e *LaunchError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusNotFound:
		return false
	default:
		return true
	}
}

// HTTPTaskService posts launch requests as JSON to {baseURL}/tasks.
type HTTPTaskService struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPTaskService(baseURL, apiKey string, timeout time.Duration) *HTTPTaskService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTaskService{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type launchResponse struct {
	TaskID string `json:"task_id"`
}

func (s *HTTPTaskService) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.TaskID)
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &LaunchError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var out launchResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode launch response: %w", err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("launch response has no task_id")
	}
	return out.TaskID, nil
}
