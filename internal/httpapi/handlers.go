package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"callpipeline/internal/audit"
	"callpipeline/internal/auth"
	"callpipeline/internal/calls"
	"callpipeline/internal/engine"
	"callpipeline/internal/jobs"
	"callpipeline/internal/pipeline"
	"callpipeline/internal/rbac"
	"callpipeline/internal/reporting"
	"callpipeline/pkg/apperr"
	"callpipeline/pkg/logger"
	"callpipeline/pkg/validate"

	"github.com/gin-gonic/gin"
)

// MaxMobileBatch bounds one mobile-app upload.
const MaxMobileBatch = 500

// Engine is the subset of *engine.Engine the HTTP layer calls.
type Engine interface {
	IngestMobileAppEvents(ctx context.Context, events []calls.MobileAppEvent) []engine.EventResult
	IngestRecordingReady(ctx context.Context, req engine.RecordingReady) (jobs.StatusView, error)
	ReportStageOutcome(ctx context.Context, in engine.StageOutcome) (pipeline.Outcome, error)
	RetryJob(ctx context.Context, jobID string) (jobs.StatusView, error)
	GetJobStatus(ctx context.Context, jobID string) (jobs.StatusView, error)
	JobTasks(ctx context.Context, jobID string) ([]jobs.ExternalTask, error)
	MergeRecords(ctx context.Context, aID, bID int64) (calls.CallRecord, error)
	ListUnmatched(ctx context.Context, olderThan time.Duration, limit int) ([]calls.CallRecord, error)
	CallStatistics(ctx context.Context, req reporting.CallsSummaryRequest) (reporting.CallsSummary, error)
	JobStatistics(ctx context.Context, req reporting.JobsSummaryRequest) (reporting.JobsSummary, error)
}

// Sweeper enqueues maintenance sweeps on the worker.
type Sweeper interface {
	Trigger(ctx context.Context, taskType, actor string) (string, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call the engine, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Engine    Engine
	Audit     *audit.Service
	Sweeper   Sweeper
	Validator *validate.Validator
	// DevLogin enables the credential-less token endpoint outside production.
	DevLogin bool
}

// --- Auth ---

type loginRequest struct {
	UserID   string `json:"user_id" validate:"required"`
	AgencyID string `json:"agency_id" validate:"required"`
	Role     string `json:"role" validate:"required,oneof=admin operator analyst"`
}

// Login issues a JWT token pair.
//
// NOTE: Only mounted for local/dev. Real deployments issue tokens from the identity provider.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || !h.DevLogin {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, err)
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.AgencyID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Webhooks ---

// IngestMobileCalls accepts a batch of call log entries. It answers 200 when every
// entry was accepted and 207 with per-entry results otherwise.
func (h Handlers) IngestMobileCalls(c *gin.Context) {
	var events []calls.MobileAppEvent
	if err := c.ShouldBindJSON(&events); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON array of call events"})
		return
	}
	if len(events) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "no call events"})
		return
	}
	if len(events) > MaxMobileBatch {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "batch too large", "max": MaxMobileBatch})
		return
	}

	results := h.Engine.IngestMobileAppEvents(c.Request.Context(), events)
	accepted := 0
	for _, r := range results {
		if r.OK() {
			accepted++
		}
	}
	status := http.StatusOK
	if accepted < len(results) {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{"accepted": accepted, "rejected": len(results) - accepted, "results": results})
}

// ReportTaskOutcome is the audio task service's stage callback. Redeliveries
// answer 200 with disposition "duplicate".
func (h Handlers) ReportTaskOutcome(c *gin.Context) {
	var in engine.StageOutcome
	if err := c.ShouldBindJSON(&in); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Validator.Struct(in); err != nil {
		writeError(c, err)
		return
	}
	out, err := h.Engine.ReportStageOutcome(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Jobs ---

func (h Handlers) RecordingReady(c *gin.Context) {
	var req engine.RecordingReady
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	view, err := h.Engine.IngestRecordingReady(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

func (h Handlers) GetJob(c *gin.Context) {
	id := c.Param("id")
	view, err := h.Engine.GetJobStatus(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if c.Query("include") != "tasks" {
		c.JSON(http.StatusOK, view)
		return
	}
	tasks, err := h.Engine.JobTasks(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": view, "tasks": tasks})
}

// RetryJob re-runs a failed job and records who asked for it.
// RBAC: admin, operator or support.
func (h Handlers) RetryJob(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	view, err := h.Engine.RetryJob(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.Audit != nil {
		who, _ := auth.IdentityFrom(ctx)
		msg := "job retried, attempt " + strconv.Itoa(view.AttemptCount)
		if err := h.Audit.LogOperatorAction(ctx, id, who.UserID, who.Role, c.ClientIP(), msg, ""); err != nil {
			logger.FromGin(c).Warn("audit append failed", "job_id", id, "err", err)
		}
	}
	c.JSON(http.StatusOK, view)
}

// --- Calls ---

type mergeRequest struct {
	A int64 `json:"a_id" validate:"required,gt=0"`
	B int64 `json:"b_id" validate:"required,gt=0,nefield=A"`
}

func (h Handlers) MergeCalls(c *gin.Context) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, err)
		return
	}
	rec, err := h.Engine.MergeRecords(c.Request.Context(), req.A, req.B)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h Handlers) ListUnmatched(c *gin.Context) {
	olderThan := 30 * time.Minute
	if v := c.Query("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(c, apperr.Validation("older_than must be a non-negative duration"))
			return
		}
		olderThan = d
	}
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		writeError(c, err)
		return
	}
	recs, err := h.Engine.ListUnmatched(c.Request.Context(), olderThan, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	agency := rbac.ScopeAgency(c, c.Query("agency_id"))
	out := make([]calls.CallRecord, 0, len(recs))
	for _, r := range recs {
		if agency == "" || r.AgencyID == agency {
			out = append(out, r)
		}
	}
	c.JSON(http.StatusOK, gin.H{"records": out})
}

// --- Maintenance ---

// TriggerSweep enqueues a maintenance sweep now instead of waiting for its schedule.
// RBAC: admin.
func (h Handlers) TriggerSweep(c *gin.Context) {
	if h.Sweeper == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not configured"})
		return
	}
	who, _ := auth.IdentityFrom(c.Request.Context())
	id, err := h.Sweeper.Trigger(c.Request.Context(), c.Param("task"), who.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

// --- Stats ---

func (h Handlers) CallStats(c *gin.Context) {
	rng, err := parseRange(c)
	if err != nil {
		writeError(c, err)
		return
	}
	out, err := h.Engine.CallStatistics(c.Request.Context(), reporting.CallsSummaryRequest{
		Range:    rng,
		AgencyID: rbac.ScopeAgency(c, c.Query("agency_id")),
		SellerID: c.Query("seller_id"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) JobStats(c *gin.Context) {
	rng, err := parseRange(c)
	if err != nil {
		writeError(c, err)
		return
	}
	out, err := h.Engine.JobStatistics(c.Request.Context(), reporting.JobsSummaryRequest{Range: rng})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// parseRange reads from/to as RFC3339, defaulting to the last 24 hours.
func parseRange(c *gin.Context) (reporting.TimeRange, error) {
	now := time.Now().UTC()
	rng := reporting.TimeRange{From: now.Add(-24 * time.Hour), To: now}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return rng, apperr.Validation("from must be RFC3339")
		}
		rng.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return rng, apperr.Validation("to must be RFC3339")
		}
		rng.To = t
	}
	return rng, nil
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, apperr.Validation(key + " must be a positive integer")
	}
	return n, nil
}

// Convenience middleware bundles.

func RequireAgencyAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireAgency(), rbac.RequireAnyRole(roles...)}
}
