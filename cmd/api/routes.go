package main

import (
	"database/sql"
	"net/http"
	"time"

	"callpipeline/internal/audit"
	"callpipeline/internal/auth"
	"callpipeline/internal/config"
	"callpipeline/internal/engine"
	"callpipeline/internal/httpapi"
	"callpipeline/internal/rbac"
	"callpipeline/internal/scheduler"
	"callpipeline/internal/telephony"
	"callpipeline/pkg/utils"
	"callpipeline/pkg/validate"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	cfg    config.Config
	db     *sql.DB
	auth   *auth.Manager
	engine *engine.Engine
	audit  *audit.Service
	sweeps *scheduler.Client
}

func registerRoutes(r *gin.Engine, d routeDeps) {
	h := httpapi.Handlers{
		Auth:      d.auth,
		Engine:    d.engine,
		Audit:     d.audit,
		Sweeper:   d.sweeps,
		Validator: validate.New(),
		DevLogin:  !d.cfg.IsProduction(),
	}

	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), d.db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider and device webhooks. They carry no user token, so they are rate limited per IP.
	limiter := httpapi.NewIPRateLimiter(d.cfg.RateLimit.WebhookRPS, d.cfg.RateLimit.WebhookBurst)
	hooks := r.Group("/webhooks", limiter.Middleware())
	{
		tel := telephony.WebhookHandler{Ingester: d.engine, Location: d.cfg.Pipeline.ProviderLocation()}
		hooks.GET("/telephony/call", tel.HandleCallback)
		hooks.POST("/telephony/call", tel.HandleCallback)
		hooks.POST("/mobile/calls", h.IngestMobileCalls)
		hooks.POST("/tasks/outcome", auth.RequireServiceToken(d.auth), h.ReportTaskOutcome)
	}

	r.POST("/auth/token", h.Login)

	v1 := r.Group("/v1", auth.RequireAccessToken(d.auth))
	{
		ops := v1.Group("", httpapi.RequireAgencyAndAnyRole(rbac.RoleAdmin, rbac.RoleOperator, rbac.RoleSupport)...)
		ops.POST("/jobs/recording-ready", h.RecordingReady)
		ops.POST("/jobs/:id/retry", h.RetryJob)
		ops.POST("/calls/merge", h.MergeCalls)

		admin := v1.Group("", httpapi.RequireAgencyAndAnyRole(rbac.RoleAdmin, rbac.RoleSupport)...)
		admin.POST("/maintenance/:task", h.TriggerSweep)

		read := v1.Group("", httpapi.RequireAgencyAndAnyRole(rbac.RoleAdmin, rbac.RoleOperator, rbac.RoleAnalyst, rbac.RoleSupport)...)
		read.GET("/jobs/:id", h.GetJob)
		read.GET("/calls/unmatched", h.ListUnmatched)
		read.GET("/stats/calls", h.CallStats)
		read.GET("/stats/jobs", h.JobStats)
	}
}
