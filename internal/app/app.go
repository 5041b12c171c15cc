// Package app assembles the services shared by the api and worker processes.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"callpipeline/internal/audit"
	"callpipeline/internal/calls"
	"callpipeline/internal/config"
	"callpipeline/internal/directory"
	"callpipeline/internal/dispatch"
	"callpipeline/internal/engine"
	"callpipeline/internal/jobs"
	"callpipeline/internal/pipeline"
	"callpipeline/internal/reporting"
	"callpipeline/internal/storage"
	"callpipeline/pkg/phone"

	"github.com/redis/go-redis/v9"
)

// App holds the wired services.
type App struct {
	Engine *engine.Engine
	Audit  *audit.Service
}

// Build wires postgres-backed stores into the engine. Storage is optional; without it
// recordings stay at the provider URL.
func Build(ctx context.Context, cfg config.Config, db *sql.DB, rdb *redis.Client, log *slog.Logger) (*App, error) {
	dir := directory.NewPostgresDirectory(db)
	callStore := calls.NewPostgresStore(db)
	normalizer := calls.NewNormalizer(dir, dir, phone.NewNormalizer(cfg.Pipeline.PhoneDefaultRegion), cfg.Pipeline.MinRecordingSeconds)
	reconciler := calls.NewReconciler(callStore, cfg.Pipeline.ReconcileWindow, cfg.Pipeline.ReconcileGrace)
	callSvc := calls.NewService(normalizer, reconciler, callStore)

	jobStore := jobs.NewPostgresStore(db)
	jobSvc := jobs.NewService(jobStore, cfg.Pipeline.JobMaxAttempts)

	var limiter dispatch.Limiter = dispatch.NoLimit{}
	if cfg.Pipeline.StageMaxInflight > 0 {
		// Zero ttl keeps the limiter's default holder expiry.
		limiter = dispatch.NewRedisLimiter(rdb, cfg.Pipeline.StageMaxInflight, 0)
	}
	tasks := dispatch.NewHTTPTaskService(cfg.AudioTasks.BaseURL, cfg.AudioTasks.APIKey, cfg.AudioTasks.RequestTimeout)
	dispatcher := dispatch.New(jobStore, jobSvc, tasks, limiter, dispatch.Config{
		MaxRetries:      cfg.Pipeline.DispatchMaxRetries,
		InitialInterval: cfg.Pipeline.DispatchInitialDelay,
		MaxInterval:     cfg.Pipeline.DispatchMaxDelay,
	})
	coord := pipeline.New(jobSvc, jobStore, dispatcher, cfg.Pipeline.ResumeFromCheckpoint)

	var archiver storage.Archiver = storage.PassThrough{}
	if cfg.Storage.Enabled() {
		a, err := storage.NewMinIOArchiver(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := a.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("storage bucket: %w", err)
		}
		archiver = a
		log.Info("recording archive enabled", "endpoint", cfg.Storage.Endpoint, "bucket", cfg.Storage.Bucket)
	}

	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	reconciler.Observe(audit.NewMergeObserver(auditSvc))

	reports := reporting.NewService(reporting.NewStoreRepo(callStore, jobStore))

	eng := engine.New(engine.Deps{
		Calls:    callSvc,
		Jobs:     jobSvc,
		Pipeline: coord,
		Archiver: archiver,
		Reports:  reports,
		Audit:    auditSvc,
	}, engine.Config{
		IngestConcurrency: cfg.Pipeline.IngestConcurrency,
		JobRetention:      cfg.Pipeline.JobRetention,
	})
	return &App{Engine: eng, Audit: auditSvc}, nil
}
