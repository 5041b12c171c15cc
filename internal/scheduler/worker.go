package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"callpipeline/internal/config"

	"github.com/hibiken/asynq"
)

// Maintenance is the sweep surface of *engine.Engine.
type Maintenance interface {
	SettleUnmatched(ctx context.Context) (int, error)
	MergeDuplicates(ctx context.Context) (int, error)
	CleanupCompletedJobs(ctx context.Context) (int, error)
}

type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	maint  Maintenance
	log    *slog.Logger
}

func NewWorker(cfg config.SchedulerConfig, opt asynq.RedisConnOpt, maint Maintenance, log *slog.Logger) *Worker {
	queue := cfg.Queue
	if queue == "" {
		queue = "default"
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 5
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	w := &Worker{server: server, maint: maint, log: log}
	w.mux = w.newMux()
	return w
}

func (w *Worker) newMux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskSettleUnmatched, w.sweep("settle", w.maint.SettleUnmatched))
	mux.HandleFunc(TaskMergeDuplicates, w.sweep("merge", w.maint.MergeDuplicates))
	mux.HandleFunc(TaskCleanupCompletedJobs, w.sweep("cleanup", w.maint.CleanupCompletedJobs))
	return mux
}

// sweep adapts one maintenance call to an asynq handler. A malformed payload is not
// retried; sweep errors are, under asynq's retry policy.
func (w *Worker) sweep(name string, run func(context.Context) (int, error)) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		payload, err := ParseSweepPayload(task)
		if err != nil {
			return fmt.Errorf("%s payload: %v: %w", name, err, asynq.SkipRetry)
		}
		started := time.Now()
		n, err := run(ctx)
		if err != nil {
			w.log.Error("sweep failed", "sweep", name, "triggered_by", payload.TriggeredBy, "err", err)
			return err
		}
		w.log.Info("sweep finished", "sweep", name, "triggered_by", payload.TriggeredBy, "affected", n, "duration_ms", time.Since(started).Milliseconds())
		return nil
	}
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}
