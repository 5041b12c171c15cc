package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"callpipeline/internal/config"

	"github.com/hibiken/asynq"
)

// Periodic enqueues the sweeps on fixed intervals. Run one per deployment; each
// entry is unique for its interval so overlapping schedulers do not double-enqueue.
type Periodic struct {
	scheduler *asynq.Scheduler
	log       *slog.Logger
}

type entry struct {
	task  string
	every time.Duration
}

func entries(cfg config.SchedulerConfig) []entry {
	return []entry{
		{TaskSettleUnmatched, cfg.SettleInterval},
		{TaskMergeDuplicates, cfg.MergeInterval},
		{TaskCleanupCompletedJobs, cfg.CleanupInterval},
	}
}

func NewPeriodic(cfg config.SchedulerConfig, opt asynq.RedisConnOpt, log *slog.Logger) (*Periodic, error) {
	s := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: time.UTC})
	queue := cfg.Queue
	if queue == "" {
		queue = "default"
	}
	for _, e := range entries(cfg) {
		if e.every <= 0 {
			continue
		}
		task, err := NewSweepTask(e.task, SweepPayload{TriggeredBy: "schedule"})
		if err != nil {
			return nil, err
		}
		id, err := s.Register(fmt.Sprintf("@every %s", e.every), task, asynq.Queue(queue), asynq.Unique(e.every))
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", e.task, err)
		}
		log.Info("sweep scheduled", "task", e.task, "every", e.every.String(), "entry_id", id)
	}
	return &Periodic{scheduler: s, log: log}, nil
}

func (p *Periodic) Run(ctx context.Context) {
	if p == nil || p.scheduler == nil {
		return
	}
	if err := p.scheduler.Start(); err != nil {
		p.log.Error("periodic scheduler failed to start", "error", err)
		return
	}
	<-ctx.Done()
	p.scheduler.Shutdown()
}
