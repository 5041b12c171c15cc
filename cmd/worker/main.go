package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"callpipeline/internal/app"
	"callpipeline/internal/config"
	"callpipeline/internal/scheduler"
	"callpipeline/pkg/logger"
	"callpipeline/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// The worker serves maintenance sweeps and, unless SCHEDULER_DISABLED is set, also
// runs the periodic scheduler that enqueues them.
func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	application, err := app.Build(rootCtx, cfg, db, rdb, log)
	if err != nil {
		log.Error("app init failed", "err", err)
		os.Exit(1)
	}

	opt := scheduler.RedisOpt(cfg)
	worker := scheduler.NewWorker(cfg.Scheduler, opt, application.Engine, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(rootCtx)
	}()

	if os.Getenv("SCHEDULER_DISABLED") != "true" {
		periodic, err := scheduler.NewPeriodic(cfg.Scheduler, opt, log)
		if err != nil {
			log.Error("scheduler init failed", "err", err)
			stop()
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				periodic.Run(rootCtx)
			}()
		}
	}

	log.Info("worker started", "queue", cfg.Scheduler.Queue, "concurrency", cfg.Scheduler.Concurrency)
	<-rootCtx.Done()
	log.Info("shutdown initiated")
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
