package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/luminarias/fieldsync/internal/app"
	"github.com/luminarias/fieldsync/internal/config"
	"github.com/luminarias/fieldsync/internal/connectivity"
	"github.com/luminarias/fieldsync/internal/logging"
	"github.com/luminarias/fieldsync/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "").Error("load config", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFile)

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Error("init components", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	monitor := connectivity.NewMonitor(false)
	prober := connectivity.NewProber(monitor, cfg.HealthURL, cfg.ProbeInterval, cfg.HTTPTimeout, log)
	prober.ProbeOnce(ctx)
	go prober.Run(ctx)

	// One batch at a time per queue; the engine guard would reject a second.
	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: 1,
		Logger:      asynqLogger{log},
	})
	processor := worker.NewProcessor(a.Engine, monitor.Online, log)
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	log.Info("worker started", "redis", cfg.RedisAddr)
	if err := server.Run(mux); err != nil {
		log.Error("worker stopped", "err", err)
		a.Close()
		os.Exit(1)
	}
}
