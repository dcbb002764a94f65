// Package main is the entry point for the capture agent: the local HTTP API
// the field UI talks to, plus the connectivity prober, automatic sync and
// retention sweeper.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/luminarias/fieldsync/internal/app"
	"github.com/luminarias/fieldsync/internal/config"
	"github.com/luminarias/fieldsync/internal/connectivity"
	"github.com/luminarias/fieldsync/internal/logging"
	"github.com/luminarias/fieldsync/internal/server"
	"github.com/luminarias/fieldsync/internal/trigger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "").Error("load config", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Error("init components", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	// The first probe decides the initial state before anything subscribes.
	monitor := connectivity.NewMonitor(false)
	prober := connectivity.NewProber(monitor, cfg.HealthURL, cfg.ProbeInterval, cfg.HTTPTimeout, log)
	prober.ProbeOnce(ctx)

	auto := trigger.NewAutoSync(a.Engine, a.Queue, monitor, cfg.DebounceDelay, log)
	sweeper := trigger.NewRetentionSweeper(a.Queue, cfg.RetentionMaxAge, cfg.RetentionInterval, log)
	srv := server.New(cfg, server.Deps{
		Queue:   a.Queue,
		Engine:  a.Engine,
		Auto:    auto,
		Monitor: monitor,
		Signer:  a.Signer,
		Logger:  log,
	})
	auto.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		prober.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	code := 0
	if err := srv.Serve(ctx); err != nil {
		log.Error("server stopped", "err", err)
		code = 1
		stop()
	}
	wg.Wait()
	auto.Wait()
	log.Info("agent stopped")
	if code != 0 {
		a.Close()
		os.Exit(code)
	}
}
