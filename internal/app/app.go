// Package app assembles the queue, transports and sync engine from
// configuration so every binary wires them the same way.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luminarias/fieldsync/internal/config"
	"github.com/luminarias/fieldsync/internal/database"
	"github.com/luminarias/fieldsync/internal/remote"
	"github.com/luminarias/fieldsync/internal/repository"
	"github.com/luminarias/fieldsync/internal/s3storage"
	"github.com/luminarias/fieldsync/internal/signing"
	"github.com/luminarias/fieldsync/internal/storage"
	"github.com/luminarias/fieldsync/internal/syncer"
)

// App holds the shared components.
type App struct {
	Config  *config.Config
	Log     *slog.Logger
	Queue   syncer.Queue
	Signer  *signing.Signer
	Engine  *syncer.Engine
	Blobs   remote.BlobUploader
	Records remote.RecordCreator

	closers []func()
}

// Build opens the queue and the configured backends. The caller must Close
// the App.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Signer: signing.NewSigner(cfg.SigningSecret)}

	if cfg.Ephemeral {
		log.Warn("ephemeral queue: captures are lost when the process exits")
		a.Queue = storage.NewMemoryStore()
	} else {
		repo := repository.NewSubmissionRepository(cfg.QueuePath())
		if err := repo.Open(ctx); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = repo.Close() })
		a.Queue = repo
	}

	client := remote.NewClient(cfg.BlobURL, cfg.RecordURL, cfg.HTTPTimeout)
	a.Blobs, a.Records = client, client

	if cfg.BlobBackend == config.BackendS3 {
		store, err := s3storage.New(cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.Blobs = store
	}
	if cfg.RecordBackend == config.BackendPostgres {
		pool, err := connectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		a.Records = repository.NewLuminariaRepository(pool)
	}

	a.Engine = syncer.NewEngine(a.Queue, a.Blobs, a.Records, a.Signer, log)
	log.Info("components ready",
		"queue", queueKind(cfg), "blob_backend", cfg.BlobBackend, "record_backend", cfg.RecordBackend)
	return a, nil
}

func connectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := database.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.EnsureLuminariasSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Close releases everything Build opened, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func queueKind(cfg *config.Config) string {
	if cfg.Ephemeral {
		return "memory"
	}
	return cfg.QueuePath()
}
