package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureLuminariasSchema creates the luminarias table used by the direct
// record backend if it does not exist yet. Production databases are
// migrated by the web application; this keeps local stacks self-contained.
func EnsureLuminariasSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS luminarias (
	id BIGSERIAL PRIMARY KEY,
	colonia_id BIGINT,
	numero_poste TEXT NOT NULL,
	watts INTEGER NOT NULL CHECK (watts IN (25, 40, 80)),
	latitud DOUBLE PRECISION NOT NULL,
	longitud DOUBLE PRECISION NOT NULL,
	foto_completa_url TEXT NOT NULL,
	foto_watts_url TEXT NOT NULL,
	foto_fotocelda_url TEXT NOT NULL,
	fotocelda_nueva BOOLEAN NOT NULL DEFAULT FALSE,
	idempotency_key TEXT UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_luminarias_colonia ON luminarias(colonia_id);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
