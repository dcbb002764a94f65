package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luminarias/fieldsync/internal/model"
	"github.com/luminarias/fieldsync/internal/remote"
)

// LuminariaRepository writes luminaria records directly into the web
// application's Postgres database.
type LuminariaRepository struct {
	pool *pgxpool.Pool
}

// NewLuminariaRepository returns a repository backed by pool.
func NewLuminariaRepository(pool *pgxpool.Pool) *LuminariaRepository {
	return &LuminariaRepository{pool: pool}
}

var _ remote.RecordCreator = (*LuminariaRepository)(nil)

// CreateRecord inserts the record. A replay carrying an idempotency key that
// was already stored returns the existing row instead of a duplicate.
func (r *LuminariaRepository) CreateRecord(ctx context.Context, req remote.RecordRequest) (*remote.Record, error) {
	if !model.IsValidWatts(req.Watts) {
		return nil, fmt.Errorf("%w: %w", model.ErrRecordCreation,
			&remote.StatusError{Status: 400, Message: fmt.Sprintf("watts must be one of %v", model.ValidWatts)})
	}
	var key *string
	if req.IdempotencyKey != "" {
		key = &req.IdempotencyKey
	}

	var (
		id        int64
		createdAt time.Time
	)
	err := r.pool.QueryRow(ctx, `
		INSERT INTO luminarias (colonia_id, numero_poste, watts, latitud, longitud,
			foto_completa_url, foto_watts_url, foto_fotocelda_url, fotocelda_nueva, idempotency_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id, created_at
	`, req.ColoniaID, req.PoleNumber, req.Watts, req.Latitude, req.Longitude,
		req.PhotoFullURL, req.PhotoWattsURL, req.PhotoPhotocellURL, req.PhotocellIsNew, key,
	).Scan(&id, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) && key != nil {
		err = r.pool.QueryRow(ctx,
			`SELECT id, created_at FROM luminarias WHERE idempotency_key = $1`, *key,
		).Scan(&id, &createdAt)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: insert luminaria: %w", model.ErrRecordCreation, err)
	}

	body, err := json.Marshal(struct {
		ID        int64     `json:"id"`
		CreatedAt time.Time `json:"createdAt"`
		remote.RecordRequest
	}{id, createdAt, req})
	if err != nil {
		return nil, fmt.Errorf("%w: encode luminaria: %w", model.ErrRecordCreation, err)
	}
	return &remote.Record{ID: strconv.FormatInt(id, 10), Body: body}, nil
}
