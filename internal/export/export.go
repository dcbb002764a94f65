// Package export writes a signed JSON snapshot of the local queue for
// diagnostics and manual backup.
package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/luminarias/fieldsync/internal/database"
	"github.com/luminarias/fieldsync/internal/model"
	"github.com/luminarias/fieldsync/internal/signing"
)

// ErrBadSignature is returned by Verify when the records were altered or
// signed with another secret.
var ErrBadSignature = errors.New("export signature mismatch")

// Lister is the part of the queue the exporter reads.
type Lister interface {
	ListAll(ctx context.Context) ([]*model.PendingSubmission, error)
}

// Options tune an export.
type Options struct {
	// IncludePayloads embeds every image as base64. Off by default because
	// three photos per record make snapshots large quickly.
	IncludePayloads bool
	Now             func() time.Time
}

// Image describes one stored photo.
type Image struct {
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	SHA256      string `json:"sha256"`
	Data        string `json:"data,omitempty"`
}

// Record is one queue entry as exported.
type Record struct {
	ID             int64   `json:"id"`
	ColoniaID      *int64  `json:"coloniaId"`
	PoleNumber     string  `json:"poleNumber"`
	Watts          int     `json:"watts"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	PhotoFull      Image   `json:"photoFull"`
	PhotoWatts     Image   `json:"photoWatts"`
	PhotoPhotocell Image   `json:"photoPhotocell"`
	PhotocellIsNew bool    `json:"photocellIsNew"`
	CapturedAt     int64   `json:"capturedAt"`
	Synced         bool    `json:"synced"`
	LastError      string  `json:"lastError,omitempty"`
}

// Snapshot is the exported document. Signature covers the compact JSON of
// Records.
type Snapshot struct {
	ExportedAt    time.Time       `json:"exportedAt"`
	SchemaVersion int             `json:"schemaVersion"`
	Count         int             `json:"count"`
	Pending       int             `json:"pending"`
	Signature     string          `json:"signature"`
	Records       json.RawMessage `json:"records"`
}

// Export writes every queue entry, synced or not, to w.
func Export(ctx context.Context, q Lister, w io.Writer, signer *signing.Signer, opts Options) error {
	subs, err := q.ListAll(ctx)
	if err != nil {
		return err
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	records := make([]Record, 0, len(subs))
	pending := 0
	for _, s := range subs {
		if !s.Synced {
			pending++
		}
		records = append(records, Record{
			ID:             s.ID,
			ColoniaID:      s.ColoniaID,
			PoleNumber:     s.PoleNumber,
			Watts:          s.Watts,
			Latitude:       s.Latitude,
			Longitude:      s.Longitude,
			PhotoFull:      describe(s.PhotoFull, opts.IncludePayloads),
			PhotoWatts:     describe(s.PhotoWatts, opts.IncludePayloads),
			PhotoPhotocell: describe(s.PhotoPhotocell, opts.IncludePayloads),
			PhotocellIsNew: s.PhotocellIsNew,
			CapturedAt:     s.CapturedAt,
			Synced:         s.Synced,
			LastError:      s.LastError,
		})
	}
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}

	snap := Snapshot{
		ExportedAt:    now().UTC(),
		SchemaVersion: database.SchemaVersion,
		Count:         len(records),
		Pending:       pending,
		Signature:     signer.Sign(body),
		Records:       body,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Verify decodes a snapshot from r and checks its signature.
func Verify(r io.Reader, signer *signing.Signer) (*Snapshot, []Record, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, nil, fmt.Errorf("decode snapshot: %w", err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, snap.Records); err != nil {
		return nil, nil, fmt.Errorf("decode records: %w", err)
	}
	if !signer.Validate(compact.Bytes(), snap.Signature) {
		return &snap, nil, ErrBadSignature
	}
	var records []Record
	if err := json.Unmarshal(compact.Bytes(), &records); err != nil {
		return nil, nil, fmt.Errorf("decode records: %w", err)
	}
	return &snap, records, nil
}

// Payload decodes an embedded image. It fails when the snapshot was written
// without payloads or the data does not match its digest.
func (img Image) Payload() (model.Payload, error) {
	if img.Data == "" {
		return model.Payload{}, errors.New("image data not included in export")
	}
	data, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		return model.Payload{}, fmt.Errorf("decode image: %w", err)
	}
	if digest(data) != img.SHA256 {
		return model.Payload{}, errors.New("image digest mismatch")
	}
	return model.Payload{Data: data, ContentType: img.ContentType}, nil
}

func describe(p model.Payload, include bool) Image {
	img := Image{ContentType: p.ContentType, Size: p.Size(), SHA256: digest(p.Data)}
	if include {
		img.Data = base64.StdEncoding.EncodeToString(p.Data)
	}
	return img
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
