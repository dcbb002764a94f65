// Package remote talks to the hosted blob and record endpoints.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/luminarias/fieldsync/internal/codec"
	"github.com/luminarias/fieldsync/internal/model"
)

// BlobUploader stores one photo and returns its public URL.
type BlobUploader interface {
	Upload(ctx context.Context, part codec.Part) (string, error)
}

// RecordCreator creates the luminaria record that references three
// previously uploaded photos.
type RecordCreator interface {
	CreateRecord(ctx context.Context, req RecordRequest) (*Record, error)
}

// RecordRequest is the JSON body of the record endpoint.
type RecordRequest struct {
	ColoniaID         *int64  `json:"coloniaId"`
	PoleNumber        string  `json:"poleNumber"`
	Watts             int     `json:"watts"`
	Latitude          float64 `json:"latitude"`
	Longitude         float64 `json:"longitude"`
	PhotoFullURL      string  `json:"photoFullUrl"`
	PhotoWattsURL     string  `json:"photoWattsUrl"`
	PhotoPhotocellURL string  `json:"photoPhotocellUrl"`
	PhotocellIsNew    bool    `json:"photocellIsNew"`

	// IdempotencyKey travels as a header, not in the body.
	IdempotencyKey string `json:"-"`
}

// Record is the created remote record. Body is kept verbatim because the
// remote schema belongs to the web application.
type Record struct {
	ID   string
	Body json.RawMessage
}

// UploadResponse is the blob endpoint's success body.
type UploadResponse struct {
	FileName  string `json:"fileName"`
	PublicURL string `json:"publicUrl"`
}

// StatusError carries a non-success HTTP status and the endpoint's {error}
// message when one was returned.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("status %d", e.Status)
}

// Client implements BlobUploader and RecordCreator over HTTP.
type Client struct {
	http      *http.Client
	blobURL   string
	recordURL string
}

// NewClient builds a Client. A zero timeout leaves the http.Client without
// one.
func NewClient(blobURL, recordURL string, timeout time.Duration) *Client {
	return &Client{
		http:      &http.Client{Timeout: timeout},
		blobURL:   blobURL,
		recordURL: recordURL,
	}
}

// WithHTTPClient swaps the transport, used by tests and by callers that
// need custom TLS.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// Upload posts part as a multipart body with a single field named "file".
func (c *Client) Upload(ctx context.Context, part codec.Part) (string, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, part.FileName))
	header.Set("Content-Type", part.ContentType)
	w, err := mw.CreatePart(header)
	if err != nil {
		return "", uploadErr(part, err)
	}
	if _, err := io.Copy(w, part.Reader()); err != nil {
		return "", uploadErr(part, err)
	}
	if err := mw.Close(); err != nil {
		return "", uploadErr(part, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.blobURL, body)
	if err != nil {
		return "", uploadErr(part, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return "", uploadErr(part, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", uploadErr(part, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", uploadErr(part, statusError(resp.StatusCode, data))
	}
	var out UploadResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", uploadErr(part, fmt.Errorf("decode upload response: %w", err))
	}
	if out.PublicURL == "" {
		return "", uploadErr(part, errors.New("upload response has no publicUrl"))
	}
	return out.PublicURL, nil
}

// CreateRecord posts the record JSON. Only 201 Created counts as success.
func (c *Client) CreateRecord(ctx context.Context, in RecordRequest) (*Record, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, recordErr(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.recordURL, bytes.NewReader(payload))
	if err != nil {
		return nil, recordErr(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if in.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", in.IdempotencyKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, recordErr(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, recordErr(err)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, recordErr(statusError(resp.StatusCode, data))
	}
	return &Record{ID: recordID(data), Body: json.RawMessage(data)}, nil
}

func statusError(status int, body []byte) *StatusError {
	var msg struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &msg); err != nil || msg.Error == "" {
		return &StatusError{Status: status, Message: strings.TrimSpace(string(truncate(body, 200)))}
	}
	return &StatusError{Status: status, Message: msg.Error}
}

// recordID pulls an id out of the created record, tolerating both
// {"id":..} and {"data":{"id":..}} shapes.
func recordID(body []byte) string {
	var doc struct {
		ID   json.RawMessage `json:"id"`
		Data struct {
			ID json.RawMessage `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	raw := doc.ID
	if len(raw) == 0 {
		raw = doc.Data.ID
	}
	return strings.Trim(string(raw), `"`)
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

func uploadErr(part codec.Part, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrUpload, part.FileName, err)
}

func recordErr(err error) error {
	return fmt.Errorf("%w: %w", model.ErrRecordCreation, err)
}
