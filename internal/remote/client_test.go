package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminarias/fieldsync/internal/codec"
	"github.com/luminarias/fieldsync/internal/model"
)

func testPart() codec.Part {
	return codec.Part{
		Role:        model.RoleFull,
		FileName:    "P-001_full.jpg",
		ContentType: "image/jpeg",
		Data:        []byte{0xFF, 0xD8, 0xFF, 0xE0, 1, 2, 3},
	}
}

func TestUploadSendsFilePart(t *testing.T) {
	var gotName, gotType string
	var gotData []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		gotData, _ = io.ReadAll(file)
		gotName = header.Filename
		gotType = header.Header.Get("Content-Type")
		_ = json.NewEncoder(w).Encode(UploadResponse{FileName: gotName, PublicURL: "https://cdn.example/" + gotName})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, time.Second)
	url, err := c.Upload(context.Background(), testPart())
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/P-001_full.jpg", url)
	assert.Equal(t, "P-001_full.jpg", gotName)
	assert.Equal(t, "image/jpeg", gotType)
	assert.Equal(t, testPart().Data, gotData)
}

func TestUploadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_, _ = w.Write([]byte(`{"error":"file too large"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, srv.URL, time.Second).Upload(context.Background(), testPart())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUpload)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusRequestEntityTooLarge, se.Status)
	assert.Equal(t, "file too large", se.Message)
}

func TestUploadMissingPublicURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"fileName":"x"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, srv.URL, time.Second).Upload(context.Background(), testPart())
	assert.ErrorIs(t, err, model.ErrUpload)
}

func TestUploadTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	_, err := NewClient(srv.URL, srv.URL, time.Second).Upload(context.Background(), testPart())
	assert.ErrorIs(t, err, model.ErrUpload)
}

func TestCreateRecord(t *testing.T) {
	colonia := int64(7)
	var body map[string]any
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1234,"numero_poste":"P-001"}`))
	}))
	defer srv.Close()

	rec, err := NewClient(srv.URL, srv.URL, time.Second).CreateRecord(context.Background(), RecordRequest{
		ColoniaID:         &colonia,
		PoleNumber:        "P-001",
		Watts:             40,
		Latitude:          25.5,
		Longitude:         -100.25,
		PhotoFullURL:      "u1",
		PhotoWattsURL:     "u2",
		PhotoPhotocellURL: "u3",
		PhotocellIsNew:    true,
		IdempotencyKey:    "abc123",
	})
	require.NoError(t, err)
	assert.Equal(t, "1234", rec.ID)
	assert.Equal(t, "abc123", key)
	assert.Equal(t, float64(7), body["coloniaId"])
	assert.Equal(t, "P-001", body["poleNumber"])
	assert.Equal(t, "u3", body["photoPhotocellUrl"])
	assert.Equal(t, true, body["photocellIsNew"])
	assert.NotContains(t, body, "IdempotencyKey")
}

func TestCreateRecordNullColonia(t *testing.T) {
	var raw map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"lum-9"}}`))
	}))
	defer srv.Close()

	rec, err := NewClient(srv.URL, srv.URL, time.Second).CreateRecord(context.Background(), RecordRequest{PoleNumber: "P"})
	require.NoError(t, err)
	assert.Equal(t, "lum-9", rec.ID)
	assert.Equal(t, "null", string(raw["coloniaId"]))
}

func TestCreateRecordRequires201(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusBadRequest, http.StatusInternalServerError} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"watts must be one of 25, 40, 80"}`))
		}))
		_, err := NewClient(srv.URL, srv.URL, time.Second).CreateRecord(context.Background(), RecordRequest{})
		srv.Close()

		require.Error(t, err, "status %d", status)
		assert.ErrorIs(t, err, model.ErrRecordCreation)
		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, status, se.Status)
	}
}
