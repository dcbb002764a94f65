package s3storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminarias/fieldsync/internal/codec"
	"github.com/luminarias/fieldsync/internal/model"
	"github.com/luminarias/fieldsync/internal/remote"
)

func fixedStorage() *Storage {
	s := newStorage(nil, "fotos", "", "https://cdn.example/", 8, []string{"image/jpeg", "image/png"})
	s.now = func() time.Time { return time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC) }
	return s
}

func TestObjectKeyAndURL(t *testing.T) {
	s := fixedStorage()
	key := s.ObjectKey("P 01_full.jpg")
	assert.Equal(t, "luminarias/2026/03/P 01_full.jpg", key)
	assert.Equal(t, "https://cdn.example/fotos/luminarias/2026/03/P%2001_full.jpg", s.PublicURL(key))
}

func TestUploadRejectsBeforeNetwork(t *testing.T) {
	s := fixedStorage()
	cases := []struct {
		name   string
		part   codec.Part
		status int
	}{
		{"too large", codec.Part{FileName: "a.jpg", ContentType: "image/jpeg", Data: make([]byte, 9)}, 413},
		{"bad type", codec.Part{FileName: "a.gif", ContentType: "image/gif", Data: []byte{1}}, 415},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// A nil minio client would panic if the request got that far.
			_, err := s.Upload(context.Background(), tc.part)
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrUpload)
			var se *remote.StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tc.status, se.Status)
		})
	}
}
