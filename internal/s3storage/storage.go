// Package s3storage uploads luminaria photos straight to a MinIO/S3 bucket,
// for agents that run inside the network where the bucket lives.
package s3storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/luminarias/fieldsync/internal/codec"
	"github.com/luminarias/fieldsync/internal/config"
	"github.com/luminarias/fieldsync/internal/model"
	"github.com/luminarias/fieldsync/internal/remote"
)

// Storage implements remote.BlobUploader on top of MinIO.
type Storage struct {
	client        *minio.Client
	bucket        string
	region        string
	publicBaseURL string
	maxBytes      int64
	allowed       map[string]bool
	now           func() time.Time
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	base := cfg.S3PublicBaseURL
	if base == "" {
		scheme := "http"
		if cfg.S3UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + cfg.S3Endpoint
	}
	return newStorage(client, cfg.S3Bucket, cfg.S3Region, base, cfg.MaxImageBytes, cfg.AllowedImageTypes), nil
}

func newStorage(client *minio.Client, bucket, region, publicBaseURL string, maxBytes int64, allowedTypes []string) *Storage {
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[strings.ToLower(t)] = true
	}
	return &Storage{
		client:        client,
		bucket:        bucket,
		region:        region,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		maxBytes:      maxBytes,
		allowed:       allowed,
		now:           time.Now,
	}
}

var _ remote.BlobUploader = (*Storage)(nil)

// EnsureBucket makes sure the photo bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Upload stores part under a dated key and returns its public URL. The size
// and type limits of the hosted upload endpoint are applied first so both
// backends reject the same photos.
func (s *Storage) Upload(ctx context.Context, part codec.Part) (string, error) {
	if err := s.check(part); err != nil {
		return "", fmt.Errorf("%w: %s: %w", model.ErrUpload, part.FileName, err)
	}
	key := s.ObjectKey(part.FileName)
	opts := minio.PutObjectOptions{ContentType: part.ContentType}
	if _, err := s.client.PutObject(ctx, s.bucket, key, part.Reader(), part.Size(), opts); err != nil {
		return "", fmt.Errorf("%w: %s: put object: %w", model.ErrUpload, part.FileName, err)
	}
	return s.PublicURL(key), nil
}

func (s *Storage) check(part codec.Part) error {
	if s.maxBytes > 0 && part.Size() > s.maxBytes {
		return &remote.StatusError{Status: 413, Message: fmt.Sprintf("file exceeds %d bytes", s.maxBytes)}
	}
	if len(s.allowed) > 0 && !s.allowed[strings.ToLower(part.ContentType)] {
		return &remote.StatusError{Status: 415, Message: fmt.Sprintf("content type %s not allowed", part.ContentType)}
	}
	return nil
}

// ObjectKey returns luminarias/<YYYY>/<MM>/<fileName>.
func (s *Storage) ObjectKey(fileName string) string {
	now := s.now().UTC()
	return path.Join("luminarias", fmt.Sprintf("%04d", now.Year()), fmt.Sprintf("%02d", int(now.Month())), fileName)
}

// PublicURL builds <base>/<bucket>/<key> with each key segment escaped.
func (s *Storage) PublicURL(key string) string {
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return s.publicBaseURL + "/" + url.PathEscape(s.bucket) + "/" + strings.Join(segs, "/")
}
