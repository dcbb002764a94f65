// Package config centralizes how fieldsync reads its settings and exposes
// them as strongly typed Go values.
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Blob and record backends selectable at runtime.
const (
	BackendHTTP     = "http"
	BackendS3       = "s3"
	BackendPostgres = "postgres"
)

// Config represents runtime configuration for the agent, worker and CLI.
type Config struct {
	Address   string
	DataDir   string
	Ephemeral bool

	BlobURL     string
	RecordURL   string
	HealthURL   string
	HTTPTimeout time.Duration

	ProbeInterval     time.Duration
	DebounceDelay     time.Duration
	RetentionMaxAge   time.Duration
	RetentionInterval time.Duration

	MaxImageBytes     int64
	AllowedImageTypes []string
	SigningSecret     []byte

	BlobBackend   string
	RecordBackend string

	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3Region        string
	S3UseSSL        bool
	S3PublicBaseURL string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel string
	LogFile  string
}

const (
	defaultAddress           = "127.0.0.1:8085"
	defaultDataDir           = "./data"
	defaultBlobURL           = "http://localhost:3000/api/upload"
	defaultRecordURL         = "http://localhost:3000/api/luminarias"
	defaultHTTPTimeout       = 30 * time.Second
	defaultProbeInterval     = 10 * time.Second
	defaultDebounceDelay     = 3 * time.Second
	defaultRetentionMaxAge   = 7 * 24 * time.Hour
	defaultRetentionInterval = time.Hour
	defaultMaxImageBytes     = 5 << 20 // 5 MiB, the blob endpoint ceiling
	defaultAllowedTypes      = "image/jpeg,image/png,image/webp"
	defaultS3Bucket          = "luminarias"
	defaultRedisAddr         = "127.0.0.1:6379"
	defaultLogLevel          = "info"
)

// Load reads configuration from an optional fieldsync.yaml, then FIELDSYNC_*
// environment variables, falling back to defaults.
func Load() (*Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom reads configuration through v, letting callers (the CLI) bind
// flags before loading.
func LoadFrom(v *viper.Viper) (*Config, error) {
	v.SetConfigName("fieldsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "fieldsync"))
	}
	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		Address:           v.GetString("address"),
		DataDir:           v.GetString("data_dir"),
		Ephemeral:         v.GetBool("ephemeral"),
		BlobURL:           v.GetString("blob_url"),
		RecordURL:         v.GetString("record_url"),
		HealthURL:         v.GetString("health_url"),
		HTTPTimeout:       v.GetDuration("http_timeout"),
		ProbeInterval:     v.GetDuration("probe_interval"),
		DebounceDelay:     v.GetDuration("debounce_delay"),
		RetentionMaxAge:   v.GetDuration("retention_max_age"),
		RetentionInterval: v.GetDuration("retention_interval"),
		MaxImageBytes:     v.GetInt64("max_image_bytes"),
		AllowedImageTypes: parseList(v.GetString("allowed_image_types")),
		SigningSecret:     []byte(v.GetString("signing_secret")),
		BlobBackend:       strings.ToLower(v.GetString("blob_backend")),
		RecordBackend:     strings.ToLower(v.GetString("record_backend")),
		S3Endpoint:        v.GetString("s3_endpoint"),
		S3AccessKey:       v.GetString("s3_access_key"),
		S3SecretKey:       v.GetString("s3_secret_key"),
		S3Bucket:          v.GetString("s3_bucket"),
		S3Region:          v.GetString("s3_region"),
		S3UseSSL:          v.GetBool("s3_use_ssl"),
		S3PublicBaseURL:   v.GetString("s3_public_base_url"),
		DatabaseURL:       v.GetString("database_url"),
		RedisAddr:         v.GetString("redis_addr"),
		RedisPassword:     v.GetString("redis_password"),
		RedisDB:           v.GetInt("redis_db"),
		LogLevel:          v.GetString("log_level"),
		LogFile:           v.GetString("log_file"),
	}
	if cfg.HealthURL == "" {
		cfg.HealthURL = cfg.RecordURL
	}
	if len(cfg.SigningSecret) == 0 {
		// Idempotency keys only need to be stable for a process lifetime when
		// no secret is configured; replays after a restart lose dedup.
		cfg.SigningSecret = randomSecret()
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = defaultMaxImageBytes
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	if cfg.DebounceDelay < 0 {
		cfg.DebounceDelay = defaultDebounceDelay
	}
	if cfg.RetentionMaxAge <= 0 {
		cfg.RetentionMaxAge = defaultRetentionMaxAge
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = defaultRetentionInterval
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("address", defaultAddress)
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("ephemeral", false)
	v.SetDefault("blob_url", defaultBlobURL)
	v.SetDefault("record_url", defaultRecordURL)
	v.SetDefault("health_url", "")
	v.SetDefault("http_timeout", defaultHTTPTimeout)
	v.SetDefault("probe_interval", defaultProbeInterval)
	v.SetDefault("debounce_delay", defaultDebounceDelay)
	v.SetDefault("retention_max_age", defaultRetentionMaxAge)
	v.SetDefault("retention_interval", defaultRetentionInterval)
	v.SetDefault("max_image_bytes", defaultMaxImageBytes)
	v.SetDefault("allowed_image_types", defaultAllowedTypes)
	v.SetDefault("signing_secret", "")
	v.SetDefault("blob_backend", BackendHTTP)
	v.SetDefault("record_backend", BackendHTTP)
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("s3_access_key", "")
	v.SetDefault("s3_secret_key", "")
	v.SetDefault("s3_bucket", defaultS3Bucket)
	v.SetDefault("s3_region", "")
	v.SetDefault("s3_use_ssl", true)
	v.SetDefault("s3_public_base_url", "")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_addr", defaultRedisAddr)
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_file", "")
}

func (c *Config) validate() error {
	switch c.BlobBackend {
	case BackendHTTP:
		if c.BlobURL == "" {
			return fmt.Errorf("blob_url is required for the %s blob backend", BackendHTTP)
		}
	case BackendS3:
		if c.S3Endpoint == "" || c.S3Bucket == "" {
			return fmt.Errorf("s3_endpoint and s3_bucket are required for the %s blob backend", BackendS3)
		}
	default:
		return fmt.Errorf("unknown blob_backend %q", c.BlobBackend)
	}
	switch c.RecordBackend {
	case BackendHTTP:
		if c.RecordURL == "" {
			return fmt.Errorf("record_url is required for the %s record backend", BackendHTTP)
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for the %s record backend", BackendPostgres)
		}
	default:
		return fmt.Errorf("unknown record_backend %q", c.RecordBackend)
	}
	return nil
}

// QueuePath is the SQLite file backing the durable queue.
func (c *Config) QueuePath() string {
	return filepath.Join(c.DataDir, "fieldsync.db")
}

func parseList(val string) []string {
	out := strings.Split(val, ",")
	kept := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			kept = append(kept, s)
		}
	}
	return kept
}

func randomSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return []byte("fieldsync-fallback-secret")
	}
	return buf
}
