// Package config loads configuration from environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// Config holds the server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Metadata mirror (optional)
	DatabaseURL string

	// Auth
	JWTSecret string

	// Storage backend: "s3", "minio", "obs" or "local"
	StorageBackend   string
	RootFolderName   string
	LocalStoragePath string

	// S3 / MinIO
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Huawei OBS
	OBSEndpoint  string
	OBSBucket    string
	OBSAccessKey string
	OBSSecretKey string
	OBSRegion    string

	// Uploads
	MaxPartSize      int64
	MaxTextSize      int64
	UploadSweepEvery time.Duration
	UploadMaxAge     time.Duration
	UploadAbortStale bool
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:      envOr("METRICS_ADDR", ":9090"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "json"),
		DatabaseURL:      envOr("DATABASE_URL", ""),
		JWTSecret:        envOr("JWT_SECRET", ""),
		StorageBackend:   strings.ToLower(envOr("STORAGE_BACKEND", "local")),
		RootFolderName:   envOr("ROOT_FOLDER_NAME", "oss"),
		LocalStoragePath: envOr("LOCAL_STORAGE_PATH", "/data/storage"),
		S3Endpoint:       envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:         envOr("S3_BUCKET", "ossdrive"),
		S3AccessKey:      envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:      envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:         envOr("S3_REGION", "us-east-1"),
		S3UseSSL:         envBool("S3_USE_SSL", false),
		OBSEndpoint:      envOr("OBS_ENDPOINT", ""),
		OBSBucket:        envOr("OBS_BUCKET", ""),
		OBSAccessKey:     envOr("OBS_ACCESS_KEY", ""),
		OBSSecretKey:     envOr("OBS_SECRET_KEY", ""),
		OBSRegion:        envOr("OBS_REGION", ""),
		MaxPartSize:      envSize("MAX_PART_SIZE", 5*units.GiB),
		MaxTextSize:      envSize("MAX_TEXT_SIZE", 10*units.MiB),
		UploadSweepEvery: envDuration("UPLOAD_SWEEP_INTERVAL", 15*time.Minute),
		UploadMaxAge:     envDuration("UPLOAD_MAX_AGE", 24*time.Hour),
		UploadAbortStale: envBool("UPLOAD_ABORT_STALE", false),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.StorageBackend {
	case "s3", "minio", "local":
	case "obs":
		if c.OBSEndpoint == "" || c.OBSBucket == "" {
			return fmt.Errorf("OBS_ENDPOINT and OBS_BUCKET are required for the obs backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.RootFolderName == "" || strings.Contains(c.RootFolderName, "/") {
		return fmt.Errorf("ROOT_FOLDER_NAME must be a single path element")
	}
	if c.MaxPartSize <= 0 {
		return fmt.Errorf("MAX_PART_SIZE must be positive")
	}
	return nil
}

// BackendConfig renders the JSON config factory.NewBackendFromConfig expects
// for the selected backend.
func (c *Config) BackendConfig() (json.RawMessage, error) {
	var v any
	switch c.StorageBackend {
	case "s3", "minio":
		v = map[string]any{
			"endpoint":   c.S3Endpoint,
			"bucket":     c.S3Bucket,
			"access_key": c.S3AccessKey,
			"secret_key": c.S3SecretKey,
			"region":     c.S3Region,
			"use_ssl":    c.S3UseSSL,
		}
	case "obs":
		v = map[string]any{
			"endpoint":   c.OBSEndpoint,
			"bucket":     c.OBSBucket,
			"access_key": c.OBSAccessKey,
			"secret_key": c.OBSSecretKey,
			"region":     c.OBSRegion,
		}
	default:
		v = map[string]any{
			"root_path":   c.LocalStoragePath,
			"create_dirs": true,
		}
	}
	return json.Marshal(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// envSize accepts plain byte counts or human sizes such as "64MiB" or "5GB".
func envSize(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	n, err := units.RAMInBytes(v)
	if err != nil {
		return fallback
	}
	return n
}
