package config

import (
	"encoding/json"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.StorageBackend != "local" {
		t.Errorf("StorageBackend = %q", cfg.StorageBackend)
	}
	if cfg.MaxPartSize != 5<<30 {
		t.Errorf("MaxPartSize = %d", cfg.MaxPartSize)
	}
	if cfg.UploadMaxAge != 24*time.Hour {
		t.Errorf("UploadMaxAge = %v", cfg.UploadMaxAge)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without JWT_SECRET")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STORAGE_BACKEND", "ftp")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestLoadOBSNeedsEndpoint(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STORAGE_BACKEND", "OBS")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for obs without endpoint")
	}

	t.Setenv("OBS_ENDPOINT", "https://obs.example.com")
	t.Setenv("OBS_BUCKET", "drive")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StorageBackend != "obs" {
		t.Errorf("backend name not normalized: %q", cfg.StorageBackend)
	}
}

func TestEnvSize(t *testing.T) {
	tests := []struct {
		value string
		want  int64
	}{
		{"", 42},
		{"1024", 1024},
		{"64MiB", 64 << 20},
		{"1g", 1 << 30},
		{"lots", 42},
	}
	for _, tt := range tests {
		t.Setenv("TEST_SIZE", tt.value)
		if got := envSize("TEST_SIZE", 42); got != tt.want {
			t.Errorf("envSize(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestBackendConfigKeys(t *testing.T) {
	cfg := &Config{StorageBackend: "s3", S3Bucket: "b", S3Endpoint: "http://minio:9000"}
	raw, err := cfg.BackendConfig()
	if err != nil {
		t.Fatalf("BackendConfig: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["bucket"] != "b" || m["endpoint"] != "http://minio:9000" {
		t.Errorf("unexpected s3 config: %v", m)
	}

	cfg = &Config{StorageBackend: "local", LocalStoragePath: "/srv"}
	raw, _ = cfg.BackendConfig()
	m = nil
	json.Unmarshal(raw, &m)
	if m["root_path"] != "/srv" || m["create_dirs"] != true {
		t.Errorf("unexpected local config: %v", m)
	}
}
