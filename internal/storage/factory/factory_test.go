package factory

import (
	"context"
	"encoding/json"
	"testing"
)

func TestNewBackendFromConfig(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"root_path": t.TempDir(), "create_dirs": true})
	b, err := NewBackendFromConfig(context.Background(), "local", raw)
	if err != nil {
		t.Fatalf("local backend: %v", err)
	}
	if b.Type() != "local" {
		t.Errorf("Type() = %q", b.Type())
	}

	if _, err := NewBackendFromConfig(context.Background(), "smb", nil); err == nil {
		t.Error("expected error for unknown backend type")
	}
	if _, err := NewBackendFromConfig(context.Background(), "obs", json.RawMessage(`{"bucket":"b"}`)); err == nil {
		t.Error("expected error for obs without endpoint")
	}
}
