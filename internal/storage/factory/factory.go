// Package factory builds storage backends from their type name and JSON config.
package factory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fruitsalade/ossdrive/internal/storage"
	"github.com/fruitsalade/ossdrive/internal/storage/local"
	"github.com/fruitsalade/ossdrive/internal/storage/minio"
	"github.com/fruitsalade/ossdrive/internal/storage/obs"
	s3backend "github.com/fruitsalade/ossdrive/internal/storage/s3"
)

// NewBackendFromConfig creates a Backend from a backend type string and JSON config.
func NewBackendFromConfig(ctx context.Context, backendType string, config json.RawMessage) (storage.Backend, error) {
	switch backendType {
	case "s3":
		return s3backend.NewBackendFromJSON(ctx, config)
	case "minio":
		return minio.NewFromJSON(ctx, config)
	case "obs":
		return obs.NewFromJSON(config)
	case "local":
		return local.NewFromJSON(config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}
