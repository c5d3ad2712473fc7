package storage

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// UploadIDs maps object keys to their live multipart upload ID so that
// BeginOrGetUploadID is idempotent per key. Adapters own one each.
type UploadIDs struct {
	group singleflight.Group

	mu  sync.Mutex
	ids map[string]string
}

// NewUploadIDs returns an empty registry.
func NewUploadIDs() *UploadIDs {
	return &UploadIDs{ids: make(map[string]string)}
}

func (u *UploadIDs) lookup(key string) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	id, ok := u.ids[key]
	return id, ok
}

// Resolve returns the upload ID for key. On a miss, find is asked for a
// session the provider already holds (a restarted process), and create opens
// a new one if find reports none. Concurrent misses for one key share a single
// find/create.
func (u *UploadIDs) Resolve(ctx context.Context, key string,
	find func(ctx context.Context) (string, error),
	create func(ctx context.Context) (string, error),
) (string, error) {
	if id, ok := u.lookup(key); ok {
		return id, nil
	}

	v, err, _ := u.group.Do(key, func() (interface{}, error) {
		if id, ok := u.lookup(key); ok {
			return id, nil
		}
		id := ""
		if find != nil {
			found, err := find(ctx)
			if err != nil {
				return "", err
			}
			id = found
		}
		if id == "" {
			created, err := create(ctx)
			if err != nil {
				return "", err
			}
			id = created
		}
		u.mu.Lock()
		u.ids[key] = id
		u.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Forget drops key's mapping if it still points at uploadID. A newer session
// opened for the same key is left alone.
func (u *UploadIDs) Forget(key, uploadID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ids[key] == uploadID {
		delete(u.ids, key)
	}
}

// Len returns the number of mapped keys.
func (u *UploadIDs) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.ids)
}
