package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadIDsCreatesOncePerKey(t *testing.T) {
	u := NewUploadIDs()
	var creates atomic.Int32
	release := make(chan struct{})

	create := func(ctx context.Context) (string, error) {
		creates.Add(1)
		<-release
		return "upload-1", nil
	}

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := u.Resolve(context.Background(), "docs/a.bin", nil, create)
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), creates.Load())
	for _, id := range ids {
		assert.Equal(t, "upload-1", id)
	}

	id, err := u.Resolve(context.Background(), "docs/a.bin", nil, create)
	require.NoError(t, err)
	assert.Equal(t, "upload-1", id)
	assert.Equal(t, int32(1), creates.Load())
}

func TestUploadIDsPrefersExistingSession(t *testing.T) {
	u := NewUploadIDs()
	find := func(context.Context) (string, error) { return "from-backend", nil }
	create := func(context.Context) (string, error) {
		t.Fatal("create must not run when find returns a session")
		return "", nil
	}
	id, err := u.Resolve(context.Background(), "k", find, create)
	require.NoError(t, err)
	assert.Equal(t, "from-backend", id)
}

func TestUploadIDsErrorsAreNotCached(t *testing.T) {
	u := NewUploadIDs()
	fail := true
	create := func(context.Context) (string, error) {
		if fail {
			return "", ErrBackendUnavailable
		}
		return "ok", nil
	}
	_, err := u.Resolve(context.Background(), "k", nil, create)
	require.ErrorIs(t, err, ErrBackendUnavailable)

	fail = false
	id, err := u.Resolve(context.Background(), "k", nil, create)
	require.NoError(t, err)
	assert.Equal(t, "ok", id)
}

func TestUploadIDsForgetOnlyMatchingSession(t *testing.T) {
	u := NewUploadIDs()
	n := 0
	create := func(context.Context) (string, error) {
		n++
		return fmt.Sprintf("u%d", n), nil
	}
	id, _ := u.Resolve(context.Background(), "k", nil, create)
	require.Equal(t, "u1", id)

	u.Forget("k", "stale")
	assert.Equal(t, 1, u.Len())

	u.Forget("k", "u1")
	assert.Equal(t, 0, u.Len())

	id, _ = u.Resolve(context.Background(), "k", nil, create)
	assert.Equal(t, "u2", id)
}

func TestWrapKeepsBothErrors(t *testing.T) {
	provider := errors.New("NoSuchUpload: gone")
	err := Wrap(ErrSessionUnknown, "list parts", "a/b", provider)
	assert.ErrorIs(t, err, ErrSessionUnknown)
	assert.ErrorIs(t, err, provider)
	assert.Contains(t, err.Error(), "list parts a/b")

	assert.NoError(t, Wrap(ErrObjectNotFound, "x", "y", nil))
}

func TestObjectDescriptorHelpers(t *testing.T) {
	tests := []struct {
		key    string
		folder bool
		name   string
	}{
		{"photos/", true, "photos"},
		{"photos/2024/cat.jpg", false, "cat.jpg"},
		{"readme.md", false, "readme.md"},
	}
	for _, tt := range tests {
		o := ObjectDescriptor{Key: tt.key}
		assert.Equal(t, tt.folder, o.IsFolder(), tt.key)
		assert.Equal(t, tt.name, o.Name(), tt.key)
	}

	assert.Equal(t, "a/b/", FolderKey("/a/b"))
	assert.Equal(t, "", FolderKey("/"))
	assert.Equal(t, "a/b.txt", ObjectKey("/a//b.txt"))
	assert.Equal(t, "abc", CleanETag(`"abc"`))
}
