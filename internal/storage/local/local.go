// Package local provides a local filesystem storage backend. Folders are
// directories; multipart parts are staged under a hidden directory in the root
// and concatenated on completion.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/ossdrive/internal/logging"
	"github.com/fruitsalade/ossdrive/internal/metrics"
	"github.com/fruitsalade/ossdrive/internal/storage"
)

const (
	stagingDir  = ".uploads"
	keyFile     = "key"
	partSuffix  = ".part"
	tempPattern = ".ossdrive-*.tmp"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// Backend implements storage.Backend using the local filesystem.
type Backend struct {
	rootPath string
	uploads  *storage.UploadIDs
}

// New creates a new local filesystem backend.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	switch {
	case err != nil && os.IsNotExist(err) && cfg.CreateDirs:
		if err := os.MkdirAll(cfg.RootPath, 0755); err != nil {
			return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
	case !info.IsDir():
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	if err := os.MkdirAll(filepath.Join(cfg.RootPath, stagingDir), 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	return &Backend{
		rootPath: cfg.RootPath,
		uploads:  storage.NewUploadIDs(),
	}, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

func record(op string, start time.Time, err error) {
	metrics.RecordBackendOperation("local", op, time.Since(start), err == nil)
}

func (b *Backend) fullPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(strings.TrimSuffix(key, "/")))
}

func (b *Backend) sessionDir(uploadID string) string {
	return filepath.Join(b.rootPath, stagingDir, uploadID)
}

func wrap(op, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return storage.Wrap(storage.ErrObjectNotFound, op, key, err)
	}
	return storage.Wrap(storage.ErrBackendUnavailable, op, key, err)
}

// hidden reports whether a root-relative slash path belongs to the backend's
// own bookkeeping rather than user content.
func hidden(rel string) bool {
	first, _, _ := strings.Cut(rel, "/")
	name := strings.TrimSuffix(rel, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return first == stagingDir || strings.HasPrefix(name, ".ossdrive-")
}

// etag is a cheap fingerprint; the local backend does not hash content.
func etag(info fs.FileInfo) string {
	return strconv.FormatInt(info.ModTime().UnixNano(), 16) + "-" + strconv.FormatInt(info.Size(), 16)
}

func (b *Backend) descriptor(key string, info fs.FileInfo) storage.ObjectDescriptor {
	d := storage.ObjectDescriptor{
		Key:          key,
		LastModified: info.ModTime(),
		Bucket:       b.rootPath,
	}
	if !info.IsDir() {
		d.Size = info.Size()
		d.ETag = etag(info)
	}
	return d
}

// ObjectExists checks if a file or folder exists.
func (b *Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := b.StatObject(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return false, nil
	}
	return err == nil, err
}

// StatObject describes key. Folder keys must name a directory and file keys
// a regular file.
func (b *Backend) StatObject(_ context.Context, key string) (storage.ObjectDescriptor, error) {
	start := time.Now()
	info, err := os.Stat(b.fullPath(key))
	record("stat", start, err)
	if err != nil {
		return storage.ObjectDescriptor{}, wrap("stat", key, err)
	}
	if info.IsDir() != strings.HasSuffix(key, "/") || hidden(key) {
		return storage.ObjectDescriptor{}, storage.Wrap(storage.ErrObjectNotFound, "stat", key, fs.ErrNotExist)
	}
	return b.descriptor(key, info), nil
}

// writeAtomic writes body to dst through a temp file in the same directory.
func writeAtomic(dst string, body io.Reader) (int64, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return n, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return n, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return n, err
	}
	return n, nil
}

// PutObject writes content atomically. A folder key creates the directory.
func (b *Backend) PutObject(_ context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()
	var err error
	if strings.HasSuffix(key, "/") {
		err = os.MkdirAll(b.fullPath(key), 0755)
	} else {
		var n int64
		n, err = writeAtomic(b.fullPath(key), body)
		if err == nil && size >= 0 && n != size {
			logging.Warn("local put size differs from declared size",
				zap.String("key", key), zap.Int64("declared", size), zap.Int64("written", n))
		}
	}
	record("put", start, err)
	if err != nil {
		return wrap("put", key, err)
	}
	return nil
}

// ─── Multipart ──────────────────────────────────────────────────────────────

// BeginOrGetUploadID returns the staging session for key, reusing one left
// on disk by an earlier process.
func (b *Backend) BeginOrGetUploadID(ctx context.Context, key string) (string, error) {
	return b.uploads.Resolve(ctx, key, func(context.Context) (string, error) {
		return b.findSession(key)
	}, func(context.Context) (string, error) {
		start := time.Now()
		id := uuid.NewString()
		dir := b.sessionDir(id)
		err := os.MkdirAll(dir, 0755)
		if err == nil {
			err = os.WriteFile(filepath.Join(dir, keyFile), []byte(key), 0644)
		}
		record("begin_upload", start, err)
		if err != nil {
			return "", wrap("begin upload", key, err)
		}
		return id, nil
	})
}

func (b *Backend) findSession(key string) (string, error) {
	entries, err := os.ReadDir(filepath.Join(b.rootPath, stagingDir))
	if err != nil {
		return "", wrap("scan uploads", key, err)
	}
	var (
		id     string
		latest time.Time
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.sessionDir(e.Name()), keyFile))
		if err != nil || string(data) != key {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if id == "" || info.ModTime().After(latest) {
			id, latest = e.Name(), info.ModTime()
		}
	}
	return id, nil
}

// checkSession returns ErrSessionUnknown unless uploadID is staged for key.
func (b *Backend) checkSession(key, uploadID string) error {
	if uploadID == "" || strings.ContainsAny(uploadID, `/\`) || uploadID == "." || uploadID == ".." {
		return storage.Wrap(storage.ErrSessionUnknown, "check session", key, fmt.Errorf("invalid upload id %q", uploadID))
	}
	data, err := os.ReadFile(filepath.Join(b.sessionDir(uploadID), keyFile))
	if errors.Is(err, fs.ErrNotExist) {
		b.uploads.Forget(key, uploadID)
		return storage.Wrap(storage.ErrSessionUnknown, "check session", key, err)
	}
	if err != nil {
		return wrap("check session", key, err)
	}
	if string(data) != key {
		return storage.Wrap(storage.ErrSessionUnknown, "check session", key,
			fmt.Errorf("upload %s belongs to %s", uploadID, data))
	}
	return nil
}

// UploadPart stages one part. A re-sent part number replaces the earlier one.
func (b *Backend) UploadPart(_ context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) error {
	if err := b.checkSession(key, uploadID); err != nil {
		return err
	}
	start := time.Now()
	dst := filepath.Join(b.sessionDir(uploadID), strconv.Itoa(partNumber)+partSuffix)
	n, err := writeAtomic(dst, body)
	if err == nil && size >= 0 && n != size {
		os.Remove(dst)
		err = fmt.Errorf("short part: got %d of %d bytes", n, size)
	}
	record("upload_part", start, err)
	if err != nil {
		return wrap(fmt.Sprintf("upload part %d", partNumber), key, err)
	}
	return nil
}

// ListUploadedParts returns the staged part numbers in ascending order.
func (b *Backend) ListUploadedParts(_ context.Context, key, uploadID string) ([]int, error) {
	if err := b.checkSession(key, uploadID); err != nil {
		return nil, err
	}
	return b.stagedParts(key, uploadID)
}

func (b *Backend) stagedParts(key, uploadID string) ([]int, error) {
	start := time.Now()
	entries, err := os.ReadDir(b.sessionDir(uploadID))
	record("list_parts", start, err)
	if err != nil {
		return nil, wrap("list parts", key, err)
	}
	var nums []int
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), partSuffix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(name); err == nil && n > 0 {
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)
	return nums, nil
}

// CompleteUpload concatenates the staged parts in order into the final file
// and removes the session.
func (b *Backend) CompleteUpload(_ context.Context, key, uploadID string, totalSize int64) error {
	if err := b.checkSession(key, uploadID); err != nil {
		return err
	}
	nums, err := b.stagedParts(key, uploadID)
	if err != nil {
		return err
	}

	start := time.Now()
	pr, pw := io.Pipe()
	go func() {
		for _, n := range nums {
			f, err := os.Open(filepath.Join(b.sessionDir(uploadID), strconv.Itoa(n)+partSuffix))
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			_, err = io.Copy(pw, f)
			f.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()
	written, err := writeAtomic(b.fullPath(key), pr)
	pr.Close()
	record("complete_upload", start, err)
	if err != nil {
		return wrap("complete upload", key, err)
	}

	if totalSize > 0 && written != totalSize {
		logging.Warn("local multipart size differs from declared size",
			zap.String("key", key), zap.Int64("declared", totalSize), zap.Int64("assembled", written))
	}
	if err := os.RemoveAll(b.sessionDir(uploadID)); err != nil {
		logging.Warn("failed to remove upload staging dir", zap.String("upload_id", uploadID), zap.Error(err))
	}
	b.uploads.Forget(key, uploadID)
	logging.Debug("local multipart upload completed", zap.String("key", key), zap.Int("parts", len(nums)))
	return nil
}

// AbortUpload removes the staging session.
func (b *Backend) AbortUpload(_ context.Context, key, uploadID string) error {
	if err := b.checkSession(key, uploadID); err != nil {
		return err
	}
	start := time.Now()
	err := os.RemoveAll(b.sessionDir(uploadID))
	record("abort_upload", start, err)
	b.uploads.Forget(key, uploadID)
	if err != nil {
		return wrap("abort upload", key, err)
	}
	return nil
}

// ─── Objects ────────────────────────────────────────────────────────────────

// DeleteObject removes a file, or an empty directory for a folder key.
func (b *Backend) DeleteObject(_ context.Context, key string) error {
	start := time.Now()
	err := os.Remove(b.fullPath(key))
	if os.IsNotExist(err) {
		err = nil
	}
	record("delete", start, err)
	if err != nil {
		return wrap("delete", key, err)
	}
	return nil
}

// CopyObject copies a file, or creates the destination directory for a
// folder key.
func (b *Backend) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	if strings.HasSuffix(srcKey, "/") {
		if _, err := b.StatObject(ctx, srcKey); err != nil {
			return err
		}
		return b.PutObject(ctx, dstKey, strings.NewReader(""), 0)
	}

	start := time.Now()
	src, err := os.Open(b.fullPath(srcKey))
	if err != nil {
		record("copy", start, err)
		return wrap("copy", srcKey, err)
	}
	defer src.Close()

	_, err = writeAtomic(b.fullPath(dstKey), src)
	record("copy", start, err)
	if err != nil {
		return wrap("copy", srcKey+" -> "+dstKey, err)
	}
	return nil
}

// ReadRange streams bytes [start, end] of key.
func (b *Backend) ReadRange(_ context.Context, key string, start, end int64) (io.ReadCloser, int64, error) {
	began := time.Now()
	f, err := os.Open(b.fullPath(key))
	if err != nil {
		record("read_range", began, err)
		return nil, 0, wrap("open", key, err)
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		record("read_range", began, err)
		return nil, 0, wrap("seek", key, err)
	}
	record("read_range", began, nil)
	length := end - start + 1
	return &limitedReadCloser{
		Reader: io.LimitReader(f, length),
		Closer: f,
	}, length, nil
}

// ReadAll streams the whole file.
func (b *Backend) ReadAll(_ context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()
	f, err := os.Open(b.fullPath(key))
	if err != nil {
		record("read", start, err)
		return nil, 0, wrap("open", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		record("read", start, err)
		return nil, 0, wrap("stat", key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, storage.Wrap(storage.ErrObjectNotFound, "open", key, fmt.Errorf("%s is a directory", key))
	}
	record("read", start, nil)
	return f, info.Size(), nil
}

// ListObjects lists entries whose key starts with prefix. Directories are
// reported as folder keys with a trailing slash.
func (b *Backend) ListObjects(_ context.Context, prefix string, recursive bool) ([]storage.ObjectDescriptor, error) {
	start := time.Now()
	base := ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		base = prefix[:i+1]
	}
	baseDir := b.fullPath(base)

	var objects []storage.ObjectDescriptor
	add := func(rel string, info fs.FileInfo) {
		key := rel
		if info.IsDir() {
			key += "/"
		}
		if key == prefix || !strings.HasPrefix(key, prefix) || hidden(key) {
			return
		}
		objects = append(objects, b.descriptor(key, info))
	}

	var err error
	if recursive {
		err = filepath.WalkDir(baseDir, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if p == baseDir {
				return nil
			}
			rel, err := filepath.Rel(b.rootPath, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if hidden(rel) {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			add(rel, info)
			return nil
		})
	} else {
		var entries []fs.DirEntry
		entries, err = os.ReadDir(baseDir)
		for _, e := range entries {
			info, infoErr := e.Info()
			if infoErr != nil {
				continue
			}
			add(base+e.Name(), info)
		}
	}
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	record("list", start, err)
	if err != nil {
		return nil, wrap("list", prefix, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
