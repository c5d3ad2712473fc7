// Package minio implements storage.Backend with the minio-go Core client,
// which exposes the low-level multipart calls the upload coordinator needs.
package minio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/fruitsalade/ossdrive/internal/logging"
	"github.com/fruitsalade/ossdrive/internal/metrics"
	"github.com/fruitsalade/ossdrive/internal/storage"
)

const maxPartsPerPage = 1000

// BackendConfig is the JSON config for MinIO backends. It shares its keys
// with the s3 backend so either can be selected over the same settings.
type BackendConfig struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

// Backend implements storage.Backend against a MinIO server.
type Backend struct {
	core    *minio.Core
	bucket  string
	uploads *storage.UploadIDs
}

// New connects to MinIO and makes sure the bucket exists.
func New(ctx context.Context, cfg BackendConfig) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	endpoint, secure, err := hostOf(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}

	core, err := minio.NewCore(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client for %s: %w", endpoint, err)
	}

	b := &Backend{
		core:    core,
		bucket:  cfg.Bucket,
		uploads: storage.NewUploadIDs(),
	}
	if err := b.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return b, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Backend, error) {
	var cfg BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse minio config: %w", err)
	}
	return New(ctx, cfg)
}

// hostOf accepts either "host:port" or a URL and returns the host part and
// whether TLS should be used.
func hostOf(endpoint string, useSSL bool) (string, bool, error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("minio endpoint is required")
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, useSSL, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse minio endpoint %q: %w", endpoint, err)
	}
	return u.Host, u.Scheme == "https" || useSSL, nil
}

func (b *Backend) ensureBucket(ctx context.Context, region string) error {
	start := time.Now()
	ok, err := b.core.BucketExists(ctx, b.bucket)
	record("bucket_exists", start, err)
	if err != nil {
		return wrap("bucket exists", b.bucket, err)
	}
	if ok {
		return nil
	}
	start = time.Now()
	err = b.core.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: region})
	record("make_bucket", start, err)
	if err != nil {
		return wrap("make bucket", b.bucket, err)
	}
	logging.Info("created MinIO bucket", zap.String("bucket", b.bucket))
	return nil
}

func record(op string, start time.Time, err error) {
	metrics.RecordBackendOperation("minio", op, time.Since(start), err == nil)
}

// classify maps a MinIO error response onto a storage sentinel.
func classify(err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "NoSuchKey", "NotFound":
			return storage.ErrObjectNotFound
		case "NoSuchUpload":
			return storage.ErrSessionUnknown
		}
		if resp.StatusCode == 404 && resp.Code == "" {
			return storage.ErrObjectNotFound
		}
	}
	return storage.ErrBackendUnavailable
}

func wrap(op, key string, err error) error {
	return storage.Wrap(classify(err), op, key, err)
}

func (b *Backend) forgetIfUnknown(key, uploadID string, err error) {
	if errors.Is(classify(err), storage.ErrSessionUnknown) {
		b.uploads.Forget(key, uploadID)
	}
}

// ObjectExists checks if an object exists.
func (b *Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := b.StatObject(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return false, nil
	}
	return err == nil, err
}

// StatObject returns the descriptor of key.
func (b *Backend) StatObject(ctx context.Context, key string) (storage.ObjectDescriptor, error) {
	start := time.Now()
	info, err := b.core.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	record("stat_object", start, err)
	if err != nil {
		return storage.ObjectDescriptor{}, wrap("stat object", key, err)
	}
	return b.descriptor(info), nil
}

func (b *Backend) descriptor(info minio.ObjectInfo) storage.ObjectDescriptor {
	return storage.ObjectDescriptor{
		Key:          info.Key,
		ETag:         storage.CleanETag(info.ETag),
		Size:         info.Size,
		LastModified: info.LastModified,
		Bucket:       b.bucket,
	}
}

// PutObject uploads a whole object.
func (b *Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()
	_, err := b.core.Client.PutObject(ctx, b.bucket, key, body, size, minio.PutObjectOptions{})
	record("put_object", start, err)
	if err != nil {
		return wrap("put object", key, err)
	}
	return nil
}

// ─── Multipart ──────────────────────────────────────────────────────────────

// BeginOrGetUploadID returns the live multipart upload for key.
func (b *Backend) BeginOrGetUploadID(ctx context.Context, key string) (string, error) {
	return b.uploads.Resolve(ctx, key, func(ctx context.Context) (string, error) {
		start := time.Now()
		res, err := b.core.ListMultipartUploads(ctx, b.bucket, key, "", "", "", 1000)
		record("list_multipart_uploads", start, err)
		if err != nil {
			return "", wrap("list multipart uploads", key, err)
		}
		var (
			id     string
			latest time.Time
		)
		for _, u := range res.Uploads {
			if u.Key == key && (id == "" || u.Initiated.After(latest)) {
				id, latest = u.UploadID, u.Initiated
			}
		}
		return id, nil
	}, func(ctx context.Context) (string, error) {
		start := time.Now()
		id, err := b.core.NewMultipartUpload(ctx, b.bucket, key, minio.PutObjectOptions{})
		record("new_multipart_upload", start, err)
		if err != nil {
			return "", wrap("new multipart upload", key, err)
		}
		logging.Debug("MinIO multipart upload created", zap.String("key", key), zap.String("upload_id", id))
		return id, nil
	})
}

// UploadPart stores one part.
func (b *Backend) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) error {
	start := time.Now()
	_, err := b.core.PutObjectPart(ctx, b.bucket, key, uploadID, partNumber, body, size, minio.PutObjectPartOptions{})
	record("put_object_part", start, err)
	if err != nil {
		b.forgetIfUnknown(key, uploadID, err)
		return wrap(fmt.Sprintf("upload part %d", partNumber), key, err)
	}
	return nil
}

func (b *Backend) listParts(ctx context.Context, key, uploadID string) ([]minio.ObjectPart, error) {
	var (
		parts  []minio.ObjectPart
		marker int
	)
	for {
		start := time.Now()
		res, err := b.core.ListObjectParts(ctx, b.bucket, key, uploadID, marker, maxPartsPerPage)
		record("list_object_parts", start, err)
		if err != nil {
			b.forgetIfUnknown(key, uploadID, err)
			return nil, wrap("list parts", key, err)
		}
		parts = append(parts, res.ObjectParts...)
		if !res.IsTruncated {
			break
		}
		marker = res.NextPartNumberMarker
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// ListUploadedParts returns the confirmed part numbers for uploadID.
func (b *Backend) ListUploadedParts(ctx context.Context, key, uploadID string) ([]int, error) {
	parts, err := b.listParts(ctx, key, uploadID)
	if err != nil {
		return nil, err
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		nums[i] = p.PartNumber
	}
	return nums, nil
}

// CompleteUpload assembles the confirmed parts.
func (b *Backend) CompleteUpload(ctx context.Context, key, uploadID string, totalSize int64) error {
	parts, err := b.listParts(ctx, key, uploadID)
	if err != nil {
		return err
	}
	complete := make([]minio.CompletePart, len(parts))
	var assembled int64
	for i, p := range parts {
		complete[i] = minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag}
		assembled += p.Size
	}
	if totalSize > 0 && assembled != totalSize {
		logging.Warn("MinIO multipart size differs from declared size",
			zap.String("key", key), zap.Int64("declared", totalSize), zap.Int64("assembled", assembled))
	}

	start := time.Now()
	_, err = b.core.CompleteMultipartUpload(ctx, b.bucket, key, uploadID, complete, minio.PutObjectOptions{})
	record("complete_multipart_upload", start, err)
	if err != nil {
		b.forgetIfUnknown(key, uploadID, err)
		return wrap("complete multipart upload", key, err)
	}
	b.uploads.Forget(key, uploadID)
	logging.Info("MinIO multipart upload completed", zap.String("key", key), zap.Int("parts", len(complete)))
	return nil
}

// AbortUpload discards a multipart upload.
func (b *Backend) AbortUpload(ctx context.Context, key, uploadID string) error {
	start := time.Now()
	err := b.core.AbortMultipartUpload(ctx, b.bucket, key, uploadID)
	record("abort_multipart_upload", start, err)
	b.uploads.Forget(key, uploadID)
	if err != nil {
		return wrap("abort multipart upload", key, err)
	}
	return nil
}

// ─── Objects ────────────────────────────────────────────────────────────────

// DeleteObject removes key.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()
	err := b.core.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{})
	record("remove_object", start, err)
	if err != nil {
		return wrap("remove object", key, err)
	}
	return nil
}

// CopyObject copies srcKey to dstKey server-side.
func (b *Backend) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()
	_, err := b.core.Client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: b.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: b.bucket, Object: srcKey},
	)
	record("copy_object", start, err)
	if err != nil {
		return wrap("copy object", srcKey+" -> "+dstKey, err)
	}
	return nil
}

// ReadRange streams bytes [start, end] of key.
func (b *Backend) ReadRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, int64, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(start, end); err != nil {
		return nil, 0, fmt.Errorf("set range %d-%d on %s: %w", start, end, key, err)
	}
	rc, _, err := b.get(ctx, key, opts)
	if err != nil {
		return nil, 0, err
	}
	return rc, end - start + 1, nil
}

// ReadAll streams the whole object.
func (b *Backend) ReadAll(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	rc, info, err := b.get(ctx, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, err
	}
	return rc, info.Size, nil
}

func (b *Backend) get(ctx context.Context, key string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, error) {
	start := time.Now()
	rc, info, _, err := b.core.GetObject(ctx, b.bucket, key, opts)
	record("get_object", start, err)
	if err != nil {
		return nil, minio.ObjectInfo{}, wrap("get object", key, err)
	}
	return rc, info, nil
}

// ListObjects lists objects under prefix.
func (b *Backend) ListObjects(ctx context.Context, prefix string, recursive bool) ([]storage.ObjectDescriptor, error) {
	start := time.Now()
	var objects []storage.ObjectDescriptor
	for info := range b.core.Client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: recursive,
	}) {
		if info.Err != nil {
			record("list_objects", start, info.Err)
			return nil, wrap("list objects", prefix, info.Err)
		}
		if info.Key == prefix && prefix != "" {
			continue
		}
		objects = append(objects, b.descriptor(info))
	}
	record("list_objects", start, nil)
	return objects, nil
}

// Type returns "minio".
func (b *Backend) Type() string { return "minio" }

// Close is a no-op; the client holds no long-lived connections of its own.
func (b *Backend) Close() error { return nil }
