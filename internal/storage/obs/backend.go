// Package obs implements storage.Backend on Huawei Cloud Object Storage
// Service using the official huaweicloud-sdk-go-obs client.
package obs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/huaweicloud/huaweicloud-sdk-go-obs/obs"
	"go.uber.org/zap"

	"github.com/fruitsalade/ossdrive/internal/logging"
	"github.com/fruitsalade/ossdrive/internal/metrics"
	"github.com/fruitsalade/ossdrive/internal/storage"
)

const pageSize = 1000

// BackendConfig is the JSON config for OBS backends.
type BackendConfig struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
}

// Backend implements storage.Backend on OBS. The SDK has no context support,
// so calls run to completion once issued.
type Backend struct {
	client  *obs.ObsClient
	bucket  string
	uploads *storage.UploadIDs
}

// New creates an OBS client and makes sure the bucket exists.
func New(cfg BackendConfig) (*Backend, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("obs endpoint and bucket are required")
	}
	client, err := obs.New(cfg.AccessKey, cfg.SecretKey, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("initialize obs client: %w", err)
	}
	b := &Backend{
		client:  client,
		bucket:  cfg.Bucket,
		uploads: storage.NewUploadIDs(),
	}
	if err := b.ensureBucket(cfg.Region); err != nil {
		client.Close()
		return nil, err
	}
	return b, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse obs config: %w", err)
	}
	return New(cfg)
}

func (b *Backend) ensureBucket(region string) error {
	start := time.Now()
	_, err := b.client.HeadBucket(b.bucket)
	record("head_bucket", start, err)
	if err == nil {
		return nil
	}
	if !errors.Is(classify(err), storage.ErrObjectNotFound) {
		return wrap("head bucket", b.bucket, err)
	}

	input := &obs.CreateBucketInput{}
	input.Bucket = b.bucket
	input.Location = region
	start = time.Now()
	_, err = b.client.CreateBucket(input)
	record("create_bucket", start, err)
	if err != nil {
		return wrap("create bucket", b.bucket, err)
	}
	logging.Info("created OBS bucket", zap.String("bucket", b.bucket))
	return nil
}

func record(op string, start time.Time, err error) {
	metrics.RecordBackendOperation("obs", op, time.Since(start), err == nil)
}

// classify maps an OBS error onto a storage sentinel. HEAD responses carry no
// body, so a bare 404 counts as a missing object.
func classify(err error) error {
	var (
		code   string
		status int
	)
	var obsErr obs.ObsError
	var obsErrPtr *obs.ObsError
	switch {
	case errors.As(err, &obsErr):
		code, status = obsErr.Code, obsErr.StatusCode
	case errors.As(err, &obsErrPtr):
		code, status = obsErrPtr.Code, obsErrPtr.StatusCode
	default:
		return storage.ErrBackendUnavailable
	}
	switch {
	case code == "NoSuchUpload":
		return storage.ErrSessionUnknown
	case code == "NoSuchKey" || code == "NoSuchBucket" || code == "NotFound":
		return storage.ErrObjectNotFound
	case code == "" && status == http.StatusNotFound:
		return storage.ErrObjectNotFound
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
func (b *Backend) StatObject(_ context.Context, key string) (storage.ObjectDescriptor, error) {
	input := &obs.GetObjectMetadataInput{}
	input.Bucket = b.bucket
	input.Key = key

	start := time.Now()
	out, err := b.client.GetObjectMetadata(input)
	record("get_object_metadata", start, err)
	if err != nil {
		return storage.ObjectDescriptor{}, wrap("get object metadata", key, err)
	}
	return storage.ObjectDescriptor{
		Key:          key,
		ETag:         storage.CleanETag(out.ETag),
		Size:         out.ContentLength,
		LastModified: out.LastModified,
		Bucket:       b.bucket,
	}, nil
}

// PutObject uploads a whole object.
func (b *Backend) PutObject(_ context.Context, key string, body io.Reader, size int64) error {
	input := &obs.PutObjectInput{}
	input.Bucket = b.bucket
	input.Key = key
	input.ContentLength = size
	input.Body = body

	start := time.Now()
	_, err := b.client.PutObject(input)
	record("put_object", start, err)
	if err != nil {
		return wrap("put object", key, err)
	}
	return nil
}

// ─── Multipart ──────────────────────────────────────────────────────────────

// BeginOrGetUploadID returns the live multipart upload for key.
func (b *Backend) BeginOrGetUploadID(ctx context.Context, key string) (string, error) {
	return b.uploads.Resolve(ctx, key, func(context.Context) (string, error) {
		input := &obs.ListMultipartUploadsInput{}
		input.Bucket = b.bucket
		input.Prefix = key
		input.MaxUploads = pageSize

		start := time.Now()
		out, err := b.client.ListMultipartUploads(input)
		record("list_multipart_uploads", start, err)
		if err != nil {
			return "", wrap("list multipart uploads", key, err)
		}
		var (
			id     string
			latest time.Time
		)
		for _, u := range out.Uploads {
			if u.Key == key && (id == "" || u.Initiated.After(latest)) {
				id, latest = u.UploadId, u.Initiated
			}
		}
		return id, nil
	}, func(context.Context) (string, error) {
		input := &obs.InitiateMultipartUploadInput{}
		input.Bucket = b.bucket
		input.Key = key

		start := time.Now()
		out, err := b.client.InitiateMultipartUpload(input)
		record("initiate_multipart_upload", start, err)
		if err != nil {
			return "", wrap("initiate multipart upload", key, err)
		}
		logging.Debug("OBS multipart upload initiated", zap.String("key", key), zap.String("upload_id", out.UploadId))
		return out.UploadId, nil
	})
}

// UploadPart stores one part.
func (b *Backend) UploadPart(_ context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) error {
	input := &obs.UploadPartInput{}
	input.Bucket = b.bucket
	input.Key = key
	input.UploadId = uploadID
	input.PartNumber = partNumber
	input.PartSize = size
	input.Body = body

	start := time.Now()
	_, err := b.client.UploadPart(input)
	record("upload_part", start, err)
	if err != nil {
		b.forgetIfUnknown(key, uploadID, err)
		return wrap(fmt.Sprintf("upload part %d", partNumber), key, err)
	}
	return nil
}

func (b *Backend) listParts(key, uploadID string) ([]obs.Part, error) {
	input := &obs.ListPartsInput{}
	input.Bucket = b.bucket
	input.Key = key
	input.UploadId = uploadID
	input.MaxParts = pageSize

	var parts []obs.Part
	for {
		start := time.Now()
		out, err := b.client.ListParts(input)
		record("list_parts", start, err)
		if err != nil {
			b.forgetIfUnknown(key, uploadID, err)
			return nil, wrap("list parts", key, err)
		}
		parts = append(parts, out.Parts...)
		if !out.IsTruncated {
			break
		}
		input.PartNumberMarker = out.NextPartNumberMarker
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// ListUploadedParts returns the confirmed part numbers for uploadID.
func (b *Backend) ListUploadedParts(_ context.Context, key, uploadID string) ([]int, error) {
	parts, err := b.listParts(key, uploadID)
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
func (b *Backend) CompleteUpload(_ context.Context, key, uploadID string, totalSize int64) error {
	parts, err := b.listParts(key, uploadID)
	if err != nil {
		return err
	}

	input := &obs.CompleteMultipartUploadInput{}
	input.Bucket = b.bucket
	input.Key = key
	input.UploadId = uploadID
	var assembled int64
	for _, p := range parts {
		input.Parts = append(input.Parts, obs.Part{PartNumber: p.PartNumber, ETag: p.ETag})
		assembled += p.Size
	}
	if totalSize > 0 && assembled != totalSize {
		logging.Warn("OBS multipart size differs from declared size",
			zap.String("key", key), zap.Int64("declared", totalSize), zap.Int64("assembled", assembled))
	}

	start := time.Now()
	_, err = b.client.CompleteMultipartUpload(input)
	record("complete_multipart_upload", start, err)
	if err != nil {
		b.forgetIfUnknown(key, uploadID, err)
		return wrap("complete multipart upload", key, err)
	}
	b.uploads.Forget(key, uploadID)
	logging.Info("OBS multipart upload completed", zap.String("key", key), zap.Int("parts", len(parts)))
	return nil
}

// AbortUpload discards a multipart upload.
func (b *Backend) AbortUpload(_ context.Context, key, uploadID string) error {
	input := &obs.AbortMultipartUploadInput{}
	input.Bucket = b.bucket
	input.Key = key
	input.UploadId = uploadID

	start := time.Now()
	_, err := b.client.AbortMultipartUpload(input)
	record("abort_multipart_upload", start, err)
	b.uploads.Forget(key, uploadID)
	if err != nil {
		return wrap("abort multipart upload", key, err)
	}
	return nil
}

// ─── Objects ────────────────────────────────────────────────────────────────

// DeleteObject removes key.
func (b *Backend) DeleteObject(_ context.Context, key string) error {
	input := &obs.DeleteObjectInput{}
	input.Bucket = b.bucket
	input.Key = key

	start := time.Now()
	_, err := b.client.DeleteObject(input)
	record("delete_object", start, err)
	if err != nil {
		return wrap("delete object", key, err)
	}
	return nil
}

// CopyObject copies srcKey to dstKey server-side.
func (b *Backend) CopyObject(_ context.Context, srcKey, dstKey string) error {
	input := &obs.CopyObjectInput{}
	input.Bucket = b.bucket
	input.Key = dstKey
	input.CopySourceBucket = b.bucket
	input.CopySourceKey = srcKey

	start := time.Now()
	_, err := b.client.CopyObject(input)
	record("copy_object", start, err)
	if err != nil {
		return wrap("copy object", srcKey+" -> "+dstKey, err)
	}
	return nil
}

// ReadRange streams bytes [start, end] of key.
func (b *Backend) ReadRange(_ context.Context, key string, start, end int64) (io.ReadCloser, int64, error) {
	input := &obs.GetObjectInput{}
	input.Bucket = b.bucket
	input.Key = key
	input.RangeStart = start
	input.RangeEnd = end
	rc, _, err := b.get(input)
	if err != nil {
		return nil, 0, err
	}
	return rc, end - start + 1, nil
}

// ReadAll streams the whole object.
func (b *Backend) ReadAll(_ context.Context, key string) (io.ReadCloser, int64, error) {
	input := &obs.GetObjectInput{}
	input.Bucket = b.bucket
	input.Key = key
	return b.get(input)
}

func (b *Backend) get(input *obs.GetObjectInput) (io.ReadCloser, int64, error) {
	start := time.Now()
	out, err := b.client.GetObject(input)
	record("get_object", start, err)
	if err != nil {
		return nil, 0, wrap("get object", input.Key, err)
	}
	return out.Body, out.ContentLength, nil
}

// ListObjects lists objects under prefix, paging with Marker.
func (b *Backend) ListObjects(_ context.Context, prefix string, recursive bool) ([]storage.ObjectDescriptor, error) {
	input := &obs.ListObjectsInput{}
	input.Bucket = b.bucket
	input.Prefix = prefix
	input.MaxKeys = pageSize
	if !recursive {
		input.Delimiter = "/"
	}

	var objects []storage.ObjectDescriptor
	for {
		start := time.Now()
		out, err := b.client.ListObjects(input)
		record("list_objects", start, err)
		if err != nil {
			return nil, wrap("list objects", prefix, err)
		}
		for _, cp := range out.CommonPrefixes {
			objects = append(objects, storage.ObjectDescriptor{Key: cp, Bucket: b.bucket})
		}
		for _, c := range out.Contents {
			if c.Key == prefix && prefix != "" {
				continue
			}
			objects = append(objects, storage.ObjectDescriptor{
				Key:          c.Key,
				ETag:         storage.CleanETag(c.ETag),
				Size:         c.Size,
				LastModified: c.LastModified,
				Bucket:       b.bucket,
			})
		}
		if !out.IsTruncated {
			break
		}
		next := out.NextMarker
		if next == "" && len(out.Contents) > 0 {
			next = out.Contents[len(out.Contents)-1].Key
		}
		if next == "" {
			break
		}
		input.Marker = next
	}
	return objects, nil
}

// Type returns "obs".
func (b *Backend) Type() string { return "obs" }

// Close releases the client's idle connections.
func (b *Backend) Close() error {
	b.client.Close()
	return nil
}
