// Package s3 implements storage.Backend on top of aws-sdk-go-v2. It targets
// AWS S3 and any S3-compatible endpoint reachable with path-style requests.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/ossdrive/internal/logging"
	"github.com/fruitsalade/ossdrive/internal/metrics"
	"github.com/fruitsalade/ossdrive/internal/storage"
)

// API is the subset of *s3.Client the backend calls.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, in *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListMultipartUploads(ctx context.Context, in *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
}

// BackendConfig is the JSON config for S3 backends.
type BackendConfig struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

// Backend implements storage.Backend using S3.
type Backend struct {
	client  API
	bucket  string
	uploads *storage.UploadIDs
}

// NewBackend creates a new S3 backend from a BackendConfig and makes sure the
// bucket exists.
func NewBackend(ctx context.Context, cfg BackendConfig) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	b := NewWithClient(client, cfg.Bucket)
	if err := b.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// NewBackendFromJSON creates a Backend from raw JSON config.
func NewBackendFromJSON(ctx context.Context, raw json.RawMessage) (*Backend, error) {
	var cfg BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return NewBackend(ctx, cfg)
}

// NewWithClient wraps an existing client. Used by tests and by callers that
// build their own aws config.
func NewWithClient(client API, bucket string) *Backend {
	return &Backend{
		client:  client,
		bucket:  bucket,
		uploads: storage.NewUploadIDs(),
	}
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		record("head_bucket", start, nil)
		return nil
	}
	_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)})
	record("create_bucket", start, createErr)
	if createErr != nil {
		return storage.Wrap(storage.ErrBackendUnavailable, "ensure bucket", b.bucket, createErr)
	}
	logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	return nil
}

func record(op string, start time.Time, err error) {
	metrics.RecordBackendOperation("s3", op, time.Since(start), err == nil)
}

// classify maps a provider error onto a storage sentinel.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return storage.ErrObjectNotFound
		case "NoSuchUpload":
			return storage.ErrSessionUnknown
		}
	}
	return storage.ErrBackendUnavailable
}

func wrap(op, key string, err error) error {
	return storage.Wrap(classify(err), op, key, err)
}

// ObjectExists checks if an object exists in S3.
func (b *Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := b.StatObject(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// StatObject returns the object descriptor for key.
func (b *Backend) StatObject(ctx context.Context, key string) (storage.ObjectDescriptor, error) {
	start := time.Now()
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	record("head_object", start, err)
	if err != nil {
		return storage.ObjectDescriptor{}, wrap("head object", key, err)
	}
	return storage.ObjectDescriptor{
		Key:          key,
		ETag:         storage.CleanETag(aws.ToString(out.ETag)),
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		Bucket:       b.bucket,
	}, nil
}

// PutObject uploads content to S3 in one request.
func (b *Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	record("put_object", start, err)
	if err != nil {
		return wrap("put object", key, err)
	}
	logging.Debug("S3 put object", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// ─── Multipart ──────────────────────────────────────────────────────────────

// BeginOrGetUploadID returns the live multipart upload for key, reusing one
// the bucket already holds before creating a new one.
func (b *Backend) BeginOrGetUploadID(ctx context.Context, key string) (string, error) {
	return b.uploads.Resolve(ctx, key, func(ctx context.Context) (string, error) {
		return b.findUpload(ctx, key)
	}, func(ctx context.Context) (string, error) {
		start := time.Now()
		out, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		record("create_multipart_upload", start, err)
		if err != nil {
			return "", wrap("create multipart upload", key, err)
		}
		logging.Debug("S3 multipart upload created",
			zap.String("key", key), zap.String("upload_id", aws.ToString(out.UploadId)))
		return aws.ToString(out.UploadId), nil
	})
}

// findUpload returns the most recently initiated in-progress upload for key,
// or "" if none exists.
func (b *Backend) findUpload(ctx context.Context, key string) (string, error) {
	start := time.Now()
	out, err := b.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(key),
	})
	record("list_multipart_uploads", start, err)
	if err != nil {
		return "", wrap("list multipart uploads", key, err)
	}
	var (
		id     string
		latest time.Time
	)
	for _, u := range out.Uploads {
		if aws.ToString(u.Key) != key {
			continue
		}
		if t := aws.ToTime(u.Initiated); id == "" || t.After(latest) {
			id, latest = aws.ToString(u.UploadId), t
		}
	}
	return id, nil
}

// UploadPart stores one part of a multipart upload.
func (b *Backend) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) error {
	start := time.Now()
	_, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	record("upload_part", start, err)
	if err != nil {
		if errors.Is(classify(err), storage.ErrSessionUnknown) {
			b.uploads.Forget(key, uploadID)
		}
		return wrap(fmt.Sprintf("upload part %d", partNumber), key, err)
	}
	return nil
}

func (b *Backend) listParts(ctx context.Context, key, uploadID string) ([]types.Part, error) {
	var (
		parts  []types.Part
		marker *string
	)
	for {
		start := time.Now()
		out, err := b.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(b.bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		record("list_parts", start, err)
		if err != nil {
			if errors.Is(classify(err), storage.ErrSessionUnknown) {
				b.uploads.Forget(key, uploadID)
			}
			return nil, wrap("list parts", key, err)
		}
		parts = append(parts, out.Parts...)
		if !aws.ToBool(out.IsTruncated) || out.NextPartNumberMarker == nil {
			break
		}
		marker = out.NextPartNumberMarker
	}
	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})
	return parts, nil
}

// ListUploadedParts returns the part numbers S3 has confirmed for uploadID.
func (b *Backend) ListUploadedParts(ctx context.Context, key, uploadID string) ([]int, error) {
	parts, err := b.listParts(ctx, key, uploadID)
	if err != nil {
		return nil, err
	}
	nums := make([]int, 0, len(parts))
	for _, p := range parts {
		nums = append(nums, int(aws.ToInt32(p.PartNumber)))
	}
	return nums, nil
}

// CompleteUpload lists the confirmed parts and completes the upload with
// their ETags.
func (b *Backend) CompleteUpload(ctx context.Context, key, uploadID string, totalSize int64) error {
	parts, err := b.listParts(ctx, key, uploadID)
	if err != nil {
		return err
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	var assembled int64
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: p.PartNumber,
			ETag:       p.ETag,
		})
		assembled += aws.ToInt64(p.Size)
	}
	if totalSize > 0 && assembled != totalSize {
		logging.Warn("S3 multipart size differs from declared size",
			zap.String("key", key),
			zap.Int64("declared", totalSize),
			zap.Int64("assembled", assembled))
	}

	start := time.Now()
	_, err = b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	record("complete_multipart_upload", start, err)
	if err != nil {
		if errors.Is(classify(err), storage.ErrSessionUnknown) {
			b.uploads.Forget(key, uploadID)
		}
		return wrap("complete multipart upload", key, err)
	}
	b.uploads.Forget(key, uploadID)
	logging.Info("S3 multipart upload completed",
		zap.String("key", key), zap.Int("parts", len(completed)), zap.Int64("size", assembled))
	return nil
}

// AbortUpload discards a multipart upload and its parts.
func (b *Backend) AbortUpload(ctx context.Context, key, uploadID string) error {
	start := time.Now()
	_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	record("abort_multipart_upload", start, err)
	b.uploads.Forget(key, uploadID)
	if err != nil {
		return wrap("abort multipart upload", key, err)
	}
	return nil
}

// ─── Objects ────────────────────────────────────────────────────────────────

// DeleteObject removes an object from S3.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	record("delete_object", start, err)
	if err != nil {
		return wrap("delete object", key, err)
	}
	logging.Debug("S3 delete object", zap.String("key", key))
	return nil
}

// CopyObject copies srcKey to dstKey inside the bucket.
func (b *Backend) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(b.bucket + "/" + srcKey),
	})
	record("copy_object", start, err)
	if err != nil {
		return wrap("copy object", srcKey+" -> "+dstKey, err)
	}
	logging.Debug("S3 copy object", zap.String("src", srcKey), zap.String("dst", dstKey))
	return nil
}

// ReadRange streams bytes [start, end] of key.
func (b *Backend) ReadRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, int64, error) {
	return b.get(ctx, key, aws.String(fmt.Sprintf("bytes=%d-%d", start, end)))
}

// ReadAll streams the whole object.
func (b *Backend) ReadAll(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	return b.get(ctx, key, nil)
}

func (b *Backend) get(ctx context.Context, key string, rng *string) (io.ReadCloser, int64, error) {
	start := time.Now()
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Range:  rng,
	})
	record("get_object", start, err)
	if err != nil {
		return nil, 0, wrap("get object", key, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// ListObjects lists objects under prefix. Without recursion, keys below the
// next "/" are returned as folder entries.
func (b *Backend) ListObjects(ctx context.Context, prefix string, recursive bool) ([]storage.ObjectDescriptor, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	}
	if !recursive {
		input.Delimiter = aws.String("/")
	}

	var objects []storage.ObjectDescriptor
	paginator := s3.NewListObjectsV2Paginator(b.client, input)
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		record("list_objects", start, err)
		if err != nil {
			return nil, wrap("list objects", prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			objects = append(objects, storage.ObjectDescriptor{
				Key:    aws.ToString(cp.Prefix),
				Bucket: b.bucket,
			})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix && prefix != "" {
				continue
			}
			objects = append(objects, storage.ObjectDescriptor{
				Key:          key,
				ETag:         storage.CleanETag(aws.ToString(obj.ETag)),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				Bucket:       b.bucket,
			})
		}
	}
	return objects, nil
}

// Type returns "s3".
func (b *Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *Backend) Close() error { return nil }
