// Package storage defines the Backend capability every object-storage
// provider adapter implements, plus the pieces adapters share.
package storage

import (
	"context"
	"io"
)

// Backend is the interface for object-storage providers (S3, MinIO, OBS,
// local filesystem). Upload bookkeeping lives above it: adapters report what
// the provider confirmed and never track parts themselves.
type Backend interface {
	// ObjectExists checks whether key is present. No side effects.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// StatObject returns the descriptor of key or ErrObjectNotFound.
	StatObject(ctx context.Context, key string) (ObjectDescriptor, error)

	// PutObject uploads a whole object in one request.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// BeginOrGetUploadID returns the multipart session for key, opening one
	// if none is live. Repeated calls before completion return the same ID.
	BeginOrGetUploadID(ctx context.Context, key string) (string, error)

	// UploadPart stores one part. Re-sending a part number overwrites it.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) error

	// ListUploadedParts returns the confirmed part numbers in ascending
	// order, or ErrSessionUnknown if the backend has no such session.
	ListUploadedParts(ctx context.Context, key, uploadID string) ([]int, error)

	// CompleteUpload assembles the confirmed parts into the final object.
	// An unknown or already-completed session returns ErrSessionUnknown.
	CompleteUpload(ctx context.Context, key, uploadID string, totalSize int64) error

	// AbortUpload discards a multipart session and its parts.
	AbortUpload(ctx context.Context, key, uploadID string) error

	// DeleteObject removes key. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	// CopyObject copies srcKey to dstKey.
	CopyObject(ctx context.Context, srcKey, dstKey string) error

	// ReadRange streams bytes [start, end] inclusive and returns the span
	// length. May return ErrRangeNotSupported.
	ReadRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, int64, error)

	// ReadAll streams the whole object and returns its length.
	ReadAll(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// ListObjects returns the objects under prefix. Non-recursive listings
	// fold deeper keys into folder entries ("prefix/sub/").
	ListObjects(ctx context.Context, prefix string, recursive bool) ([]ObjectDescriptor, error)

	// Type returns the backend type identifier ("s3", "minio", "obs", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
