package storage

import (
	"path"
	"strings"
	"time"
)

// ObjectDescriptor is the backend's view of one stored object at read time.
// Keys are slash-delimited; a trailing slash marks a folder.
type ObjectDescriptor struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	Bucket       string
}

// IsFolder reports whether the key denotes a folder marker or common prefix.
func (o ObjectDescriptor) IsFolder() bool {
	return strings.HasSuffix(o.Key, "/")
}

// Name returns the last path element of the key.
func (o ObjectDescriptor) Name() string {
	return path.Base(strings.TrimSuffix(o.Key, "/"))
}

// CleanETag strips the quotes S3-style providers put around ETags.
func CleanETag(etag string) string {
	return strings.Trim(etag, `"`)
}

// FolderKey normalizes a logical folder path to its marker key ("a/b/").
// The root folder maps to the empty key.
func FolderKey(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// ObjectKey normalizes a logical file path to its object key ("a/b.txt").
func ObjectKey(p string) string {
	return strings.Trim(path.Clean("/"+p), "/")
}

// OwnerKey places a mount-relative key inside owner's namespace. Each owner's
// objects live under "<owner>/" in the bucket.
func OwnerKey(owner, rel string) string {
	if owner == "" {
		return rel
	}
	return owner + "/" + rel
}

// StripOwner is the inverse of OwnerKey.
func StripOwner(owner, key string) string {
	if owner == "" {
		return key
	}
	return strings.TrimPrefix(key, owner+"/")
}
