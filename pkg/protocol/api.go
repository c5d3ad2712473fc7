// Package protocol defines the API request/response types.
package protocol

import "time"

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// ChunkProbeResponse is returned by GET /api/v1/oss/chunk/{path}.
// Pass means the object already exists; Resume lists confirmed part numbers.
type ChunkProbeResponse struct {
	Pass   bool  `json:"pass"`
	Resume []int `json:"resume"`
	Upload bool  `json:"upload"`
}

// ChunkUploadResponse is returned by POST /api/v1/oss/chunk/{path}.
type ChunkUploadResponse struct {
	Upload bool `json:"upload"`
	Merge  bool `json:"merge"`
}

// MergeResponse is returned by POST /api/v1/oss/merge/{path}.
type MergeResponse struct {
	Upload bool `json:"upload"`
}

// AbortResponse is returned by DELETE /api/v1/oss/chunk/{path}.
type AbortResponse struct {
	Aborted bool `json:"aborted"`
}

// FileView is one entry of a listing.
type FileView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	IsFolder    bool      `json:"isFolder"`
	Size        int64     `json:"size"`
	Suffix      string    `json:"suffix,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	MD5         string    `json:"md5,omitempty"`
	UploadDate  time.Time `json:"uploadDate"`
	UpdateDate  time.Time `json:"updateDate"`
	AgoTime     int64     `json:"agoTime"`
	Username    string    `json:"username"`
	UserID      string    `json:"userId,omitempty"`
	IsFavorite  bool      `json:"isFavorite"`
	ContentText string    `json:"contentText,omitempty"`
}

// ListResponse is returned by GET /api/v1/oss/list/{path}.
type ListResponse struct {
	Count int        `json:"count"`
	Data  []FileView `json:"data"`
}

// TextRequest is the body of PUT /api/v1/oss/text/{path}.
type TextRequest struct {
	ContentText string `json:"contentText"`
}

// RenameRequest is the body of POST /api/v1/oss/rename/{path}.
type RenameRequest struct {
	NewName string `json:"newName"`
}

// MkdirResponse is returned by POST /api/v1/oss/mkdir/{path}.
type MkdirResponse struct {
	Path string `json:"path"`
}

// FileEvent is one server-sent event on GET /api/v1/events.
type FileEvent struct {
	Type      string `json:"type"`
	Path      string `json:"path"`
	Owner     string `json:"owner,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Hash      string `json:"hash,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// RenameResponse is returned by POST /api/v1/oss/rename/{path}.
type RenameResponse struct {
	Path string `json:"path"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
}
