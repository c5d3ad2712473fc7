// Package upload coordinates resumable chunked uploads: the client probes
// which parts the backend already holds, sends the missing ones in any order
// and concurrently, and the coordinator completes the backend multipart
// upload exactly once when the last part lands.
//
// Trust boundary: the completion trigger compares the confirmed part count
// with the TotalChunks the client declared. The backend has no notion of the
// intended total, so the count is taken on trust; the bytes are not, since the
// backend verifies part ETags and sizes when it assembles the object.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/ossdrive/internal/logging"
	"github.com/fruitsalade/ossdrive/internal/metadata"
	"github.com/fruitsalade/ossdrive/internal/metrics"
	"github.com/fruitsalade/ossdrive/internal/storage"
)

var (
	// ErrInvalidRequest marks malformed upload parameters.
	ErrInvalidRequest = errors.New("invalid upload request")

	// ErrNoParts is returned by Merge when the backend holds no parts.
	ErrNoParts = errors.New("no parts uploaded")
)

// Request carries the client-declared upload parameters. ObjectKey is
// relative to the owner's mount.
type Request struct {
	Owner            string
	ObjectKey        string
	Identifier       string
	ChunkNumber      int
	TotalChunks      int
	TotalSize        int64
	CurrentChunkSize int64
}

// key returns the backend key: ObjectKey inside the owner's namespace.
func (r Request) key() string { return storage.OwnerKey(r.Owner, r.ObjectKey) }

// singleShot reports whether the whole file arrives in one request.
func (r Request) singleShot() bool {
	return r.TotalChunks <= 1 && r.CurrentChunkSize == r.TotalSize
}

func (r Request) validate(part bool) error {
	switch {
	case r.ObjectKey == "" || r.ObjectKey[len(r.ObjectKey)-1] == '/':
		return fmt.Errorf("%w: object path must name a file", ErrInvalidRequest)
	case r.TotalChunks < 0 || r.TotalSize < 0 || r.CurrentChunkSize < 0:
		return fmt.Errorf("%w: negative size or count", ErrInvalidRequest)
	case part && r.TotalChunks < 1:
		return fmt.Errorf("%w: totalChunks must be at least 1", ErrInvalidRequest)
	case part && (r.ChunkNumber < 1 || r.ChunkNumber > r.TotalChunks):
		return fmt.Errorf("%w: chunkNumber %d outside 1..%d", ErrInvalidRequest, r.ChunkNumber, r.TotalChunks)
	}
	return nil
}

// ProbeResult answers a chunk probe. Pass means the object already exists and
// nothing needs uploading. Upload means the object is complete.
type ProbeResult struct {
	Pass   bool
	Resume []int
	Upload bool
}

// PartResult answers a part upload. Upload reports whether the part was
// stored; Merge reports whether this request completed the object.
type PartResult struct {
	Upload bool
	Merge  bool
}

// MergeResult answers an explicit merge.
type MergeResult struct {
	Upload bool
}

// Coordinator drives the probe, part, merge and abort operations.
type Coordinator struct {
	backend    storage.Backend
	tracker    *Tracker
	notifier   metadata.Notifier
	rootFolder string

	finalizing singleflight.Group
	log        *zap.Logger
}

// NewCoordinator wires a coordinator. The tracker is owned by the caller so it
// can be shared with the sweeper and inspected in tests.
func NewCoordinator(backend storage.Backend, tracker *Tracker, notifier metadata.Notifier, rootFolder string) *Coordinator {
	if notifier == nil {
		notifier = metadata.Nop{}
	}
	return &Coordinator{
		backend:    backend,
		tracker:    tracker,
		notifier:   notifier,
		rootFolder: rootFolder,
		log:        logging.Named("upload"),
	}
}

// parts returns the tracked PartSet, seeding it from the backend listing on
// first touch. An unknown session is fatal for the upload.
func (c *Coordinator) parts(ctx context.Context, uploadID, key string) (*PartSet, error) {
	parts, err := c.tracker.GetOrLoad(ctx, uploadID, key, func(ctx context.Context) ([]int, error) {
		return c.backend.ListUploadedParts(ctx, key, uploadID)
	})
	if err != nil {
		if errors.Is(err, storage.ErrSessionUnknown) {
			c.tracker.Invalidate(uploadID)
		}
		return nil, err
	}
	return parts, nil
}

// Probe reports what the client still has to send.
func (c *Coordinator) Probe(ctx context.Context, req Request) (ProbeResult, error) {
	if err := req.validate(false); err != nil {
		return ProbeResult{}, err
	}
	exists, err := c.backend.ObjectExists(ctx, req.key())
	if err != nil {
		return ProbeResult{}, err
	}
	if exists {
		return ProbeResult{Pass: true, Upload: true}, nil
	}
	// Nothing declared, or the file will arrive in one request: no session.
	if req.TotalChunks == 0 || req.singleShot() {
		return ProbeResult{Resume: []int{}}, nil
	}

	uploadID, err := c.backend.BeginOrGetUploadID(ctx, req.key())
	if err != nil {
		return ProbeResult{}, err
	}
	tracked := c.tracker.Has(uploadID)
	parts, err := c.parts(ctx, uploadID, req.key())
	if err != nil {
		return ProbeResult{}, err
	}

	resume := parts.Sorted()
	if !tracked && len(resume) == 0 {
		// A completion may have landed after the existence check, leaving
		// this session freshly opened for a finished object.
		exists, err := c.backend.ObjectExists(ctx, req.key())
		if err != nil {
			return ProbeResult{}, err
		}
		if exists {
			c.discard(ctx, req.key(), uploadID)
			return ProbeResult{Pass: true, Upload: true}, nil
		}
	}
	if len(resume) != req.TotalChunks {
		return ProbeResult{Resume: resume}, nil
	}
	if err := c.finalize(ctx, req, uploadID); err != nil {
		return ProbeResult{}, err
	}
	return ProbeResult{Resume: resume, Upload: true}, nil
}

// UploadPart stores one part and finalizes the upload if it was the last
// missing one. A backend failure storing the part is not an error: the
// result reports Upload=false and the part stays unrecorded so a retry
// sends it again.
func (c *Coordinator) UploadPart(ctx context.Context, req Request, body io.Reader) (PartResult, error) {
	if err := req.validate(true); err != nil {
		return PartResult{}, err
	}
	log := c.log.With(
		zap.String("key", req.key()),
		zap.Int("chunk", req.ChunkNumber),
		zap.Int("total_chunks", req.TotalChunks),
		zap.String("request_id", logging.GetRequestID(ctx)))

	if req.singleShot() {
		return c.putWhole(ctx, req, body, log)
	}

	// A part resent after completion must not open a new session.
	if !c.tracker.Tracking(req.key()) {
		exists, err := c.backend.ObjectExists(ctx, req.key())
		if err != nil {
			return PartResult{}, err
		}
		if exists {
			log.Debug("part for completed object ignored")
			return PartResult{Upload: true, Merge: true}, nil
		}
	}

	uploadID, err := c.backend.BeginOrGetUploadID(ctx, req.key())
	if err != nil {
		return PartResult{}, err
	}
	parts, err := c.parts(ctx, uploadID, req.key())
	if err != nil {
		return PartResult{}, err
	}

	if err := c.backend.UploadPart(ctx, req.key(), uploadID, req.ChunkNumber, body, req.CurrentChunkSize); err != nil {
		metrics.RecordPartUpload(req.CurrentChunkSize, false)
		if errors.Is(err, storage.ErrSessionUnknown) {
			c.tracker.Invalidate(uploadID)
			return PartResult{}, err
		}
		log.Warn("part upload failed", zap.String("upload_id", uploadID), zap.Error(err))
		return PartResult{Upload: false}, nil
	}
	metrics.RecordPartUpload(req.CurrentChunkSize, true)

	added, size, err := c.tracker.RecordPart(uploadID, req.ChunkNumber)
	reloaded := false
	if errors.Is(err, ErrNotTracked) {
		// Swept while the part was in flight; the backend listing includes it.
		if parts, err = c.parts(ctx, uploadID, req.key()); err != nil {
			return PartResult{Upload: true}, err
		}
		added, size = parts.Add(req.ChunkNumber)
		reloaded = true
	}

	if size != req.TotalChunks || !(added || reloaded) {
		return PartResult{Upload: true}, nil
	}
	if err := c.finalize(ctx, req, uploadID); err != nil {
		return PartResult{Upload: true}, err
	}
	return PartResult{Upload: true, Merge: true}, nil
}

func (c *Coordinator) putWhole(ctx context.Context, req Request, body io.Reader, log *zap.Logger) (PartResult, error) {
	if err := c.backend.PutObject(ctx, req.key(), body, req.TotalSize); err != nil {
		metrics.RecordSingleUpload(req.TotalSize, false)
		log.Warn("single-shot upload failed", zap.Error(err))
		return PartResult{Upload: false}, nil
	}
	metrics.RecordSingleUpload(req.TotalSize, true)
	c.notifyCreated(ctx, req)
	log.Info("file uploaded", zap.Int64("size", req.TotalSize))
	return PartResult{Upload: true, Merge: true}, nil
}

// Merge completes the upload on the client's request, for clients that do not
// rely on the declared part count.
func (c *Coordinator) Merge(ctx context.Context, req Request) (MergeResult, error) {
	if err := req.validate(false); err != nil {
		return MergeResult{}, err
	}
	exists, err := c.backend.ObjectExists(ctx, req.key())
	if err != nil {
		return MergeResult{}, err
	}
	if exists {
		return MergeResult{Upload: true}, nil
	}

	uploadID, err := c.backend.BeginOrGetUploadID(ctx, req.key())
	if err != nil {
		return MergeResult{}, err
	}
	parts, err := c.parts(ctx, uploadID, req.key())
	if err != nil {
		return MergeResult{}, err
	}
	if parts.Len() == 0 {
		return MergeResult{}, ErrNoParts
	}
	if err := c.finalize(ctx, req, uploadID); err != nil {
		return MergeResult{}, err
	}
	return MergeResult{Upload: true}, nil
}

// Abort discards the backend session for the object.
func (c *Coordinator) Abort(ctx context.Context, req Request) error {
	if err := req.validate(false); err != nil {
		return err
	}
	uploadID, err := c.backend.BeginOrGetUploadID(ctx, req.key())
	if err != nil {
		return err
	}
	c.tracker.Invalidate(uploadID)
	if err := c.backend.AbortUpload(ctx, req.key(), uploadID); err != nil && !errors.Is(err, storage.ErrSessionUnknown) {
		return err
	}
	c.log.Info("upload aborted", zap.String("key", req.key()), zap.String("upload_id", uploadID))
	return nil
}

// discard aborts a session that should not have been opened.
func (c *Coordinator) discard(ctx context.Context, key, uploadID string) {
	c.tracker.Invalidate(uploadID)
	if err := c.backend.AbortUpload(ctx, key, uploadID); err != nil && !errors.Is(err, storage.ErrSessionUnknown) {
		c.log.Warn("failed to abort redundant upload",
			zap.String("key", key), zap.String("upload_id", uploadID), zap.Error(err))
	}
}

// finalize completes uploadID. Concurrent callers share one attempt. The
// tracker entry is invalidated inside the shared attempt, so a caller that
// arrives after a success sees no entry and an existing object and returns
// without completing again. A failed completion keeps the entry so a retry
// reuses the PartSet without listing the backend.
func (c *Coordinator) finalize(ctx context.Context, req Request, uploadID string) error {
	// Other callers may be waiting on this attempt; one client hanging up
	// must not cancel it for all of them.
	ctx = context.WithoutCancel(ctx)
	_, err, _ := c.finalizing.Do(uploadID, func() (interface{}, error) {
		if !c.tracker.Has(uploadID) {
			exists, err := c.backend.ObjectExists(ctx, req.key())
			if err != nil {
				return nil, err
			}
			if exists {
				return nil, nil
			}
		}

		start := time.Now()
		err := c.backend.CompleteUpload(ctx, req.key(), uploadID, req.TotalSize)
		metrics.RecordCompletion(err == nil)
		if err != nil {
			if errors.Is(err, storage.ErrSessionUnknown) {
				c.tracker.Invalidate(uploadID)
			}
			c.log.Error("upload completion failed",
				zap.String("key", req.key()),
				zap.String("upload_id", uploadID),
				zap.Error(err))
			return nil, err
		}
		c.tracker.Invalidate(uploadID)
		c.log.Info("upload completed",
			zap.String("key", req.key()),
			zap.String("upload_id", uploadID),
			zap.Int("chunks", req.TotalChunks),
			zap.Duration("duration", time.Since(start)))

		c.notifyCreated(ctx, req)
		return nil, nil
	})
	return err
}

// notifyCreated tells the metadata collaborator about a finished object.
// Failures are logged by the notifier and never undo the upload.
func (c *Coordinator) notifyCreated(ctx context.Context, req Request) {
	n := metadata.Notification{
		Owner:      req.Owner,
		ObjectKey:  req.ObjectKey,
		RootFolder: c.rootFolder,
		Size:       req.TotalSize,
		ModTime:    time.Now(),
	}
	if desc, err := c.backend.StatObject(ctx, req.key()); err == nil {
		n.Size, n.ETag, n.ModTime = desc.Size, desc.ETag, desc.LastModified
	}
	if err := c.notifier.FileCreated(ctx, n); err != nil {
		c.log.Warn("file created notification failed", zap.String("key", req.key()), zap.Error(err))
	}
}

// StartSweeper evicts tracker entries idle for longer than maxAge every
// interval until ctx is done. With abortStale set, the backend sessions of
// evicted entries are aborted as well.
func (c *Coordinator) StartSweeper(ctx context.Context, interval, maxAge time.Duration, abortStale bool) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep(ctx, maxAge, abortStale)
			}
		}
	}()
}

func (c *Coordinator) sweep(ctx context.Context, maxAge time.Duration, abortStale bool) int {
	evicted := c.tracker.Sweep(maxAge)
	for _, e := range evicted {
		if !abortStale {
			continue
		}
		if err := c.backend.AbortUpload(ctx, e.ObjectKey, e.UploadID); err != nil && !errors.Is(err, storage.ErrSessionUnknown) {
			c.log.Warn("failed to abort stale upload",
				zap.String("key", e.ObjectKey), zap.String("upload_id", e.UploadID), zap.Error(err))
		}
	}
	if len(evicted) > 0 {
		c.log.Info("swept stale uploads", zap.Int("count", len(evicted)), zap.Bool("aborted", abortStale))
	}
	return len(evicted)
}
