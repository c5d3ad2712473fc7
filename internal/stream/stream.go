// Package stream serves object content over HTTP with single byte-range
// support.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/fruitsalade/ossdrive/internal/fileinfo"
	"github.com/fruitsalade/ossdrive/internal/logging"
	"github.com/fruitsalade/ossdrive/internal/metrics"
	"github.com/fruitsalade/ossdrive/internal/storage"
)

// ErrMalformedRange reports a Range header with an unparsable coordinate.
// ParseRange returns it together with a usable range built from defaults.
var ErrMalformedRange = errors.New("malformed range")

// ByteRange is an inclusive span of an object of Total bytes.
type ByteRange struct {
	Start int64
	End   int64
	Total int64
}

// Length returns the number of bytes in the span.
func (b ByteRange) Length() int64 { return b.End - b.Start + 1 }

// ContentRange formats the Content-Range header value.
func (b ByteRange) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", b.Start, b.End, b.Total)
}

// ParseRange interprets a Range header against an object of total bytes. ok
// reports whether a range applies; without one the caller serves the whole
// object. Only the first range of a multi-range header is honored.
//
// Coordinates are lenient: an empty or unparsable start becomes 0, an empty or
// unparsable end becomes total-1, end is clamped to total-1 and an end before
// start is pulled up to start. A suffix form such as "bytes=-100" has no start
// and is served as the whole object.
func ParseRange(header string, total int64) (r ByteRange, ok bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" || total <= 0 {
		return ByteRange{0, max(total-1, 0), total}, false, nil
	}

	ranges, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return ByteRange{0, total - 1, total}, false, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	if i := strings.IndexByte(ranges, ','); i >= 0 {
		ranges = ranges[:i]
	}
	startStr, endStr, _ := strings.Cut(strings.TrimSpace(ranges), "-")
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	r = ByteRange{Start: 0, End: total - 1, Total: total}
	if startStr == "" {
		return r, true, nil
	}

	var bad bool
	if n, perr := strconv.ParseInt(startStr, 10, 64); perr == nil && n >= 0 {
		r.Start = n
	} else {
		bad = true
	}
	if endStr != "" {
		if n, perr := strconv.ParseInt(endStr, 10, 64); perr == nil && n >= 0 {
			r.End = n
		} else {
			bad = true
		}
	}

	if r.Start > total-1 {
		r.Start = total - 1
	}
	if r.End > total-1 {
		r.End = total - 1
	}
	if r.End < r.Start {
		r.End = r.Start
	}

	if bad {
		return r, true, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	return r, true, nil
}

// Object names what to serve. Size comes from a prior stat.
type Object struct {
	Key  string
	Size int64
}

// Name returns the file name used in Content-Disposition.
func (o Object) Name() string {
	return path.Base(strings.TrimSuffix(o.Key, "/"))
}

// Streamer writes backend objects to HTTP responses.
type Streamer struct {
	backend storage.Backend
	log     *zap.Logger
}

// New returns a streamer reading from backend.
func New(backend storage.Backend) *Streamer {
	return &Streamer{backend: backend, log: logging.Named("stream")}
}

// Serve streams obj to w, honoring the request's Range header. Errors that
// happen before the status line is written are returned so the caller can
// send a proper error response; after that point failures are logged and the
// response is abandoned.
func (s *Streamer) Serve(w http.ResponseWriter, r *http.Request, obj Object) error {
	ctx := r.Context()
	log := s.log.With(zap.String("key", obj.Key), zap.String("request_id", logging.GetRequestID(ctx)))

	br, ranged, err := ParseRange(r.Header.Get("Range"), obj.Size)
	if err != nil {
		log.Debug("lenient range", zap.String("range", r.Header.Get("Range")), zap.Error(err))
	}

	var body io.ReadCloser
	switch {
	case obj.Size == 0:
		ranged = false
		body = io.NopCloser(strings.NewReader(""))
	case ranged:
		body, err = s.openRange(ctx, obj.Key, br)
	default:
		body, _, err = s.backend.ReadAll(ctx, obj.Key)
	}
	if err != nil {
		metrics.RecordDownload("error", 0)
		return err
	}
	defer body.Close()

	h := w.Header()
	h.Set("Content-Type", fileinfo.ContentType(obj.Name()))
	h.Set("Accept-Ranges", "bytes")
	disposition := "attachment"
	if ranged {
		disposition = "inline"
	}
	h.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": obj.Name()}))

	want := obj.Size
	if ranged {
		want = br.Length()
		h.Set("Content-Range", br.ContentRange())
		h.Set("Content-Length", strconv.FormatInt(want, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		h.Set("Content-Length", strconv.FormatInt(want, 10))
		w.WriteHeader(http.StatusOK)
	}
	if r.Method == http.MethodHead {
		return nil
	}

	n, err := io.Copy(w, io.LimitReader(body, want))
	switch {
	case err == nil:
		metrics.RecordDownload("ok", n)
	case IsDisconnect(err) || ctx.Err() != nil:
		metrics.RecordDownload("aborted", n)
		log.Debug("client went away", zap.Int64("bytes", n))
	default:
		metrics.RecordDownload("error", n)
		log.Error("content transfer failed", zap.Int64("bytes", n), zap.Error(err))
	}
	return nil
}

// openRange prefers a native ranged read and falls back to skipping into a
// full read when the backend has none.
func (s *Streamer) openRange(ctx context.Context, key string, br ByteRange) (io.ReadCloser, error) {
	body, _, err := s.backend.ReadRange(ctx, key, br.Start, br.End)
	if err == nil {
		return body, nil
	}
	if !errors.Is(err, storage.ErrRangeNotSupported) {
		return nil, err
	}

	body, _, err = s.backend.ReadAll(ctx, key)
	if err != nil {
		return nil, err
	}
	if _, err := io.CopyN(io.Discard, body, br.Start); err != nil {
		body.Close()
		return nil, storage.Wrap(storage.ErrBackendUnavailable, "skip", key, err)
	}
	return body, nil
}

// IsDisconnect reports whether err means the client hung up mid-response.
func IsDisconnect(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, http.ErrHandlerTimeout)
}
