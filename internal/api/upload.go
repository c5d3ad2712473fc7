package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fruitsalade/ossdrive/internal/storage"
	"github.com/fruitsalade/ossdrive/internal/upload"
	"github.com/fruitsalade/ossdrive/pkg/protocol"
)

var (
	errBadParam     = errors.New("bad parameter")
	errPartTooLarge = errors.New("part too large")
)

// multipartSlack covers boundaries and form fields around the file part.
const multipartSlack = 64 << 10

// uploadRequest builds a coordinator request from the URL path and the
// resumable-upload fields.
func uploadRequest(owner, p string, vals url.Values) (upload.Request, error) {
	if p == "" || strings.HasSuffix(p, "/") {
		return upload.Request{}, fmt.Errorf("%w: upload path must name a file", errBadParam)
	}
	req := upload.Request{
		Owner:      owner,
		ObjectKey:  storage.ObjectKey(p),
		Identifier: vals.Get("identifier"),
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"chunkNumber", &req.ChunkNumber},
		{"totalChunks", &req.TotalChunks},
	}
	for _, f := range ints {
		if v := vals.Get(f.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return upload.Request{}, fmt.Errorf("%w: %s=%q", errBadParam, f.name, v)
			}
			*f.dst = n
		}
	}

	sizes := []struct {
		name string
		dst  *int64
	}{
		{"totalSize", &req.TotalSize},
		{"currentChunkSize", &req.CurrentChunkSize},
	}
	for _, f := range sizes {
		if v := vals.Get(f.name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return upload.Request{}, fmt.Errorf("%w: %s=%q", errBadParam, f.name, v)
			}
			*f.dst = n
		}
	}
	return req, nil
}

// handleProbe handles GET /api/v1/oss/chunk/{path}
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	req, err := uploadRequest(userFrom(r).Name, r.PathValue("path"), r.URL.Query())
	if err != nil {
		s.fail(w, r, "probe", err)
		return
	}
	res, err := s.uploads.Probe(r.Context(), req)
	if err != nil {
		s.fail(w, r, "probe", err)
		return
	}
	if res.Resume == nil {
		res.Resume = []int{}
	}
	s.sendJSON(w, http.StatusOK, protocol.ChunkProbeResponse{
		Pass:   res.Pass,
		Resume: res.Resume,
		Upload: res.Upload,
	})
}

// handlePart handles POST /api/v1/oss/chunk/{path}
// The part arrives either as the raw body or as the "file" field of a
// multipart form. Form fields must precede the file field.
func (s *Server) handlePart(w http.ResponseWriter, r *http.Request) {
	vals := r.URL.Query()
	var body io.Reader

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	multipartBody := mediaType == "multipart/form-data"
	if multipartBody {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxPartSize+multipartSlack)
		mr, err := r.MultipartReader()
		if err != nil {
			s.fail(w, r, "part", fmt.Errorf("%w: %v", errBadParam, err))
			return
		}
		file, err := filePart(mr, vals)
		if err != nil {
			s.fail(w, r, "part", err)
			return
		}
		defer file.Close()
		body = file
	} else {
		body = http.MaxBytesReader(w, r.Body, s.maxPartSize+1)
	}

	req, err := uploadRequest(userFrom(r).Name, r.PathValue("path"), vals)
	if err != nil {
		s.fail(w, r, "part", err)
		return
	}
	if vals.Get("currentChunkSize") == "" && !multipartBody && r.ContentLength >= 0 {
		req.CurrentChunkSize = r.ContentLength
	}
	if req.CurrentChunkSize > s.maxPartSize || r.ContentLength > s.maxPartSize+multipartSlack {
		s.partTooLarge(w)
		return
	}

	capped := &partReader{r: body, limit: s.maxPartSize}
	res, err := s.uploads.UploadPart(r.Context(), req, capped)
	if capped.over {
		s.partTooLarge(w)
		return
	}
	if err != nil {
		s.fail(w, r, "part", err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.ChunkUploadResponse{Upload: res.Upload, Merge: res.Merge})
}

func (s *Server) partTooLarge(w http.ResponseWriter) {
	s.sendError(w, http.StatusRequestEntityTooLarge,
		fmt.Sprintf("%v: max %d bytes", errPartTooLarge, s.maxPartSize))
}

// partReader fails once more than limit bytes have been read, so the
// backend write fails instead of storing a truncated part.
type partReader struct {
	r     io.Reader
	limit int64
	read  int64
	over  bool
}

func (p *partReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.read > p.limit {
		p.over = true
		return n, errPartTooLarge
	}
	return n, err
}

// filePart reads form fields into vals until it reaches the "file" part.
func filePart(mr *multipart.Reader, vals url.Values) (*multipart.Part, error) {
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: multipart form has no file field", errBadParam)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadParam, err)
		}
		if p.FormName() == "file" {
			return p, nil
		}
		v, err := io.ReadAll(io.LimitReader(p, 4096))
		p.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", errBadParam, p.FormName(), err)
		}
		if p.FormName() != "" {
			vals.Set(p.FormName(), string(v))
		}
	}
}

// handleMerge handles POST /api/v1/oss/merge/{path}
func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.fail(w, r, "merge", fmt.Errorf("%w: %v", errBadParam, err))
		return
	}
	req, err := uploadRequest(userFrom(r).Name, r.PathValue("path"), r.Form)
	if err != nil {
		s.fail(w, r, "merge", err)
		return
	}
	res, err := s.uploads.Merge(r.Context(), req)
	if err != nil {
		s.fail(w, r, "merge", err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.MergeResponse{Upload: res.Upload})
}

// handleAbort handles DELETE /api/v1/oss/chunk/{path}
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	req, err := uploadRequest(userFrom(r).Name, r.PathValue("path"), r.URL.Query())
	if err != nil {
		s.fail(w, r, "abort", err)
		return
	}
	if err := s.uploads.Abort(r.Context(), req); err != nil {
		s.fail(w, r, "abort", err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.AbortResponse{Aborted: true})
}
