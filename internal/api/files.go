package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/fruitsalade/ossdrive/internal/drive"
	"github.com/fruitsalade/ossdrive/internal/storage"
	"github.com/fruitsalade/ossdrive/internal/stream"
	"github.com/fruitsalade/ossdrive/pkg/protocol"
)

// ─── Content ────────────────────────────────────────────────────────────────

// handleContent handles GET /api/v1/oss/content/{path}
// Range-aware download of one file.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	p := r.PathValue("path")
	if p == "" || strings.HasSuffix(p, "/") {
		s.sendError(w, http.StatusBadRequest, "file path required")
		return
	}
	key := storage.OwnerKey(userFrom(r).Name, storage.ObjectKey(p))

	desc, err := s.backend.StatObject(r.Context(), key)
	if err != nil {
		s.fail(w, r, "download", err)
		return
	}
	if desc.ETag != "" {
		w.Header().Set("ETag", `"`+desc.ETag+`"`)
	}
	if !desc.LastModified.IsZero() {
		w.Header().Set("Last-Modified", desc.LastModified.UTC().Format(http.TimeFormat))
	}

	if err := s.streamer.Serve(w, r, stream.Object{Key: key, Size: desc.Size}); err != nil {
		w.Header().Del("ETag")
		w.Header().Del("Last-Modified")
		s.fail(w, r, "download", err)
	}
}

// handleDelete handles DELETE /api/v1/oss/content/{path}
// Repeated ?path= parameters delete several entries in one request.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	paths := r.URL.Query()["path"]
	if len(paths) == 0 {
		paths = []string{r.PathValue("path")}
	}
	if err := s.drive.Delete(r.Context(), userFrom(r), paths); err != nil {
		s.fail(w, r, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── File manager ───────────────────────────────────────────────────────────

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", errBadParam, name, v)
	}
	return b, nil
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s=%q", errBadParam, name, v)
	}
	return n, nil
}

func listOptions(r *http.Request) (drive.ListOptions, error) {
	q := r.URL.Query()
	opts := drive.ListOptions{SortProp: q.Get("sortProp"), Order: q.Get("order")}
	var err error
	if opts.PageIndex, err = intParam(r, "pageIndex"); err != nil {
		return opts, err
	}
	if opts.PageSize, err = intParam(r, "pageSize"); err != nil {
		return opts, err
	}
	if opts.JustFolders, err = boolParam(r, "justFolders"); err != nil {
		return opts, err
	}
	if opts.AttachName, err = boolParam(r, "attachName"); err != nil {
		return opts, err
	}
	return opts, nil
}

// handleList handles GET /api/v1/oss/list/{path}
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		s.fail(w, r, "list", err)
		return
	}
	views, total, err := s.drive.List(r.Context(), userFrom(r), r.PathValue("path"), opts)
	if err != nil {
		s.fail(w, r, "list", err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.ListResponse{Count: total, Data: views})
}

// handleReadText handles GET /api/v1/oss/text/{path}
func (s *Server) handleReadText(w http.ResponseWriter, r *http.Request) {
	v, err := s.drive.ReadText(r.Context(), userFrom(r), r.PathValue("path"))
	if err != nil {
		s.fail(w, r, "read text", err)
		return
	}
	s.sendJSON(w, http.StatusOK, v)
}

// handlePutText handles PUT /api/v1/oss/text/{path}
func (s *Server) handlePutText(w http.ResponseWriter, r *http.Request) {
	if limit := s.drive.MaxTextSize(); limit > 0 {
		// JSON escaping can grow the text; the drive enforces the real limit.
		r.Body = http.MaxBytesReader(w, r.Body, 2*limit+4096)
	}
	var req protocol.TextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.fail(w, r, "write text", fmt.Errorf("%w: %v", drive.ErrTooLarge, err))
			return
		}
		s.fail(w, r, "write text", fmt.Errorf("%w: invalid JSON: %v", errBadParam, err))
		return
	}
	if err := s.drive.PutText(r.Context(), userFrom(r), r.PathValue("path"), req.ContentText); err != nil {
		s.fail(w, r, "write text", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMkdir handles POST /api/v1/oss/mkdir/{path}
func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	id, err := s.drive.Mkdir(r.Context(), userFrom(r), r.PathValue("path"))
	if err != nil {
		s.fail(w, r, "mkdir", err)
		return
	}
	s.sendJSON(w, http.StatusCreated, protocol.MkdirResponse{Path: id})
}

// handleAddFile handles POST /api/v1/oss/file/{path}
// Creates an empty file, or an empty folder with ?isFolder=true or a
// trailing slash.
func (s *Server) handleAddFile(w http.ResponseWriter, r *http.Request) {
	p := r.PathValue("path")
	isFolder, err := boolParam(r, "isFolder")
	if err != nil {
		s.fail(w, r, "add file", err)
		return
	}
	v, err := s.drive.AddFile(r.Context(), userFrom(r), p, isFolder || strings.HasSuffix(p, "/"))
	if err != nil {
		s.fail(w, r, "add file", err)
		return
	}
	s.sendJSON(w, http.StatusCreated, v)
}

// handleRename handles POST /api/v1/oss/rename/{path}
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req protocol.RenameRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		s.fail(w, r, "rename", fmt.Errorf("%w: invalid JSON: %v", errBadParam, err))
		return
	}
	key, err := s.drive.Rename(r.Context(), userFrom(r), r.PathValue("path"), req.NewName)
	if err != nil {
		s.fail(w, r, "rename", err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.RenameResponse{Path: key})
}
