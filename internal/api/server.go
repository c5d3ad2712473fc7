// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fruitsalade/ossdrive/internal/auth"
	"github.com/fruitsalade/ossdrive/internal/drive"
	"github.com/fruitsalade/ossdrive/internal/events"
	"github.com/fruitsalade/ossdrive/internal/logging"
	"github.com/fruitsalade/ossdrive/internal/metrics"
	"github.com/fruitsalade/ossdrive/internal/storage"
	"github.com/fruitsalade/ossdrive/internal/stream"
	"github.com/fruitsalade/ossdrive/internal/upload"
	"github.com/fruitsalade/ossdrive/pkg/protocol"
)

// Server is the drive HTTP server.
type Server struct {
	backend     storage.Backend
	uploads     *upload.Coordinator
	drive       *drive.Service
	streamer    *stream.Streamer
	broadcaster *events.Broadcaster
	auth        *auth.Auth
	maxPartSize int64
}

// NewServer creates a server. broadcaster may be nil, which disables the
// event stream.
func NewServer(backend storage.Backend, uploads *upload.Coordinator, drv *drive.Service,
	broadcaster *events.Broadcaster, authHandler *auth.Auth, maxPartSize int64) *Server {
	return &Server{
		backend:     backend,
		uploads:     uploads,
		drive:       drv,
		streamer:    stream.New(backend),
		broadcaster: broadcaster,
		auth:        authHandler,
		maxPartSize: maxPartSize,
	}
}

// Handler returns the HTTP handler with auth, logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	protected := http.NewServeMux()

	// Chunked upload
	protected.HandleFunc("GET /api/v1/oss/chunk/{path...}", s.handleProbe)
	protected.HandleFunc("POST /api/v1/oss/chunk/{path...}", s.handlePart)
	protected.HandleFunc("DELETE /api/v1/oss/chunk/{path...}", s.handleAbort)
	protected.HandleFunc("POST /api/v1/oss/merge/{path...}", s.handleMerge)

	// Content
	protected.HandleFunc("GET /api/v1/oss/content/{path...}", s.handleContent)
	protected.HandleFunc("DELETE /api/v1/oss/content/{path...}", s.handleDelete)

	// File manager
	protected.HandleFunc("GET /api/v1/oss/list/{path...}", s.handleList)
	protected.HandleFunc("GET /api/v1/oss/text/{path...}", s.handleReadText)
	protected.HandleFunc("PUT /api/v1/oss/text/{path...}", s.handlePutText)
	protected.HandleFunc("POST /api/v1/oss/mkdir/{path...}", s.handleMkdir)
	protected.HandleFunc("POST /api/v1/oss/file/{path...}", s.handleAddFile)
	protected.HandleFunc("POST /api/v1/oss/rename/{path...}", s.handleRename)

	// Events
	protected.HandleFunc("GET /api/v1/events", s.handleEvents)

	mux.Handle("/api/v1/", s.auth.Middleware(protected))

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.HealthResponse{Status: "ok", Backend: s.backend.Type()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		s.sendError(w, http.StatusNotImplemented, "event stream disabled")
		return
	}
	if err := s.broadcaster.ServeSSE(w, r, userFrom(r).Name); err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// userFrom returns the authenticated caller. The auth middleware guarantees
// claims on every protected route.
func userFrom(r *http.Request) drive.User {
	c := auth.GetClaims(r.Context())
	if c == nil {
		return drive.User{}
	}
	return drive.User{Name: c.Username, ID: c.UserID}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, storage.ErrSessionUnknown):
		return http.StatusGone
	case errors.Is(err, drive.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, upload.ErrInvalidRequest),
		errors.Is(err, upload.ErrNoParts),
		errors.Is(err, drive.ErrInvalidPath),
		errors.Is(err, errBadParam):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrBackendUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail logs err and sends the mapped error response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := statusFor(err)
	log := logging.WithContext(r.Context()).With(zap.String("op", op), zap.Error(err))
	if code >= http.StatusInternalServerError {
		log.Error("request failed")
	} else {
		log.Debug("request rejected", zap.Int("status", code))
	}
	s.sendError(w, code, err.Error())
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
