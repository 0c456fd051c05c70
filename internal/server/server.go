// Package server implements the relay daemon's envelope ingestion endpoint.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/block/telespool/internal/envelope"
	"github.com/block/telespool/internal/httputil"
	"github.com/block/telespool/internal/logging"
	"github.com/block/telespool/internal/transport"
)

// maxEnvelopeSize bounds how much a single submission may read into memory.
const maxEnvelopeSize = 20 << 20

// Server accepts envelope submissions and hands them to a transport. With a
// spooling transport behind it, a 200 response means the envelope is on
// stable storage, not that it has reached the upstream.
type Server struct {
	logger *slog.Logger
	sink   transport.Sink
	mux    *http.ServeMux
}

var _ http.Handler = (*Server)(nil)

func New(ctx context.Context, sink transport.Sink) *Server {
	s := &Server{
		logger: logging.FromContext(ctx),
		sink:   sink,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /api/{project}/envelope/", s.handleEnvelope)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	env, err := envelope.Parse(http.MaxBytesReader(w, r.Body, maxEnvelopeSize))
	if err != nil {
		httputil.ErrorResponse(w, r, http.StatusBadRequest, "malformed envelope", "error", err)
		return
	}

	if err := s.sink.Send(r.Context(), env); err != nil {
		httputil.ErrorResponse(w, r, http.StatusServiceUnavailable, "failed to accept envelope",
			"project", r.PathValue("project"), "error", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"id": env.EventID()}); err != nil {
		s.logger.ErrorContext(r.Context(), "Failed to write response", "error", err)
	}
}
