// Package httpapi serves the accept and reject links sent with staffing
// offers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ahrav/go-orchestra/internal/domain"
	"github.com/ahrav/go-orchestra/internal/gatekeeper"
	"github.com/ahrav/go-orchestra/internal/staffing"
	"github.com/ahrav/go-orchestra/internal/store"
)

// WorkerHeader carries the identity of the responding worker. The worker
// query parameter is accepted when the header is absent, so offer links
// work from a mail client.
const WorkerHeader = "X-Orchestra-Worker"

const shutdownTimeout = 5 * time.Second

// Responder resolves staffing responses; *staffing.Engine satisfies it.
type Responder interface {
	HandleStaffingResponse(ctx context.Context, workerID, inquiryID string, accepted bool) (staffing.Result, error)
}

// Server routes staffing responses to a Responder.
type Server struct {
	responder Responder
	logger    *slog.Logger
	mux       *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Server.
func New(r Responder, opts ...Option) *Server {
	s := &Server{
		responder: r,
		logger:    slog.Default().With("component", "httpapi"),
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		s.mux.HandleFunc(method+" /staffing/inquiries/{id}/accept", s.handleResponse(true))
		s.mux.HandleFunc(method+" /staffing/inquiries/{id}/reject", s.handleResponse(false))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.InfoContext(ctx, "listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleResponse(accepted bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inquiryID := r.PathValue("id")
		workerID := r.Header.Get(WorkerHeader)
		if workerID == "" {
			workerID = r.URL.Query().Get("worker")
		}
		if workerID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing worker identity"})
			return
		}

		res, err := s.responder.HandleStaffingResponse(r.Context(), workerID, inquiryID, accepted)
		if err != nil {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				s.logger.ErrorContext(r.Context(), "handle staffing response",
					"inquiry_id", inquiryID, "worker_id", workerID, "error", err)
				writeJSON(w, status, map[string]string{"error": "internal error"})
				return
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// statusFor maps core errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrWorkerAlreadyAssigned),
		errors.Is(err, gatekeeper.ErrAssignmentLimitReached),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, staffing.ErrInquiryNotOwned),
		errors.Is(err, staffing.ErrNotCertified):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
