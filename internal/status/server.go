package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/leggler/PV-Aggregator/internal/errors"
)

// TableReader exposes the live register table.
type TableReader interface {
	Snapshot() []uint16
}

// Handler serves GET /status and GET /registers.
func Handler(report *Report, table TableReader) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		s, ok := report.Snapshot()
		if !ok {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no round completed yet"})
			return
		}
		writeJSON(w, http.StatusOK, s)
	})
	mux.HandleFunc("/registers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string][]uint16{"registers": table.Snapshot()})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Server runs the status handler until its context is cancelled.
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

// NewServer binds nothing until Run.
func NewServer(addr string, h http.Handler, log zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Run listens and serves, shutting down gracefully when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrListen, err, "status listen %s", s.srv.Addr)
	}
	return s.Serve(ctx, l)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("address", l.Addr().String()).Msg("status server listening")
		errCh <- s.srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("status server shutdown")
		}
		<-errCh
		return nil
	}
}
