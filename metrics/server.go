package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Server exposes the /metrics and /health endpoints over HTTP.
type Server struct {
	server *http.Server
	log    *slog.Logger
}

// NewServer creates a Server on the given address serving the metrics of the Gatherer.
func NewServer(addr string, g prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: slog.With("module", "metrics"),
	}
}

// Start binds the address and serves in the background.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, err
	}

	go func() {
		err := s.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serving metrics", "err", err)
		}
	}()
	return ln.Addr(), nil
}

// Stop gracefully stops the Server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
