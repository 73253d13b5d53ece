package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dworldbd-stack/red698/internal/observe"
)

// shutdownTimeout bounds how long in-flight status requests may take once the
// server is asked to stop.
const shutdownTimeout = 5 * time.Second

// Server is the status HTTP server. It exposes the [Handler] probes and the
// Prometheus /metrics endpoint, all wrapped in [observe.Middleware].
type Server struct {
	addr    string
	handler http.Handler
}

// NewServer builds a status server listening on addr. m receives the request
// duration metric; pass [observe.DefaultMetrics] in production.
func NewServer(addr string, h *Handler, m *observe.Metrics) *Server {
	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return &Server{addr: addr, handler: observe.Middleware(m)(mux)}
}

// Handler returns the root handler. Useful with httptest.
func (s *Server) Handler() http.Handler { return s.handler }

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully. It returns nil after a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("health: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is like Run but accepts connections on ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("status server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("health: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("health: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health: serve: %w", err)
	}
	return nil
}
