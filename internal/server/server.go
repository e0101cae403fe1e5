package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/storefront/internal/config"
	"github.com/l0p7/storefront/internal/logging"
	"github.com/l0p7/storefront/internal/metrics"
)

const shutdownGrace = 5 * time.Second

// Server binds the storefront API to a TCP listener and drains in-flight
// requests on shutdown.
type Server struct {
	logger     *slog.Logger
	listener   net.Listener
	httpServer *http.Server
	once       sync.Once
}

// New opens the configured listener immediately so a port of 0 resolves to a
// concrete address before Run. Every request passes through the access
// middleware, which records route metrics when rec is non-nil.
func New(cfg config.ListenConfig, logger *slog.Logger, rec *metrics.Recorder, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	logger = logging.OrDiscard(logger).With(slog.String("agent", "http"))

	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", addr, err)
	}

	return &Server{
		logger:   logger,
		listener: ln,
		httpServer: &http.Server{
			Handler:           access(logger, rec, handler),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}, nil
}

// Addr reports the bound listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Run serves until ctx is cancelled and returns ctx.Err() after a graceful
// shutdown, or the serve error if the listener fails first.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		s.logger.Info("storefront listening", slog.String("address", s.Addr()))
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: serve: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.logger.Info("storefront draining connections")
		err = s.httpServer.Shutdown(ctx)
	})
	return err
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// access labels each request with its route name, not the raw path, so
// product slugs or interaction kinds never become metric labels.
func access(logger *slog.Logger, rec *metrics.Recorder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}

		name := "unmatched"
		if rt, _, ok := parseRoute(r.URL.Path); ok {
			name = rt
		}
		elapsed := time.Since(start)
		rec.ObserveHTTPRequest(name, sw.status, elapsed)
		logger.Debug("request served",
			slog.String("method", r.Method),
			slog.String("route", name),
			slog.Int("status", sw.status),
			slog.Duration("latency", elapsed),
		)
	})
}
