// Package server exposes the denoiser over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fmueller/quietwav/internal/denoise"
	"github.com/fmueller/quietwav/internal/observe"
)

type Config struct {
	Listen          string
	MaxUploadBytes  int64
	TempDir         string
	ShutdownTimeout time.Duration
}

// Denoiser processes one WAV file into another.
type Denoiser interface {
	ProcessFile(ctx context.Context, inPath, outPath string) (denoise.Result, error)
}

type Server struct {
	cfg      Config
	tempDir  string
	denoiser Denoiser
	checkers []Checker
	metrics  *observe.Metrics
	logger   *zap.Logger
	handler  http.Handler
}

// New wires the routes. TempDir must exist; checkers back /api/ready.
func New(cfg Config, denoiser Denoiser, metrics *observe.Metrics, logger *zap.Logger, checkers ...Checker) (*Server, error) {
	if denoiser == nil {
		return nil, errors.New("denoiser is required")
	}
	if cfg.TempDir == "" {
		return nil, errors.New("temp dir is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("max upload bytes must be positive, got %d", cfg.MaxUploadBytes)
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:      cfg,
		tempDir:  cfg.TempDir,
		denoiser: denoiser,
		checkers: append([]Checker(nil), checkers...),
		metrics:  metrics,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/process-audio", s.handleProcessAudio)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.handler = observe.Middleware(metrics, logger)(allowCrossOrigin(mux))
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// allowCrossOrigin lets browser front-ends on other origins call the API.
func allowCrossOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Correlation-ID")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Serve accepts connections on ln until ctx is done, then drains in-flight
// requests for at most ShutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	s.logger.Info("shutting down", zap.Duration("timeout", timeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on cfg.Listen and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}
