package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/fmueller/voxstream/internal/engine"
	"github.com/fmueller/voxstream/internal/metrics"
	"github.com/fmueller/voxstream/internal/protocol"
	"github.com/fmueller/voxstream/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	EnginePath      = "/v1/engine"
	shutdownTimeout = 10 * time.Second
)

type Options struct {
	Addr string
	// Backends builds the backend list for each new connection, so every
	// connection owns its engine instance.
	Backends func() []engine.Backend
	Registry *prometheus.Registry
	Logger   *zap.Logger
}

// Server exposes the engine host to remote controllers.
type Server struct {
	addr     string
	backends func() []engine.Backend
	handler  http.Handler
	logger   *zap.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	backends := opts.Backends
	if backends == nil {
		backends = func() []engine.Backend { return []engine.Backend{engine.PortableBackend{}} }
	}

	m := metrics.New(reg)
	info := version.Current()
	metrics.RegisterBuildInfo(reg, info.Version, info.Commit, info.GoVersion)

	s := &Server{addr: opts.Addr, backends: backends, logger: logger}

	newHost := func() *protocol.Host {
		return protocol.NewHost(engine.New(backends(), logger), protocol.HostOptions{Logger: logger, Metrics: m})
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Handle(EnginePath, protocol.WebSocketHandler(newHost, logger, m))
	s.handler = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("engine host listening", zap.String("addr", ln.Addr().String()), zap.String("path", EnginePath))
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("engine host shutdown incomplete", zap.Error(err))
		return err
	}
	return nil
}

type health struct {
	OK       bool          `json:"ok"`
	Version  version.Info  `json:"version"`
	Backends []engine.Kind `json:"backends"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := health{OK: true, Version: version.Current(), Backends: []engine.Kind{}}
	for _, backend := range s.backends() {
		if backend.Available() {
			resp.Backends = append(resp.Backends, backend.Kind())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
