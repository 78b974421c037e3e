package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loam-io/loam/internal/logging"
)

// Server exposes a Gatherer on /metrics.
type Server struct {
	addr     string
	gatherer prometheus.Gatherer

	mu    sync.Mutex
	bound string
	srv   *http.Server
}

// NewServer serves the default registry on addr (":9090" by convention).
func NewServer(addr string) *Server {
	return NewServerWithRegistry(addr, prometheus.DefaultGatherer)
}

// NewServerWithRegistry serves gatherer on addr. Tests use it with a fresh
// registry so they do not see each other's metrics.
func NewServerWithRegistry(addr string, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{addr: addr, gatherer: gatherer}
}

// Handler returns the /metrics handler. Collection errors are logged and
// the metrics that could be gathered are still served.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
		ErrorLog:      scrapeErrorLog{},
	}))
	return mux
}

// Start listens on the configured address and serves in the background.
// Serve failures are logged; metrics never stop the worker.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.bound = ln.Addr().String()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warnf("metrics server stopped", map[string]any{"addr": ln.Addr().String(), "error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound != "" {
		return s.bound
	}
	return s.addr
}

// Close stops the server, waiting up to 5s for in-flight scrapes.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// scrapeErrorLog routes promhttp's collection errors to the global logger.
type scrapeErrorLog struct{}

func (scrapeErrorLog) Println(v ...any) {
	logging.Warnf("metrics collection error", map[string]any{"error": fmt.Sprint(v...)})
}
