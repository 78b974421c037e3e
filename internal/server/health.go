// Package server serves the worker's HTTP health endpoints: /healthz for
// liveness, /readyz for readiness of the metadata store and /jobz for the
// outcome of the most recent purge runs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loam-io/loam/internal/logging"
)

// Report statuses.
const (
	StatusOK           = "ok"
	StatusDegraded     = "degraded"
	StatusNotReady     = "not_ready"
	StatusShuttingDown = "shutting_down"
)

// Defaults for a new HealthServer.
const (
	DefaultReadinessTimeout = 5 * time.Second

	// DefaultStaleAfter is how long a tracked loop may go without a
	// heartbeat before /healthz calls it stuck.
	DefaultStaleAfter = 30 * time.Second
)

// ReadinessChecker is a dependency that /readyz asks before reporting ready.
type ReadinessChecker interface {
	Name() string
	CheckReady(ctx context.Context) error
}

// Report is the JSON body of /healthz and /readyz.
type Report struct {
	Status string                 `json:"status"`
	Loops  map[string]LoopState   `json:"loops,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// LoopState describes one tracked background loop.
type LoopState struct {
	Alive    bool      `json:"alive"`
	LastBeat time.Time `json:"lastBeat"`
}

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

type loop struct {
	stopped  bool
	lastBeat time.Time
}

// HealthServer answers liveness from heartbeats of the worker's background
// loops and readiness from registered ReadinessCheckers.
type HealthServer struct {
	addr   string
	logger *logging.Logger
	now    func() time.Time

	shuttingDown atomic.Bool

	mu               sync.RWMutex
	loops            map[string]*loop
	checkers         []ReadinessChecker
	readinessTimeout time.Duration
	staleAfter       time.Duration
	handlers         map[string]http.Handler
	bound            string
	srv              *http.Server
}

// NewHealthServer creates a server that will listen on addr once started.
func NewHealthServer(addr string, logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.Global()
	}
	return &HealthServer{
		addr:             addr,
		logger:           logger,
		now:              time.Now,
		loops:            make(map[string]*loop),
		readinessTimeout: DefaultReadinessTimeout,
		staleAfter:       DefaultStaleAfter,
		handlers:         make(map[string]http.Handler),
	}
}

// RegisterHandler mounts an extra handler. Call before Start.
func (h *HealthServer) RegisterHandler(pattern string, handler http.Handler) {
	if pattern == "" || handler == nil {
		return
	}
	h.mu.Lock()
	h.handlers[pattern] = handler
	h.mu.Unlock()
}

// RegisterReadinessCheck adds a dependency to /readyz.
func (h *HealthServer) RegisterReadinessCheck(c ReadinessChecker) {
	h.mu.Lock()
	h.checkers = append(h.checkers, c)
	h.mu.Unlock()
}

// SetReadinessTimeout bounds each readiness check.
func (h *HealthServer) SetReadinessTimeout(d time.Duration) {
	h.mu.Lock()
	h.readinessTimeout = d
	h.mu.Unlock()
}

// SetStaleAfter sets how long a loop may go without a heartbeat. It must
// exceed the loop's heartbeat interval.
func (h *HealthServer) SetStaleAfter(d time.Duration) {
	h.mu.Lock()
	h.staleAfter = d
	h.mu.Unlock()
}

// TrackLoop starts tracking a background loop as alive.
func (h *HealthServer) TrackLoop(name string) {
	h.mu.Lock()
	h.loops[name] = &loop{lastBeat: h.now()}
	h.mu.Unlock()
}

// Heartbeat records that a tracked loop is still making progress.
func (h *HealthServer) Heartbeat(name string) {
	h.mu.Lock()
	if l, ok := h.loops[name]; ok {
		l.lastBeat = h.now()
	}
	h.mu.Unlock()
}

// StopLoop marks a tracked loop as exited.
func (h *HealthServer) StopLoop(name string) {
	h.mu.Lock()
	if l, ok := h.loops[name]; ok {
		l.stopped = true
	}
	h.mu.Unlock()
}

// SetShuttingDown makes both endpoints report 503 from now on.
func (h *HealthServer) SetShuttingDown() {
	h.shuttingDown.Store(true)
}

// IsShuttingDown reports whether SetShuttingDown was called.
func (h *HealthServer) IsShuttingDown() bool {
	return h.shuttingDown.Load()
}

// Handler returns the mux with every endpoint mounted.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.serveReport(func(ctx context.Context) Report { return h.CheckHealth() }))
	mux.HandleFunc("/readyz", h.serveReport(h.CheckReadiness))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	h.mu.RLock()
	for pattern, handler := range h.handlers {
		mux.Handle(pattern, handler)
	}
	h.mu.RUnlock()
	return mux
}

// Start listens on the configured address and serves in the background.
func (h *HealthServer) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:     h.Handler(),
		ReadTimeout: 5 * time.Second,
		// Readiness checks may take up to readinessTimeout each.
		WriteTimeout: 10 * time.Second,
	}

	h.mu.Lock()
	h.bound = ln.Addr().String()
	h.srv = srv
	h.mu.Unlock()

	h.logger.Infof("health server listening", map[string]any{"addr": ln.Addr().String()})
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Errorf("health server error", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (h *HealthServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.bound != "" {
		return h.bound
	}
	return h.addr
}

// Close shuts the listener down, waiting up to 5s for open requests.
func (h *HealthServer) Close() error {
	h.mu.RLock()
	srv := h.srv
	h.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (h *HealthServer) serveReport(build func(context.Context) Report) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		report := build(r.Context())
		w.Header().Set("Content-Type", "application/json")
		code := http.StatusOK
		if report.Status != StatusOK {
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(report)
		}
	}
}

func shutdownReport() Report {
	return Report{
		Status: StatusShuttingDown,
		Checks: map[string]CheckResult{"shutdown": {Message: "worker is shutting down"}},
	}
}

// CheckHealth reports liveness: ok unless shutting down or a tracked loop
// stopped or missed its heartbeat.
func (h *HealthServer) CheckHealth() Report {
	if h.IsShuttingDown() {
		return shutdownReport()
	}

	report := Report{
		Status: StatusOK,
		Loops:  make(map[string]LoopState),
		Checks: map[string]CheckResult{"shutdown": {Healthy: true, Message: "worker is running"}},
	}

	h.mu.RLock()
	now := h.now()
	var stuck []string
	for name, l := range h.loops {
		alive := !l.stopped && now.Sub(l.lastBeat) < h.staleAfter
		report.Loops[name] = LoopState{Alive: alive, LastBeat: l.lastBeat}
		if !alive {
			stuck = append(stuck, name)
		}
	}
	tracked := len(h.loops)
	h.mu.RUnlock()

	switch {
	case len(stuck) > 0:
		sort.Strings(stuck)
		report.Status = StatusDegraded
		report.Checks["loops"] = CheckResult{Message: "not running: " + strings.Join(stuck, ", ")}
	case tracked > 0:
		report.Checks["loops"] = CheckResult{Healthy: true, Message: "all loops running"}
	}
	return report
}

// CheckReadiness runs every registered check concurrently, each under the
// readiness timeout.
func (h *HealthServer) CheckReadiness(ctx context.Context) Report {
	if h.IsShuttingDown() {
		return shutdownReport()
	}

	h.mu.RLock()
	checkers := append([]ReadinessChecker(nil), h.checkers...)
	timeout := h.readinessTimeout
	h.mu.RUnlock()

	results := make([]error, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			results[i] = c.CheckReady(checkCtx)
		}()
	}
	wg.Wait()

	report := Report{
		Status: StatusOK,
		Checks: map[string]CheckResult{"shutdown": {Healthy: true, Message: "worker is running"}},
	}
	for i, c := range checkers {
		if err := results[i]; err != nil {
			report.Status = StatusNotReady
			report.Checks[c.Name()] = CheckResult{Message: err.Error()}
			continue
		}
		report.Checks[c.Name()] = CheckResult{Healthy: true, Message: "healthy"}
	}
	return report
}
