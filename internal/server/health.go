// Package server provides the HTTP observability endpoint for snapgcd.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/snapgc-io/snapgc/internal/logging"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// HealthStatus is the /healthz response body.
type HealthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Checker reports the health of one component.
type Checker interface {
	// Name identifies the component in the health response.
	Name() string

	// CheckHealth returns nil when the component is healthy.
	CheckHealth() error
}

// HealthServer serves /healthz plus any extra handlers (the metrics
// endpoint) on one listener.
type HealthServer struct {
	mu        sync.Mutex
	addr      string
	boundAddr string
	server    *http.Server
	logger    *logging.Logger
	checkers  []Checker
	handlers  map[string]http.Handler
}

// NewHealthServer creates a HealthServer listening on addr once started.
func NewHealthServer(addr string, logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.Global()
	}
	return &HealthServer{
		addr:     addr,
		logger:   logger,
		handlers: make(map[string]http.Handler),
	}
}

// RegisterChecker adds a component to the health response. Call before Start.
func (h *HealthServer) RegisterChecker(c Checker) {
	h.mu.Lock()
	h.checkers = append(h.checkers, c)
	h.mu.Unlock()
}

// RegisterHandler mounts an extra handler on the server mux. Call before Start.
func (h *HealthServer) RegisterHandler(pattern string, handler http.Handler) {
	if pattern == "" || handler == nil {
		return
	}
	h.mu.Lock()
	h.handlers[pattern] = handler
	h.mu.Unlock()
}

// Start binds the listener and serves in a background goroutine.
func (h *HealthServer) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	h.boundAddr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	for pattern, handler := range h.handlers {
		mux.Handle(pattern, handler)
	}

	h.server = &http.Server{Handler: mux}
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("health server failed", "error", err)
		}
	}()

	h.logger.Info("health server listening", "addr", h.boundAddr)
	return nil
}

// Addr returns the bound address, useful when addr was ":0".
func (h *HealthServer) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.boundAddr
}

// Stop gracefully shuts the server down.
func (h *HealthServer) Stop() error {
	h.mu.Lock()
	srv := h.server
	h.server = nil
	h.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (h *HealthServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.Unlock()

	status := HealthStatus{Status: "ok"}
	healthy := true
	for _, c := range checkers {
		if err := c.CheckHealth(); err != nil {
			healthy = false
			if status.Checks == nil {
				status.Checks = make(map[string]string)
			}
			status.Checks[c.Name()] = err.Error()
		}
	}
	if !healthy {
		status.Status = "unhealthy"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
