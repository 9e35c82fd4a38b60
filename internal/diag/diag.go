// Package diag serves the optional diagnostics endpoint each process can
// expose: Prometheus metrics, a liveness probe and a process status page.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/resofield/jamnet/internal/metrics"
	"github.com/resofield/jamnet/pkg/logger"
)

// HealthFunc reports one component's health; empty string means healthy.
type HealthFunc func() string

// Server is the diagnostics HTTP server. A nil or empty listen address
// disables it entirely.
type Server struct {
	addr    string
	service string
	log     *logger.Logger
	httpSrv *http.Server
	started time.Time

	mu     sync.Mutex
	checks map[string]HealthFunc
}

// NewServer builds a diagnostics server for the named process.
func NewServer(addr, service string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("diag")
	}
	return &Server{
		addr:    addr,
		service: service,
		log:     log,
		checks:  map[string]HealthFunc{},
	}
}

// RegisterCheck adds a named component health probe.
func (s *Server) RegisterCheck(name string, fn HealthFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = fn
}

// Name implements system.Service.
func (s *Server) Name() string { return "diag" }

// Start begins serving. Disabled servers start as a no-op.
func (s *Server) Start(ctx context.Context) error {
	if s.addr == "" {
		s.log.Debug("diagnostics disabled")
		return nil
	}
	s.started = time.Now()

	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         s.addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("diagnostics server failed")
		}
	}()
	s.log.WithField("addr", s.addr).Info("diagnostics listening")
	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	unhealthy := map[string]string{}
	s.mu.Lock()
	for name, fn := range s.checks {
		if msg := fn(); msg != "" {
			unhealthy[name] = msg
		}
	}
	s.mu.Unlock()

	if len(unhealthy) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "unhealthy",
			"unhealthy": unhealthy,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pid := os.Getpid()
	status := map[string]any{
		"service":        s.service,
		"pid":            pid,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}

	if proc, err := process.NewProcess(int32(pid)); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			status["rss_bytes"] = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			status["cpu_percent"] = fmt.Sprintf("%.2f", cpu)
		}
	}

	components := map[string]string{}
	s.mu.Lock()
	for name, fn := range s.checks {
		msg := fn()
		if msg == "" {
			msg = "ok"
		}
		components[name] = msg
	}
	s.mu.Unlock()
	status["components"] = components

	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
