// Package metrics exposes the observability surface: a JSON snapshot of
// every component's counters plus a readiness probe keyed off the upstream
// link state.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rfeldman/ricmux/internal/cache"
	"github.com/rfeldman/ricmux/internal/dispatch"
	"github.com/rfeldman/ricmux/internal/model"
	"github.com/rfeldman/ricmux/internal/registry"
	"github.com/rfeldman/ricmux/internal/server"
	"github.com/rfeldman/ricmux/internal/session"
	"github.com/rfeldman/ricmux/internal/upstream"
	"github.com/rfeldman/ricmux/internal/version"
)

// Config holds metrics endpoint settings.
type Config struct {
	Port int    // Listen port (0 picks an ephemeral port)
	Path string // Snapshot endpoint path
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Port: 9090,
		Path: "/metrics",
	}
}

// Server serves component statistics and health probes. Nil components are
// omitted from the snapshot.
type Server struct {
	cfg    Config
	logger *slog.Logger

	link     upstream.Link
	registry registry.Registry
	sessions session.Manager
	dispatch dispatch.Dispatcher
	cache    *cache.Cache
	ws       *server.Server

	started time.Time
	httpSrv *http.Server
	addr    atomic.Value
}

// New creates the metrics server over the given components.
func New(cfg Config, link upstream.Link, reg registry.Registry, sessions session.Manager,
	disp dispatch.Dispatcher, c *cache.Cache, ws *server.Server, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:      cfg,
		logger:   logger.With("component", "metrics"),
		link:     link,
		registry: reg,
		sessions: sessions,
		dispatch: disp,
		cache:    c,
		ws:       ws,
	}
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.started = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleMetrics)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/debug/instruments", s.handleInstruments)

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: mux,
	}

	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpSrv.Addr, err)
	}
	s.addr.Store(ln.Addr().String())

	s.logger.Info("metrics server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := map[string]any{
		"version":        version.Version,
		"commit":         version.Commit,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}

	if s.link != nil {
		snap["upstream"] = s.link.Stats()
	}
	if s.registry != nil {
		snap["registry"] = s.registry.Stats()
	}
	if s.sessions != nil {
		snap["sessions"] = s.sessions.Stats()
	}
	if s.dispatch != nil {
		snap["dispatch"] = s.dispatch.Stats()
	}
	if s.cache != nil {
		snap["cache"] = s.cache.Stats()
	}
	if s.ws != nil {
		snap["server"] = s.ws.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// handleHealthz is the readiness probe: ready only while the upstream link
// can accept subscribe traffic.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.link == nil || s.link.Usable() {
		json.NewEncoder(w).Encode(map[string]any{"status": "ready"})
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "not_ready",
		"state":    s.link.State().String(),
		"degraded": s.link.Degraded(),
	})
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	var rics []string
	if s.registry != nil {
		rics = s.registry.ActiveInstruments()
	}
	sort.Strings(rics)

	total := len(rics)
	limit := 100
	if len(rics) > limit {
		rics = rics[:limit]
	}

	instruments := make([]instrumentInfo, 0, len(rics))
	var buf []model.SessionID
	for _, ric := range rics {
		buf = s.registry.Interested(ric, buf)
		instruments = append(instruments, instrumentInfo{RIC: ric, Interest: len(buf)})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"count":       total,
		"showing":     len(instruments),
		"instruments": instruments,
	})
}

// instrumentInfo is one row of the debug instrument listing.
type instrumentInfo struct {
	RIC      string `json:"ric"`
	Interest int    `json:"interest"`
}
