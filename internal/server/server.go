package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rfeldman/ricmux/internal/model"
	"github.com/rfeldman/ricmux/internal/refdata"
	"github.com/rfeldman/ricmux/internal/registry"
	"github.com/rfeldman/ricmux/internal/session"
)

// Config holds websocket server settings.
type Config struct {
	Port         int           // Listen port (0 picks an ephemeral port)
	Path         string        // Websocket endpoint path
	PingInterval time.Duration // Keepalive ping cadence (0 disables)
	WriteTimeout time.Duration // Write deadline for outbound frames
	ReadLimit    int64         // Max inbound frame size in bytes
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Port:         8080,
		Path:         "/ws",
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
		ReadLimit:    4096,
	}
}

// Server is the downstream websocket endpoint. Each accepted connection
// becomes one session: a read pump handling subscribe/unsubscribe requests
// and a write pump draining the session's delivery queue.
type Server struct {
	cfg      Config
	sessions session.Manager
	logger   *slog.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	addr     atomic.Value // string, set once listening

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}
	wg     sync.WaitGroup

	accepted        atomic.Int64
	upgradeFailures atomic.Int64
}

// Stats provides statistics about the websocket endpoint.
type Stats struct {
	Accepted        int64 `json:"accepted"`
	UpgradeFailures int64 `json:"upgrade_failures"`
	OpenConnections int   `json:"open_connections"`
}

// New creates a websocket server delivering into the given session manager.
func New(cfg Config, sessions session.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Start binds the listener and begins serving in the background. A bind
// failure is returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWS)

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: mux,
	}

	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpSrv.Addr, err)
	}
	s.addr.Store(ln.Addr().String())

	s.logger.Info("websocket server listening", "addr", ln.Addr().String(), "path", s.cfg.Path)

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("websocket server error", "error", err)
		}
	}()

	return nil
}

// Stop closes the listener, terminates every open connection, and waits for
// the pumps to exit.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}

	// Shutdown only stops the listener: upgraded connections are hijacked
	// and invisible to the http.Server.
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("listener shutdown error", "error", err)
	}

	s.connMu.Lock()
	for conn := range s.conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	s.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("websocket server stopped", "accepted", s.accepted.Load())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Stats returns a snapshot of endpoint counters.
func (s *Server) Stats() Stats {
	s.connMu.Lock()
	open := len(s.conns)
	s.connMu.Unlock()

	return Stats{
		Accepted:        s.accepted.Load(),
		UpgradeFailures: s.upgradeFailures.Load(),
		OpenConnections: open,
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.upgradeFailures.Add(1)
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess, err := s.sessions.Register()
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "not accepting sessions"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	s.accepted.Add(1)
	s.trackConn(conn, true)
	s.logger.Info("session connected", "session_id", sess.ID(), "remote", r.RemoteAddr)

	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}

	wr := &connWriter{conn: conn, timeout: s.cfg.WriteTimeout}

	s.wg.Add(2)
	go s.writePump(conn, wr, sess)
	go s.readPump(conn, wr, sess)
}

func (s *Server) trackConn(conn *websocket.Conn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// readPump consumes client requests until the connection drops, then tears
// the session down. Disconnect releases every subscription the session held.
func (s *Server) readPump(conn *websocket.Conn, wr *connWriter, sess *session.Session) {
	defer s.wg.Done()
	defer s.sessions.Disconnect(sess.ID())

	if s.cfg.PingInterval > 0 {
		wait := 2 * s.cfg.PingInterval
		conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wait))
			return nil
		})
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("session read error", "session_id", sess.ID(), "error", err)
			}
			return
		}
		if s.cfg.PingInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
		}

		var req clientRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			wr.writeJSON(ackFrame{Type: "error", Code: "bad_request", Msg: "malformed request"})
			continue
		}

		s.handleRequest(wr, sess, req)
	}
}

func (s *Server) handleRequest(wr *connWriter, sess *session.Session, req clientRequest) {
	switch req.Action {
	case "subscribe":
		stale, err := s.sessions.Subscribe(sess.ID(), req.RIC)
		if err != nil {
			wr.writeJSON(ackFrame{Type: "error", RIC: req.RIC, Code: errorCode(err), Msg: err.Error()})
			return
		}
		wr.writeJSON(ackFrame{Type: "subscribed", RIC: req.RIC, Stale: stale})

	case "unsubscribe":
		s.sessions.Unsubscribe(sess.ID(), req.RIC)
		wr.writeJSON(ackFrame{Type: "unsubscribed", RIC: req.RIC})

	default:
		wr.writeJSON(ackFrame{Type: "error", RIC: req.RIC, Code: "bad_request",
			Msg: fmt.Sprintf("unknown action %q", req.Action)})
	}
}

// writePump drains the session queue into the wire and keeps the connection
// alive with pings. It owns the connection close.
func (s *Server) writePump(conn *websocket.Conn, wr *connWriter, sess *session.Session) {
	defer s.wg.Done()
	defer func() {
		s.trackConn(conn, false)
		conn.Close()
	}()

	var ping <-chan time.Time
	if s.cfg.PingInterval > 0 {
		t := time.NewTicker(s.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-sess.Done():
			// Queued updates are dropped with the session.
			wr.closeFrame(websocket.CloseGoingAway, "session closed")
			return

		case push := <-sess.Updates():
			if err := wr.writeJSON(dataFrameFrom(push)); err != nil {
				s.logger.Debug("session write error", "session_id", sess.ID(), "error", err)
				s.sessions.Disconnect(sess.ID())
				return
			}

		case <-ping:
			if err := wr.ping(); err != nil {
				s.sessions.Disconnect(sess.ID())
				return
			}
		}
	}
}

// connWriter serializes writes to one websocket connection. The read pump
// writes acks and the write pump writes data frames, and gorilla permits
// only one writer at a time.
type connWriter struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
}

func (w *connWriter) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.conn.WriteJSON(v)
}

func (w *connWriter) ping() error {
	timeout := w.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return w.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(timeout))
}

func (w *connWriter) closeFrame(code int, reason string) {
	w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, refdata.ErrUnknownInstrument):
		return "unknown_instrument"
	case errors.Is(err, refdata.ErrInstrumentDisabled):
		return "instrument_disabled"
	case errors.Is(err, registry.ErrSubscribeTimeout):
		return "subscribe_timeout"
	case errors.Is(err, registry.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, registry.ErrClosed), errors.Is(err, session.ErrManagerClosed):
		return "shutting_down"
	}
	return "subscribe_failed"
}

// clientRequest is one inbound consumer command.
type clientRequest struct {
	Action string `json:"action"`
	RIC    string `json:"ric"`
}

// ackFrame acknowledges a consumer command. Stale marks a subscribe grant
// served from cache while the upstream is unavailable.
type ackFrame struct {
	Type  string `json:"type"`
	RIC   string `json:"ric,omitempty"`
	Code  string `json:"code,omitempty"`
	Msg   string `json:"msg,omitempty"`
	Stale bool   `json:"stale,omitempty"`
}

// dataFrame is one outbound market data message.
type dataFrame struct {
	Type   string          `json:"type"`
	RIC    string          `json:"ric"`
	Seq    int64           `json:"seq"`
	TS     int64           `json:"ts"`
	Stale  bool            `json:"stale,omitempty"`
	Fields json.RawMessage `json:"fields,omitempty"`
}

func dataFrameFrom(push model.Push) dataFrame {
	return dataFrame{
		Type:   push.Update.Kind.String(),
		RIC:    push.Update.RIC,
		Seq:    push.Update.Seq,
		TS:     push.Update.ExchangeTS,
		Stale:  push.Stale,
		Fields: push.Update.Fields,
	}
}
