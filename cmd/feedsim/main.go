// feedsim serves a synthetic market data feed speaking the ricmux upstream
// protocol: signed login, per-instrument subscribe/unsubscribe with acks, an
// immediate refresh image per new subscription, then random-walk updates.
//
// Usage: go run ./cmd/feedsim -addr :9201 -interval 500ms -rics EUR=,GBP=,JPY=
//
// With -user and -secret the login signature is verified; without them any
// non-empty signature is accepted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rfeldman/ricmux/internal/auth"
	"github.com/rfeldman/ricmux/internal/feed"
)

func main() {
	addr := flag.String("addr", ":9201", "listen address")
	interval := flag.Duration("interval", 500*time.Millisecond, "update publish interval")
	rics := flag.String("rics", "EUR=,GBP=,JPY=,CHF=,XAU=", "comma-separated instrument universe")
	user := flag.String("user", "", "expected feed user (empty accepts any)")
	secretPath := flag.String("secret", "", "path to shared secret for signature checks")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	var creds *auth.Credentials
	if *user != "" && *secretPath != "" {
		var err error
		creds, err = auth.LoadCredentials(*user, *secretPath)
		if err != nil {
			logger.Error("failed to load credentials", "error", err)
			os.Exit(1)
		}
		logger.Info("verifying login signatures", "user", *user)
	} else {
		logger.Info("signature verification disabled, any signed login accepted")
	}

	sim := newSimulator(strings.Split(*rics, ","), *interval, creds, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	go sim.run(ctx)

	srv := &http.Server{Addr: *addr, Handler: http.HandlerFunc(sim.handleWS)}
	go func() {
		logger.Info("feed simulator listening",
			"addr", *addr,
			"instruments", len(sim.universe),
			"interval", *interval,
		)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("feed simulator error", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	sim.closeAll()

	logger.Info("feed simulator stopped")
}

// instrument is one simulated price series.
type instrument struct {
	ric string
	mid float64
	seq int64
}

type simulator struct {
	interval time.Duration
	creds    *auth.Credentials
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	universe map[string]*instrument
	conns    map[*client]struct{}
}

func newSimulator(rics []string, interval time.Duration, creds *auth.Credentials, logger *slog.Logger) *simulator {
	universe := make(map[string]*instrument)
	for _, ric := range rics {
		ric = strings.TrimSpace(ric)
		if ric == "" {
			continue
		}
		universe[ric] = &instrument{ric: ric, mid: 50 + rand.Float64()*100}
	}

	return &simulator{
		interval: interval,
		creds:    creds,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		universe: universe,
		conns:    make(map[*client]struct{}),
	}
}

// run advances every price series each tick and broadcasts the resulting
// frames to subscribed connections.
func (s *simulator) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *simulator) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inst := range s.universe {
		// Random walk, clamped away from zero.
		inst.mid += (rand.Float64() - 0.5) * inst.mid * 0.002
		if inst.mid < 1 {
			inst.mid = 1
		}
		inst.seq++

		kind := "update"
		switch {
		case rand.IntN(200) == 0:
			kind = "status"
		case rand.IntN(50) == 0:
			kind = "correction"
		}

		raw := dataFrame(kind, inst)
		for c := range s.conns {
			c.publish(inst.ric, raw)
		}
	}
}

func dataFrame(kind string, inst *instrument) []byte {
	var fields string
	if kind == "status" {
		fields = `{"state":"open"}`
	} else {
		spread := inst.mid * 0.0004
		fields = fmt.Sprintf(`{"BID":%.4f,"ASK":%.4f,"MID":%.4f}`,
			inst.mid-spread, inst.mid+spread, inst.mid)
	}

	raw, _ := json.Marshal(map[string]any{
		"type":   kind,
		"ric":    inst.ric,
		"seq":    inst.seq,
		"ts":     time.Now().UnixMicro(),
		"fields": json.RawMessage(fields),
	})
	return raw
}

func (s *simulator) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		ws:     ws,
		sim:    s,
		subs:   make(map[string]struct{}),
		logger: s.logger.With("remote", r.RemoteAddr),
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	c.logger.Info("feed client connected")
	go c.readLoop()
}

func (s *simulator) remove(c *client) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *simulator) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.ws.Close()
	}
}

// refresh returns a full image frame for one instrument at its current state.
func (s *simulator) refresh(ric string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.universe[ric]
	if !ok {
		return nil
	}
	return dataFrame("refresh", inst)
}

func (s *simulator) knows(ric string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.universe[ric]
	return ok
}

// client is one connected feed consumer.
type client struct {
	ws     *websocket.Conn
	sim    *simulator
	logger *slog.Logger

	mu     sync.Mutex
	authed bool
	subs   map[string]struct{}
}

// publish sends a broadcast frame if this client subscribes to the
// instrument. Write failures are left for the read loop to notice.
func (c *client) publish(ric string, raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[ric]; !ok {
		return
	}
	c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *client) send(v any) {
	raw, _ := json.Marshal(v)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *client) sendRaw(raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *client) ack(id int64, ackType string, msg any) {
	raw, _ := json.Marshal(msg)
	c.send(feed.Ack{ID: id, Type: ackType, Msg: raw})
}

func (c *client) reject(id int64, code, message string) {
	c.ack(id, feed.AckError, feed.ErrorMsg{Code: code, Message: message})
}

func (c *client) readLoop() {
	defer func() {
		c.sim.remove(c)
		c.ws.Close()
		c.logger.Info("feed client disconnected")
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var cmd struct {
			ID     int64           `json:"id"`
			Cmd    string          `json:"cmd"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.logger.Warn("undecodable command", "error", err)
			continue
		}

		switch cmd.Cmd {
		case feed.CmdLogin:
			c.handleLogin(cmd.ID, cmd.Params)
		case feed.CmdSubscribe:
			c.handleSubscribe(cmd.ID, cmd.Params)
		case feed.CmdUnsubscribe:
			c.handleUnsubscribe(cmd.ID, cmd.Params)
		default:
			c.reject(cmd.ID, "unknown-command", fmt.Sprintf("unknown command %q", cmd.Cmd))
		}
	}
}

func (c *client) handleLogin(id int64, raw []byte) {
	var params feed.LoginParams
	if err := json.Unmarshal(raw, &params); err != nil || params.Sig == "" || params.User == "" {
		c.reject(id, "bad-login", "login requires user and sig")
		return
	}

	if c.sim.creds != nil && !c.sim.creds.Verify(params) {
		c.logger.Warn("rejected login", "user", params.User)
		c.reject(id, "not-authorized", "signature verification failed")
		return
	}

	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()

	expires := time.Now().Add(time.Hour).UnixMicro()
	c.ack(id, feed.AckLoggedIn, feed.LoggedInMsg{ExpiresAt: expires})
	c.logger.Info("feed client logged in", "user", params.User)
}

func (c *client) handleSubscribe(id int64, raw []byte) {
	ric, ok := c.requireInstrument(id, raw)
	if !ok {
		return
	}

	c.mu.Lock()
	c.subs[ric] = struct{}{}
	c.mu.Unlock()

	c.ack(id, feed.AckSubscribed, feed.SubscribedMsg{RIC: ric})

	// New subscriptions get a full image right behind the ack.
	if img := c.sim.refresh(ric); img != nil {
		c.sendRaw(img)
	}
}

func (c *client) handleUnsubscribe(id int64, raw []byte) {
	ric, ok := c.requireInstrument(id, raw)
	if !ok {
		return
	}

	c.mu.Lock()
	delete(c.subs, ric)
	c.mu.Unlock()

	c.ack(id, feed.AckUnsubscribed, feed.SubscribedMsg{RIC: ric})
}

// requireInstrument enforces login and instrument checks shared by
// subscribe and unsubscribe.
func (c *client) requireInstrument(id int64, raw []byte) (string, bool) {
	c.mu.Lock()
	authed := c.authed
	c.mu.Unlock()
	if !authed {
		c.reject(id, "not-authorized", "login required")
		return "", false
	}

	var params feed.SubscribeParams
	if err := json.Unmarshal(raw, &params); err != nil || params.RIC == "" {
		c.reject(id, "bad-request", "ric is required")
		return "", false
	}

	if !c.sim.knows(params.RIC) {
		c.reject(id, "unknown-ric", fmt.Sprintf("instrument %q is not in the universe", params.RIC))
		return "", false
	}

	return params.RIC, true
}
