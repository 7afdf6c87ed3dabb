package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rfeldman/ricmux/internal/cache"
	"github.com/rfeldman/ricmux/internal/model"
	"github.com/rfeldman/ricmux/internal/registry"
)

// Errors
var (
	ErrUnknownSession = errors.New("unknown session")
	ErrManagerClosed  = errors.New("session manager closed")
)

// Config holds Session Manager configuration.
type Config struct {
	QueueSize      int           // Per-session delivery queue capacity
	AcquireTimeout time.Duration // Budget for one subscribe acquire
	OverflowPolicy Policy        // Full-queue behavior
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:      256,
		AcquireTimeout: 15 * time.Second,
		OverflowPolicy: PolicyDrop,
	}
}

// Validator approves instruments before interest is registered. Typically
// the reference data catalog; nil disables validation.
type Validator interface {
	Validate(ric string) error
}

// Manager owns downstream session lifetimes: registration, per-session
// watch sets, delivery admission and the single disconnect cleanup path.
type Manager interface {
	// Start prepares the manager for use.
	Start(ctx context.Context) error

	// Stop disconnects every remaining session.
	Stop(ctx context.Context) error

	// Register creates a new session.
	Register() (*Session, error)

	// Subscribe registers the session's interest in ric. The stale flag
	// mirrors the registry's: true when granted without a live upstream
	// flow, in which case the cached last value (if any) has been pushed
	// stale-marked.
	Subscribe(sid model.SessionID, ric string) (stale bool, err error)

	// Unsubscribe drops the session's interest in ric. Idempotent.
	Unsubscribe(sid model.SessionID, ric string)

	// Disconnect tears the session down. The one cleanup path shared by
	// explicit close, network drop and policy termination; safe to call
	// more than once.
	Disconnect(sid model.SessionID)

	// Deliver places one update on the session's queue, applying the
	// overflow policy. Never blocks.
	Deliver(sid model.SessionID, push model.Push)

	// Stats returns a snapshot of session counters.
	Stats() Stats
}

// Stats provides statistics about downstream sessions.
type Stats struct {
	Live         int   `json:"live"`
	Registered   int64 `json:"registered"`
	Disconnected int64 `json:"disconnected"`
	Delivered    int64 `json:"delivered"`
	Dropped      int64 `json:"dropped"`
	Terminated   int64 `json:"terminated"`
	StaleServes  int64 `json:"stale_serves"`
	QueueDepth   int   `json:"queue_depth"`

	// QueueDepths maps session id to its current delivery-queue depth.
	QueueDepths map[model.SessionID]int `json:"queue_depths,omitempty"`
}

// managerImpl implements the Manager interface.
type managerImpl struct {
	cfg      Config
	registry registry.Registry
	cache    *cache.Cache
	catalog  Validator
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu       sync.RWMutex
	sessions map[model.SessionID]*Session

	registered   atomic.Int64
	disconnected atomic.Int64
	delivered    atomic.Int64
	dropped      atomic.Int64
	terminated   atomic.Int64
	staleServes  atomic.Int64
}

// NewManager creates a Session Manager. cache and catalog may be nil.
func NewManager(cfg Config, reg registry.Registry, c *cache.Cache, catalog Validator, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &managerImpl{
		cfg:      cfg,
		registry: reg,
		cache:    c,
		catalog:  catalog,
		logger:   logger.With("component", "sessions"),
		sessions: make(map[model.SessionID]*Session),
	}
}

// Start prepares the manager for use.
func (m *managerImpl) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.logger.Info("session manager started",
		"queue_size", m.cfg.QueueSize,
		"overflow_policy", m.cfg.OverflowPolicy.String(),
	)
	return nil
}

// Stop disconnects every remaining session.
func (m *managerImpl) Stop(ctx context.Context) error {
	m.closed.Store(true)

	m.mu.RLock()
	sids := make([]model.SessionID, 0, len(m.sessions))
	for sid := range m.sessions {
		sids = append(sids, sid)
	}
	m.mu.RUnlock()

	for _, sid := range sids {
		m.Disconnect(sid)
	}

	if m.cancel != nil {
		m.cancel()
	}

	m.logger.Info("session manager stopped", "disconnected", len(sids))
	return nil
}

// Register creates a new session.
func (m *managerImpl) Register() (*Session, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	ctx, cancel := context.WithCancel(m.ctx)
	s := &Session{
		id:     model.NewSessionID(),
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan model.Push, m.cfg.QueueSize),
		watch:  make(map[string]struct{}),
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.registered.Add(1)
	m.logger.Debug("session registered", "session_id", s.id)
	return s, nil
}

// Subscribe registers the session's interest in ric.
func (m *managerImpl) Subscribe(sid model.SessionID, ric string) (bool, error) {
	s := m.lookup(sid)
	if s == nil {
		return false, ErrUnknownSession
	}

	if m.catalog != nil {
		if err := m.catalog.Validate(ric); err != nil {
			return false, err
		}
	}

	// The acquire runs under the session's own ctx so a disconnect
	// aborts the wait.
	ctx, cancel := context.WithTimeout(s.ctx, m.cfg.AcquireTimeout)
	defer cancel()

	stale, err := m.registry.Acquire(ctx, ric, sid)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// Disconnected while the acquire was in flight; the interest
		// must not outlive the session.
		m.registry.Release(ric, sid)
		return false, ErrUnknownSession
	}
	s.watch[ric] = struct{}{}
	s.mu.Unlock()

	if stale {
		m.staleServes.Add(1)
		m.pushCachedStale(s, ric)
	}

	return stale, nil
}

// Unsubscribe drops the session's interest in ric.
func (m *managerImpl) Unsubscribe(sid model.SessionID, ric string) {
	s := m.lookup(sid)
	if s == nil {
		return
	}

	s.mu.Lock()
	delete(s.watch, ric)
	s.mu.Unlock()

	// Release regardless of watch membership; the registry treats
	// unknown releases as no-ops.
	m.registry.Release(ric, sid)
}

// Disconnect tears the session down.
func (m *managerImpl) Disconnect(sid model.SessionID) {
	m.mu.Lock()
	s := m.sessions[sid]
	delete(m.sessions, sid)
	m.mu.Unlock()

	if s == nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	watch := make([]string, 0, len(s.watch))
	for ric := range s.watch {
		watch = append(watch, ric)
	}
	s.mu.Unlock()

	s.cancel()
	m.registry.ReleaseAll(sid, watch)
	m.disconnected.Add(1)

	m.logger.Debug("session disconnected",
		"session_id", sid,
		"watched", len(watch),
		"dropped", s.dropped.Load(),
	)
}

// Deliver places one update on the session's queue.
func (m *managerImpl) Deliver(sid model.SessionID, push model.Push) {
	s := m.lookup(sid)
	if s == nil {
		// Disconnected between interest snapshot and delivery.
		return
	}
	m.deliverTo(s, push)
}

func (m *managerImpl) deliverTo(s *Session, push model.Push) {
	select {
	case s.queue <- push:
		m.delivered.Add(1)
	default:
		if m.cfg.OverflowPolicy == PolicyDisconnect {
			m.terminated.Add(1)
			m.logger.Warn("session queue full, disconnecting",
				"session_id", s.id,
				"ric", push.Update.RIC,
			)
			m.Disconnect(s.id)
			return
		}
		s.dropped.Add(1)
		m.dropped.Add(1)
		m.logger.Debug("session queue full, dropping update",
			"session_id", s.id,
			"ric", push.Update.RIC,
		)
	}
}

// pushCachedStale delivers the cached last value stale-marked, if present.
func (m *managerImpl) pushCachedStale(s *Session, ric string) {
	if m.cache == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if u, ok := m.cache.Latest(ctx, ric); ok {
		m.deliverTo(s, model.Push{Update: u, Stale: true})
	}
}

// Stats returns a snapshot of session counters.
func (m *managerImpl) Stats() Stats {
	s := Stats{
		Registered:   m.registered.Load(),
		Disconnected: m.disconnected.Load(),
		Delivered:    m.delivered.Load(),
		Dropped:      m.dropped.Load(),
		Terminated:   m.terminated.Load(),
		StaleServes:  m.staleServes.Load(),
	}

	m.mu.RLock()
	s.Live = len(m.sessions)
	if len(m.sessions) > 0 {
		s.QueueDepths = make(map[model.SessionID]int, len(m.sessions))
	}
	for sid, sess := range m.sessions {
		depth := len(sess.queue)
		s.QueueDepth += depth
		s.QueueDepths[sid] = depth
	}
	m.mu.RUnlock()

	return s
}

func (m *managerImpl) lookup(sid model.SessionID) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sid]
}
