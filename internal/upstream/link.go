package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rfeldman/ricmux/internal/auth"
	"github.com/rfeldman/ricmux/internal/feed"
	"github.com/rfeldman/ricmux/internal/model"
)

// Link maintains the authenticated feed connection and issues subscription
// commands on behalf of the registry.
type Link interface {
	// Start begins connecting in the background, returns immediately.
	Start(ctx context.Context) error

	// Stop drains active subscriptions and shuts the connection down.
	Stop(ctx context.Context) error

	// Subscribe opens the upstream flow for one instrument and waits for
	// the confirming ack.
	Subscribe(ctx context.Context, ric string) error

	// Unsubscribe closes the upstream flow for one instrument and waits
	// for the confirming ack.
	Unsubscribe(ctx context.Context, ric string) error

	// Messages returns the channel of decoded data updates.
	Messages() <-chan model.Update

	// State returns the current lifecycle state.
	State() State

	// Usable reports whether subscribe commands can be issued right now.
	Usable() bool

	// Degraded reports whether the circuit breaker is open.
	Degraded() bool

	// StateChanges returns a channel of observed state transitions.
	// Published non-blocking: slow consumers miss transitions, they are
	// never wedged by them.
	StateChanges() <-chan StateChange

	// SetSubscriptionSource wires the registry in after construction.
	// Must be called before Start.
	SetSubscriptionSource(src SubscriptionSource)

	// Stats returns current link statistics.
	Stats() Stats
}

// link implements the Link interface.
type link struct {
	cfg    Config
	creds  *auth.Credentials
	logger *slog.Logger

	// Output channels
	updates chan model.Update
	stateCh chan StateChange

	srcMu sync.RWMutex
	src   SubscriptionSource

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Current connection epoch. Recreated on every reconnect so acks from
	// a dead connection can never match a live waiter.
	connMu    sync.RWMutex
	client    Client
	pendingMu sync.Mutex
	pending   map[int64]chan feed.Ack
	cmdID     int64 // Atomic counter, never reset across epochs

	// Per-instrument sequence tracking (gap counting only)
	seqMu   sync.Mutex
	lastSeq map[string]int64

	state       atomic.Int32
	degraded    atomic.Bool
	tokenExpiry atomic.Int64 // µs since epoch

	connects     atomic.Int64
	reconnects   atomic.Int64
	consecFails  atomic.Int64
	updatesCount atomic.Int64
	dropped      atomic.Int64
	poison       atomic.Int64
	seqGaps      atomic.Int64
	resubs       atomic.Int64
}

// minRefreshRetry is the floor between login refresh attempts.
const minRefreshRetry = 5 * time.Second

// resubscribeConcurrency caps in-flight subscribe commands during the
// post-reconnect replay.
const resubscribeConcurrency = 16

// New creates an upstream link. The subscription source must be wired via
// SetSubscriptionSource before Start.
func New(cfg Config, creds *auth.Credentials, logger *slog.Logger) Link {
	if logger == nil {
		logger = slog.Default()
	}

	return &link{
		cfg:     cfg,
		creds:   creds,
		logger:  logger.With("component", "upstream"),
		updates: make(chan model.Update, cfg.MessageBufferSize),
		stateCh: make(chan StateChange, 16),
		lastSeq: make(map[string]int64),
	}
}

// SetSubscriptionSource wires the registry in after construction.
func (l *link) SetSubscriptionSource(src SubscriptionSource) {
	l.srcMu.Lock()
	l.src = src
	l.srcMu.Unlock()
}

// Start begins connecting in the background.
func (l *link) Start(ctx context.Context) error {
	l.ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go l.run()

	l.logger.Info("upstream link started", "url", l.cfg.URL)
	return nil
}

// Stop drains active subscriptions and shuts the connection down.
func (l *link) Stop(ctx context.Context) error {
	l.logger.Info("stopping upstream link")

	l.drain(ctx)

	if l.cancel != nil {
		l.cancel()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.setState(StateStopped)
		close(l.updates)
		close(l.stateCh)
	case <-ctx.Done():
		l.logger.Warn("shutdown timeout, abandoning link goroutines")
	}

	l.logger.Info("upstream link stopped")
	return nil
}

// Subscribe opens the upstream flow for one instrument.
func (l *link) Subscribe(ctx context.Context, ric string) error {
	if l.State() != StateConnected {
		return ErrNotConnected
	}

	if _, err := l.sendCommand(ctx, feed.CmdSubscribe, feed.SubscribeParams{RIC: ric}); err != nil {
		return fmt.Errorf("subscribe %s: %w", ric, err)
	}

	l.logger.Debug("subscribed upstream", "ric", ric)
	return nil
}

// Unsubscribe closes the upstream flow for one instrument.
func (l *link) Unsubscribe(ctx context.Context, ric string) error {
	if l.State() != StateConnected {
		return ErrNotConnected
	}

	if _, err := l.sendCommand(ctx, feed.CmdUnsubscribe, feed.SubscribeParams{RIC: ric}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", ric, err)
	}

	l.logger.Debug("unsubscribed upstream", "ric", ric)
	return nil
}

// Messages returns the channel of decoded data updates.
func (l *link) Messages() <-chan model.Update {
	return l.updates
}

// State returns the current lifecycle state.
func (l *link) State() State {
	return State(l.state.Load())
}

// Usable reports whether subscribe commands can be issued right now.
func (l *link) Usable() bool {
	return l.State() == StateConnected
}

// Degraded reports whether the circuit breaker is open.
func (l *link) Degraded() bool {
	return l.degraded.Load()
}

// StateChanges returns a channel of observed state transitions.
func (l *link) StateChanges() <-chan StateChange {
	return l.stateCh
}

// Stats returns current link statistics.
func (l *link) Stats() Stats {
	return Stats{
		State:               l.State().String(),
		Degraded:            l.degraded.Load(),
		Connects:            l.connects.Load(),
		Reconnects:          l.reconnects.Load(),
		ConsecutiveFailures: l.consecFails.Load(),
		Updates:             l.updatesCount.Load(),
		Dropped:             l.dropped.Load(),
		Poison:              l.poison.Load(),
		SeqGaps:             l.seqGaps.Load(),
		Resubscribed:        l.resubs.Load(),
		TokenExpiresAt:      l.tokenExpiry.Load(),
	}
}

// run owns the connect/serve/reconnect cycle.
func (l *link) run() {
	defer l.wg.Done()

	attempt := 0
	for l.ctx.Err() == nil {
		l.setState(StateConnecting)

		client := NewClient(l.clientConfig(), l.logger)
		if err := client.Connect(l.ctx); err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.logger.Warn("connect failed", "url", l.cfg.URL, "error", err)
			attempt++
			l.noteFailure()
			l.setState(StateReconnecting)
			l.reconnects.Add(1)
			l.sleepBackoff(attempt)
			continue
		}

		l.installEpoch(client)
		l.setState(StateAuthenticating)

		established := l.serveEpoch(client)

		l.clearEpoch()
		client.Close()

		if l.ctx.Err() != nil {
			return
		}

		if established {
			// The dropped connection was healthy: restart backoff.
			attempt = 1
		} else {
			attempt++
			l.noteFailure()
		}
		l.setState(StateReconnecting)
		l.reconnects.Add(1)
		l.sleepBackoff(attempt)
	}
}

// serveEpoch pumps one connection until it dies. Returns whether the epoch
// reached the connected state.
func (l *link) serveEpoch(client Client) (established bool) {
	authCh := make(chan error, 1)
	go func() { authCh <- l.authenticate() }()

	refresh := time.NewTimer(l.nextRefreshIn())
	defer refresh.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return established

		case err := <-client.Errors():
			l.logger.Warn("connection error", "error", err)
			return established

		case err := <-authCh:
			if err != nil {
				l.logger.Error("feed login failed", "error", err)
				return false
			}
			established = true
			l.consecFails.Store(0)
			l.degraded.Store(false)
			l.connects.Add(1)
			l.setState(StateConnected)
			refresh.Reset(l.nextRefreshIn())

			l.wg.Add(1)
			go l.resubscribeActive(client)

		case <-refresh.C:
			if established {
				l.wg.Add(1)
				go l.refreshToken()
			}
			refresh.Reset(l.nextRefreshIn())

		case msg, ok := <-client.Messages():
			if !ok {
				return established
			}
			l.handleFrame(msg)
		}
	}
}

// authenticate sends a login command and records the token expiry.
func (l *link) authenticate() error {
	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.SubscribeTimeout)
	defer cancel()

	params := l.creds.LoginParams(time.Now())
	ack, err := l.sendCommand(ctx, feed.CmdLogin, params)
	if err != nil {
		return err
	}

	var msg feed.LoggedInMsg
	if err := json.Unmarshal(ack.Msg, &msg); err == nil && msg.ExpiresAt > 0 {
		l.tokenExpiry.Store(msg.ExpiresAt)
	}
	return nil
}

// refreshToken re-sends login before the current token expires.
func (l *link) refreshToken() {
	defer l.wg.Done()

	if err := l.authenticate(); err != nil {
		if l.ctx.Err() != nil {
			return
		}
		l.logger.Warn("token refresh failed", "error", err)
		return
	}
	l.logger.Debug("token refreshed", "expires_at", l.tokenExpiry.Load())
}

// nextRefreshIn computes the wait until the next login refresh.
func (l *link) nextRefreshIn() time.Duration {
	exp := l.tokenExpiry.Load()
	if exp == 0 {
		return 24 * time.Hour
	}
	d := time.Until(time.UnixMicro(exp)) - l.cfg.TokenRefreshMargin
	if d < minRefreshRetry {
		return minRefreshRetry
	}
	return d
}

// resubscribeActive re-establishes every instrument the registry still
// holds interest in. A fresh connection starts with no subscriptions.
func (l *link) resubscribeActive(client Client) {
	defer l.wg.Done()

	l.srcMu.RLock()
	src := l.src
	l.srcMu.RUnlock()
	if src == nil {
		return
	}

	rics := src.ActiveInstruments()
	if len(rics) == 0 {
		return
	}

	l.logger.Info("resubscribing instruments", "count", len(rics))
	start := time.Now()

	// Semaphore for bounded concurrency.
	sem := make(chan struct{}, resubscribeConcurrency)
	var wg sync.WaitGroup
	var restored, failed atomic.Int64

	for _, ric := range rics {
		wg.Add(1)
		go func(ric string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-l.ctx.Done():
				return
			}

			if !client.IsConnected() {
				return
			}

			ctx, cancel := context.WithTimeout(l.ctx, l.cfg.SubscribeTimeout)
			_, err := l.sendCommand(ctx, feed.CmdSubscribe, feed.SubscribeParams{RIC: ric})
			cancel()
			if err != nil {
				l.logger.Warn("resubscribe failed", "ric", ric, "error", err)
				failed.Add(1)
				return
			}

			src.SubscriptionRestored(ric)
			restored.Add(1)
		}(ric)
	}

	wg.Wait()

	l.resubs.Store(restored.Load())
	l.logger.Info("resubscribe complete",
		"restored", restored.Load(),
		"failed", failed.Load(),
		"total", len(rics),
		"duration", time.Since(start),
	)
}

// drain issues a best-effort unsubscribe for every active instrument.
func (l *link) drain(ctx context.Context) {
	if !l.Usable() {
		return
	}

	l.srcMu.RLock()
	src := l.src
	l.srcMu.RUnlock()
	if src == nil {
		return
	}

	rics := src.ActiveInstruments()
	for _, ric := range rics {
		if ctx.Err() != nil {
			l.logger.Warn("drain cut short", "remaining", len(rics))
			return
		}
		if err := l.Unsubscribe(ctx, ric); err != nil {
			l.logger.Warn("drain unsubscribe failed", "ric", ric, "error", err)
			return
		}
	}

	if len(rics) > 0 {
		l.logger.Info("upstream drained", "unsubscribed", len(rics))
	}
}

// handleFrame decodes one raw frame and routes it.
func (l *link) handleFrame(msg TimestampedMessage) {
	env, err := feed.Decode(msg.Data, msg.ReceivedAt)
	if err != nil {
		l.poison.Add(1)
		l.logger.Warn("discarding poison message", "error", err, "bytes", len(msg.Data))
		return
	}

	if env.Ack != nil {
		l.routeAck(*env.Ack)
		return
	}

	u := *env.Data
	l.trackSeq(u.RIC, u.Seq)

	select {
	case l.updates <- u:
		l.updatesCount.Add(1)
	default:
		l.dropped.Add(1)
		l.logger.Warn("update buffer full, dropping", "ric", u.RIC)
	}
}

// routeAck delivers an ack to its waiting command.
func (l *link) routeAck(ack feed.Ack) {
	l.pendingMu.Lock()
	var ch chan feed.Ack
	if l.pending != nil {
		ch = l.pending[ack.ID]
		if ch != nil {
			delete(l.pending, ack.ID)
		}
	}
	l.pendingMu.Unlock()

	if ch == nil {
		l.logger.Debug("unmatched ack", "id", ack.ID, "type", ack.Type)
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

// trackSeq counts per-instrument sequence gaps. No recovery is attempted.
func (l *link) trackSeq(ric string, seq int64) {
	if seq == 0 {
		return
	}

	l.seqMu.Lock()
	last, ok := l.lastSeq[ric]
	l.lastSeq[ric] = seq
	l.seqMu.Unlock()

	if ok && seq != last+1 {
		l.seqGaps.Add(1)
		l.logger.Warn("sequence gap", "ric", ric, "expected", last+1, "got", seq)
	}
}

// sendCommand sends one feed command and waits for the matching ack.
func (l *link) sendCommand(ctx context.Context, verb string, params interface{}) (feed.Ack, error) {
	l.connMu.RLock()
	client := l.client
	l.connMu.RUnlock()
	if client == nil || !client.IsConnected() {
		return feed.Ack{}, ErrNotConnected
	}

	id := atomic.AddInt64(&l.cmdID, 1)
	respCh := make(chan feed.Ack, 1)

	l.pendingMu.Lock()
	if l.pending == nil {
		l.pendingMu.Unlock()
		return feed.Ack{}, ErrNotConnected
	}
	l.pending[id] = respCh
	l.pendingMu.Unlock()

	defer func() {
		l.pendingMu.Lock()
		if l.pending != nil {
			delete(l.pending, id)
		}
		l.pendingMu.Unlock()
	}()

	data, err := json.Marshal(feed.Command{ID: id, Cmd: verb, Params: params})
	if err != nil {
		return feed.Ack{}, fmt.Errorf("marshal %s command: %w", verb, err)
	}
	if err := client.Send(data); err != nil {
		return feed.Ack{}, err
	}

	select {
	case <-ctx.Done():
		return feed.Ack{}, ctx.Err()
	case <-l.ctx.Done():
		return feed.Ack{}, l.ctx.Err()
	case <-time.After(l.cfg.SubscribeTimeout):
		return feed.Ack{}, ErrTimeout
	case ack := <-respCh:
		if em, isErr := ack.ErrorInfo(); isErr {
			return ack, fmt.Errorf("%s: %s", em.Code, em.Message)
		}
		return ack, nil
	}
}

// installEpoch makes a freshly connected client current.
func (l *link) installEpoch(client Client) {
	l.connMu.Lock()
	l.client = client
	l.connMu.Unlock()

	l.pendingMu.Lock()
	l.pending = make(map[int64]chan feed.Ack)
	l.pendingMu.Unlock()

	l.seqMu.Lock()
	l.lastSeq = make(map[string]int64)
	l.seqMu.Unlock()
}

// clearEpoch tears the current client down. Waiters on the old pending map
// time out on their own.
func (l *link) clearEpoch() {
	l.connMu.Lock()
	l.client = nil
	l.connMu.Unlock()

	l.pendingMu.Lock()
	l.pending = nil
	l.pendingMu.Unlock()
}

// noteFailure bumps the failure counter and opens the breaker past the
// threshold.
func (l *link) noteFailure() {
	fails := l.consecFails.Add(1)
	if int(fails) >= l.cfg.BreakerThreshold && !l.degraded.Load() {
		l.degraded.Store(true)
		l.logger.Error("upstream degraded, circuit breaker open",
			"consecutive_failures", fails,
			"retry_interval", l.cfg.DegradedRetryInterval,
		)
	}
}

// backoffDelay computes the jittered wait before the given attempt.
func (l *link) backoffDelay(attempt int) time.Duration {
	if l.degraded.Load() {
		return l.cfg.DegradedRetryInterval
	}

	delay := l.cfg.ReconnectBaseDelay
	for i := 1; i < attempt && delay < l.cfg.ReconnectMaxDelay; i++ {
		delay *= 2
	}
	if delay > l.cfg.ReconnectMaxDelay {
		delay = l.cfg.ReconnectMaxDelay
	}
	if delay <= 0 {
		return 0
	}

	// Full jitter: uniform in [0, delay)
	return rand.N(delay)
}

func (l *link) sleepBackoff(attempt int) {
	d := l.backoffDelay(attempt)
	if d <= 0 {
		return
	}
	select {
	case <-l.ctx.Done():
	case <-time.After(d):
	}
}

// setState publishes a state transition.
func (l *link) setState(to State) {
	from := State(l.state.Swap(int32(to)))
	if from == to {
		return
	}

	select {
	case l.stateCh <- StateChange{From: from, To: to, At: time.Now()}:
	default:
	}

	l.logger.Info("upstream state changed", "from", from.String(), "to", to.String())
}

func (l *link) clientConfig() ClientConfig {
	return ClientConfig{
		URL:               l.cfg.URL,
		HeartbeatInterval: l.cfg.HeartbeatInterval,
		StaleAfter:        l.cfg.HeartbeatInterval * time.Duration(l.cfg.HeartbeatTimeoutFactor),
		WriteTimeout:      l.cfg.WriteTimeout,
		BufferSize:        1000,
	}
}
