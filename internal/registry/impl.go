package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rfeldman/ricmux/internal/model"
)

// Config holds Subscription Registry configuration.
type Config struct {
	Shards            int           // Instrument table shard count
	SubscribeTimeout  time.Duration // Budget for one upstream command
	UnsubscribeLinger time.Duration // Grace before the last release closes the flow
	ServeStale        bool          // Admit subscriptions while the upstream is down
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Shards:            32,
		SubscribeTimeout:  10 * time.Second,
		UnsubscribeLinger: 2 * time.Second,
		ServeStale:        false,
	}
}

// registryImpl implements the Registry interface.
type registryImpl struct {
	cfg    Config
	link   UpstreamCommander
	logger *slog.Logger

	shards []shard

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	subsIssued     atomic.Int64
	unsubsIssued   atomic.Int64
	unsubFailures  atomic.Int64
	revives        atomic.Int64
	staleGrants    atomic.Int64
	restored       atomic.Int64
	waiterTimeouts atomic.Int64
}

// New creates a Subscription Registry driving the given upstream commander.
func New(cfg Config, link UpstreamCommander, logger *slog.Logger) Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}

	shards := make([]shard, cfg.Shards)
	for i := range shards {
		shards[i].entries = make(map[string]*entry)
	}

	return &registryImpl{
		cfg:    cfg,
		link:   link,
		logger: logger.With("component", "registry"),
		shards: shards,
	}
}

// Start prepares the registry for use.
func (r *registryImpl) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.logger.Info("subscription registry started",
		"shards", len(r.shards),
		"linger", r.cfg.UnsubscribeLinger,
		"serve_stale", r.cfg.ServeStale,
	)
	return nil
}

// Stop disarms pending teardown timers and waits for in-flight upstream
// commands to settle.
func (r *registryImpl) Stop(ctx context.Context) error {
	r.closed.Store(true)

	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for _, e := range sh.entries {
			if e.linger != nil {
				e.linger.Stop()
				e.linger = nil
			}
		}
		sh.mu.Unlock()
	}

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("subscription registry stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire registers sid's interest in ric.
func (r *registryImpl) Acquire(ctx context.Context, ric string, sid model.SessionID) (bool, error) {
	if r.closed.Load() {
		return false, ErrClosed
	}

	sh := r.shard(ric)
	sh.mu.Lock()

	e := sh.entries[ric]
	if e == nil {
		return r.acquireAbsent(ctx, sh, ric, sid)
	}

	switch e.state {
	case stateActive:
		e.sessions[sid] = struct{}{}
		sh.mu.Unlock()
		return r.grantDirect(), nil

	case statePendingSubscribe:
		e.sessions[sid] = struct{}{}
		if e.inflight == nil {
			// Deferred entry: interest parked while the upstream is down.
			if r.link.Usable() {
				inf := newInflight()
				inf.started = true
				inf.waiters[sid] = struct{}{}
				e.inflight = inf
				sh.mu.Unlock()

				r.wg.Add(1)
				go r.runSubscribe(sh, e, inf)
				return r.wait(ctx, sh, e, inf, sid)
			}
			sh.mu.Unlock()
			r.staleGrants.Add(1)
			return true, nil
		}
		inf := e.inflight
		inf.waiters[sid] = struct{}{}
		sh.mu.Unlock()
		return r.wait(ctx, sh, e, inf, sid)

	default: // statePendingUnsubscribe
		e.sessions[sid] = struct{}{}
		if !e.unsubbing {
			// Still inside the linger window: revive in place, no
			// upstream traffic at all.
			if e.linger != nil {
				e.linger.Stop()
				e.linger = nil
			}
			e.state = stateActive
			sh.mu.Unlock()
			r.revives.Add(1)
			return r.grantDirect(), nil
		}

		// The unsubscribe command is already in flight: park a fresh
		// subscribe behind it, fired when the teardown completes.
		e.state = statePendingSubscribe
		inf := e.inflight
		if inf == nil {
			inf = newInflight()
			e.inflight = inf
		}
		inf.waiters[sid] = struct{}{}
		sh.mu.Unlock()
		return r.wait(ctx, sh, e, inf, sid)
	}
}

// acquireAbsent handles the first subscriber of an instrument. Called with
// the shard lock held; always unlocks.
func (r *registryImpl) acquireAbsent(ctx context.Context, sh *shard, ric string, sid model.SessionID) (bool, error) {
	if r.link.Usable() {
		e := newEntry(ric)
		e.sessions[sid] = struct{}{}
		inf := newInflight()
		inf.started = true
		inf.waiters[sid] = struct{}{}
		e.inflight = inf
		sh.entries[ric] = e
		sh.mu.Unlock()

		r.wg.Add(1)
		go r.runSubscribe(sh, e, inf)
		return r.wait(ctx, sh, e, inf, sid)
	}

	if r.cfg.ServeStale {
		e := newEntry(ric)
		e.sessions[sid] = struct{}{}
		sh.entries[ric] = e
		sh.mu.Unlock()

		r.staleGrants.Add(1)
		return true, nil
	}

	sh.mu.Unlock()
	return false, ErrUpstreamUnavailable
}

// grantDirect computes the stale flag for an immediately granted acquire.
func (r *registryImpl) grantDirect() bool {
	if r.link.Usable() {
		return false
	}
	r.staleGrants.Add(1)
	return true
}

// wait blocks one acquirer on a coalesced in-flight subscribe.
func (r *registryImpl) wait(ctx context.Context, sh *shard, e *entry, inf *inflight, sid model.SessionID) (bool, error) {
	select {
	case <-inf.done:
		if inf.err != nil {
			return false, inf.err
		}
		return false, nil

	case <-ctx.Done():
		r.abandonWaiter(sh, e, inf, sid)
		r.waiterTimeouts.Add(1)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, ErrSubscribeTimeout
		}
		return false, ctx.Err()

	case <-r.ctx.Done():
		return false, ErrClosed
	}
}

// abandonWaiter removes one timed-out acquirer's interest. The shared
// in-flight request is never canceled.
func (r *registryImpl) abandonWaiter(sh *shard, e *entry, inf *inflight, sid model.SessionID) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if inf.completed {
		if inf.err == nil {
			// Lost the race against a successful grant: undo it so the
			// interest does not outlive the caller that never saw it.
			delete(e.sessions, sid)
			if len(e.sessions) == 0 && e.state == stateActive {
				r.beginLingerLocked(sh, e)
			}
		}
		return
	}

	delete(inf.waiters, sid)
	delete(e.sessions, sid)
}

// Release drops sid's interest in ric.
func (r *registryImpl) Release(ric string, sid model.SessionID) {
	sh := r.shard(ric)
	sh.mu.Lock()
	r.releaseLocked(sh, ric, sid)
	sh.mu.Unlock()
}

// ReleaseAll drops sid's interest in every listed instrument, one lock pass
// per shard.
func (r *registryImpl) ReleaseAll(sid model.SessionID, rics []string) {
	if len(rics) == 0 {
		return
	}

	groups := make(map[uint32][]string)
	for _, ric := range rics {
		idx := shardIndex(ric, uint32(len(r.shards)))
		groups[idx] = append(groups[idx], ric)
	}

	for idx, group := range groups {
		sh := &r.shards[idx]
		sh.mu.Lock()
		for _, ric := range group {
			r.releaseLocked(sh, ric, sid)
		}
		sh.mu.Unlock()
	}
}

func (r *registryImpl) releaseLocked(sh *shard, ric string, sid model.SessionID) {
	e := sh.entries[ric]
	if e == nil {
		return
	}
	if _, held := e.sessions[sid]; !held {
		return
	}

	delete(e.sessions, sid)
	if e.inflight != nil {
		delete(e.inflight.waiters, sid)
	}
	if len(e.sessions) > 0 {
		return
	}

	switch {
	case e.state == stateActive:
		r.beginLingerLocked(sh, e)
	case e.state == statePendingSubscribe && e.inflight == nil:
		// Deferred entry: nothing was opened upstream, drop it outright.
		delete(sh.entries, ric)
	}
	// A pending in-flight subscribe resolves the now-empty entry itself.
}

// beginLingerLocked moves an empty active entry toward teardown. Called
// with the shard lock held.
func (r *registryImpl) beginLingerLocked(sh *shard, e *entry) {
	e.state = statePendingUnsubscribe
	if r.cfg.UnsubscribeLinger <= 0 {
		r.startUnsubscribeLocked(sh, e)
		return
	}
	e.linger = time.AfterFunc(r.cfg.UnsubscribeLinger, func() {
		r.lingerFired(sh, e)
	})
}

func (r *registryImpl) lingerFired(sh *shard, e *entry) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// The entry may have been revived, replaced or torn down since the
	// timer was armed.
	if sh.entries[e.ric] != e {
		return
	}
	if e.state != statePendingUnsubscribe || len(e.sessions) > 0 {
		return
	}
	if r.closed.Load() {
		delete(sh.entries, e.ric)
		return
	}

	r.startUnsubscribeLocked(sh, e)
}

// startUnsubscribeLocked launches the upstream unsubscribe for an empty
// entry. Called with the shard lock held.
func (r *registryImpl) startUnsubscribeLocked(sh *shard, e *entry) {
	e.unsubbing = true
	e.linger = nil

	r.wg.Add(1)
	go r.runUnsubscribe(sh, e)
}

// runSubscribe issues the coalesced upstream subscribe and resolves its
// waiters.
func (r *registryImpl) runSubscribe(sh *shard, e *entry, inf *inflight) {
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.SubscribeTimeout)
	err := r.link.Subscribe(ctx, e.ric)
	cancel()
	r.subsIssued.Add(1)

	sh.mu.Lock()
	inf.err = err
	inf.completed = true
	e.inflight = nil

	if err == nil {
		e.state = stateActive
		inf.waiters = nil
		if len(e.sessions) == 0 {
			// Every acquirer gave up while the command was in flight.
			// The flow is open with nobody interested: close it again.
			r.beginLingerLocked(sh, e)
		}
	} else {
		for sid := range inf.waiters {
			delete(e.sessions, sid)
		}
		inf.waiters = nil
		if len(e.sessions) == 0 {
			delete(sh.entries, e.ric)
		}
		// Remaining sessions are stale-holders; the entry stays deferred
		// for the next reconnect to restore.
	}

	close(inf.done)
	sh.mu.Unlock()
}

// runUnsubscribe issues the upstream unsubscribe for an empty entry. If
// interest came back while the command was in flight, the parked subscribe
// is started once the teardown settles.
func (r *registryImpl) runUnsubscribe(sh *shard, e *entry) {
	defer r.wg.Done()

	// Teardown traffic is not aborted by shutdown; it is the cleanup.
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SubscribeTimeout)
	err := r.link.Unsubscribe(ctx, e.ric)
	cancel()

	r.unsubsIssued.Add(1)
	if err != nil {
		// The flow is treated as closed regardless: a lost ack costs a
		// counter, not a wedged entry.
		r.unsubFailures.Add(1)
		r.logger.Warn("upstream unsubscribe failed", "ric", e.ric, "error", err)
	}

	sh.mu.Lock()
	e.unsubbing = false

	if inf := e.inflight; inf != nil && !inf.started {
		if len(inf.waiters) > 0 {
			// Interest returned mid-teardown: open the flow again.
			inf.started = true
			r.wg.Add(1)
			go r.runSubscribe(sh, e, inf)
			sh.mu.Unlock()
			return
		}
		// Parked interest evaporated before the teardown settled.
		inf.completed = true
		close(inf.done)
		e.inflight = nil
	}

	if len(e.sessions) == 0 {
		delete(sh.entries, e.ric)
	}
	sh.mu.Unlock()
}

// Interested appends the sessions currently holding ric to buf. Sessions
// still waiting on the in-flight subscribe are included: the first image
// often arrives right behind the ack, before the entry settles active.
func (r *registryImpl) Interested(ric string, buf []model.SessionID) []model.SessionID {
	buf = buf[:0]

	sh := r.shard(ric)
	sh.mu.RLock()
	e := sh.entries[ric]
	if e != nil {
		for sid := range e.sessions {
			buf = append(buf, sid)
		}
	}
	sh.mu.RUnlock()

	return buf
}

// ActiveInstruments returns every instrument with at least one interested
// session.
func (r *registryImpl) ActiveInstruments() []string {
	var out []string
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for ric, e := range sh.entries {
			if len(e.sessions) > 0 {
				out = append(out, ric)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// SubscriptionRestored flips a deferred entry to active after the link
// re-established it.
func (r *registryImpl) SubscriptionRestored(ric string) {
	sh := r.shard(ric)
	sh.mu.Lock()
	e := sh.entries[ric]
	if e != nil && e.state == statePendingSubscribe && e.inflight == nil {
		e.state = stateActive
		r.restored.Add(1)
	}
	sh.mu.Unlock()
}

// Stats returns a snapshot of registry state and counters.
func (r *registryImpl) Stats() Stats {
	s := Stats{
		SubscribesIssued:    r.subsIssued.Load(),
		UnsubscribesIssued:  r.unsubsIssued.Load(),
		UnsubscribeFailures: r.unsubFailures.Load(),
		LingerRevives:       r.revives.Load(),
		StaleAcquires:       r.staleGrants.Load(),
		Restored:            r.restored.Load(),
		WaiterTimeouts:      r.waiterTimeouts.Load(),
	}

	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, e := range sh.entries {
			switch e.state {
			case stateActive:
				s.Active++
			case statePendingSubscribe:
				s.PendingSubscribe++
			case statePendingUnsubscribe:
				s.PendingUnsubscribe++
			}
			if e.inflight != nil && e.inflight.started {
				s.InFlight++
			}
			s.Interest += len(e.sessions)
		}
		sh.mu.RUnlock()
	}

	return s
}

func (r *registryImpl) shard(ric string) *shard {
	return &r.shards[shardIndex(ric, uint32(len(r.shards)))]
}
