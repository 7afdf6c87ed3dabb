package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rfeldman/ricmux/internal/model"
)

// fakeLink records upstream commands and lets tests gate their completion.
type fakeLink struct {
	mu        sync.Mutex
	usable    bool
	subs      []string
	unsubs    []string
	subErr    map[string]error
	subGate   chan struct{} // when set, Subscribe blocks until closed
	unsubGate chan struct{} // when set, Unsubscribe blocks until closed
}

func newFakeLink() *fakeLink {
	return &fakeLink{usable: true, subErr: make(map[string]error)}
}

func (f *fakeLink) Subscribe(ctx context.Context, ric string) error {
	f.mu.Lock()
	f.subs = append(f.subs, ric)
	gate := f.subGate
	err := f.subErr[ric]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeLink) Unsubscribe(ctx context.Context, ric string) error {
	f.mu.Lock()
	gate := f.unsubGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	f.unsubs = append(f.unsubs, ric)
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) Usable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usable
}

func (f *fakeLink) setUsable(v bool) {
	f.mu.Lock()
	f.usable = v
	f.mu.Unlock()
}

func (f *fakeLink) subscribes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.subs))
	copy(out, f.subs)
	return out
}

func (f *fakeLink) unsubscribes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.unsubs))
	copy(out, f.unsubs)
	return out
}

func testConfig() Config {
	return Config{
		Shards:            8,
		SubscribeTimeout:  2 * time.Second,
		UnsubscribeLinger: 0, // immediate teardown unless a test overrides
		ServeStale:        false,
	}
}

func newTestRegistry(t *testing.T, cfg Config, fl *fakeLink) Registry {
	t.Helper()

	r := New(cfg, fl, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Stop(ctx)
	})
	return r
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func sid(s string) model.SessionID { return model.SessionID(s) }

func TestAcquire_CoalescesConcurrentSubscribers(t *testing.T) {
	fl := newFakeLink()
	fl.subGate = make(chan struct{})

	r := newTestRegistry(t, testConfig(), fl)

	const n = 20
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Acquire(context.Background(), "EUR.X", model.SessionID(rune('a'+i)))
			errs <- err
		}(i)
	}

	// All callers blocked on the single in-flight command.
	waitUntil(t, time.Second, "one in-flight request", func() bool {
		return r.Stats().InFlight == 1
	})
	close(fl.subGate)
	wg.Wait()

	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("acquire %d failed: %v", i, err)
		}
	}

	if got := fl.subscribes(); len(got) != 1 {
		t.Errorf("upstream saw %d subscribes, want 1", len(got))
	}

	stats := r.Stats()
	if stats.Active != 1 {
		t.Errorf("Active = %d, want 1", stats.Active)
	}
	if stats.Interest != n {
		t.Errorf("Interest = %d, want %d", stats.Interest, n)
	}
}

func TestAcquire_IdempotentPerSession(t *testing.T) {
	fl := newFakeLink()
	r := newTestRegistry(t, testConfig(), fl)

	for i := 0; i < 3; i++ {
		if _, err := r.Acquire(context.Background(), "EUR.X", sid("s1")); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}

	if got := r.Stats().Interest; got != 1 {
		t.Errorf("Interest = %d, want 1 (idempotent)", got)
	}
	if got := fl.subscribes(); len(got) != 1 {
		t.Errorf("upstream saw %d subscribes, want 1", len(got))
	}

	// One release tears it down despite the repeated acquires.
	r.Release("EUR.X", sid("s1"))
	waitUntil(t, time.Second, "unsubscribe", func() bool {
		return len(fl.unsubscribes()) == 1
	})
}

func TestAcquire_DistinctInstruments(t *testing.T) {
	fl := newFakeLink()
	r := newTestRegistry(t, testConfig(), fl)

	for _, ric := range []string{"EUR.X", "GBP.X", "JPY.X"} {
		if _, err := r.Acquire(context.Background(), ric, sid("s1")); err != nil {
			t.Fatalf("acquire %s failed: %v", ric, err)
		}
	}

	if got := fl.subscribes(); len(got) != 3 {
		t.Errorf("upstream saw %d subscribes, want 3", len(got))
	}
	if got := r.Stats().Active; got != 3 {
		t.Errorf("Active = %d, want 3", got)
	}
}

func TestRelease_LastSubscriberClosesFlow(t *testing.T) {
	fl := newFakeLink()
	r := newTestRegistry(t, testConfig(), fl)

	r.Acquire(context.Background(), "EUR.X", sid("s1"))
	r.Acquire(context.Background(), "EUR.X", sid("s2"))

	r.Release("EUR.X", sid("s1"))
	time.Sleep(50 * time.Millisecond)
	if got := fl.unsubscribes(); len(got) != 0 {
		t.Fatalf("unsubscribed with interest remaining: %v", got)
	}

	r.Release("EUR.X", sid("s2"))
	waitUntil(t, time.Second, "unsubscribe", func() bool {
		return len(fl.unsubscribes()) == 1
	})

	stats := r.Stats()
	if stats.Active != 0 || stats.PendingUnsubscribe != 0 {
		t.Errorf("entry not fully torn down: %+v", stats)
	}
}

func TestRelease_LingerRevive(t *testing.T) {
	fl := newFakeLink()
	cfg := testConfig()
	cfg.UnsubscribeLinger = 150 * time.Millisecond

	r := newTestRegistry(t, cfg, fl)

	r.Acquire(context.Background(), "EUR.X", sid("s1"))
	r.Release("EUR.X", sid("s1"))

	// Resubscribe inside the linger window.
	stale, err := r.Acquire(context.Background(), "EUR.X", sid("s2"))
	if err != nil {
		t.Fatalf("revive acquire failed: %v", err)
	}
	if stale {
		t.Error("revive acquire should not be stale")
	}

	// No teardown may ever happen.
	time.Sleep(300 * time.Millisecond)
	if got := fl.unsubscribes(); len(got) != 0 {
		t.Errorf("linger revive still unsubscribed: %v", got)
	}
	if got := fl.subscribes(); len(got) != 1 {
		t.Errorf("linger revive issued a second subscribe: %v", got)
	}

	stats := r.Stats()
	if stats.Active != 1 || stats.LingerRevives != 1 {
		t.Errorf("stats = %+v, want one active entry and one revive", stats)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	fl := newFakeLink()
	r := newTestRegistry(t, testConfig(), fl)

	r.Acquire(context.Background(), "EUR.X", sid("s1"))

	r.Release("EUR.X", sid("unknown"))
	r.Release("GBP.X", sid("s1"))
	if got := r.Stats().Interest; got != 1 {
		t.Errorf("Interest = %d after no-op releases, want 1", got)
	}

	r.Release("EUR.X", sid("s1"))
	r.Release("EUR.X", sid("s1"))
	waitUntil(t, time.Second, "single unsubscribe", func() bool {
		return len(fl.unsubscribes()) == 1
	})
	time.Sleep(50 * time.Millisecond)
	if got := fl.unsubscribes(); len(got) != 1 {
		t.Errorf("double release unsubscribed twice: %v", got)
	}
}

func TestAcquire_RejectionRollsBack(t *testing.T) {
	fl := newFakeLink()
	rejection := errors.New("unknown_ric: subscription refused")
	fl.subErr["BAD.X"] = rejection

	r := newTestRegistry(t, testConfig(), fl)

	_, err := r.Acquire(context.Background(), "BAD.X", sid("s1"))
	if !errors.Is(err, rejection) {
		t.Fatalf("expected rejection error, got %v", err)
	}

	stats := r.Stats()
	if stats.Active != 0 || stats.PendingSubscribe != 0 || stats.Interest != 0 {
		t.Errorf("rejected entry not rolled back: %+v", stats)
	}

	// The instrument is retryable once the upstream accepts it.
	fl.mu.Lock()
	delete(fl.subErr, "BAD.X")
	fl.mu.Unlock()

	if _, err := r.Acquire(context.Background(), "BAD.X", sid("s1")); err != nil {
		t.Fatalf("retry acquire failed: %v", err)
	}
	if got := fl.subscribes(); len(got) != 2 {
		t.Errorf("upstream saw %d subscribes, want 2", len(got))
	}
}

func TestAcquire_WaiterDeadlinesAreIndependent(t *testing.T) {
	fl := newFakeLink()
	fl.subGate = make(chan struct{})

	r := newTestRegistry(t, testConfig(), fl)

	slowErr := make(chan error, 1)
	go func() {
		_, err := r.Acquire(context.Background(), "EUR.X", sid("patient"))
		slowErr <- err
	}()

	waitUntil(t, time.Second, "in-flight request", func() bool {
		return r.Stats().InFlight == 1
	})

	// The impatient waiter joins the same request with a short deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.Acquire(ctx, "EUR.X", sid("impatient"))
	if !errors.Is(err, ErrSubscribeTimeout) {
		t.Fatalf("expected ErrSubscribeTimeout, got %v", err)
	}

	// The shared request must survive the abandonment.
	close(fl.subGate)
	if err := <-slowErr; err != nil {
		t.Fatalf("patient waiter failed: %v", err)
	}

	if got := fl.subscribes(); len(got) != 1 {
		t.Errorf("upstream saw %d subscribes, want 1", len(got))
	}

	stats := r.Stats()
	if stats.Interest != 1 {
		t.Errorf("Interest = %d, want 1 (only the patient waiter)", stats.Interest)
	}
	if stats.WaiterTimeouts != 1 {
		t.Errorf("WaiterTimeouts = %d, want 1", stats.WaiterTimeouts)
	}
}

func TestAcquire_AllWaitersAbandoned(t *testing.T) {
	fl := newFakeLink()
	fl.subGate = make(chan struct{})

	r := newTestRegistry(t, testConfig(), fl)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := r.Acquire(ctx, "EUR.X", sid("s1")); !errors.Is(err, ErrSubscribeTimeout) {
		t.Fatalf("expected ErrSubscribeTimeout, got %v", err)
	}

	// The request completes into an empty entry; the flow must be closed
	// again rather than leak.
	close(fl.subGate)
	waitUntil(t, time.Second, "flow closed after abandonment", func() bool {
		return len(fl.unsubscribes()) == 1
	})

	stats := r.Stats()
	if stats.Active != 0 || stats.PendingSubscribe != 0 || stats.PendingUnsubscribe != 0 {
		t.Errorf("abandoned entry not cleaned up: %+v", stats)
	}
}

func TestAcquire_UpstreamUnavailable(t *testing.T) {
	fl := newFakeLink()
	fl.setUsable(false)

	r := newTestRegistry(t, testConfig(), fl)

	_, err := r.Acquire(context.Background(), "EUR.X", sid("s1"))
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if got := fl.subscribes(); len(got) != 0 {
		t.Errorf("upstream saw %d subscribes, want 0", len(got))
	}
}

func TestAcquire_ServeStaleParksInterest(t *testing.T) {
	fl := newFakeLink()
	fl.setUsable(false)

	cfg := testConfig()
	cfg.ServeStale = true
	r := newTestRegistry(t, cfg, fl)

	stale, err := r.Acquire(context.Background(), "EUR.X", sid("s1"))
	if err != nil {
		t.Fatalf("stale acquire failed: %v", err)
	}
	if !stale {
		t.Error("expected stale grant while upstream down")
	}
	if got := fl.subscribes(); len(got) != 0 {
		t.Errorf("deferred acquire reached upstream: %v", got)
	}

	// Parked interest is visible for the reconnect replay.
	active := r.ActiveInstruments()
	if len(active) != 1 || active[0] != "EUR.X" {
		t.Errorf("ActiveInstruments = %v, want [EUR.X]", active)
	}

	// The link replays it and reports back.
	r.SubscriptionRestored("EUR.X")
	stats := r.Stats()
	if stats.Active != 1 {
		t.Errorf("Active = %d after restore, want 1", stats.Active)
	}
	if stats.StaleAcquires != 1 || stats.Restored != 1 {
		t.Errorf("stats = %+v, want one stale acquire and one restore", stats)
	}

	// A joiner after recovery needs no new upstream command.
	fl.setUsable(true)
	stale, err = r.Acquire(context.Background(), "EUR.X", sid("s2"))
	if err != nil || stale {
		t.Errorf("post-restore acquire = (%v, %v), want (false, nil)", stale, err)
	}
	if got := fl.subscribes(); len(got) != 0 {
		t.Errorf("post-restore acquire reached upstream: %v", got)
	}
}

func TestAcquire_DeferredRetriesWhenUsable(t *testing.T) {
	fl := newFakeLink()
	fl.setUsable(false)

	cfg := testConfig()
	cfg.ServeStale = true
	r := newTestRegistry(t, cfg, fl)

	r.Acquire(context.Background(), "EUR.X", sid("s1"))

	// Upstream recovers; the next acquirer starts the real subscribe.
	fl.setUsable(true)
	stale, err := r.Acquire(context.Background(), "EUR.X", sid("s2"))
	if err != nil {
		t.Fatalf("acquire after recovery failed: %v", err)
	}
	if stale {
		t.Error("acquire after recovery should not be stale")
	}

	if got := fl.subscribes(); len(got) != 1 {
		t.Errorf("upstream saw %d subscribes, want 1", len(got))
	}
	if got := r.Stats().Interest; got != 2 {
		t.Errorf("Interest = %d, want 2", got)
	}
}

func TestReleaseAll_DisconnectPath(t *testing.T) {
	fl := newFakeLink()
	r := newTestRegistry(t, testConfig(), fl)

	for _, ric := range []string{"EUR.X", "GBP.X", "JPY.X"} {
		if _, err := r.Acquire(context.Background(), ric, sid("victim")); err != nil {
			t.Fatalf("acquire %s failed: %v", ric, err)
		}
	}
	// A second session shares one of them.
	r.Acquire(context.Background(), "EUR.X", sid("survivor"))

	r.ReleaseAll(sid("victim"), []string{"EUR.X", "GBP.X", "JPY.X"})

	waitUntil(t, time.Second, "exclusive flows closed", func() bool {
		return len(fl.unsubscribes()) == 2
	})

	unsubbed := map[string]bool{}
	for _, ric := range fl.unsubscribes() {
		unsubbed[ric] = true
	}
	if unsubbed["EUR.X"] {
		t.Error("shared instrument was unsubscribed while the survivor holds it")
	}
	if !unsubbed["GBP.X"] || !unsubbed["JPY.X"] {
		t.Errorf("exclusive instruments not closed: %v", fl.unsubscribes())
	}

	if got := r.Stats().Active; got != 1 {
		t.Errorf("Active = %d, want 1", got)
	}
}

func TestAcquire_ParksBehindInFlightUnsubscribe(t *testing.T) {
	fl := newFakeLink()
	fl.unsubGate = make(chan struct{})

	r := newTestRegistry(t, testConfig(), fl)

	r.Acquire(context.Background(), "EUR.X", sid("s1"))
	r.Release("EUR.X", sid("s1")) // zero linger: unsubscribe starts immediately

	waitUntil(t, time.Second, "unsubscribe in flight", func() bool {
		return r.Stats().PendingUnsubscribe == 1
	})

	// New interest arrives while the teardown command is on the wire. It
	// must wait for the teardown, then trigger a fresh subscribe.
	acquired := make(chan error, 1)
	go func() {
		_, err := r.Acquire(context.Background(), "EUR.X", sid("s2"))
		acquired <- err
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-acquired:
		t.Fatalf("acquire completed before teardown settled: %v", err)
	default:
	}
	if got := fl.subscribes(); len(got) != 1 {
		t.Fatalf("subscribe issued while unsubscribe still in flight: %v", got)
	}

	close(fl.unsubGate)
	if err := <-acquired; err != nil {
		t.Fatalf("parked acquire failed: %v", err)
	}

	if got := fl.subscribes(); len(got) != 2 {
		t.Errorf("upstream saw %d subscribes, want 2", len(got))
	}
	if got := fl.unsubscribes(); len(got) != 1 {
		t.Errorf("upstream saw %d unsubscribes, want 1", len(got))
	}
	if got := r.Stats().Active; got != 1 {
		t.Errorf("Active = %d, want 1", got)
	}
}

func TestInterested_SnapshotsHolders(t *testing.T) {
	fl := newFakeLink()
	r := newTestRegistry(t, testConfig(), fl)

	r.Acquire(context.Background(), "EUR.X", sid("s1"))
	r.Acquire(context.Background(), "EUR.X", sid("s2"))

	buf := make([]model.SessionID, 0, 8)
	buf = r.Interested("EUR.X", buf)
	if len(buf) != 2 {
		t.Errorf("Interested = %v, want 2 sessions", buf)
	}

	if got := r.Interested("GBP.X", buf); len(got) != 0 {
		t.Errorf("Interested for unknown instrument = %v, want empty", got)
	}
}

func TestInterested_IncludesPendingSubscribe(t *testing.T) {
	fl := newFakeLink()
	fl.subGate = make(chan struct{})
	defer close(fl.subGate)

	r := newTestRegistry(t, testConfig(), fl)

	go r.Acquire(context.Background(), "EUR.X", sid("s1"))
	waitUntil(t, time.Second, "in-flight request", func() bool {
		return r.Stats().InFlight == 1
	})

	// The first image can arrive before the entry settles active; the
	// waiting session must already be visible to the fan-out.
	if got := r.Interested("EUR.X", nil); len(got) != 1 {
		t.Errorf("Interested during pending subscribe = %v, want the waiter", got)
	}
}

func TestActiveInstruments_RefcountFilter(t *testing.T) {
	fl := newFakeLink()
	fl.unsubGate = make(chan struct{})
	defer close(fl.unsubGate)

	r := newTestRegistry(t, testConfig(), fl)

	r.Acquire(context.Background(), "EUR.X", sid("s1"))
	r.Acquire(context.Background(), "GBP.X", sid("s1"))
	r.Release("GBP.X", sid("s1")) // enters teardown, refcount 0

	waitUntil(t, time.Second, "teardown pending", func() bool {
		return r.Stats().PendingUnsubscribe == 1
	})

	active := r.ActiveInstruments()
	if len(active) != 1 || active[0] != "EUR.X" {
		t.Errorf("ActiveInstruments = %v, want [EUR.X]", active)
	}
}

func TestAcquire_AfterStop(t *testing.T) {
	fl := newFakeLink()
	r := New(testConfig(), fl, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if _, err := r.Acquire(context.Background(), "EUR.X", sid("s1")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestConcurrentChurn(t *testing.T) {
	fl := newFakeLink()
	cfg := testConfig()
	cfg.UnsubscribeLinger = time.Millisecond

	r := newTestRegistry(t, cfg, fl)

	rics := []string{"A.X", "B.X", "C.X", "D.X", "E.X"}
	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			me := model.SessionID(rune('a' + w))
			for i := 0; i < 50; i++ {
				ric := rics[(w+i)%len(rics)]
				if _, err := r.Acquire(context.Background(), ric, me); err != nil {
					t.Errorf("worker %d acquire %s: %v", w, ric, err)
					return
				}
				r.Release(ric, me)
			}
		}(w)
	}
	wg.Wait()

	// Once everything is released, every opened flow must close again.
	waitUntil(t, 3*time.Second, "all flows closed", func() bool {
		s := r.Stats()
		return s.Interest == 0 && s.Active == 0 && s.PendingSubscribe == 0 &&
			s.PendingUnsubscribe == 0 &&
			len(fl.subscribes()) == len(fl.unsubscribes())
	})
}
