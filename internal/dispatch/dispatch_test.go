package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rfeldman/ricmux/internal/cache"
	"github.com/rfeldman/ricmux/internal/model"
)

type fakeInterest struct {
	mu      sync.Mutex
	holders map[string][]model.SessionID
}

func (f *fakeInterest) set(ric string, sids ...model.SessionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holders == nil {
		f.holders = make(map[string][]model.SessionID)
	}
	f.holders[ric] = sids
}

func (f *fakeInterest) Interested(ric string, buf []model.SessionID) []model.SessionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(buf[:0], f.holders[ric]...)
}

type recordingDeliverer struct {
	mu     sync.Mutex
	pushes map[model.SessionID][]model.Push
}

func (r *recordingDeliverer) Deliver(sid model.SessionID, push model.Push) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pushes == nil {
		r.pushes = make(map[model.SessionID][]model.Push)
	}
	r.pushes[sid] = append(r.pushes[sid], push)
}

func (r *recordingDeliverer) count(sid model.SessionID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushes[sid])
}

func (r *recordingDeliverer) last(sid model.SessionID) (model.Push, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pushes[sid]
	if len(p) == 0 {
		return model.Push{}, false
	}
	return p[len(p)-1], true
}

func (r *recordingDeliverer) seqs(sid model.SessionID) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.pushes[sid]))
	for _, p := range r.pushes[sid] {
		out = append(out, p.Update.Seq)
	}
	return out
}

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

func startDispatcher(t *testing.T, source chan model.Update, interest InterestSource, sessions Deliverer, c *cache.Cache) Dispatcher {
	t.Helper()

	d := New(source, interest, sessions, c, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d
}

func update(ric string, seq int64) model.Update {
	return model.Update{
		Kind:   model.KindUpdate,
		RIC:    ric,
		Seq:    seq,
		Fields: json.RawMessage(`{"BID":1.0887}`),
	}
}

func TestDispatcher_FansOutToHolders(t *testing.T) {
	source := make(chan model.Update, 8)
	interest := &fakeInterest{}
	interest.set("EUR=", "s1", "s2", "s3")
	sink := &recordingDeliverer{}

	d := startDispatcher(t, source, interest, sink, nil)

	source <- update("EUR=", 1)

	waitUntil(t, time.Second, "all holders to receive the update", func() bool {
		return sink.count("s1") == 1 && sink.count("s2") == 1 && sink.count("s3") == 1
	})

	got, _ := sink.last("s2")
	if got.Update.RIC != "EUR=" || got.Update.Seq != 1 {
		t.Errorf("delivered update = %q seq %d, want EUR= seq 1", got.Update.RIC, got.Update.Seq)
	}
	if got.Stale {
		t.Error("live delivery marked stale")
	}

	stats := d.Stats()
	if stats.Received != 1 {
		t.Errorf("Received = %d, want 1", stats.Received)
	}
	if stats.Fanout != 3 {
		t.Errorf("Fanout = %d, want 3", stats.Fanout)
	}
}

func TestDispatcher_PerInstrumentOrdering(t *testing.T) {
	source := make(chan model.Update, 16)
	interest := &fakeInterest{}
	interest.set("EUR=", "s1", "s2")
	sink := &recordingDeliverer{}

	startDispatcher(t, source, interest, sink, nil)

	for seq := int64(1); seq <= 5; seq++ {
		source <- update("EUR=", seq)
	}

	waitUntil(t, time.Second, "both holders to receive every update", func() bool {
		return sink.count("s1") == 5 && sink.count("s2") == 5
	})

	for _, sid := range []model.SessionID{"s1", "s2"} {
		got := sink.seqs(sid)
		for i, seq := range got {
			if seq != int64(i+1) {
				t.Errorf("session %s received seqs %v, want 1..5 in order", sid, got)
				break
			}
		}
	}
}

func TestDispatcher_NoHoldersCountsAndDrops(t *testing.T) {
	source := make(chan model.Update, 8)
	interest := &fakeInterest{}
	sink := &recordingDeliverer{}

	d := startDispatcher(t, source, interest, sink, nil)

	source <- update("GBP=", 7)

	waitUntil(t, time.Second, "update to be consumed", func() bool {
		return d.Stats().Received == 1
	})

	if got := d.Stats().NoInterest; got != 1 {
		t.Errorf("NoInterest = %d, want 1", got)
	}
	if got := d.Stats().Fanout; got != 0 {
		t.Errorf("Fanout = %d, want 0", got)
	}
}

func TestDispatcher_StoresLastValue(t *testing.T) {
	source := make(chan model.Update, 8)
	interest := &fakeInterest{}
	sink := &recordingDeliverer{}
	c := cache.New(nil)

	startDispatcher(t, source, interest, sink, c)

	source <- update("JPY=", 3)

	waitUntil(t, time.Second, "cache to hold the value", func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, ok := c.Latest(ctx, "JPY=")
		return ok
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	got, _ := c.Latest(ctx, "JPY=")
	if got.Seq != 3 {
		t.Errorf("cached Seq = %d, want 3", got.Seq)
	}
}

func TestDispatcher_StatusNotCached(t *testing.T) {
	source := make(chan model.Update, 8)
	interest := &fakeInterest{}
	interest.set("EUR=", "s1")
	sink := &recordingDeliverer{}
	c := cache.New(nil)

	d := startDispatcher(t, source, interest, sink, c)

	source <- model.Update{Kind: model.KindStatus, RIC: "EUR=", Seq: 9}

	waitUntil(t, time.Second, "status to be consumed", func() bool {
		return d.Stats().Received == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := c.Latest(ctx, "EUR="); ok {
		t.Error("status frame was cached, want cache untouched")
	}

	// Status frames still fan out to holders.
	waitUntil(t, time.Second, "status delivery", func() bool {
		return sink.count("s1") == 1
	})
}

func TestDispatcher_CacheWriteBeatsDelivery(t *testing.T) {
	source := make(chan model.Update, 8)
	interest := &fakeInterest{}
	interest.set("EUR=", "s1")
	sink := &recordingDeliverer{}
	c := cache.New(nil)

	startDispatcher(t, source, interest, sink, c)

	source <- update("EUR=", 11)

	waitUntil(t, time.Second, "delivery", func() bool {
		return sink.count("s1") == 1
	})

	// By the time any session saw the update it must already be readable
	// from the cache.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	got, ok := c.Latest(ctx, "EUR=")
	if !ok || got.Seq != 11 {
		t.Errorf("cache after delivery = (%d, %v), want (11, true)", got.Seq, ok)
	}
}

func TestDispatcher_SourceCloseStopsLoop(t *testing.T) {
	source := make(chan model.Update, 8)
	interest := &fakeInterest{}
	sink := &recordingDeliverer{}

	d := New(source, interest, sink, nil, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	source <- update("EUR=", 1)
	close(source)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Errorf("Stop() after source close error = %v", err)
	}
}

func TestDispatcher_StopHaltsConsumption(t *testing.T) {
	source := make(chan model.Update, 8)
	interest := &fakeInterest{}
	sink := &recordingDeliverer{}

	d := startDispatcher(t, source, interest, sink, nil)

	source <- update("EUR=", 1)
	waitUntil(t, time.Second, "first update", func() bool {
		return d.Stats().Received == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	source <- update("EUR=", 2)
	time.Sleep(30 * time.Millisecond)
	if got := d.Stats().Received; got != 1 {
		t.Errorf("Received after Stop = %d, want 1", got)
	}
}
