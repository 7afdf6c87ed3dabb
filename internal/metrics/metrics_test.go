package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rfeldman/ricmux/internal/model"
	"github.com/rfeldman/ricmux/internal/registry"
	"github.com/rfeldman/ricmux/internal/upstream"
)

type fakeLink struct {
	usable   bool
	degraded bool
	state    upstream.State
}

func (f *fakeLink) Start(ctx context.Context) error                   { return nil }
func (f *fakeLink) Stop(ctx context.Context) error                    { return nil }
func (f *fakeLink) Subscribe(ctx context.Context, ric string) error   { return nil }
func (f *fakeLink) Unsubscribe(ctx context.Context, ric string) error { return nil }
func (f *fakeLink) Messages() <-chan model.Update                     { return nil }
func (f *fakeLink) State() upstream.State                             { return f.state }
func (f *fakeLink) Usable() bool                                      { return f.usable }
func (f *fakeLink) Degraded() bool                                    { return f.degraded }
func (f *fakeLink) StateChanges() <-chan upstream.StateChange         { return nil }
func (f *fakeLink) SetSubscriptionSource(upstream.SubscriptionSource) {}

func (f *fakeLink) Stats() upstream.Stats {
	return upstream.Stats{State: f.state.String(), Degraded: f.degraded, Connects: 3}
}

type fakeRegistry struct {
	rics     []string
	interest map[string]int
}

func (f *fakeRegistry) Start(ctx context.Context) error { return nil }
func (f *fakeRegistry) Stop(ctx context.Context) error  { return nil }
func (f *fakeRegistry) Acquire(ctx context.Context, ric string, sid model.SessionID) (bool, error) {
	return false, nil
}
func (f *fakeRegistry) Release(string, model.SessionID)      {}
func (f *fakeRegistry) ReleaseAll(model.SessionID, []string) {}
func (f *fakeRegistry) Interested(ric string, buf []model.SessionID) []model.SessionID {
	buf = buf[:0]
	for i := 0; i < f.interest[ric]; i++ {
		buf = append(buf, model.SessionID(fmt.Sprintf("sess-%d", i)))
	}
	return buf
}
func (f *fakeRegistry) ActiveInstruments() []string { return f.rics }
func (f *fakeRegistry) SubscriptionRestored(string) {}
func (f *fakeRegistry) Stats() registry.Stats {
	return registry.Stats{Active: len(f.rics), SubscribesIssued: 9}
}

func startMetrics(t *testing.T, link upstream.Link, reg registry.Registry) *Server {
	t.Helper()

	s := New(Config{Port: 0, Path: "/metrics"}, link, reg, nil, nil, nil, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func get(t *testing.T, addr, path string) (int, map[string]any) {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("http://%s%s", addr, path))
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return resp.StatusCode, body
}

func TestMetrics_Snapshot(t *testing.T) {
	link := &fakeLink{usable: true, state: upstream.StateConnected}
	reg := &fakeRegistry{rics: []string{"EUR=", "GBP="}}
	s := startMetrics(t, link, reg)

	status, body := get(t, s.Addr(), "/metrics")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	if body["version"] != "dev" {
		t.Errorf("version = %v, want dev", body["version"])
	}

	up, ok := body["upstream"].(map[string]any)
	if !ok {
		t.Fatalf("upstream section missing: %v", body)
	}
	if up["connects"] != float64(3) {
		t.Errorf("upstream.connects = %v, want 3", up["connects"])
	}

	rg, ok := body["registry"].(map[string]any)
	if !ok {
		t.Fatalf("registry section missing: %v", body)
	}
	if rg["subscribes_issued"] != float64(9) {
		t.Errorf("registry.subscribes_issued = %v, want 9", rg["subscribes_issued"])
	}

	// Components not wired in stay out of the snapshot.
	if _, present := body["cache"]; present {
		t.Errorf("cache section present without a cache: %v", body)
	}
}

func TestMetrics_HealthzReady(t *testing.T) {
	link := &fakeLink{usable: true, state: upstream.StateConnected}
	s := startMetrics(t, link, &fakeRegistry{})

	status, body := get(t, s.Addr(), "/healthz")
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if body["status"] != "ready" {
		t.Errorf("status field = %v, want ready", body["status"])
	}
}

func TestMetrics_HealthzNotReady(t *testing.T) {
	link := &fakeLink{usable: false, degraded: true, state: upstream.StateReconnecting}
	s := startMetrics(t, link, &fakeRegistry{})

	status, body := get(t, s.Addr(), "/healthz")
	if status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", status)
	}
	if body["status"] != "not_ready" {
		t.Errorf("status field = %v, want not_ready", body["status"])
	}
	if body["state"] != "reconnecting" {
		t.Errorf("state = %v, want reconnecting", body["state"])
	}
	if body["degraded"] != true {
		t.Errorf("degraded = %v, want true", body["degraded"])
	}
}

func TestMetrics_DebugInstruments(t *testing.T) {
	reg := &fakeRegistry{
		rics:     []string{"GBP=", "EUR=", "JPY="},
		interest: map[string]int{"EUR=": 2, "GBP=": 1},
	}
	s := startMetrics(t, &fakeLink{usable: true}, reg)

	status, body := get(t, s.Addr(), "/debug/instruments")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body["count"] != float64(3) {
		t.Errorf("count = %v, want 3", body["count"])
	}

	list, ok := body["instruments"].([]any)
	if !ok || len(list) != 3 {
		t.Fatalf("instruments = %v, want 3 entries", body["instruments"])
	}
	first, ok := list[0].(map[string]any)
	if !ok || first["ric"] != "EUR=" {
		t.Errorf("instruments[0] = %v, want ric EUR= (sorted)", list[0])
	}
	if first["interest"] != float64(2) {
		t.Errorf("EUR= interest = %v, want 2", first["interest"])
	}
}
