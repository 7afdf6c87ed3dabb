// Package dispatch fans decoded upstream updates out to the sessions that
// hold a subscription for each instrument, updating the last-value cache
// along the way.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rfeldman/ricmux/internal/cache"
	"github.com/rfeldman/ricmux/internal/model"
)

// InterestSource supplies the sessions interested in one instrument.
type InterestSource interface {
	Interested(ric string, buf []model.SessionID) []model.SessionID
}

// Deliverer places updates on session queues without blocking.
type Deliverer interface {
	Deliver(sid model.SessionID, push model.Push)
}

// Dispatcher fans decoded feed updates out to interested sessions.
type Dispatcher interface {
	// Start begins consuming the update source in the background.
	Start(ctx context.Context) error

	// Stop halts the fan-out loop.
	Stop(ctx context.Context) error

	// Stats returns a snapshot of dispatch counters.
	Stats() Stats
}

// Stats provides statistics about the fan-out loop.
type Stats struct {
	Received   int64 `json:"received"`
	Fanout     int64 `json:"fanout"`
	NoInterest int64 `json:"no_interest"`
}

// dispatcherImpl implements the Dispatcher interface.
//
// One goroutine consumes the source sequentially, so per-instrument receipt
// order is preserved end to end without any hot-path locking beyond the
// registry's interest snapshot.
type dispatcherImpl struct {
	source   <-chan model.Update
	interest InterestSource
	sessions Deliverer
	cache    *cache.Cache
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Scratch interest buffer, touched only by the run goroutine.
	buf []model.SessionID

	received   atomic.Int64
	fanout     atomic.Int64
	noInterest atomic.Int64
}

// New creates a fan-out dispatcher. cache may be nil.
func New(source <-chan model.Update, interest InterestSource, sessions Deliverer, c *cache.Cache, logger *slog.Logger) Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &dispatcherImpl{
		source:   source,
		interest: interest,
		sessions: sessions,
		cache:    c,
		logger:   logger.With("component", "dispatch"),
		buf:      make([]model.SessionID, 0, 64),
	}
}

// Start begins consuming the update source in the background.
func (d *dispatcherImpl) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.run()

	d.logger.Info("dispatcher started")
	return nil
}

// Stop halts the fan-out loop.
func (d *dispatcherImpl) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped",
			"received", d.received.Load(),
			"fanout", d.fanout.Load(),
		)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of dispatch counters.
func (d *dispatcherImpl) Stats() Stats {
	return Stats{
		Received:   d.received.Load(),
		Fanout:     d.fanout.Load(),
		NoInterest: d.noInterest.Load(),
	}
}

func (d *dispatcherImpl) run() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case u, ok := <-d.source:
			if !ok {
				return
			}
			d.dispatch(u)
		}
	}
}

func (d *dispatcherImpl) dispatch(u model.Update) {
	d.received.Add(1)

	// Cache before the interest snapshot: a subscriber racing its own
	// subscribe ack still finds the value as its first image.
	if d.cache != nil && u.Kind != model.KindStatus {
		d.cache.Put(u)
	}

	d.buf = d.interest.Interested(u.RIC, d.buf)
	if len(d.buf) == 0 {
		d.noInterest.Add(1)
		return
	}

	push := model.Push{Update: u}
	for _, sid := range d.buf {
		d.sessions.Deliver(sid, push)
	}
	d.fanout.Add(int64(len(d.buf)))
}
