package registry

import (
	"context"
	"errors"

	"github.com/rfeldman/ricmux/internal/model"
)

// Errors
var (
	// ErrSubscribeTimeout means one waiter's deadline elapsed. The shared
	// upstream request keeps running for the remaining waiters.
	ErrSubscribeTimeout = errors.New("subscribe timeout")

	// ErrUpstreamUnavailable means no usable feed connection exists and
	// the stale-serve policy is disabled.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrClosed means the registry has been stopped.
	ErrClosed = errors.New("registry closed")
)

// UpstreamCommander is the slice of the upstream link the registry drives.
type UpstreamCommander interface {
	Subscribe(ctx context.Context, ric string) error
	Unsubscribe(ctx context.Context, ric string) error
	Usable() bool
}

// Registry tracks which sessions want which instruments and keeps the
// upstream flow set in sync with that interest. Many sessions share one
// upstream subscription per instrument; concurrent first-subscribers share
// one in-flight upstream command.
type Registry interface {
	// Start prepares the registry for use.
	Start(ctx context.Context) error

	// Stop disarms pending teardown timers and waits for in-flight
	// upstream commands to settle.
	Stop(ctx context.Context) error

	// Acquire registers sid's interest in ric, opening the upstream flow
	// if it is not already open. The stale flag is true when interest was
	// granted without a confirmed live flow (upstream down); such
	// subscriptions are re-established automatically on reconnect.
	Acquire(ctx context.Context, ric string, sid model.SessionID) (stale bool, err error)

	// Release drops sid's interest in ric. The last release schedules the
	// upstream flow teardown after a linger window. Idempotent.
	Release(ric string, sid model.SessionID)

	// ReleaseAll drops sid's interest in every listed instrument. Used on
	// session disconnect.
	ReleaseAll(sid model.SessionID, rics []string)

	// Interested appends the sessions currently receiving ric to buf and
	// returns it. The dispatcher reuses buf across calls.
	Interested(ric string, buf []model.SessionID) []model.SessionID

	// ActiveInstruments returns every instrument with at least one
	// interested session.
	ActiveInstruments() []string

	// SubscriptionRestored marks ric's upstream flow re-established after
	// a reconnect.
	SubscriptionRestored(ric string)

	// Stats returns a snapshot of registry state and counters.
	Stats() Stats
}

// Stats provides statistics about the subscription registry.
type Stats struct {
	Active              int   `json:"active"`
	PendingSubscribe    int   `json:"pending_subscribe"`
	PendingUnsubscribe  int   `json:"pending_unsubscribe"`
	InFlight            int   `json:"in_flight"`
	Interest            int   `json:"interest"`
	SubscribesIssued    int64 `json:"subscribes_issued"`
	UnsubscribesIssued  int64 `json:"unsubscribes_issued"`
	UnsubscribeFailures int64 `json:"unsubscribe_failures"`
	LingerRevives       int64 `json:"linger_revives"`
	StaleAcquires       int64 `json:"stale_acquires"`
	Restored            int64 `json:"restored"`
	WaiterTimeouts      int64 `json:"waiter_timeouts"`
}
