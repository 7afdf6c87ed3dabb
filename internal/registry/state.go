package registry

import (
	"sync"
	"time"

	"github.com/rfeldman/ricmux/internal/model"
)

// entryState is the lifecycle position of one instrument's upstream flow.
// Absent means no entry in the table at all.
type entryState int

const (
	statePendingSubscribe entryState = iota
	stateActive
	statePendingUnsubscribe
)

// inflight is one coalesced upstream subscribe. Every acquirer that arrives
// while it is pending joins waiters and blocks on done; the resolver sets
// err, then closes done.
type inflight struct {
	waiters   map[model.SessionID]struct{}
	done      chan struct{}
	err       error
	completed bool
	started   bool // false while parked behind an in-flight unsubscribe
}

func newInflight() *inflight {
	return &inflight{
		waiters: make(map[model.SessionID]struct{}),
		done:    make(chan struct{}),
	}
}

// entry is one instrument's interest record. The refcount is len(sessions).
//
// Invariant: refcount > 0 implies pendingSubscribe or active; refcount == 0
// implies pendingUnsubscribe (flow closing) or the entry is deleted. A
// pendingSubscribe entry with no inflight is deferred: interest is parked
// until the upstream comes back.
type entry struct {
	ric       string
	state     entryState
	sessions  map[model.SessionID]struct{}
	inflight  *inflight
	unsubbing bool        // an upstream unsubscribe is in flight
	linger    *time.Timer // armed while pendingUnsubscribe waits out the linger
}

func newEntry(ric string) *entry {
	return &entry{
		ric:      ric,
		state:    statePendingSubscribe,
		sessions: make(map[model.SessionID]struct{}),
	}
}

// shard is one slice of the instrument table with its own lock.
type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// fnv-1a constants
const (
	offset32 = 2166136261
	prime32  = 16777619
)

func shardIndex(ric string, n uint32) uint32 {
	h := uint32(offset32)
	for i := 0; i < len(ric); i++ {
		h ^= uint32(ric[i])
		h *= prime32
	}
	return h % n
}
