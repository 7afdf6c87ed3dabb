package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rfeldman/ricmux/internal/model"
)

// Policy decides what happens when a session's delivery queue is full.
type Policy int

const (
	// PolicyDrop discards the newest update for that session.
	PolicyDrop Policy = iota
	// PolicyDisconnect terminates the session.
	PolicyDisconnect
)

// ParsePolicy converts a config string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "drop":
		return PolicyDrop, nil
	case "disconnect":
		return PolicyDisconnect, nil
	}
	return 0, fmt.Errorf("unknown overflow policy %q", s)
}

func (p Policy) String() string {
	switch p {
	case PolicyDrop:
		return "drop"
	case PolicyDisconnect:
		return "disconnect"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// Session is one downstream consumer's server-side state. The transport
// layer drains Updates into the wire and watches Done for termination.
type Session struct {
	id     model.SessionID
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan model.Push

	mu     sync.Mutex
	watch  map[string]struct{}
	closed bool

	dropped atomic.Int64
}

// ID returns the session identifier.
func (s *Session) ID() model.SessionID { return s.id }

// Updates returns the session's delivery queue.
func (s *Session) Updates() <-chan model.Push { return s.queue }

// Done is closed when the session is disconnected.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }
