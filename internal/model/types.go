package model

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Sessions
// -----------------------------------------------------------------------------

// SessionID identifies one downstream consumer session.
type SessionID string

// NewSessionID mints a random session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// -----------------------------------------------------------------------------
// Feed Messages
// -----------------------------------------------------------------------------

// Kind classifies data messages flowing off the upstream feed.
type Kind int

const (
	KindRefresh    Kind = iota // full image for an instrument
	KindUpdate                 // incremental change
	KindCorrection             // amendment to previously published data
	KindStatus                 // instrument status change
)

var kindNames = [...]string{"refresh", "update", "correction", "status"}

// String returns the wire name of the kind ("refresh", "update", ...).
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind maps a wire name to its Kind.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if s == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown message kind %q", s)
}

// Update is one decoded data message for a single instrument.
//
// Fields is kept as raw JSON: ricmux fans messages out without interpreting
// instrument payloads.
type Update struct {
	RIC        string          // Instrument key
	Kind       Kind            // refresh, update, correction, status
	Seq        int64           // Per-RIC feed sequence number
	ExchangeTS int64           // Feed timestamp (µs since epoch)
	ReceivedAt int64           // Local receive timestamp (µs since epoch)
	Fields     json.RawMessage // Opaque instrument payload
}

// Push is one unit queued for delivery to a session. Stale marks a cached
// value served while the upstream was unavailable.
type Push struct {
	Update Update
	Stale  bool
}

// -----------------------------------------------------------------------------
// Reference Data
// -----------------------------------------------------------------------------

// Instrument is one row of the instrument catalog.
type Instrument struct {
	RIC         string // Primary key
	Description string // Display description
	Enabled     bool   // Subscribable right now
	UpdatedAt   int64  // Last update (µs since epoch)
}
