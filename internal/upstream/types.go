package upstream

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no heartbeat)")
	ErrTimeout         = errors.New("operation timeout")
	ErrAlreadyClosed   = errors.New("already closed")
)

// TimestampedMessage wraps raw frame data with its receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw frame bytes from the websocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a feed websocket client.
type ClientConfig struct {
	URL               string        // Feed websocket URL
	HeartbeatInterval time.Duration // Ping cadence
	StaleAfter        time.Duration // Max silence before the connection is declared stale
	WriteTimeout      time.Duration // Write deadline for sends
	BufferSize        int           // Raw message channel capacity
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HeartbeatInterval: 15 * time.Second,
		StaleAfter:        45 * time.Second,
		WriteTimeout:      5 * time.Second,
		BufferSize:        1000,
	}
}

// Config configures the upstream link.
type Config struct {
	URL                    string        // Feed websocket URL
	SubscribeTimeout       time.Duration // Ack wait for feed commands
	ReconnectBaseDelay     time.Duration // First backoff step
	ReconnectMaxDelay      time.Duration // Backoff cap
	BreakerThreshold       int           // Consecutive failures before degraded mode
	DegradedRetryInterval  time.Duration // Fixed retry interval while degraded
	HeartbeatInterval      time.Duration // Websocket ping cadence
	HeartbeatTimeoutFactor int           // Staleness = interval * factor
	TokenRefreshMargin     time.Duration // Re-login this long before token expiry
	WriteTimeout           time.Duration // Write deadline for feed sends
	MessageBufferSize      int           // Decoded update channel capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SubscribeTimeout:       10 * time.Second,
		ReconnectBaseDelay:     1 * time.Second,
		ReconnectMaxDelay:      30 * time.Second,
		BreakerThreshold:       5,
		DegradedRetryInterval:  60 * time.Second,
		HeartbeatInterval:      15 * time.Second,
		HeartbeatTimeoutFactor: 3,
		TokenRefreshMargin:     1 * time.Minute,
		WriteTimeout:           5 * time.Second,
		MessageBufferSize:      65536,
	}
}

// State is the upstream link lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateStopped
)

var stateNames = [...]string{
	"disconnected",
	"connecting",
	"authenticating",
	"connected",
	"reconnecting",
	"stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// StateChange is one observed link transition.
type StateChange struct {
	From State
	To   State
	At   time.Time
}

// SubscriptionSource supplies the instruments to re-establish after a
// reconnect. The link calls SubscriptionRestored for each instrument it
// successfully resubscribes.
type SubscriptionSource interface {
	ActiveInstruments() []string
	SubscriptionRestored(ric string)
}

// Stats provides statistics about the upstream link.
type Stats struct {
	State               string `json:"state"`
	Degraded            bool   `json:"degraded"`
	Connects            int64  `json:"connects"`
	Reconnects          int64  `json:"reconnects"`
	ConsecutiveFailures int64  `json:"consecutive_failures"`
	Updates             int64  `json:"updates"`
	Dropped             int64  `json:"dropped"`
	Poison              int64  `json:"poison"`
	SeqGaps             int64  `json:"seq_gaps"`
	Resubscribed        int64  `json:"resubscribed"`
	TokenExpiresAt      int64  `json:"token_expires_at"`
}
