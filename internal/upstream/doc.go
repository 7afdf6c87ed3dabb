// Package upstream maintains the single authenticated connection to the
// market data feed.
//
// The package has two layers:
//
//   - Client: a low-level websocket wrapper with heartbeat liveness
//     checking. One Client is one connection; it is thrown away on error.
//   - Link: the long-lived state machine that owns the current Client,
//     logs in, replays active subscriptions after a reconnect, and
//     exposes command send/ack correlation to the registry.
//
// The Link moves through Disconnected, Connecting, Authenticating,
// Connected and Reconnecting. Subscribe and Unsubscribe only succeed in
// Connected; everything else returns ErrNotConnected and the caller
// decides what to do with parked interest. Repeated connection failures
// open a circuit breaker that switches the retry schedule from jittered
// exponential backoff to a flat degraded interval.
package upstream
