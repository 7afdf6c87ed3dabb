// Package registry multiplexes downstream subscription interest onto the
// single upstream feed connection.
//
// Each instrument has at most one entry in a sharded table. The entry's
// refcount is the number of sessions holding it: the 0 to 1 transition
// opens the upstream flow, the 1 to 0 transition closes it after a linger
// window that absorbs quick resubscribes. Concurrent first-subscribers of
// the same instrument coalesce onto one in-flight upstream command; each
// waiter keeps its own deadline and abandoning waiters never cancel the
// shared request.
//
// The registry also implements the link's SubscriptionSource: after a
// reconnect the link replays every instrument with interest and reports
// each restoration back.
package registry
