// Package server is the downstream websocket endpoint.
//
// Consumers connect to the configured path and drive their session with
// JSON requests:
//
//	{"action": "subscribe", "ric": "EUR="}
//	{"action": "unsubscribe", "ric": "EUR="}
//
// Each request is acknowledged with a frame of type "subscribed",
// "unsubscribed", or "error" (with a machine-readable code). Market data
// arrives as frames keyed by message kind:
//
//	{"type": "update", "ric": "EUR=", "seq": 42, "ts": 1724580000000000, "fields": {...}}
//
// A "stale": true field marks a cached value served while the upstream feed
// is unavailable. Because delivery and acknowledgement travel on separate
// pumps, the first data frames for an instrument can arrive slightly before
// the subscribed ack.
//
// Connection loss in either direction tears the session down exactly once,
// releasing every subscription it held.
package server
