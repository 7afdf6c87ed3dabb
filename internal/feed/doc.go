// Package feed defines the upstream feed wire protocol: the JSON command and
// acknowledgement envelopes exchanged over the feed websocket, the data frame
// layout, and the decoder that classifies raw frames.
//
// Commands carry a client-assigned id; the feed echoes the id on the matching
// ack. Data frames carry no id and are identified by their type being one of
// the data kinds (refresh, update, correction, status). Heartbeats are
// websocket ping/pong control frames and never appear here.
package feed
