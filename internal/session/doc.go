// Package session manages downstream consumer sessions: registration,
// per-session watch sets, bounded delivery queues with an overflow policy,
// and the single disconnect path that releases all registry interest.
package session
