// Package cache keeps the last published value per instrument so stale-mode
// acquires can be primed without waiting for the next upstream refresh.
//
// The authoritative copy lives in an in-process map. When Redis is
// configured, values are also written behind through a bounded queue and
// read back on memory misses, which survives process restarts. The queue
// drops on overflow: the cache is advisory and must never slow the
// dispatch path.
package cache
