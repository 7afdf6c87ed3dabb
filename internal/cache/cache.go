package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rfeldman/ricmux/internal/config"
	"github.com/rfeldman/ricmux/internal/model"
)

// Cache stores the latest update per instrument.
type Cache struct {
	logger *slog.Logger

	mu     sync.RWMutex
	latest map[string]model.Update

	// Redis write-behind. All nil/zero when running memory-only.
	rdb     *redis.Client
	ttl     time.Duration
	writeCh chan model.Update
	cancel  context.CancelFunc
	done    chan struct{}

	hits       atomic.Int64
	misses     atomic.Int64
	writes     atomic.Int64
	drops      atomic.Int64
	redisViews atomic.Int64
	redisErrs  atomic.Int64
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries    int   `json:"entries"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Writes     int64 `json:"writes"`       // Values flushed to redis
	Drops      int64 `json:"drops"`        // Write-behind queue overflows
	RedisReads int64 `json:"redis_reads"`  // Memory misses answered by redis
	RedisErrs  int64 `json:"redis_errors"` // Failed redis operations
}

// New creates a memory-only cache. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		logger: logger.With("component", "cache"),
		latest: make(map[string]model.Update),
	}
}

// NewWithRedis creates a cache backed by a Redis write-behind queue. The
// connection is verified with a ping before returning.
func NewWithRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Cache, error) {
	c := New(logger)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	c.rdb = rdb
	c.ttl = cfg.TTL
	c.writeCh = make(chan model.Update, cfg.BufferSize)
	return c, nil
}

// Start launches the write-behind flusher. No-op for memory-only caches.
func (c *Cache) Start(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.flushLoop(runCtx)

	c.logger.Info("cache started", "redis", c.rdb.Options().Addr, "ttl", c.ttl)
	return nil
}

// Stop halts the flusher and closes the Redis client. Queued writes that
// have not flushed yet are discarded.
func (c *Cache) Stop(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}

	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
		return fmt.Errorf("cache stop: %w", ctx.Err())
	}
	return c.rdb.Close()
}

// Put records the latest value for an instrument.
func (c *Cache) Put(u model.Update) {
	c.mu.Lock()
	c.latest[u.RIC] = u
	c.mu.Unlock()

	if c.writeCh == nil {
		return
	}
	select {
	case c.writeCh <- u:
	default:
		c.drops.Add(1)
	}
}

// Latest returns the most recent value for an instrument. Memory misses
// fall back to Redis when configured.
func (c *Cache) Latest(ctx context.Context, ric string) (model.Update, bool) {
	c.mu.RLock()
	u, ok := c.latest[ric]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return u, true
	}
	c.misses.Add(1)

	if c.rdb == nil {
		return model.Update{}, false
	}

	data, err := c.rdb.Get(ctx, redisKey(ric)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.redisErrs.Add(1)
			c.logger.Warn("redis get failed", "ric", ric, "error", err)
		}
		return model.Update{}, false
	}

	u, err = decodeUpdate(data)
	if err != nil {
		c.redisErrs.Add(1)
		c.logger.Warn("cached value undecodable", "ric", ric, "error", err)
		return model.Update{}, false
	}
	c.redisViews.Add(1)

	// Warm the memory copy for the next lookup.
	c.mu.Lock()
	if _, exists := c.latest[ric]; !exists {
		c.latest[ric] = u
	}
	c.mu.Unlock()

	return u, true
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	entries := len(c.latest)
	c.mu.RUnlock()

	return Stats{
		Entries:    entries,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Writes:     c.writes.Load(),
		Drops:      c.drops.Load(),
		RedisReads: c.redisViews.Load(),
		RedisErrs:  c.redisErrs.Load(),
	}
}

func (c *Cache) flushLoop(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-c.writeCh:
			data, err := encodeUpdate(u)
			if err != nil {
				c.redisErrs.Add(1)
				continue
			}
			if err := c.rdb.Set(ctx, redisKey(u.RIC), data, c.ttl).Err(); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.redisErrs.Add(1)
				c.logger.Warn("redis set failed", "ric", u.RIC, "error", err)
				continue
			}
			c.writes.Add(1)
		}
	}
}

func redisKey(ric string) string {
	return "lastvalue:" + ric
}

// cachedUpdate is the Redis serialization of a model.Update.
type cachedUpdate struct {
	RIC        string          `json:"ric"`
	Kind       string          `json:"kind"`
	Seq        int64           `json:"seq"`
	ExchangeTS int64           `json:"ts"`
	ReceivedAt int64           `json:"received_at"`
	Fields     json.RawMessage `json:"fields"`
}

func encodeUpdate(u model.Update) ([]byte, error) {
	return json.Marshal(cachedUpdate{
		RIC:        u.RIC,
		Kind:       u.Kind.String(),
		Seq:        u.Seq,
		ExchangeTS: u.ExchangeTS,
		ReceivedAt: u.ReceivedAt,
		Fields:     u.Fields,
	})
}

func decodeUpdate(data []byte) (model.Update, error) {
	var cu cachedUpdate
	if err := json.Unmarshal(data, &cu); err != nil {
		return model.Update{}, err
	}
	kind, err := model.ParseKind(cu.Kind)
	if err != nil {
		return model.Update{}, err
	}
	return model.Update{
		RIC:        cu.RIC,
		Kind:       kind,
		Seq:        cu.Seq,
		ExchangeTS: cu.ExchangeTS,
		ReceivedAt: cu.ReceivedAt,
		Fields:     cu.Fields,
	}, nil
}
