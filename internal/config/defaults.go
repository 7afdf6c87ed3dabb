package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultSubscribeTimeout       = 10 * time.Second
	DefaultReconnectBaseDelay     = 1 * time.Second
	DefaultReconnectMaxDelay      = 30 * time.Second
	DefaultBreakerThreshold       = 5
	DefaultDegradedRetryInterval  = 60 * time.Second
	DefaultHeartbeatInterval      = 15 * time.Second
	DefaultHeartbeatTimeoutFactor = 3
	DefaultTokenRefreshMargin     = 1 * time.Minute
	DefaultWriteTimeout           = 5 * time.Second
	DefaultMessageBufferSize      = 65536
	DefaultUnsubscribeLinger      = 2 * time.Second
	DefaultAcquireTimeout         = 15 * time.Second
	DefaultQueueSize              = 256
	DefaultOverflowPolicy         = "drop"
	DefaultServerPort             = 8080
	DefaultServerPath             = "/ws"
	DefaultServerPingInterval     = 15 * time.Second
	DefaultServerWriteTimeout     = 5 * time.Second
	DefaultServerReadLimit        = 64 * 1024
	DefaultDBPort                 = 5432
	DefaultDBSSLMode              = "prefer"
	DefaultMaxConns               = 10
	DefaultMinConns               = 2
	DefaultReconcileInterval      = 15 * time.Minute
	DefaultRedisTTL               = 10 * time.Minute
	DefaultRedisBufferSize        = 1024
	DefaultMetricsPort            = 9090
	DefaultMetricsPath            = "/metrics"
)

func (c *Config) applyDefaults() {
	// Upstream defaults
	if c.Upstream.SubscribeTimeout == 0 {
		c.Upstream.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.Upstream.ReconnectBaseDelay == 0 {
		c.Upstream.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Upstream.ReconnectMaxDelay == 0 {
		c.Upstream.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Upstream.BreakerThreshold == 0 {
		c.Upstream.BreakerThreshold = DefaultBreakerThreshold
	}
	if c.Upstream.DegradedRetryInterval == 0 {
		c.Upstream.DegradedRetryInterval = DefaultDegradedRetryInterval
	}
	if c.Upstream.HeartbeatInterval == 0 {
		c.Upstream.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Upstream.HeartbeatTimeoutFactor == 0 {
		c.Upstream.HeartbeatTimeoutFactor = DefaultHeartbeatTimeoutFactor
	}
	if c.Upstream.TokenRefreshMargin == 0 {
		c.Upstream.TokenRefreshMargin = DefaultTokenRefreshMargin
	}
	if c.Upstream.WriteTimeout == 0 {
		c.Upstream.WriteTimeout = DefaultWriteTimeout
	}
	if c.Upstream.MessageBufferSize == 0 {
		c.Upstream.MessageBufferSize = DefaultMessageBufferSize
	}

	// Registry defaults
	if c.Registry.UnsubscribeLinger == 0 {
		c.Registry.UnsubscribeLinger = DefaultUnsubscribeLinger
	}
	if c.Registry.AcquireTimeout == 0 {
		c.Registry.AcquireTimeout = DefaultAcquireTimeout
	}

	// Sessions defaults
	if c.Sessions.QueueSize == 0 {
		c.Sessions.QueueSize = DefaultQueueSize
	}
	if c.Sessions.OverflowPolicy == "" {
		c.Sessions.OverflowPolicy = DefaultOverflowPolicy
	}

	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.Path == "" {
		c.Server.Path = DefaultServerPath
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = DefaultServerPingInterval
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultServerWriteTimeout
	}
	if c.Server.ReadLimit == 0 {
		c.Server.ReadLimit = DefaultServerReadLimit
	}

	// Database defaults (applied only when configured)
	if c.Database.Postgres.Enabled() {
		applyDBDefaults(&c.Database.Postgres)
	}
	if c.Database.ReconcileInterval == 0 {
		c.Database.ReconcileInterval = DefaultReconcileInterval
	}

	// Cache defaults
	if c.Cache.Redis.Enabled() {
		if c.Cache.Redis.TTL == 0 {
			c.Cache.Redis.TTL = DefaultRedisTTL
		}
		if c.Cache.Redis.BufferSize == 0 {
			c.Cache.Redis.BufferSize = DefaultRedisBufferSize
		}
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
