package config

import "time"

// Config is the root configuration for a ricmux instance.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Registry RegistryConfig `yaml:"registry"`
	Sessions SessionsConfig `yaml:"sessions"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// InstanceConfig identifies this ricmux instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// UpstreamConfig holds feed connection and resilience settings.
type UpstreamConfig struct {
	URL        string `yaml:"url"`         // Feed websocket URL
	User       string `yaml:"user"`        // Feed user name
	SecretPath string `yaml:"secret_path"` // Path to the HMAC shared secret file

	SubscribeTimeout       time.Duration `yaml:"subscribe_timeout"`        // Ack wait for subscribe/unsubscribe commands
	ReconnectBaseDelay     time.Duration `yaml:"reconnect_base_delay"`     // First backoff step
	ReconnectMaxDelay      time.Duration `yaml:"reconnect_max_delay"`      // Backoff cap
	BreakerThreshold       int           `yaml:"breaker_threshold"`        // Consecutive failures before degraded mode
	DegradedRetryInterval  time.Duration `yaml:"degraded_retry_interval"`  // Fixed retry interval while degraded
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`       // Websocket ping cadence
	HeartbeatTimeoutFactor int           `yaml:"heartbeat_timeout_factor"` // Staleness = interval * factor
	TokenRefreshMargin     time.Duration `yaml:"token_refresh_margin"`     // Re-login this long before token expiry
	WriteTimeout           time.Duration `yaml:"write_timeout"`            // Write deadline for feed sends
	MessageBufferSize      int           `yaml:"message_buffer_size"`      // Decoded update channel capacity
}

// RegistryConfig holds subscription registry settings.
type RegistryConfig struct {
	UnsubscribeLinger time.Duration `yaml:"unsubscribe_linger"` // Grace period before the upstream unsubscribe fires
	AcquireTimeout    time.Duration `yaml:"acquire_timeout"`    // Per-caller deadline for subscribe acquisition
	ServeStale        bool          `yaml:"serve_stale"`        // Register interest and serve cached values while upstream is down
}

// SessionsConfig holds downstream session settings.
type SessionsConfig struct {
	QueueSize      int    `yaml:"queue_size"`      // Per-session delivery queue capacity
	OverflowPolicy string `yaml:"overflow_policy"` // "drop" or "disconnect"
}

// ServerConfig holds the downstream websocket endpoint settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	Path         string        `yaml:"path"`          // Websocket endpoint path
	PingInterval time.Duration `yaml:"ping_interval"` // Keepalive ping cadence
	WriteTimeout time.Duration `yaml:"write_timeout"` // Write deadline for session sends
	ReadLimit    int64         `yaml:"read_limit"`    // Max inbound frame size (bytes)
}

// DatabaseConfig holds the Postgres instrument catalog connection.
// Optional: leave postgres.host empty to run without reference data checks.
type DatabaseConfig struct {
	Postgres          DBConfig      `yaml:"postgres"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"` // Catalog refresh cadence
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether a database connection is configured.
func (db DBConfig) Enabled() bool {
	return db.Host != ""
}

// CacheConfig holds last-value cache settings. Redis is optional: leave
// redis.addr empty to run memory-only.
type CacheConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds the Redis write-behind backend settings.
type RedisConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	TTL        time.Duration `yaml:"ttl"`         // Expiry for cached last values
	BufferSize int           `yaml:"buffer_size"` // Write-behind queue capacity
}

// Enabled reports whether the Redis backend is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// MetricsConfig holds the metrics endpoint settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
