package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Upstream.URL == "" {
		return errors.New("upstream.url is required")
	}
	if c.Upstream.User == "" {
		return errors.New("upstream.user is required")
	}
	if c.Upstream.SecretPath == "" {
		return errors.New("upstream.secret_path is required")
	}
	if c.Upstream.BreakerThreshold < 1 {
		return errors.New("upstream.breaker_threshold must be >= 1")
	}
	if c.Upstream.HeartbeatTimeoutFactor < 2 {
		return errors.New("upstream.heartbeat_timeout_factor must be >= 2")
	}
	if c.Upstream.ReconnectBaseDelay > c.Upstream.ReconnectMaxDelay {
		return fmt.Errorf("upstream.reconnect_base_delay (%v) cannot exceed reconnect_max_delay (%v)",
			c.Upstream.ReconnectBaseDelay, c.Upstream.ReconnectMaxDelay)
	}

	if c.Sessions.QueueSize < 1 {
		return errors.New("sessions.queue_size must be >= 1")
	}
	if c.Sessions.OverflowPolicy != "drop" && c.Sessions.OverflowPolicy != "disconnect" {
		return fmt.Errorf("sessions.overflow_policy must be %q or %q, got %q", "drop", "disconnect", c.Sessions.OverflowPolicy)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Postgres.Enabled() {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}
	if c.Metrics.Port == c.Server.Port {
		return fmt.Errorf("metrics.port and server.port must differ, both are %d", c.Metrics.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
