package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks that all required fields are set and values are valid.
func (c *ClientConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.API.RestURL == "" {
		return errors.New("api.rest_url is required")
	}
	if u, err := url.Parse(c.API.RestURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.rest_url must be an absolute URL, got %q", c.API.RestURL)
	}
	if c.API.WSURL == "" {
		return errors.New("api.ws_url is required")
	}
	if u, err := url.Parse(c.API.WSURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("api.ws_url must use ws or wss, got %q", c.API.WSURL)
	}

	if c.Queue.Capacity < 1 {
		return errors.New("queue.capacity must be >= 1")
	}
	if c.Queue.MaxRetries < 1 {
		return errors.New("queue.max_retries must be >= 1")
	}

	if c.Realtime.ReconnectBaseDelay <= 0 {
		return errors.New("realtime.reconnect_base_delay must be > 0")
	}
	if c.Realtime.MaxReconnectAttempts < 1 || c.Realtime.MaxReconnectAttempts > MaxReconnectAttemptsLimit {
		return fmt.Errorf("realtime.max_reconnect_attempts must be between 1 and %d", MaxReconnectAttemptsLimit)
	}
	if c.Realtime.PingTimeout < c.Realtime.PingInterval {
		return fmt.Errorf("realtime.ping_timeout (%s) cannot be shorter than ping_interval (%s)",
			c.Realtime.PingTimeout, c.Realtime.PingInterval)
	}

	if c.Connectivity.ProbeInterval <= 0 {
		return errors.New("connectivity.probe_interval must be > 0")
	}

	switch c.Store.Driver {
	case "memory":
	case "file":
		if c.Store.Path == "" {
			return errors.New("store.path is required for the file driver")
		}
	case "postgres":
		if !tableNamePattern.MatchString(c.Store.Table) {
			return fmt.Errorf("store.table %q is not a valid identifier", c.Store.Table)
		}
		if err := c.Store.Postgres.validate("store.postgres"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("store.driver must be one of memory, file, postgres, got %q", c.Store.Driver)
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
