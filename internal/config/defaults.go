package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAPITimeout           = 30 * time.Second
	DefaultRefreshPath          = "/auth/refresh"
	DefaultHealthPath           = "/health"
	DefaultRefreshSkew          = 30 * time.Second
	DefaultQueueCapacity        = 50
	DefaultQueueMaxRetries      = 3
	DefaultQueueStorageKey      = "syncline:offline_queue"
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultPingInterval         = 30 * time.Second
	DefaultPingTimeout          = 60 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultProbeInterval        = 10 * time.Second
	DefaultProbeTimeout         = 3 * time.Second
	DefaultStoreDriver          = "memory"
	DefaultStorePath            = "syncline-state.json"
	DefaultStoreTable           = "syncline_kv"
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 4
	DefaultMinConns             = 1
	DefaultMetricsPath          = "/metrics"
)

// MaxReconnectAttemptsLimit bounds realtime.max_reconnect_attempts.
const MaxReconnectAttemptsLimit = 20

// ApplyDefaults fills zero-valued optional fields.
func (c *ClientConfig) ApplyDefaults() {
	// API defaults
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.RefreshPath == "" {
		c.API.RefreshPath = DefaultRefreshPath
	}
	if c.API.HealthPath == "" {
		c.API.HealthPath = DefaultHealthPath
	}

	if c.Auth.RefreshSkew == 0 {
		c.Auth.RefreshSkew = DefaultRefreshSkew
	}

	// Queue defaults
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = DefaultQueueCapacity
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = DefaultQueueMaxRetries
	}
	if c.Queue.StorageKey == "" {
		c.Queue.StorageKey = DefaultQueueStorageKey
	}

	// Realtime defaults
	if c.Realtime.ReconnectBaseDelay == 0 {
		c.Realtime.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Realtime.MaxReconnectAttempts == 0 {
		c.Realtime.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Realtime.PingInterval == 0 {
		c.Realtime.PingInterval = DefaultPingInterval
	}
	if c.Realtime.PingTimeout == 0 {
		c.Realtime.PingTimeout = DefaultPingTimeout
	}
	if c.Realtime.WriteTimeout == 0 {
		c.Realtime.WriteTimeout = DefaultWriteTimeout
	}

	// Connectivity defaults
	if c.Connectivity.ProbeInterval == 0 {
		c.Connectivity.ProbeInterval = DefaultProbeInterval
	}
	if c.Connectivity.ProbeTimeout == 0 {
		c.Connectivity.ProbeTimeout = DefaultProbeTimeout
	}

	// Store defaults
	if c.Store.Driver == "" {
		c.Store.Driver = DefaultStoreDriver
	}
	if c.Store.Driver == "file" && c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}
	if c.Store.Driver == "postgres" {
		if c.Store.Table == "" {
			c.Store.Table = DefaultStoreTable
		}
		applyDBDefaults(&c.Store.Postgres)
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
