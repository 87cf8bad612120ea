package config

import "time"

// ClientConfig is the root configuration for a syncline client instance.
type ClientConfig struct {
	Instance     InstanceConfig     `yaml:"instance"`
	API          APIConfig          `yaml:"api"`
	Auth         AuthConfig         `yaml:"auth"`
	Queue        QueueConfig        `yaml:"queue"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Store        StoreConfig        `yaml:"store"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Status       StatusConfig       `yaml:"status"`
}

// InstanceConfig identifies this client (used as a log attribute and device hint).
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds backend endpoints.
type APIConfig struct {
	RestURL     string        `yaml:"rest_url"`
	WSURL       string        `yaml:"ws_url"`
	Timeout     time.Duration `yaml:"timeout"`
	RefreshPath string        `yaml:"refresh_path"` // POST endpoint for credential renewal
	HealthPath  string        `yaml:"health_path"`  // GET endpoint probed for connectivity
}

// AuthConfig seeds the credential manager when nothing is persisted yet.
type AuthConfig struct {
	AccessToken  string        `yaml:"access_token"`
	RefreshToken string        `yaml:"refresh_token"`
	RefreshSkew  time.Duration `yaml:"refresh_skew"` // Renew this long before the token expires
}

// QueueConfig holds offline request queue settings.
type QueueConfig struct {
	Capacity   int    `yaml:"capacity"`
	MaxRetries int    `yaml:"max_retries"`
	StorageKey string `yaml:"storage_key"`
}

// RealtimeConfig holds realtime connection settings.
type RealtimeConfig struct {
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
}

// ConnectivityConfig holds health probe settings.
type ConnectivityConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// StoreConfig selects and configures the durable store.
type StoreConfig struct {
	Driver   string   `yaml:"driver"` // "memory", "file" or "postgres"
	Path     string   `yaml:"path"`   // file driver only
	Table    string   `yaml:"table"`  // postgres driver only
	Postgres DBConfig `yaml:"postgres"`
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

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Path string `yaml:"path"`
}

// StatusConfig holds the local status API settings. An empty ListenAddr
// disables the server.
type StatusConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}
