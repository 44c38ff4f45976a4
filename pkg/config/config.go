package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		MaxLineBytes    int           `yaml:"max_line_bytes"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Transport struct {
		ConnectAttempts int           `yaml:"connect_attempts"`
		ConnectPause    time.Duration `yaml:"connect_pause"`
		DialTimeout     time.Duration `yaml:"dial_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		MaxFrameBytes   int           `yaml:"max_frame_bytes"`
	} `yaml:"transport"`

	Notify struct {
		Attempts int           `yaml:"attempts"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"notify"`

	Ops struct {
		Enabled           bool   `yaml:"enabled"`
		Address           string `yaml:"address"`
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		EventsEnabled     bool   `yaml:"events_enabled"`
	} `yaml:"ops"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Store struct {
		Backend string `yaml:"backend"` // memory | redis | postgres

		Redis struct {
			Address  string `yaml:"address"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size"`
		} `yaml:"redis"`

		Postgres struct {
			DSN          string `yaml:"dsn"`
			MaxOpenConns int    `yaml:"max_open_conns"`
		} `yaml:"postgres"`
	} `yaml:"store"`

	Auth struct {
		JWTSecret  string        `yaml:"jwt_secret"`
		TokenTTL   time.Duration `yaml:"token_ttl"`
		BcryptCost int           `yaml:"bcrypt_cost"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Peer struct {
		ServerAddress  string        `yaml:"server_address"`
		ListenAddress  string        `yaml:"listen_address"`
		Username       string        `yaml:"username"`
		Password       string        `yaml:"password"`
		Visitor        bool          `yaml:"visitor"`
		Invisible      bool          `yaml:"invisible"`
		DataDir        string        `yaml:"data_dir"` // empty keeps history in memory
		OwnerFastPath  bool          `yaml:"owner_fast_path"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"peer"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.IdleTimeout <= 0 {
		return fmt.Errorf("server.idle_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.MaxLineBytes <= 0 {
		return fmt.Errorf("server.max_line_bytes must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Transport
	if c.Transport.ConnectAttempts <= 0 {
		return fmt.Errorf("transport.connect_attempts must be > 0")
	}
	if c.Transport.ConnectPause < 0 {
		return fmt.Errorf("transport.connect_pause must be >= 0")
	}
	if c.Transport.DialTimeout <= 0 {
		return fmt.Errorf("transport.dial_timeout must be > 0")
	}
	if c.Transport.PingInterval <= 0 {
		return fmt.Errorf("transport.ping_interval must be > 0")
	}
	if c.Transport.ReadTimeout <= c.Transport.PingInterval {
		return fmt.Errorf("transport.read_timeout must be > transport.ping_interval")
	}
	if c.Transport.WriteTimeout <= 0 {
		return fmt.Errorf("transport.write_timeout must be > 0")
	}
	if c.Transport.MaxFrameBytes <= 0 {
		return fmt.Errorf("transport.max_frame_bytes must be > 0")
	}

	// Notify
	if c.Notify.Attempts <= 0 {
		return fmt.Errorf("notify.attempts must be > 0")
	}
	if c.Notify.Timeout <= 0 {
		return fmt.Errorf("notify.timeout must be > 0")
	}

	// Ops
	if c.Ops.Enabled && c.Ops.Address == "" {
		return fmt.Errorf("ops.address must not be empty when ops.enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Store
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Address == "" {
			return fmt.Errorf("store.redis.address must not be empty when store.backend=redis")
		}
		if c.Store.Redis.PoolSize <= 0 {
			return fmt.Errorf("store.redis.pool_size must be > 0 when store.backend=redis")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must not be empty when store.backend=postgres")
		}
	default:
		return fmt.Errorf("store.backend must be one of memory, redis, postgres (got %q)", c.Store.Backend)
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost must be between 4 and 31")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Peer
	if c.Peer.ServerAddress == "" {
		return fmt.Errorf("peer.server_address must not be empty")
	}
	if c.Peer.ListenAddress == "" {
		return fmt.Errorf("peer.listen_address must not be empty")
	}
	if c.Peer.RequestTimeout <= 0 {
		return fmt.Errorf("peer.request_timeout must be > 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":5000"
	cfg.Server.IdleTimeout = 60 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.MaxLineBytes = 1 << 20
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Transport.ConnectAttempts = 3
	cfg.Transport.ConnectPause = time.Second
	cfg.Transport.DialTimeout = 5 * time.Second
	cfg.Transport.PingInterval = 10 * time.Second
	cfg.Transport.ReadTimeout = 20 * time.Second
	cfg.Transport.WriteTimeout = 5 * time.Second
	cfg.Transport.MaxFrameBytes = 8 << 20

	cfg.Notify.Attempts = 3
	cfg.Notify.Timeout = 2 * time.Second

	cfg.Ops.Enabled = true
	cfg.Ops.Address = ":5080"
	cfg.Ops.PrometheusEnabled = true
	cfg.Ops.EventsEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Store.Backend = "memory"
	cfg.Store.Redis.Address = "localhost:6379"
	cfg.Store.Redis.PoolSize = 10
	cfg.Store.Postgres.MaxOpenConns = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.Auth.BcryptCost = 10

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 50
	cfg.RateLimiting.Burst = 100

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "segchat"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Peer.ServerAddress = "127.0.0.1:5000"
	cfg.Peer.ListenAddress = ":6000"
	cfg.Peer.OwnerFastPath = false
	cfg.Peer.RequestTimeout = 10 * time.Second

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("SEGCHAT_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("SEGCHAT_OPS_ADDRESS"); addr != "" {
		c.Ops.Address = addr
	}
	if level := os.Getenv("SEGCHAT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("SEGCHAT_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if backend := os.Getenv("SEGCHAT_STORE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if addr := os.Getenv("SEGCHAT_REDIS_ADDRESS"); addr != "" {
		c.Store.Redis.Address = addr
	}
	if dsn := os.Getenv("SEGCHAT_POSTGRES_DSN"); dsn != "" {
		c.Store.Postgres.DSN = dsn
	}
	if addr := os.Getenv("SEGCHAT_PEER_SERVER"); addr != "" {
		c.Peer.ServerAddress = addr
	}
	if addr := os.Getenv("SEGCHAT_PEER_LISTEN"); addr != "" {
		c.Peer.ListenAddress = addr
	}
	if name := os.Getenv("SEGCHAT_PEER_USERNAME"); name != "" {
		c.Peer.Username = name
	}
	if password := os.Getenv("SEGCHAT_PEER_PASSWORD"); password != "" {
		c.Peer.Password = password
	}
	if v := os.Getenv("SEGCHAT_PEER_VISITOR"); v != "" {
		if visitor, err := strconv.ParseBool(v); err == nil {
			c.Peer.Visitor = visitor
		}
	}
}
