package config

import (
	"context"
	"time"
)

// Config is the complete runtime configuration for the flowgate service.
// Values come from built-in defaults overridden by environment variables.
type Config struct {
	Server     ServerConfig     `koanf:"server"     validate:"required"`
	Database   DatabaseConfig   `koanf:"database"   validate:"required"`
	Redis      RedisConfig      `koanf:"redis"      validate:"required"`
	Cache      CacheConfig      `koanf:"cache"      validate:"required"`
	Router     RouterConfig     `koanf:"router"     validate:"required"`
	Poller     PollerConfig     `koanf:"poller"     validate:"required"`
	Routes     RoutesConfig     `koanf:"routes"     validate:"required"`
	Runtime    RuntimeConfig    `koanf:"runtime"    validate:"required"`
	Monitoring MonitoringConfig `koanf:"monitoring"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"             validate:"required"        env:"SERVER_HOST"`
	Port            int           `koanf:"port"             validate:"min=1,max=65535" env:"SERVER_PORT"`
	Timeout         time.Duration `koanf:"timeout"                                     env:"SERVER_TIMEOUT"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"                            env:"SERVER_SHUTDOWN_TIMEOUT"`
	CORSEnabled     bool          `koanf:"cors_enabled"                                env:"SERVER_CORS_ENABLED"`
	CORS            CORSConfig    `koanf:"cors"`
}

// CORSConfig contains CORS configuration.
type CORSConfig struct {
	AllowedOrigins   []string `koanf:"allowed_origins"   env:"SERVER_CORS_ALLOWED_ORIGINS"`
	AllowCredentials bool     `koanf:"allow_credentials" env:"SERVER_CORS_ALLOW_CREDENTIALS"`
	MaxAge           int      `koanf:"max_age"           env:"SERVER_CORS_MAX_AGE"`
}

// DatabaseConfig contains the submission store connection configuration.
type DatabaseConfig struct {
	ConnString string          `koanf:"conn_string" env:"DB_CONN_STRING"`
	Host       string          `koanf:"host"        env:"DB_HOST"`
	Port       string          `koanf:"port"        env:"DB_PORT"`
	User       string          `koanf:"user"        env:"DB_USER"`
	Password   SensitiveString `koanf:"password"    env:"DB_PASSWORD"    sensitive:"true"`
	DBName     string          `koanf:"name"        env:"DB_NAME"`
	SSLMode    string          `koanf:"ssl_mode"    env:"DB_SSL_MODE"`
}

// RedisConfig contains the response cache connection configuration.
type RedisConfig struct {
	URL         string          `koanf:"url"          env:"REDIS_URL"`
	Host        string          `koanf:"host"         env:"REDIS_HOST"`
	Port        string          `koanf:"port"         env:"REDIS_PORT"`
	Password    SensitiveString `koanf:"password"     env:"REDIS_PASSWORD" sensitive:"true"`
	DB          int             `koanf:"db"           env:"REDIS_DB"`
	PoolSize    int             `koanf:"pool_size"    env:"REDIS_POOL_SIZE"`
	PingTimeout time.Duration   `koanf:"ping_timeout" env:"REDIS_PING_TIMEOUT"`
}

// CacheConfig tunes submission caching behavior.
type CacheConfig struct {
	KeyPrefix      string        `koanf:"key_prefix"       env:"CACHE_KEY_PREFIX"`
	TerminalTTL    time.Duration `koanf:"terminal_ttl"     env:"CACHE_TERMINAL_TTL"`
	NonTerminalTTL time.Duration `koanf:"non_terminal_ttl" env:"CACHE_NON_TERMINAL_TTL"`
	LocalSize      int           `koanf:"local_size"       env:"CACHE_LOCAL_SIZE"       validate:"min=0"`
}

// RouterConfig tunes the submission routing core.
type RouterConfig struct {
	RefreshLeaseTTL time.Duration `koanf:"refresh_lease_ttl" env:"ROUTER_REFRESH_LEASE_TTL"`
	DriverTimeout   time.Duration `koanf:"driver_timeout"    env:"ROUTER_DRIVER_TIMEOUT"`
	StoreTimeout    time.Duration `koanf:"store_timeout"     env:"ROUTER_STORE_TIMEOUT"`
	CacheTimeout    time.Duration `koanf:"cache_timeout"     env:"ROUTER_CACHE_TIMEOUT"`
	MaxParamBytes   int           `koanf:"max_param_bytes"   env:"ROUTER_MAX_PARAM_BYTES"  validate:"min=1"`
	ConflictRetries int           `koanf:"conflict_retries"  env:"ROUTER_CONFLICT_RETRIES" validate:"min=1"`
}

// PollerConfig tunes the background status poller.
type PollerConfig struct {
	Enabled     bool   `koanf:"enabled"     env:"POLLER_ENABLED"`
	Schedule    string `koanf:"schedule"    env:"POLLER_SCHEDULE"    validate:"required"`
	Concurrency int    `koanf:"concurrency" env:"POLLER_CONCURRENCY" validate:"min=1"`
	BatchLimit  int    `koanf:"batch_limit" env:"POLLER_BATCH_LIMIT" validate:"min=1"`
}

// RoutesConfig locates the route configuration source.
type RoutesConfig struct {
	Path  string `koanf:"path"  env:"ROUTES_PATH" validate:"required"`
	Watch bool   `koanf:"watch" env:"ROUTES_WATCH"`
}

// RuntimeConfig contains runtime behavior configuration.
type RuntimeConfig struct {
	Environment string `koanf:"environment" validate:"oneof=development staging production" env:"RUNTIME_ENVIRONMENT"`
	LogLevel    string `koanf:"log_level"   validate:"oneof=debug info warn error disabled"  env:"RUNTIME_LOG_LEVEL"`
	LogJSON     bool   `koanf:"log_json"    env:"RUNTIME_LOG_JSON"`
}

// MonitoringConfig controls the metrics endpoint.
type MonitoringConfig struct {
	Enabled bool   `koanf:"enabled" env:"MONITORING_ENABLED"`
	Path    string `koanf:"path"    env:"MONITORING_PATH"`
}

// Service loads and validates configuration.
type Service interface {
	Load(ctx context.Context) (*Config, error)
	Validate(config *Config) error
}

// Load loads configuration using a fresh default service.
func Load(ctx context.Context) (*Config, error) {
	return NewService().Load(ctx)
}

// Default returns the built-in development configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5480,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSEnabled:     false,
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
				MaxAge:         300,
			},
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     "5432",
			User:     "postgres",
			Password: "postgres",
			DBName:   "flowgate",
			SSLMode:  "disable",
		},
		Redis: RedisConfig{
			Host:        "localhost",
			Port:        "6379",
			DB:          0,
			PoolSize:    10,
			PingTimeout: 5 * time.Second,
		},
		Cache: CacheConfig{
			TerminalTTL:    24 * time.Hour,
			NonTerminalTTL: time.Hour,
			LocalSize:      1024,
		},
		Router: RouterConfig{
			RefreshLeaseTTL: 30 * time.Second,
			DriverTimeout:   2 * time.Second,
			StoreTimeout:    time.Second,
			CacheTimeout:    500 * time.Millisecond,
			MaxParamBytes:   64 * 1024,
			ConflictRetries: 3,
		},
		Poller: PollerConfig{
			Enabled:     true,
			Schedule:    "@every 30s",
			Concurrency: 16,
			BatchLimit:  256,
		},
		Routes: RoutesConfig{
			Path:  "routes.yaml",
			Watch: false,
		},
		Runtime: RuntimeConfig{
			Environment: "development",
			LogLevel:    "info",
		},
		Monitoring: MonitoringConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
