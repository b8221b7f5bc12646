package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the service configuration read from the environment
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Log      LogConfig
	CORS     CORSConfig
	Metrics  MetricsConfig
	Archives ArchivesConfig
	Dispatch DispatchConfig
	Auth     AuthConfig
	Audit    AuditConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type CacheConfig struct {
	Enabled         bool
	Type            string
	TTL             time.Duration
	BuildTimeout    time.Duration
	WaitTimeout     time.Duration
	CleanupInterval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

type MetricsConfig struct {
	Enabled bool
}

// ArchivesConfig selects where archive definitions come from
type ArchivesConfig struct {
	Source string
	File   string
	Watch  bool
}

type DispatchConfig struct {
	MaxConcurrency int
	DefaultTimeout time.Duration
}

// AuthConfig controls how bearer tokens are turned into identities. Without
// a secret, tokens are parsed but not verified: an upstream gateway is
// expected to have validated them.
type AuthConfig struct {
	JWTSecret string
	Required  bool
}

type AuditConfig struct {
	Enabled bool
}

// Load reads .env when present, then the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	e := &env{}
	cfg := &Config{
		Server: ServerConfig{
			Host:            e.getString("SERVER_HOST", "0.0.0.0"),
			Port:            e.getInt("SERVER_PORT", 8080),
			ReadTimeout:     e.getDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    e.getDuration("SERVER_WRITE_TIMEOUT", 2*time.Minute),
			ShutdownTimeout: e.getDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Enabled:  e.getBool("DB_ENABLED", false),
			Host:     e.getString("DB_HOST", "localhost"),
			Port:     e.getInt("DB_PORT", 5432),
			User:     e.getString("DB_USER", "postgres"),
			Password: e.getString("DB_PASSWORD", ""),
			DBName:   e.getString("DB_NAME", "viewerhub"),
			SSLMode:  e.getString("DB_SSLMODE", "disable"),
			LogLevel: e.getString("DB_LOG_LEVEL", "warn"),
		},
		Redis: RedisConfig{
			Host:     e.getString("REDIS_HOST", "localhost"),
			Port:     e.getInt("REDIS_PORT", 6379),
			Password: e.getString("REDIS_PASSWORD", ""),
			DB:       e.getInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled:         e.getBool("CACHE_ENABLED", true),
			Type:            e.getString("CACHE_TYPE", "memory"),
			TTL:             e.getDuration("CACHE_TTL", 3*time.Minute),
			BuildTimeout:    e.getDuration("CACHE_BUILD_TIMEOUT", 2*time.Minute),
			WaitTimeout:     e.getDuration("CACHE_WAIT_TIMEOUT", 0),
			CleanupInterval: e.getDuration("CACHE_CLEANUP_INTERVAL", time.Minute),
		},
		Log: LogConfig{
			Level:  e.getString("LOG_LEVEL", "info"),
			Format: e.getString("LOG_FORMAT", "json"),
		},
		CORS: CORSConfig{
			AllowedOrigins: e.getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: e.getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
			AllowedHeaders: e.getList("CORS_ALLOWED_HEADERS", []string{"Accept", "Authorization", "Content-Type"}),
		},
		Metrics: MetricsConfig{
			Enabled: e.getBool("METRICS_ENABLED", true),
		},
		Archives: ArchivesConfig{
			Source: e.getString("ARCHIVES_SOURCE", "file"),
			File:   e.getString("ARCHIVES_FILE", "archives.toml"),
			Watch:  e.getBool("ARCHIVES_WATCH", true),
		},
		Dispatch: DispatchConfig{
			MaxConcurrency: e.getInt("DISPATCH_MAX_CONCURRENCY", 8),
			DefaultTimeout: e.getDuration("DISPATCH_DEFAULT_TIMEOUT", 30*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret: e.getString("AUTH_JWT_SECRET", ""),
			Required:  e.getBool("AUTH_REQUIRED", false),
		},
		Audit: AuditConfig{
			Enabled: e.getBool("AUDIT_ENABLED", true),
		},
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot check on its own
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}

	switch c.Cache.Type {
	case "memory":
	case "redis":
		if c.Cache.Enabled && c.Redis.Host == "" {
			errs = append(errs, errors.New("redis host is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid cache type: %q", c.Cache.Type))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache TTL must be positive"))
	}
	if c.Cache.BuildTimeout <= 0 {
		errs = append(errs, errors.New("cache build timeout must be positive"))
	}

	switch c.Archives.Source {
	case "file":
		if c.Archives.File == "" {
			errs = append(errs, errors.New("archives file is required when ARCHIVES_SOURCE=file"))
		}
	case "database":
		if !c.Database.Enabled {
			errs = append(errs, errors.New("ARCHIVES_SOURCE=database requires DB_ENABLED=true"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid archives source: %q", c.Archives.Source))
	}

	if c.Dispatch.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("dispatch max concurrency must be positive"))
	}
	if c.Dispatch.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("dispatch default timeout must be positive"))
	}

	if c.Audit.Enabled && !c.Database.Enabled {
		// audit rows need the database; silently turned off
		c.Audit.Enabled = false
	}

	return errors.Join(errs...)
}

// env reads typed variables and collects parse errors
type env struct {
	errs []error
}

func (e *env) getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func (e *env) getInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func (e *env) getBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return b
}

func (e *env) getDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return d
}

func (e *env) getList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
