// Package config loads the server configuration: defaults, then an optional
// YAML file named by CONFIG_FILE, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store and session backends.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	BackendMemory  = "memory"
	BackendRedis   = "redis"
)

// Config is the complete server configuration.
type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	ServerName     string        `yaml:"server_name"`
	WorkerPoolSize int           `yaml:"worker_pool_size"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`

	StoreDriver string `yaml:"store_driver"`
	DatabaseURL string `yaml:"database_url"`

	SessionBackend string        `yaml:"session_backend"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	RedisAddr      string        `yaml:"redis_addr"`
	NATSURL        string        `yaml:"nats_url"`

	ProtectedAdmin         string `yaml:"protected_admin"`
	BootstrapAdminPassword string `yaml:"bootstrap_admin_password"`
	WarningThreshold       int    `yaml:"warning_threshold"`
	BcryptCost             int    `yaml:"bcrypt_cost"`

	ContentFilter bool     `yaml:"content_filter"`
	RateLimit     bool     `yaml:"rate_limit"`
	CORSOrigins   []string `yaml:"cors_origins"`
	SecureCookies bool     `yaml:"secure_cookies"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	name, _ := os.Hostname()
	if name == "" {
		name = "dm-1"
	}
	return Config{
		ListenAddr:       ":8080",
		ServerName:       name,
		WorkerPoolSize:   256,
		MaxConnections:   100000,
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		StoreDriver:      DriverMemory,
		SessionBackend:   BackendMemory,
		SessionTTL:       24 * time.Hour,
		RedisAddr:        "localhost:6379",
		ProtectedAdmin:   "AHDX",
		WarningThreshold: 3,
		BcryptCost:       10,
		CORSOrigins:      []string{"*"},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE (if set) and the environment, then validates it.
func Load() (Config, error) {
	c := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := c.LoadFile(path); err != nil {
			return c, err
		}
	}
	c.ApplyEnv(os.LookupEnv)
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto c. Malformed numbers,
// durations and booleans are logged and ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	posInt := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Printf("[config] ignoring %s=%q: not a positive integer", key, v)
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Printf("[config] ignoring %s=%q: %v", key, v, err)
			return
		}
		*dst = d
	}
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			log.Printf("[config] ignoring %s=%q: %v", key, v, err)
			return
		}
		*dst = b
	}

	str("LISTEN_ADDR", &c.ListenAddr)
	str("SERVER_NAME", &c.ServerName)
	posInt("WORKER_POOL_SIZE", &c.WorkerPoolSize)
	posInt("MAX_CONNECTIONS", &c.MaxConnections)
	dur("READ_TIMEOUT", &c.ReadTimeout)
	dur("WRITE_TIMEOUT", &c.WriteTimeout)

	str("STORE_DRIVER", &c.StoreDriver)
	str("DATABASE_URL", &c.DatabaseURL)
	str("SESSION_BACKEND", &c.SessionBackend)
	dur("SESSION_TTL", &c.SessionTTL)
	str("REDIS_ADDR", &c.RedisAddr)
	str("NATS_URL", &c.NATSURL)

	str("PROTECTED_ADMIN", &c.ProtectedAdmin)
	str("BOOTSTRAP_ADMIN_PASSWORD", &c.BootstrapAdminPassword)
	posInt("WARNING_THRESHOLD", &c.WarningThreshold)
	posInt("BCRYPT_COST", &c.BcryptCost)

	boolean("CONTENT_FILTER", &c.ContentFilter)
	boolean("RATE_LIMIT", &c.RateLimit)
	boolean("SECURE_COOKIES", &c.SecureCookies)
	if v, ok := lookup("CORS_ORIGINS"); ok && v != "" {
		c.CORSOrigins = splitList(v)
	}
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("store_driver postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store_driver %q", c.StoreDriver))
	}

	switch c.SessionBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("session_backend redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session_backend %q", c.SessionBackend))
	}

	if c.RateLimit && c.RedisAddr == "" {
		errs = append(errs, errors.New("rate_limit requires REDIS_ADDR"))
	}
	if c.WarningThreshold < 1 {
		errs = append(errs, errors.New("warning_threshold must be at least 1"))
	}
	if c.ProtectedAdmin == "" {
		errs = append(errs, errors.New("protected_admin must be set"))
	}
	if c.WorkerPoolSize < 1 || c.MaxConnections < 1 {
		errs = append(errs, errors.New("worker_pool_size and max_connections must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// LogSummary logs the effective configuration without secrets.
func (c Config) LogSummary() {
	log.Printf("  listen_addr:       %s", c.ListenAddr)
	log.Printf("  server_name:       %s", c.ServerName)
	log.Printf("  worker_pool:       %d", c.WorkerPoolSize)
	log.Printf("  max_connections:   %d", c.MaxConnections)
	log.Printf("  read_timeout:      %s", c.ReadTimeout)
	log.Printf("  write_timeout:     %s", c.WriteTimeout)
	log.Printf("  store_driver:      %s", c.StoreDriver)
	log.Printf("  session_backend:   %s (ttl %s)", c.SessionBackend, c.SessionTTL)
	log.Printf("  redis_addr:        %s", c.RedisAddr)
	log.Printf("  nats_url:          %s", orNone(c.NATSURL))
	log.Printf("  protected_admin:   %s", c.ProtectedAdmin)
	log.Printf("  warning_threshold: %d", c.WarningThreshold)
	log.Printf("  content_filter:    %t", c.ContentFilter)
	log.Printf("  rate_limit:        %t", c.RateLimit)
	log.Printf("  cors_origins:      %s", strings.Join(c.CORSOrigins, ","))
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func orNone(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
