package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"livesync/internal/logger"
)

// Push channel defaults.
const (
	DefaultQueueSize      = 64
	DefaultBackoffInitial = 500 * time.Millisecond
	DefaultBackoffMax     = 30 * time.Second
	DefaultBackoffFactor  = 2.0
	DefaultDegradedAfter  = 6
	DefaultRequestTimeout = 15 * time.Second
)

type Client struct {
	APIURL         string        `yaml:"apiUrl"`
	WSURL          string        `yaml:"wsUrl"`
	UserID         string        `yaml:"userId"`
	Token          string        `yaml:"token"`
	QueueSize      int           `yaml:"queueSize"`
	BackoffInitial time.Duration `yaml:"backoffInitial"`
	BackoffMax     time.Duration `yaml:"backoffMax"`
	BackoffFactor  float64       `yaml:"backoffFactor"`
	DegradedAfter  int           `yaml:"degradedAfter"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

type Relay struct {
	Addr          string `yaml:"addr"`
	JWTSecret     string `yaml:"jwtSecret"`
	PostgresDSN   string `yaml:"postgresDsn"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	// FanoutPrefix namespaces the Redis channels used to share identity
	// topics between relay processes.
	FanoutPrefix string `yaml:"fanoutPrefix"`
}

type Logging struct {
	Env       string `yaml:"env"`     // dev|stage|prod
	Service   string `yaml:"service"` // relay|livesync
	Version   string `yaml:"version"`
	Backend   string `yaml:"backend"` // std|zap
	AddSource bool   `yaml:"addSource"`
	Debug     bool   `yaml:"debug"`
}

type Config struct {
	Client  Client  `yaml:"client"`
	Relay   Relay   `yaml:"relay"`
	Logging Logging `yaml:"logging"`
}

// Load reads .env (if any), the YAML file named by LIVESYNC_CONFIG (if any)
// and LIVESYNC_* environment overrides, then fills defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if path := os.Getenv("LIVESYNC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	str := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str(&c.Client.APIURL, "LIVESYNC_API_URL")
	str(&c.Client.WSURL, "LIVESYNC_WS_URL")
	str(&c.Client.UserID, "LIVESYNC_USER_ID")
	str(&c.Client.Token, "LIVESYNC_TOKEN")
	str(&c.Relay.Addr, "LIVESYNC_RELAY_ADDR")
	str(&c.Relay.JWTSecret, "LIVESYNC_JWT_SECRET")
	str(&c.Relay.PostgresDSN, "LIVESYNC_POSTGRES_DSN")
	str(&c.Relay.RedisAddr, "LIVESYNC_REDIS_ADDR")
	str(&c.Relay.RedisPassword, "LIVESYNC_REDIS_PASSWORD")
	str(&c.Logging.Env, "APP_ENV")

	if v, err := strconv.Atoi(os.Getenv("LIVESYNC_QUEUE_SIZE")); err == nil {
		c.Client.QueueSize = v
	}
	c.Client.BackoffMax = parseDurationOr(c.Client.BackoffMax, os.Getenv("LIVESYNC_BACKOFF_MAX"))
}

func (c *Config) validate() error {
	if c.Client.QueueSize < 0 {
		return errors.New("client.queueSize must not be negative")
	}
	if c.Client.BackoffFactor != 0 && c.Client.BackoffFactor < 1 {
		return errors.New("client.backoffFactor must be >= 1")
	}

	if c.Client.QueueSize == 0 {
		c.Client.QueueSize = DefaultQueueSize
	}
	if c.Client.BackoffInitial <= 0 {
		c.Client.BackoffInitial = DefaultBackoffInitial
	}
	if c.Client.BackoffMax <= 0 {
		c.Client.BackoffMax = DefaultBackoffMax
	}
	if c.Client.BackoffMax < c.Client.BackoffInitial {
		return errors.New("client.backoffMax must be >= client.backoffInitial")
	}
	if c.Client.BackoffFactor == 0 {
		c.Client.BackoffFactor = DefaultBackoffFactor
	}
	if c.Client.DegradedAfter <= 0 {
		c.Client.DegradedAfter = DefaultDegradedAfter
	}
	if c.Client.RequestTimeout <= 0 {
		c.Client.RequestTimeout = DefaultRequestTimeout
	}
	if c.Client.APIURL == "" {
		c.Client.APIURL = "http://localhost:8080"
	}
	if c.Client.WSURL == "" {
		c.Client.WSURL = "ws://localhost:8080/ws"
	}

	if c.Relay.Addr == "" {
		c.Relay.Addr = ":8080"
	}
	if c.Relay.FanoutPrefix == "" {
		c.Relay.FanoutPrefix = "livesync:"
	}

	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	return nil
}

func parseDurationOr(def time.Duration, s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}

// LoggerConfig maps the logging section onto logger.Config for service,
// unless the file names one.
func (l Logging) LoggerConfig(service string) logger.Config {
	if l.Service != "" {
		service = l.Service
	}
	return logger.Config{
		Service:   service,
		Version:   l.Version,
		Env:       logger.Env(l.Env),
		Backend:   logger.Backend(l.Backend),
		Debug:     l.Debug,
		AddSource: l.AddSource,
	}
}
