// Package config loads server configuration from defaults, an optional TOML
// file named by NAMEREG_CONFIG, and NAMEREG_* environment variables, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	listutil "namereg/pkg/platform/strings"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"

	SinkLog   = "log"
	SinkKafka = "kafka"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `toml:"addr"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	JWTSigningKey   string        `toml:"jwt_signing_key"`
	JWTIssuer       string        `toml:"jwt_issuer"`
	JWTAudience     string        `toml:"jwt_audience"`
}

type StoreConfig struct {
	Backend     string `toml:"backend"`
	PostgresDSN string `toml:"postgres_dsn"`
}

// RedisConfig holds the connection settings for the Redis token backend.
type RedisConfig struct {
	URL          string        `toml:"url"`
	PoolSize     int           `toml:"pool_size"`
	MinIdleConns int           `toml:"min_idle_conns"`
	DialTimeout  time.Duration `toml:"dial_timeout"`
	ReadTimeout  time.Duration `toml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout"`
}

type TokenConfig struct {
	Backend       string      `toml:"backend"`
	EscrowAccount string      `toml:"escrow_account"`
	Redis         RedisConfig `toml:"redis"`
	// Balances seeds the memory token at startup. Every seeded account also
	// approves the escrow for its full balance.
	Balances map[string]uint64 `toml:"balances"`
}

type EventsConfig struct {
	Sink          string   `toml:"sink"`
	Brokers       []string `toml:"brokers"`
	Topic         string   `toml:"topic"`
	ConsumerGroup string   `toml:"consumer_group"`
	// Index runs a consumer that feeds the in-process read index.
	Index bool `toml:"index"`
}

type RegistryConfig struct {
	DefaultCost uint64        `toml:"default_cost"`
	PayoutMode  string        `toml:"payout_mode"`
	TxTimeout   time.Duration `toml:"tx_timeout"`
	Admins      []string      `toml:"admins"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Config struct {
	Server   Server         `toml:"server"`
	Store    StoreConfig    `toml:"store"`
	Token    TokenConfig    `toml:"token"`
	Events   EventsConfig   `toml:"events"`
	Registry RegistryConfig `toml:"registry"`
	Log      LogConfig      `toml:"log"`
}

// Default returns a configuration that runs entirely in memory.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			JWTSigningKey:   "dev-secret-key-change-in-production",
			JWTIssuer:       "namereg",
			JWTAudience:     "namereg-api",
		},
		Store: StoreConfig{Backend: BackendMemory},
		Token: TokenConfig{
			Backend:       BackendMemory,
			EscrowAccount: "escrow",
			Redis: RedisConfig{
				PoolSize:     10,
				MinIdleConns: 2,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
		},
		Events: EventsConfig{
			Sink:          SinkLog,
			Topic:         "namereg.events",
			ConsumerGroup: "namereg-indexer",
		},
		Registry: RegistryConfig{
			DefaultCost: 10,
			PayoutMode:  "deferred",
			TxTimeout:   5 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration and validates it.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("NAMEREG_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.overlayEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("load config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() error {
	setString(&c.Server.Addr, "NAMEREG_ADDR")
	setString(&c.Server.JWTSigningKey, "NAMEREG_JWT_SIGNING_KEY")
	setString(&c.Server.JWTIssuer, "NAMEREG_JWT_ISSUER")
	setString(&c.Server.JWTAudience, "NAMEREG_JWT_AUDIENCE")
	setString(&c.Store.Backend, "NAMEREG_STORE")
	setString(&c.Store.PostgresDSN, "NAMEREG_POSTGRES_DSN")
	setString(&c.Token.Backend, "NAMEREG_TOKEN")
	setString(&c.Token.EscrowAccount, "NAMEREG_ESCROW_ACCOUNT")
	setString(&c.Token.Redis.URL, "NAMEREG_REDIS_URL")
	setString(&c.Events.Sink, "NAMEREG_EVENTS")
	setString(&c.Events.Topic, "NAMEREG_KAFKA_TOPIC")
	setString(&c.Events.ConsumerGroup, "NAMEREG_KAFKA_GROUP")
	setString(&c.Registry.PayoutMode, "NAMEREG_PAYOUT_MODE")
	setString(&c.Log.Level, "NAMEREG_LOG_LEVEL")
	setString(&c.Log.Format, "NAMEREG_LOG_FORMAT")

	if v := os.Getenv("NAMEREG_KAFKA_BROKERS"); v != "" {
		c.Events.Brokers = listutil.SplitList(v)
	}
	if v := os.Getenv("NAMEREG_ADMINS"); v != "" {
		c.Registry.Admins = listutil.SplitList(v)
	}

	var errs []error
	if v := os.Getenv("NAMEREG_EVENTS_INDEX"); v != "" {
		b, err := strconv.ParseBool(v)
		errs = append(errs, wrapEnv("NAMEREG_EVENTS_INDEX", err))
		c.Events.Index = b
	}
	if v := os.Getenv("NAMEREG_DEFAULT_COST"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		errs = append(errs, wrapEnv("NAMEREG_DEFAULT_COST", err))
		c.Registry.DefaultCost = n
	}
	if v := os.Getenv("NAMEREG_TX_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		errs = append(errs, wrapEnv("NAMEREG_TX_TIMEOUT", err))
		c.Registry.TxTimeout = d
	}
	if v := os.Getenv("NAMEREG_SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		errs = append(errs, wrapEnv("NAMEREG_SHUTDOWN_TIMEOUT", err))
		c.Server.ShutdownTimeout = d
	}
	return errors.Join(errs...)
}

// Validate checks backend names and the settings each backend needs.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("NAMEREG_POSTGRES_DSN is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	switch c.Token.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Token.Redis.URL == "" {
			errs = append(errs, errors.New("NAMEREG_REDIS_URL is required for the redis token"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown token backend %q", c.Token.Backend))
	}
	switch c.Events.Sink {
	case SinkLog:
	case SinkKafka:
		if len(c.Events.Brokers) == 0 {
			errs = append(errs, errors.New("NAMEREG_KAFKA_BROKERS is required for the kafka sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown event sink %q", c.Events.Sink))
	}
	if strings.TrimSpace(c.Token.EscrowAccount) == "" {
		errs = append(errs, errors.New("escrow account is required"))
	}
	if c.Registry.DefaultCost == 0 {
		errs = append(errs, errors.New("default cost must be positive"))
	}
	if c.Registry.TxTimeout <= 0 {
		errs = append(errs, errors.New("tx timeout must be positive"))
	}
	if len(c.Server.JWTSigningKey) < 16 {
		errs = append(errs, errors.New("jwt signing key must be at least 16 bytes"))
	}
	c.Registry.Admins = listutil.DedupeAndTrim(c.Registry.Admins)
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func wrapEnv(key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", key, err)
}
