// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Game     GameConfig     `mapstructure:"game"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// StorageConfig selects the persistence backend. Seed accounts are
// created at startup when missing, which makes the memory driver playable.
type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	Seed   []SeedConfig `mapstructure:"seed"`
}

// SeedConfig describes one account to create at startup.
type SeedConfig struct {
	ID      int64  `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	Balance int64  `mapstructure:"balance"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// AuthConfig holds token verification settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// TelegramConfig holds the push notification bot token.
// An empty token disables notifications.
type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

// RedisConfig holds round outcome publication settings.
// An empty address disables publication.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// LedgerConfig bounds retries of balance mutations.
type LedgerConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
}

// GameConfig holds round timing and the stake tiers.
type GameConfig struct {
	ReservationSeconds int           `mapstructure:"reservation_seconds"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	CallInterval       time.Duration `mapstructure:"call_interval"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	PayoutAttempts     int           `mapstructure:"payout_attempts"`
	Tiers              []TierConfig  `mapstructure:"tiers"`
}

// TierConfig describes one stake room. Stake is in minor units.
type TierConfig struct {
	ID    int64 `mapstructure:"id"`
	Stake int64 `mapstructure:"stake"`
}

// ReservationWindow returns the reservation phase duration.
func (g *GameConfig) ReservationWindow() time.Duration {
	return time.Duration(g.ReservationSeconds) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// e.g. AUTH_JWT_SECRET, DATABASE_HOST, GAME_CALL_INTERVAL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	v.SetDefault("storage.driver", StoragePostgres)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "bingo")
	v.SetDefault("database.name", "bingo")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("auth.issuer", "telegram-bingo")

	v.SetDefault("redis.channel", "bingo:rounds")

	v.SetDefault("ledger.max_attempts", 3)
	v.SetDefault("ledger.retry_backoff", "200ms")
	v.SetDefault("ledger.lock_timeout", "5s")

	v.SetDefault("game.reservation_seconds", 60)
	v.SetDefault("game.tick_interval", "1s")
	v.SetDefault("game.call_interval", "4s")
	v.SetDefault("game.cooldown", "5s")
	v.SetDefault("game.payout_attempts", 3)
	v.SetDefault("game.tiers", []map[string]any{
		{"id": 10, "stake": 1000},
		{"id": 20, "stake": 2000},
		{"id": 50, "stake": 5000},
	})
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Storage.Driver != StoragePostgres && c.Storage.Driver != StorageMemory {
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	for _, u := range c.Storage.Seed {
		if u.ID <= 0 || u.Balance < 0 {
			return fmt.Errorf("seed user %d: id must be positive and balance non-negative", u.ID)
		}
	}
	if len(c.Game.Tiers) == 0 {
		return errors.New("at least one game tier is required")
	}
	seen := make(map[int64]bool, len(c.Game.Tiers))
	for _, t := range c.Game.Tiers {
		if t.Stake <= 0 {
			return fmt.Errorf("tier %d: stake must be positive", t.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tier %d", t.ID)
		}
		seen[t.ID] = true
	}
	if c.Game.ReservationSeconds <= 0 || c.Game.TickInterval <= 0 || c.Game.CallInterval <= 0 {
		return errors.New("game timings must be positive")
	}
	if c.Ledger.MaxAttempts < 1 {
		c.Ledger.MaxAttempts = 1
	}
	if c.Game.PayoutAttempts < 1 {
		c.Game.PayoutAttempts = 1
	}
	return nil
}

// Tier returns the configured tier with the given id.
func (c *Config) Tier(id int64) (TierConfig, bool) {
	for _, t := range c.Game.Tiers {
		if t.ID == id {
			return t, true
		}
	}
	return TierConfig{}, false
}
