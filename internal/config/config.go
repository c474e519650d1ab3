// Package config loads the daemon configuration from a yaml file with
// BONUSLEDGER_* environment overrides layered on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "config/bonusledger.yaml"

// StoreConfig selects and tunes the ledger backend.
type StoreConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
	// Connection pool settings (postgres only).
	MaxOpenConns    int `yaml:"max_open_conns"`
	MaxIdleConns    int `yaml:"max_idle_conns"`
	ConnMaxLifetime int `yaml:"conn_max_lifetime_minutes"`
	ConnMaxIdleTime int `yaml:"conn_max_idle_minutes"`
}

// BonusConfig carries the monetary knobs of the ledger engines.
type BonusConfig struct {
	ExpirationMonths    int     `yaml:"expiration_months"`
	ReferralRate        float64 `yaml:"referral_rate"`
	ReferralPurchaseCap int     `yaml:"referral_purchase_cap"`
	MaxSpendPercent     int     `yaml:"max_spend_percent"`
	RejectUnbacked      bool    `yaml:"reject_unbacked"`
}

// RedisConfig enables the distributed idempotency cache. An empty Addr
// keeps the in-memory cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTLHours int    `yaml:"ttl_hours"`
}

// Config is the full daemon configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogFile    string `yaml:"log_file"`
	LogLevel   string `yaml:"log_level"`
	// AdminToken guards the /api/v1/admin endpoints. Empty disables the
	// check (local development).
	AdminToken string `yaml:"admin_token"`

	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`

	Store StoreConfig `yaml:"store"`
	Bonus BonusConfig `yaml:"bonus"`
	Redis RedisConfig `yaml:"redis"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:           ":8080",
		LogLevel:             "info",
		SweepIntervalMinutes: 60,
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "data/bonusledger.db",
		},
		Bonus: BonusConfig{
			ExpirationMonths:    6,
			ReferralRate:        0.20,
			ReferralPurchaseCap: 5,
			MaxSpendPercent:     30,
		},
		Redis: RedisConfig{TTLHours: 24},
	}
}

// Load reads the config file at path (or the default location when path is
// empty), then applies environment overrides. A missing file is not an
// error: defaults plus environment are enough to run.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = defaultConfigFile
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// fall through to defaults
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "BONUSLEDGER_LISTEN_ADDR")
	setString(&cfg.LogFile, "BONUSLEDGER_LOG_FILE")
	setString(&cfg.LogLevel, "BONUSLEDGER_LOG_LEVEL")
	setString(&cfg.AdminToken, "BONUSLEDGER_ADMIN_TOKEN")
	setInt(&cfg.SweepIntervalMinutes, "BONUSLEDGER_SWEEP_INTERVAL_MINUTES")

	setString(&cfg.Store.Driver, "BONUSLEDGER_STORE_DRIVER")
	setString(&cfg.Store.Path, "BONUSLEDGER_STORE_PATH")
	setString(&cfg.Store.DSN, "BONUSLEDGER_STORE_DSN")

	setInt(&cfg.Bonus.ExpirationMonths, "BONUSLEDGER_EXPIRATION_MONTHS")
	setFloat(&cfg.Bonus.ReferralRate, "BONUSLEDGER_REFERRAL_RATE")
	setInt(&cfg.Bonus.ReferralPurchaseCap, "BONUSLEDGER_REFERRAL_PURCHASE_CAP")
	setInt(&cfg.Bonus.MaxSpendPercent, "BONUSLEDGER_MAX_SPEND_PERCENT")
	setBool(&cfg.Bonus.RejectUnbacked, "BONUSLEDGER_REJECT_UNBACKED")

	setString(&cfg.Redis.Addr, "BONUSLEDGER_REDIS_ADDR")
	setString(&cfg.Redis.Password, "BONUSLEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BONUSLEDGER_REDIS_DB")
}

func (c Config) validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("config: sqlite store requires a path")
		}
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return errors.New("config: postgres store requires a dsn")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Bonus.ExpirationMonths <= 0 {
		return errors.New("config: expiration_months must be positive")
	}
	if c.Bonus.ReferralRate < 0 || c.Bonus.ReferralRate > 1 {
		return errors.New("config: referral_rate must be within [0, 1]")
	}
	if c.Bonus.ReferralPurchaseCap <= 0 {
		return errors.New("config: referral_purchase_cap must be positive")
	}
	return nil
}

// SweepInterval returns the sweep cadence as a duration.
func (c Config) SweepInterval() time.Duration {
	if c.SweepIntervalMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setFloat(dst *float64, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = parsed
		}
	}
}

func setBool(dst *bool, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}
