// Package config loads service configuration.
//
// Sources, lowest precedence first: built-in defaults, a TOML file, a
// .env file in the working directory, then LEDGER_* environment
// variables. Command-line flags are applied on top by cmd/server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/warp/credit-ledger/generic"
	"github.com/warp/credit-ledger/referral"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Engine   EngineConfig   `toml:"engine"`
	Sweep    SweepConfig    `toml:"sweep"`
	Log      LogConfig      `toml:"log"`
	Referral ReferralConfig `toml:"referral"`
}

type ServerConfig struct {
	Addr            string        `toml:"addr"`
	AllowOrigins    []string      `toml:"allow_origins"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	Metrics         bool          `toml:"metrics"`
}

type DatabaseConfig struct {
	Driver       string `toml:"driver"` // sqlite, postgres or memory
	Path         string `toml:"path"`
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

type EngineConfig struct {
	MaxRetries         int           `toml:"max_retries"`
	RetryBackoff       time.Duration `toml:"retry_backoff"`
	ExpiringWindowDays int           `toml:"expiring_window_days"`
}

type SweepConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or text
}

type ReferralTier struct {
	Percentage      string `toml:"percentage"`
	MinOrderAmount  string `toml:"min_order_amount"`
	MaxCreditAmount string `toml:"max_credit_amount"`
	ExpiryDays      int    `toml:"expiry_days"`
}

type ReferralConfig struct {
	ReferralTier
	Tiers map[string]ReferralTier `toml:"tiers"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowOrigins:    []string{"*"},
			ShutdownTimeout: 30 * time.Second,
			Metrics:         true,
		},
		Database: DatabaseConfig{
			Driver:       DriverSQLite,
			Path:         "ledger.db",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Engine: EngineConfig{
			MaxRetries:         generic.DefaultMaxRetries,
			RetryBackoff:       generic.DefaultRetryBackoff,
			ExpiringWindowDays: 30,
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Schedule: "@hourly",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Referral: ReferralConfig{
			ReferralTier: ReferralTier{Percentage: referral.DefaultPercentage.String()},
		},
	}
}

// Load builds the configuration. An empty path skips the TOML file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Addr, "LEDGER_SERVER_ADDR")
	if v := os.Getenv("LEDGER_ALLOW_ORIGINS"); v != "" {
		c.Server.AllowOrigins = strings.Split(v, ",")
	}
	setString(&c.Database.Driver, "LEDGER_DB_DRIVER")
	setString(&c.Database.Path, "LEDGER_DB_PATH")
	setString(&c.Database.DSN, "LEDGER_DB_DSN")
	setString(&c.Sweep.Schedule, "LEDGER_SWEEP_SCHEDULE")
	setString(&c.Log.Level, "LEDGER_LOG_LEVEL")
	setString(&c.Log.Format, "LEDGER_LOG_FORMAT")

	if err := setInt(&c.Engine.MaxRetries, "LEDGER_ENGINE_MAX_RETRIES"); err != nil {
		return err
	}
	if err := setBool(&c.Sweep.Enabled, "LEDGER_SWEEP_ENABLED"); err != nil {
		return err
	}
	return setBool(&c.Server.Metrics, "LEDGER_METRICS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

// Validate checks values that would otherwise fail late at startup.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Engine.MaxRetries < 0 || c.Engine.MaxRetries > 10 {
		return fmt.Errorf("engine.max_retries must be between 0 and 10, got %d", c.Engine.MaxRetries)
	}
	if c.Sweep.Enabled {
		if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
			return fmt.Errorf("sweep.schedule: %w", err)
		}
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if _, err := c.ReferralSettings(); err != nil {
		return fmt.Errorf("referral: %w", err)
	}
	return nil
}

// ExpiringWindow is how far ahead balances report soon-to-expire credit.
func (c Config) ExpiringWindow() time.Duration {
	return time.Duration(c.Engine.ExpiringWindowDays) * 24 * time.Hour
}

// ReferralSettings converts the [referral] section.
func (c Config) ReferralSettings() (referral.Settings, error) {
	global, err := c.Referral.ReferralTier.settings()
	if err != nil {
		return referral.Settings{}, err
	}
	s := referral.Settings{Global: global}
	if len(c.Referral.Tiers) > 0 {
		s.Tiers = make(map[string]referral.TierSettings, len(c.Referral.Tiers))
		for name, t := range c.Referral.Tiers {
			ts, err := t.settings()
			if err != nil {
				return referral.Settings{}, fmt.Errorf("tier %s: %w", name, err)
			}
			s.Tiers[name] = ts
		}
	}
	return s, s.Validate()
}

func (t ReferralTier) settings() (referral.TierSettings, error) {
	ts := referral.TierSettings{
		Percentage:     referral.DefaultPercentage,
		MinOrderAmount: generic.Zero,
		ExpiryDays:     t.ExpiryDays,
	}
	if t.Percentage != "" {
		pct, err := decimal.NewFromString(t.Percentage)
		if err != nil {
			return ts, fmt.Errorf("percentage %q: %w", t.Percentage, err)
		}
		ts.Percentage = pct
	}
	if t.MinOrderAmount != "" {
		a, err := generic.ParseAmount(t.MinOrderAmount)
		if err != nil {
			return ts, err
		}
		ts.MinOrderAmount = a
	}
	if t.MaxCreditAmount != "" {
		a, err := generic.ParseAmount(t.MaxCreditAmount)
		if err != nil {
			return ts, err
		}
		ts.MaxCreditAmount = &a
	}
	return ts, nil
}
