// Package config loads the engine configuration from config.json and
// environment overrides, and serves hot-reloadable settings snapshots.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"futures-signal-bot/internal/circuit"
	"futures-signal-bot/internal/database"
	"futures-signal-bot/internal/entry"
	"futures-signal-bot/internal/filter"
	"futures-signal-bot/internal/logging"
	"futures-signal-bot/internal/monitor"
	"futures-signal-bot/internal/regime"
	"futures-signal-bot/internal/signal"
)

// Config is the full engine configuration. The top-level sections are
// fixed at startup; Settings is the hot-reloadable part.
type Config struct {
	Binance  BinanceConfig        `json:"binance"`
	Trading  TradingConfig        `json:"trading"`
	Server   ServerConfig         `json:"server"`
	Database database.Config      `json:"database"`
	Redis    database.RedisConfig `json:"redis"`
	Logging  logging.Config       `json:"logging"`
	Settings Settings             `json:"settings"`
}

// BinanceConfig holds the exchange connection.
type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	TestNet   bool   `json:"testnet"`
}

// TradingConfig holds the scan universe and run mode.
type TradingConfig struct {
	// Symbols is the scan universe.
	Symbols []string `json:"symbols"`
	// DryRun routes orders through the simulated gateway.
	DryRun bool `json:"dry_run"`
	// StartingBalance seeds the margin pool in dry-run mode.
	StartingBalance float64 `json:"starting_balance"`
	// ScanInterval spaces full symbol scans.
	ScanInterval time.Duration `json:"scan_interval"`
	// RegimeRefreshInterval spaces regime recomputations.
	RegimeRefreshInterval time.Duration `json:"regime_refresh_interval"`
	// MaxOpenPlans bounds concurrently worked entry plans.
	MaxOpenPlans int `json:"max_open_plans"`
}

// ServerConfig holds the HTTP API listener.
type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	AllowedOrigins string `json:"allowed_origins"`
}

// Settings is the hot-reloadable snapshot consulted by the engine loops.
// A reload swaps the whole snapshot atomically; no evaluation ever sees
// a half-updated configuration.
type Settings struct {
	Weights  signal.WeightTable `json:"weights"`
	Filter   filter.Config      `json:"filter"`
	Entry    entry.Config       `json:"entry"`
	Monitor  monitor.Config     `json:"monitor"`
	Breaker  circuit.Config     `json:"circuit_breaker"`
	Regime   regime.Config      `json:"regime"`
	Denylist []filter.DenyEntry `json:"denylist"`
}

// DefaultSettings returns the standard snapshot.
func DefaultSettings() Settings {
	return Settings{
		Weights: signal.DefaultWeights(),
		Filter:  filter.DefaultConfig(),
		Entry:   entry.DefaultConfig(),
		Monitor: monitor.DefaultConfig(),
		Breaker: circuit.DefaultConfig(),
		Regime:  regime.DefaultConfig(),
	}
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Trading: TradingConfig{
			Symbols:               []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT"},
			DryRun:                true,
			StartingBalance:       10000,
			ScanInterval:          time.Minute,
			RegimeRefreshInterval: 15 * time.Minute,
			MaxOpenPlans:          5,
		},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: "*",
		},
		Database: database.Config{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "futures_signal_bot",
			SSLMode:  "disable",
		},
		Redis: database.RedisConfig{
			Addr: "localhost:6379",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Settings: DefaultSettings(),
	}
}

// Manager owns the live configuration and serves atomic snapshots.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
	reloads atomic.Int64
}

// Load reads the config file, applies environment overrides and returns
// a manager. A missing file falls back to defaults.
func Load(path string) (*Manager, error) {
	m := &Manager{path: path}
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the live snapshot. Callers must not mutate it.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Settings returns the hot-reloadable section of the live snapshot.
func (m *Manager) Settings() Settings {
	return m.current.Load().Settings
}

// Reload re-reads the file and swaps the snapshot. In-flight evaluations
// keep the snapshot they started with.
func (m *Manager) Reload() error {
	cfg, err := m.read()
	if err != nil {
		return err
	}
	m.current.Store(cfg)
	m.reloads.Add(1)
	return nil
}

// Reloads reports how many reloads have been applied.
func (m *Manager) Reloads() int64 {
	return m.reloads.Load()
}

func (m *Manager) read() (*Config, error) {
	cfg := Default()
	if data, err := os.ReadFile(m.path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", m.path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", m.path, err)
	}
	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Binance.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.Binance.APIKey)
	cfg.Binance.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.Binance.SecretKey)
	cfg.Binance.TestNet = getEnvOrDefault("BINANCE_TESTNET", boolString(cfg.Binance.TestNet)) == "true"

	cfg.Trading.DryRun = getEnvOrDefault("TRADING_DRY_RUN", boolString(cfg.Trading.DryRun)) == "true"
	if v := os.Getenv("TRADING_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Trading.ScanInterval = d
		}
	}

	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	cfg.Server.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)

	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = p
		}
	}
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.Database.SSLMode)

	cfg.Redis.Addr = getEnvOrDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnvOrDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)
}

func validate(cfg *Config) error {
	if len(cfg.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must not be empty")
	}
	var sum float64
	for _, r := range cfg.Settings.Entry.BatchRatios {
		sum += r
	}
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("entry.batch_ratios must sum to 1.0, got %.3f", sum)
	}
	if !cfg.Trading.DryRun && (cfg.Binance.APIKey == "" || cfg.Binance.SecretKey == "") {
		return fmt.Errorf("live trading requires BINANCE_API_KEY and BINANCE_SECRET_KEY")
	}
	return nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
