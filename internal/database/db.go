// Package database persists positions and the closed-trade log in
// PostgreSQL and publishes live read models through Redis.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Config holds the PostgreSQL connection settings.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// DB wraps the connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects and pings the database.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log := logger.With().Str("component", "Database").Logger()
	log.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")
	return &DB{Pool: pool, logger: log}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations creates the schema when missing.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id UUID PRIMARY KEY,
			plan_id UUID,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			margin DECIMAL(20, 8) NOT NULL,
			leverage INT NOT NULL,
			batch_index INT NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL,
			status VARCHAR(16) NOT NULL,
			stop_loss_price DECIMAL(20, 8),
			take_profit_price DECIMAL(20, 8),
			entry_score DECIMAL(10, 4),
			entry_components TEXT[],
			close_price DECIMAL(20, 8),
			realized_pnl DECIMAL(20, 8),
			pnl_percent DECIMAL(10, 4),
			close_reason VARCHAR(32),
			closed_at TIMESTAMPTZ,
			gateway_ref VARCHAR(64),
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE TABLE IF NOT EXISTS closed_trades (
			id SERIAL PRIMARY KEY,
			position_id UUID NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			close_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			realized_pnl DECIMAL(20, 8) NOT NULL,
			pnl_percent DECIMAL(10, 4) NOT NULL,
			close_reason VARCHAR(32) NOT NULL,
			closed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_trades_closed_at ON closed_trades(closed_at)`,
	}

	for i, stmt := range migrations {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	db.logger.Info().Int("statements", len(migrations)).Msg("migrations applied")
	return nil
}
