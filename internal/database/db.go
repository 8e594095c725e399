// Package database provides the PostgreSQL order ledger.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	l := logger.With().Str("component", "Database").Logger()
	l.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")
	return &DB{Pool: pool, logger: l}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("count", len(migrations)).Msg("Database migrations completed")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		client_order_id VARCHAR(64) PRIMARY KEY,
		strategy_id VARCHAR(100) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		side VARCHAR(4) NOT NULL,
		qty BIGINT NOT NULL CHECK (qty > 0),
		order_type VARCHAR(10) NOT NULL,
		limit_price DECIMAL(20, 8),
		reference_price DECIMAL(20, 8),
		time_in_force VARCHAR(4) NOT NULL,
		status VARCHAR(20) NOT NULL,
		broker_order_id VARCHAR(64) UNIQUE,
		parent_order_id VARCHAR(64) REFERENCES orders(client_order_id),
		slice_num INT,
		total_slices INT,
		scheduled_at TIMESTAMPTZ,
		replaced_order_id VARCHAR(64),
		filled_qty BIGINT NOT NULL DEFAULT 0,
		filled_avg_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
		retry_count INT NOT NULL DEFAULT 0,
		error_message TEXT,
		last_updated_at TIMESTAMPTZ NOT NULL,
		is_terminal BOOLEAN NOT NULL DEFAULT FALSE,
		status_rank INT NOT NULL,
		source_priority INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		submitted_at TIMESTAMPTZ
	)`,
	`ALTER TABLE orders ADD COLUMN IF NOT EXISTS reference_price DECIMAL(20, 8)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_parent_slice ON orders(parent_order_id, slice_num) WHERE parent_order_id IS NOT NULL AND status <> 'replaced'`,
	`CREATE INDEX IF NOT EXISTS idx_orders_non_terminal ON orders(is_terminal) WHERE is_terminal = FALSE`,
	`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at)`,

	`CREATE TABLE IF NOT EXISTS positions (
		symbol VARCHAR(20) PRIMARY KEY,
		qty BIGINT NOT NULL DEFAULT 0,
		avg_entry_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
		current_price DECIMAL(20, 8),
		unrealized_pl DECIMAL(20, 8) NOT NULL DEFAULT 0,
		realized_pl DECIMAL(20, 8) NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL,
		last_trade_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS orphan_orders (
		broker_order_id VARCHAR(64) PRIMARY KEY,
		client_order_id VARCHAR(64),
		symbol VARCHAR(20) NOT NULL,
		quarantine_scope VARCHAR(130) NOT NULL,
		side VARCHAR(4) NOT NULL,
		qty BIGINT NOT NULL,
		status VARCHAR(30) NOT NULL,
		discovered_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orphan_orders_scope ON orphan_orders(quarantine_scope)`,

	`CREATE TABLE IF NOT EXISTS order_modifications (
		id BIGSERIAL PRIMARY KEY,
		original_client_order_id VARCHAR(64) NOT NULL REFERENCES orders(client_order_id),
		new_client_order_id VARCHAR(64) NOT NULL UNIQUE,
		modification_sequence INT NOT NULL,
		idempotency_key VARCHAR(128) NOT NULL,
		status VARCHAR(12) NOT NULL,
		change_set JSONB NOT NULL,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		UNIQUE (original_client_order_id, modification_sequence),
		UNIQUE (original_client_order_id, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_modifications_pending ON order_modifications(created_at) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS circuit_breaker_audit (
		id BIGSERIAL PRIMARY KEY,
		action VARCHAR(30) NOT NULL,
		from_state VARCHAR(20),
		to_state VARCHAR(20) NOT NULL,
		reason TEXT,
		actor VARCHAR(100) NOT NULL,
		at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_circuit_breaker_audit_at ON circuit_breaker_audit(at)`,
}
