package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/thesis-rbk/Wassalha-sub003/config"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS processes (
	id VARCHAR(64) PRIMARY KEY,
	kind VARCHAR(20) NOT NULL,
	order_id VARCHAR(64) UNIQUE,
	sponsorship_id VARCHAR(64) UNIQUE,
	status VARCHAR(20) NOT NULL,
	buyer_id VARCHAR(64) NOT NULL,
	buyer_name VARCHAR(255) NOT NULL,
	counterparty_id VARCHAR(64) NOT NULL,
	counterparty_name VARCHAR(255) NOT NULL,
	verification_image TEXT,
	review_unlocked BOOLEAN NOT NULL DEFAULT FALSE,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK ((order_id IS NULL) <> (sponsorship_id IS NULL))
);

CREATE INDEX IF NOT EXISTS idx_processes_status_updated ON processes (status, updated_at);

CREATE TABLE IF NOT EXISTS process_events (
	id VARCHAR(64) PRIMARY KEY,
	process_id VARCHAR(64) NOT NULL REFERENCES processes (id),
	seq BIGINT NOT NULL,
	from_status VARCHAR(20),
	to_status VARCHAR(20) NOT NULL,
	changed_by_user_id VARCHAR(64) NOT NULL,
	changed_by_name VARCHAR(255) NOT NULL,
	note TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (process_id, seq)
);

CREATE TABLE IF NOT EXISTS payments (
	id VARCHAR(64) PRIMARY KEY,
	process_id VARCHAR(64) NOT NULL UNIQUE REFERENCES processes (id),
	order_id VARCHAR(64) NOT NULL,
	amount DECIMAL(10, 2) NOT NULL,
	currency VARCHAR(3) NOT NULL DEFAULT 'usd',
	status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
	transaction_id VARCHAR(255) UNIQUE,
	failure_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

func InitDB(cfg config.Database, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Database connection established", zap.String("host", cfg.Host), zap.String("database", cfg.Name))
	return db, nil
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}
