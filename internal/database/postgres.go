package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/ruralpay/walletledger/internal/config"
	"github.com/sirupsen/logrus"
)

// Open connects to Postgres through lib/pq and configures the pool. A
// non-zero LockTimeout is sent as a session parameter so row-lock waits
// surface as 55P03 instead of blocking indefinitely.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logrus.Logger) (*sqlx.DB, error) {
	dsn := cfg.DSN()
	if cfg.LockTimeout > 0 {
		dsn += fmt.Sprintf(" lock_timeout=%d", cfg.LockTimeout.Milliseconds())
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	log.WithFields(logrus.Fields{
		"host": cfg.Host,
		"name": cfg.Name,
	}).Info("database connection established")
	return db, nil
}

// MustOpen is Open for process startup.
func MustOpen(ctx context.Context, cfg config.DatabaseConfig, log *logrus.Logger) *sqlx.DB {
	db, err := Open(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	return db
}
