// Package store is the Postgres persistence layer for projects,
// contributors and revenue events. It holds no distribution logic: it
// hands the service layer the inputs it needs (tier config, claimed
// members, pending revenue) and records the outcome.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for goose
	"github.com/pressly/goose/v3"

	"github.com/gitstream/gitstream/pkg/apperr"
	"github.com/gitstream/gitstream/utils/pkg/retry"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type Config struct {
	Logger *slog.Logger
	DSN    string

	// MaxConns bounds the pool; zero means the pgx default.
	MaxConns int32
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DSN == "" {
		return errors.New("postgres DSN is required")
	}
	return nil
}

// Store wraps a pgx pool with the queries the API needs.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

// Connect builds the pool and verifies connectivity, retrying transient
// failures so the service survives a database that is still starting.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	cfg.Logger.Info("store: connected to postgres")
	return &Store{log: cfg.Logger, pool: pool}, nil
}

// NewWithPool wraps an existing pool, used by tests that manage their
// own container lifecycle.
func NewWithPool(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// parseID rejects malformed ids before they hit the driver, so a bad
// path parameter reads as not-found instead of a query error.
func parseID(kind, id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", apperr.Newf(apperr.KindNotFound, "%s %s not found", kind, id)
	}
	return parsed.String(), nil
}

// Migrate applies the embedded goose migrations. Goose drives
// database/sql, so this opens its own short-lived connection.
func Migrate(ctx context.Context, log *slog.Logger, dsn string) error {
	goose.SetBaseFS(embedMigrations)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("store: migrations applied")
	return nil
}
