package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/joseph-ayodele/extraction-bench/internal/common"
)

// Open builds the ResultStore selected by cfg.Driver.
func Open(ctx context.Context, cfg common.StoreConfig, logger *slog.Logger) (ResultStore, error) {
	switch cfg.Driver {
	case "", "file":
		return OpenFileStore(cfg.Dir, logger)
	case "sqlite":
		return OpenSQLite(ctx, cfg.DSN, logger)
	case "postgres":
		return OpenPostgres(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", common.ErrInvalidInput, cfg.Driver)
	}
}

// OpenSQLite opens an embedded database file (or ":memory:").
func OpenSQLite(ctx context.Context, dsn string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path := sqlitePath(dsn); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	logger.Info("opening sqlite store", "dsn", dsn)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		logger.Error("failed to open sqlite store", "error", err)
		return nil, err
	}
	// One connection keeps writes serialized and ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping sqlite: %v", common.ErrDatabase, err)
	}
	return NewSQLStore(ctx, entsql.OpenDB(dialect.SQLite, db), logger)
}

// OpenPostgres creates a pgx pool and wraps it for the ent SQL driver.
func OpenPostgres(ctx context.Context, cfg common.StoreConfig, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connecting to database", "driver", "postgres")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("failed to parse database url", "error", err)
		return nil, err
	}

	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.ConnConfig.RuntimeParams["application_name"] = "extraction-bench"

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", common.ErrDatabase, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	store, err := NewSQLStore(ctx, entsql.OpenDB(dialect.Postgres, db), logger, pool.Close)
	if err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("successfully connected to database")
	return store, nil
}

// HealthCheck pings SQL-backed stores; file stores are always healthy.
func HealthCheck(ctx context.Context, store ResultStore, timeout time.Duration, logger *slog.Logger) error {
	s, ok := store.(*SQLStore)
	if !ok {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	logger.Debug("pinging database")
	if err := s.Ping(ctx); err != nil {
		logger.Error("database ping failed", "error", err)
		return err
	}
	return nil
}

func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}
