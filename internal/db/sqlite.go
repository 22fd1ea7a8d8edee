package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens the embedded database file, creating parent directories as needed.
// A single connection is used; sqlite serialises writers anyway.
func OpenSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	return sqlDB, nil
}

// NewSQLite opens the embedded database and binds it to the fx lifecycle
func NewSQLite(lc fx.Lifecycle, logger *zap.Logger, path string) (*sql.DB, error) {
	logger.Info("opening sqlite database", zap.String("path", path))

	sqlDB, err := OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := sqlDB.PingContext(ctx); err != nil {
				return fmt.Errorf("[DATABASE CONNECTION FAILED] cannot open sqlite at %s: %w", path, err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("sqlite database closed")
			return sqlDB.Close()
		},
	})

	return sqlDB, nil
}
