package sqldb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ebogdum/advlock/config"
	"github.com/ebogdum/advlock/locks"
)

// DialectFor returns the lock dialect and database/sql driver name for a
// configured driver.
func DialectFor(driver string) (locks.Dialect, string, error) {
	switch driver {
	case "postgres":
		return locks.PostgresDialect, "postgres", nil
	case "mysql":
		return locks.MySQLDialect, "mysql", nil
	default:
		return locks.Dialect{}, "", fmt.Errorf("sqldb: unsupported driver %q", driver)
	}
}

// Open opens and verifies a connection pool for cfg and wraps it in a Driver.
// Every held lock pins one connection, so MaxOpenConns bounds the number of
// locks this process can hold at once.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Driver, error) {
	dialect, driverName, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Opened lock database",
		zap.String("driver", driverName),
		zap.Int("max_open_conns", cfg.MaxOpenConns))

	return NewDriver(db, dialect, logger), nil
}
