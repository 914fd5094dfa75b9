// Package sqldb implements locks.Driver on top of database/sql.
//
// The same adapter serves every database/sql driver; the locks.Dialect
// decides which statements are issued. PostgreSQL (github.com/lib/pq) and
// MySQL (github.com/go-sql-driver/mysql) are registered by Open.
package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ebogdum/advlock/locks"
	"github.com/ebogdum/advlock/metrics"
)

// Driver creates lock backends that pin connections of one *sql.DB.
type Driver struct {
	db      *sql.DB
	dialect locks.Dialect
	logger  *zap.Logger
}

var _ locks.Driver = (*Driver)(nil)

// NewDriver wraps an existing pool. The caller keeps ownership of db.
func NewDriver(db *sql.DB, dialect locks.Dialect, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		db:      db,
		dialect: dialect,
		logger:  logger,
	}
}

// Name implements locks.Driver.
func (d *Driver) Name() string {
	return d.dialect.Name()
}

// DB returns the underlying pool.
func (d *Driver) DB() *sql.DB {
	return d.db
}

// Close closes the underlying pool.
func (d *Driver) Close() error {
	return d.db.Close()
}

// NewBackend implements locks.Driver.
func (d *Driver) NewBackend(mode locks.Mode) (locks.Backend, error) {
	queries, err := d.dialect.Queries(mode)
	if err != nil {
		return nil, err
	}
	return &backend{
		db:      d.db,
		name:    d.dialect.Name(),
		mode:    mode,
		queries: queries,
		logger:  d.logger,
	}, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type backend struct {
	db      *sql.DB
	name    string
	mode    locks.Mode
	queries locks.Queries
	logger  *zap.Logger

	conn *sql.Conn
	tx   *sql.Tx
	// broken is set once a query on conn fails: the server side lock state
	// is unknown and the connection must not go back to the pool.
	broken bool
}

func (b *backend) AcquireResources(ctx context.Context) error {
	if b.conn != nil {
		return nil
	}

	conn, err := b.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	metrics.CheckedOutConnections.WithLabelValues(b.name).Inc()

	if b.mode == locks.ModeTransaction {
		// database/sql rolls a transaction back when its context ends, and
		// the lock must outlive the caller's acquire context.
		tx, err := conn.BeginTx(context.WithoutCancel(ctx), nil)
		if err != nil {
			if closeErr := b.closeConn(conn, true); closeErr != nil {
				b.logger.Warn("Failed to close connection after begin failure", zap.Error(closeErr))
			}
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		b.tx = tx
	}

	b.conn = conn
	return nil
}

func (b *backend) ReleaseResources(ctx context.Context) error {
	if b.conn == nil {
		return nil
	}
	conn, tx, broken := b.conn, b.tx, b.broken
	b.conn, b.tx, b.broken = nil, nil, false

	var errs []error
	if tx != nil {
		// Rollback ends the transaction and with it every transaction level
		// lock; nothing else was written in it.
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, fmt.Errorf("failed to end transaction: %w", err))
			broken = true
		}
	}
	if err := b.closeConn(conn, broken); err != nil {
		errs = append(errs, fmt.Errorf("failed to return connection: %w", err))
	}
	return errors.Join(errs...)
}

func (b *backend) RunAcquireQuery(ctx context.Context, key locks.Key) (bool, error) {
	return b.query(ctx, b.queries.Acquire, key)
}

func (b *backend) RunReleaseQuery(ctx context.Context, key locks.Key) (bool, error) {
	return b.query(ctx, b.queries.Release, key)
}

func (b *backend) query(ctx context.Context, stmt string, key locks.Key) (bool, error) {
	if b.conn == nil {
		return false, errors.New("sqldb: query without a connection")
	}

	var q queryer = b.conn
	if b.tx != nil {
		q = b.tx
	}

	granted, err := scanResult(q.QueryContext(ctx, stmt, locks.Bind(stmt, key)...))
	if err != nil {
		b.broken = true
		return false, err
	}
	return granted, nil
}

// scanResult reads the first column of the first row. An empty result set
// counts as granted, see locks.Granted.
func scanResult(rows *sql.Rows, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return false, err
		}
		return true, nil
	}

	var v any
	if err := rows.Scan(&v); err != nil {
		return false, err
	}
	if err := rows.Close(); err != nil {
		return false, err
	}
	return locks.Granted(v), nil
}

// closeConn hands conn back to the pool, or destroys it when discard is set.
func (b *backend) closeConn(conn *sql.Conn, discard bool) error {
	defer metrics.CheckedOutConnections.WithLabelValues(b.name).Dec()

	if !discard {
		return conn.Close()
	}

	// Returning driver.ErrBadConn from Raw makes database/sql close the
	// physical connection instead of pooling it.
	_ = conn.Raw(func(any) error {
		return driver.ErrBadConn
	})
	metrics.DiscardedConnectionsTotal.WithLabelValues(b.name).Inc()
	b.logger.Warn("Discarded connection with unknown lock state")

	if err := conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
