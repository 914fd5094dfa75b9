// Package pgxlock implements locks.Driver on top of a jackc/pgx/v5 pool.
package pgxlock

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ebogdum/advlock/locks"
	"github.com/ebogdum/advlock/metrics"
)

const driverName = "pgx"

// Driver creates lock backends that pin connections of one pgxpool.Pool.
type Driver struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ locks.Driver = (*Driver)(nil)

// NewDriver wraps an existing pool. The caller keeps ownership of pool.
func NewDriver(pool *pgxpool.Pool, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{pool: pool, logger: logger}
}

// Name implements locks.Driver.
func (d *Driver) Name() string {
	return driverName
}

// Pool returns the underlying pool.
func (d *Driver) Pool() *pgxpool.Pool {
	return d.pool
}

// Close closes the underlying pool.
func (d *Driver) Close() error {
	d.pool.Close()
	return nil
}

// NewBackend implements locks.Driver.
func (d *Driver) NewBackend(mode locks.Mode) (locks.Backend, error) {
	queries, err := locks.PostgresDialect.Queries(mode)
	if err != nil {
		return nil, err
	}
	return &backend{
		pool:    d.pool,
		mode:    mode,
		queries: queries,
		logger:  d.logger,
	}, nil
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type backend struct {
	pool    *pgxpool.Pool
	mode    locks.Mode
	queries locks.Queries
	logger  *zap.Logger

	conn   *pgxpool.Conn
	tx     pgx.Tx
	broken bool
}

func (b *backend) AcquireResources(ctx context.Context) error {
	if b.conn != nil {
		return nil
	}

	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	metrics.CheckedOutConnections.WithLabelValues(driverName).Inc()

	if b.mode == locks.ModeTransaction {
		tx, err := conn.Begin(ctx)
		if err != nil {
			b.closeConn(context.WithoutCancel(ctx), conn, true)
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

	var err error
	if tx != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			err = fmt.Errorf("failed to end transaction: %w", rbErr)
			broken = true
		}
	}
	b.closeConn(ctx, conn, broken)
	return err
}

func (b *backend) RunAcquireQuery(ctx context.Context, key locks.Key) (bool, error) {
	return b.query(ctx, b.queries.Acquire, key)
}

func (b *backend) RunReleaseQuery(ctx context.Context, key locks.Key) (bool, error) {
	return b.query(ctx, b.queries.Release, key)
}

func (b *backend) query(ctx context.Context, stmt string, key locks.Key) (bool, error) {
	if b.conn == nil {
		return false, errors.New("pgxlock: query without a connection")
	}

	var q queryer = b.conn
	if b.tx != nil {
		q = b.tx
	}

	granted, err := scanResult(q.Query(ctx, stmt, locks.Bind(stmt, key)...))
	if err != nil {
		b.broken = true
		return false, err
	}
	return granted, nil
}

// scanResult reads the first value of the first row. An empty result set
// counts as granted, see locks.Granted.
func scanResult(rows pgx.Rows, err error) (bool, error) {
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

	values, err := rows.Values()
	if err != nil {
		return false, err
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}
	if len(values) == 0 {
		return true, nil
	}
	return locks.Granted(values[0]), nil
}

// closeConn releases conn to the pool, or takes it out of the pool and
// closes it when discard is set.
func (b *backend) closeConn(ctx context.Context, conn *pgxpool.Conn, discard bool) {
	defer metrics.CheckedOutConnections.WithLabelValues(driverName).Dec()

	if !discard {
		conn.Release()
		return
	}

	metrics.DiscardedConnectionsTotal.WithLabelValues(driverName).Inc()
	b.logger.Warn("Discarded connection with unknown lock state")
	if err := conn.Hijack().Close(ctx); err != nil {
		b.logger.Warn("Failed to close discarded connection", zap.Error(err))
	}
}
