// Package memory provides an in-process locks.Driver that emulates the
// advisory lock semantics of PostgreSQL for local/single-node use and tests.
//
// The driver keeps a bounded pool of connections. Session locks belong to a
// connection and survive its return to the pool, transaction locks end with
// their transaction, and a connection may take a key it already holds again.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ebogdum/advlock/locks"
	"github.com/ebogdum/advlock/metrics"
)

const driverName = "memory"

// Op names an operation that can be made to fail with FailNext.
type Op string

const (
	OpCheckout Op = "checkout"
	OpBegin    Op = "begin"
	OpAcquire  Op = "acquire"
	OpRelease  Op = "release"
	OpEnd      Op = "end"
)

// ErrPoolClosed is returned by checkouts after Close.
var ErrPoolClosed = errors.New("memory: pool closed")

type conn struct {
	id   int
	inTx bool
}

type holder struct {
	conn    *conn
	session int
	xact    int
}

// Stats is a snapshot of the driver state.
type Stats struct {
	CheckedOut int
	Idle       int
	HeldKeys   int
}

// Driver is an in-memory advisory lock server with its connection pool.
type Driver struct {
	pool chan *conn

	mu         sync.Mutex
	holders    map[locks.Key]*holder
	faults     map[Op][]error
	checkedOut int
	nextID     int
	closed     bool
}

var _ locks.Driver = (*Driver)(nil)

// NewDriver creates a driver whose pool holds poolSize connections.
func NewDriver(poolSize int) *Driver {
	if poolSize <= 0 {
		poolSize = 1
	}
	d := &Driver{
		pool:    make(chan *conn, poolSize),
		holders: make(map[locks.Key]*holder),
		faults:  make(map[Op][]error),
	}
	for i := 0; i < poolSize; i++ {
		d.pool <- d.newConn()
	}
	return d
}

// Name implements locks.Driver.
func (d *Driver) Name() string {
	return driverName
}

// NewBackend implements locks.Driver.
func (d *Driver) NewBackend(mode locks.Mode) (locks.Backend, error) {
	switch mode {
	case locks.ModeSession, locks.ModeTransaction:
		return &backend{driver: d, mode: mode}, nil
	default:
		return nil, fmt.Errorf("%w: %s", locks.ErrUnsupportedMode, mode)
	}
}

// FailNext makes the next op return err. Calls queue up.
func (d *Driver) FailNext(op Op, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = append(d.faults[op], err)
}

// Stats returns a snapshot of pool and lock state.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		CheckedOut: d.checkedOut,
		Idle:       len(d.pool),
		HeldKeys:   len(d.holders),
	}
}

// IsLocked reports whether any connection holds key.
func (d *Driver) IsLocked(key locks.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.holders[key]
	return ok
}

// Close drops all locks and fails further checkouts.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.holders = make(map[locks.Key]*holder)
	return nil
}

func (d *Driver) newConn() *conn {
	d.nextID++
	return &conn{id: d.nextID}
}

func (d *Driver) fault(op Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	queue := d.faults[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	d.faults[op] = queue[1:]
	return err
}

func (d *Driver) checkout(ctx context.Context) (*conn, error) {
	if err := d.fault(OpCheckout); err != nil {
		return nil, err
	}

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	select {
	case c := <-d.pool:
		d.mu.Lock()
		d.checkedOut++
		d.mu.Unlock()
		metrics.CheckedOutConnections.WithLabelValues(driverName).Inc()
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// checkin returns c to the pool. A discarded connection loses every lock it
// held, as when a database session ends, and is replaced by a fresh one.
func (d *Driver) checkin(c *conn, discard bool) {
	d.mu.Lock()
	if discard {
		for key, h := range d.holders {
			if h.conn == c {
				delete(d.holders, key)
			}
		}
		c = d.newConn()
	}
	d.checkedOut--
	d.mu.Unlock()

	if discard {
		metrics.DiscardedConnectionsTotal.WithLabelValues(driverName).Inc()
	}
	metrics.CheckedOutConnections.WithLabelValues(driverName).Dec()
	d.pool <- c
}

func (d *Driver) tryLock(c *conn, key locks.Key, xact bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.holders[key]
	if !ok {
		h = &holder{conn: c}
		d.holders[key] = h
	} else if h.conn != c {
		return false
	}

	if xact {
		h.xact++
	} else {
		h.session++
	}
	return true
}

func (d *Driver) unlock(c *conn, key locks.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.holders[key]
	if !ok || h.conn != c || h.session == 0 {
		return false
	}
	h.session--
	if h.session == 0 && h.xact == 0 {
		delete(d.holders, key)
	}
	return true
}

func (d *Driver) endTx(c *conn) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c.inTx = false
	for key, h := range d.holders {
		if h.conn != c {
			continue
		}
		h.xact = 0
		if h.session == 0 {
			delete(d.holders, key)
		}
	}
}
