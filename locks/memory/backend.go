package memory

import (
	"context"
	"fmt"

	"github.com/ebogdum/advlock/locks"
)

type backend struct {
	driver *Driver
	mode   locks.Mode
	conn   *conn
	broken bool
}

func (b *backend) AcquireResources(ctx context.Context) error {
	if b.conn != nil {
		return nil
	}

	c, err := b.driver.checkout(ctx)
	if err != nil {
		return fmt.Errorf("failed to check out connection: %w", err)
	}

	if b.mode == locks.ModeTransaction {
		if err := b.driver.fault(OpBegin); err != nil {
			b.driver.checkin(c, true)
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		c.inTx = true
	}

	b.conn = c
	return nil
}

func (b *backend) ReleaseResources(ctx context.Context) error {
	if b.conn == nil {
		return nil
	}
	c, broken := b.conn, b.broken
	b.conn, b.broken = nil, false

	var err error
	if c.inTx {
		if err = b.driver.fault(OpEnd); err != nil {
			err = fmt.Errorf("failed to end transaction: %w", err)
			broken = true
		}
		b.driver.endTx(c)
	}

	b.driver.checkin(c, broken)
	return err
}

func (b *backend) RunAcquireQuery(ctx context.Context, key locks.Key) (bool, error) {
	if err := b.query(ctx, OpAcquire); err != nil {
		return false, err
	}
	return b.driver.tryLock(b.conn, key, b.mode == locks.ModeTransaction), nil
}

func (b *backend) RunReleaseQuery(ctx context.Context, key locks.Key) (bool, error) {
	if err := b.query(ctx, OpRelease); err != nil {
		return false, err
	}
	if b.mode == locks.ModeTransaction {
		return true, nil
	}
	return b.driver.unlock(b.conn, key), nil
}

func (b *backend) query(ctx context.Context, op Op) error {
	if b.conn == nil {
		return fmt.Errorf("memory: %s query without a connection", op)
	}
	if err := ctx.Err(); err != nil {
		b.broken = true
		return err
	}
	if err := b.driver.fault(op); err != nil {
		b.broken = true
		return err
	}
	return nil
}
