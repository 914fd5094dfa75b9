// Package locktest provides a conformance suite for locks.Driver
// implementations.
package locktest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"github.com/ebogdum/advlock/locks"
)

// DriverSuite checks the mutual exclusion and release semantics every
// driver must provide. Set Driver and Modes before running it.
type DriverSuite struct {
	suite.Suite

	// Driver is shared by all tests of the suite.
	Driver locks.Driver
	// Modes lists the lock modes the driver supports.
	Modes []locks.Mode
	// Contenders is the number of concurrent acquirers, 20 if zero.
	Contenders int

	locker *locks.Locker
	ctx    context.Context
	cancel context.CancelFunc
}

var namespaceSeq atomic.Int64

func (s *DriverSuite) SetupTest() {
	s.Require().NotNil(s.Driver, "DriverSuite.Driver must be set")
	if len(s.Modes) == 0 {
		s.Modes = []locks.Mode{locks.ModeTransaction, locks.ModeSession}
	}
	if s.Contenders == 0 {
		s.Contenders = 20
	}

	// A fresh namespace per test keeps keys from leaking between tests.
	ns := fmt.Sprintf("locktest-%d-%d", time.Now().UnixNano(), namespaceSeq.Add(1))
	s.locker = locks.NewLocker(ns, s.Driver)
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 30*time.Second)
}

func (s *DriverSuite) TearDownTest() {
	s.cancel()
}

func (s *DriverSuite) newLock(name string, mode locks.Mode) *locks.AdvisoryLock {
	lock, err := s.locker.Lock(name, mode)
	s.Require().NoError(err)
	return lock
}

// contend acquires n fresh locks for name concurrently and returns the
// winners.
func (s *DriverSuite) contend(name string, mode locks.Mode, n int) []*locks.AdvisoryLock {
	contenders := make([]*locks.AdvisoryLock, n)
	results := make([]bool, n)
	for i := range contenders {
		contenders[i] = s.newLock(name, mode)
	}

	g, ctx := errgroup.WithContext(s.ctx)
	for i := range contenders {
		g.Go(func() error {
			ok, err := contenders[i].Acquire(ctx)
			results[i] = ok
			return err
		})
	}
	s.Require().NoError(g.Wait())

	var winners []*locks.AdvisoryLock
	for i, ok := range results {
		if ok {
			winners = append(winners, contenders[i])
		} else {
			s.False(contenders[i].Held())
		}
	}
	return winners
}

func (s *DriverSuite) TestConcurrentAcquireHasOneWinner() {
	for _, mode := range s.Modes {
		s.Run(mode.String(), func() {
			name := "inventory-sync-" + mode.String()

			winners := s.contend(name, mode, s.Contenders)
			s.Require().Len(winners, 1)

			released, err := winners[0].Release(s.ctx)
			s.Require().NoError(err)
			s.True(released)

			winners = s.contend(name, mode, s.Contenders)
			s.Require().Len(winners, 1)

			_, err = winners[0].Release(s.ctx)
			s.Require().NoError(err)
		})
	}
}

func (s *DriverSuite) TestAcquireReleaseReacquire() {
	for _, mode := range s.Modes {
		s.Run(mode.String(), func() {
			name := "batch-job-" + mode.String()
			first, second, third := s.newLock(name, mode), s.newLock(name, mode), s.newLock(name, mode)

			ok, err := first.Acquire(s.ctx)
			s.Require().NoError(err)
			s.True(ok)

			ok, err = second.Acquire(s.ctx)
			s.Require().NoError(err)
			s.False(ok)

			released, err := first.Release(s.ctx)
			s.Require().NoError(err)
			s.True(released)

			ok, err = third.Acquire(s.ctx)
			s.Require().NoError(err)
			s.True(ok)

			released, err = third.Release(s.ctx)
			s.Require().NoError(err)
			s.True(released)
		})
	}
}

func (s *DriverSuite) TestReleaseWithoutAcquire() {
	for _, mode := range s.Modes {
		s.Run(mode.String(), func() {
			lock := s.newLock("something-"+mode.String(), mode)

			released, err := lock.Release(s.ctx)
			s.Require().NoError(err)
			s.False(released)

			ok, err := lock.Acquire(s.ctx)
			s.Require().NoError(err)
			s.True(ok)

			released, err = lock.Release(s.ctx)
			s.Require().NoError(err)
			s.True(released)

			released, err = lock.Release(s.ctx)
			s.Require().NoError(err)
			s.False(released)
		})
	}
}

func (s *DriverSuite) TestScopedAcquisition() {
	for _, first := range s.Modes {
		for _, second := range s.Modes {
			s.Run(first.String()+"/"+second.String(), func() {
				name := "scoped-" + first.String() + "-" + second.String()
				lock := s.newLock(name, first)

				ran := false
				err := s.locker.WithLock(s.ctx, name, second, func(ctx context.Context) error {
					ran = true
					ok, err := lock.Acquire(ctx)
					s.Require().NoError(err)
					s.False(ok)
					return nil
				})
				s.Require().NoError(err)
				s.True(ran)

				ok, err := lock.Acquire(s.ctx)
				s.Require().NoError(err)
				s.True(ok)

				_, err = lock.Release(s.ctx)
				s.Require().NoError(err)
			})
		}
	}
}

func (s *DriverSuite) TestScopedAcquisitionFailure() {
	for _, first := range s.Modes {
		for _, second := range s.Modes {
			s.Run(first.String()+"/"+second.String(), func() {
				name := "contended-" + first.String() + "-" + second.String()
				holder := s.newLock(name, first)

				ok, err := holder.Acquire(s.ctx)
				s.Require().NoError(err)
				s.Require().True(ok)

				scoped := s.newLock(name, second)
				ran := false
				err = scoped.Do(s.ctx, func(context.Context) error {
					ran = true
					return nil
				})
				s.True(errors.Is(err, locks.ErrLockAcquireFailure), "got %v", err)
				s.False(ran)
				s.False(scoped.Held())

				_, err = holder.Release(s.ctx)
				s.Require().NoError(err)
			})
		}
	}
}

func (s *DriverSuite) TestScopedReleaseOnError() {
	for _, mode := range s.Modes {
		s.Run(mode.String(), func() {
			name := "failing-body-" + mode.String()
			boom := errors.New("boom")

			err := s.locker.WithLock(s.ctx, name, mode, func(context.Context) error {
				return boom
			})
			s.True(errors.Is(err, boom))

			lock := s.newLock(name, mode)
			ok, err := lock.Acquire(s.ctx)
			s.Require().NoError(err)
			s.True(ok, "lock must be free after the scoped body failed")

			_, err = lock.Release(s.ctx)
			s.Require().NoError(err)
		})
	}
}

func (s *DriverSuite) TestDistinctNamesDoNotConflict() {
	for _, mode := range s.Modes {
		s.Run(mode.String(), func() {
			a := s.newLock("alpha-"+mode.String(), mode)
			b := s.newLock("beta-"+mode.String(), mode)
			s.Require().NotEqual(a.Key(), b.Key())

			for _, lock := range []*locks.AdvisoryLock{a, b} {
				ok, err := lock.Acquire(s.ctx)
				s.Require().NoError(err)
				s.True(ok)
			}
			for _, lock := range []*locks.AdvisoryLock{a, b} {
				_, err := lock.Release(s.ctx)
				s.Require().NoError(err)
			}
		})
	}
}
