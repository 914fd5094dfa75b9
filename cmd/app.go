package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ebogdum/advlock/config"
	"github.com/ebogdum/advlock/locks"
	"github.com/ebogdum/advlock/locks/memory"
	"github.com/ebogdum/advlock/locks/pgxlock"
	"github.com/ebogdum/advlock/locks/sqldb"
	"github.com/ebogdum/advlock/server"
)

// exitContended is the exit status when the lock is held elsewhere.
const exitContended = 3

// app is the wiring shared by the lock commands.
type app struct {
	cfg     config.AppConfig
	logger  *zap.Logger
	locker  *locks.Locker
	mode    locks.Mode
	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfigFromFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	modeName := cfg.Lock.Mode
	if modeFlag != "" {
		modeName = modeFlag
	}
	mode, err := locks.ParseMode(modeName)
	if err != nil {
		return nil, err
	}

	logger, err := initializeLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, mode: mode}
	a.closers = append(a.closers, func() error {
		// Sync on stderr commonly fails with EINVAL; there is nothing to do about it.
		_ = logger.Sync()
		return nil
	})

	driver, health, closeDriver, err := openDriver(ctx, cfg.Database, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize lock driver: %w", err)
	}
	a.closers = append(a.closers, closeDriver)

	a.locker = locks.NewLocker(cfg.Lock.Namespace, driver, locks.WithLogger(logger))

	if cfg.Metrics.ListenAddr != "" {
		a.startMetrics(health)
	}

	return a, nil
}

// openDriver opens the configured connection pool
func openDriver(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (locks.Driver, server.HealthFunc, func() error, error) {
	switch cfg.Driver {
	case "pgx":
		d, err := pgxlock.Open(ctx, cfg, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		health := func(r *http.Request) error { return d.Pool().Ping(r.Context()) }
		return d, health, d.Close, nil
	case "memory":
		logger.Warn("Using in-process lock driver; locks are not shared with other processes")
		d := memory.NewDriver(cfg.MaxOpenConns)
		return d, nil, d.Close, nil
	default:
		d, err := sqldb.Open(ctx, cfg, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		health := func(r *http.Request) error { return d.DB().PingContext(r.Context()) }
		return d, health, d.Close, nil
	}
}

func (a *app) startMetrics(health server.HealthFunc) {
	var limiter *rate.Limiter
	if perSecond := a.cfg.Metrics.HealthRateLimit; perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
	}

	srv := &http.Server{
		Addr:         a.cfg.Metrics.ListenAddr,
		Handler:      server.NewRouter(health, limiter, a.logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info("Starting metrics server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func (a *app) lock(name string) (*locks.AdvisoryLock, error) {
	return a.locker.Lock(name, a.mode)
}

// Close tears down in reverse order of setup
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Shutdown step failed", zap.Error(err))
		}
	}
}

// runLocked acquires lock, retrying for --wait, and runs fn while holding it
func (a *app) runLocked(ctx context.Context, lock *locks.AdvisoryLock, fn func(ctx context.Context) error) error {
	acquired, err := acquireWithWait(ctx, lock, waitFlag, a.cfg.Lock.RetryInterval)
	if err != nil {
		return err
	}
	if !acquired {
		a.logger.Info("Lock is held elsewhere", zap.String("lock", lock.Name()))
		return &exitCodeError{
			code: exitContended,
			err:  fmt.Errorf("%w: %s", locks.ErrLockAcquireFailure, lock.Name()),
		}
	}

	a.logger.Info("Lock acquired", zap.String("lock", lock.Name()), zap.Uint32("key", uint32(lock.Key())))

	// Already held, so Do does not issue a second acquire query.
	return lock.Do(ctx, fn)
}

// acquireWithWait tries once, then keeps retrying at interval until wait
// expires. It returns false without error when the wait runs out.
func acquireWithWait(ctx context.Context, lock locks.Lock, wait, interval time.Duration) (bool, error) {
	ok, err := lock.Acquire(ctx)
	if err != nil || ok || wait <= 0 {
		return ok, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	limiter.Allow() // the first attempt spent the burst

	for {
		if err := limiter.Wait(waitCtx); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, nil
		}

		ok, err := lock.Acquire(ctx)
		if err != nil || ok {
			return ok, err
		}
	}
}

// runCommand runs command with the process's stdio and propagates its exit status
func runCommand(ctx context.Context, command []string, logger *zap.Logger) error {
	c := exec.CommandContext(ctx, command[0], command[1:]...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr

	logger.Debug("Running command", zap.Strings("command", command))
	err := c.Run()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &exitCodeError{code: exitErr.ExitCode(), err: err}
	}
	return err
}
