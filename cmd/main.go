package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ebogdum/advlock/config"
	"github.com/ebogdum/advlock/locks"
)

var rootCmd = &cobra.Command{
	Use:   "advlock",
	Short: "advlock - distributed locks on database advisory locks",
	Long: `advlock takes named, namespaced locks on the advisory locks of a
PostgreSQL or MySQL database and runs work while holding them.`,
	SilenceUsage: true,
}

var keyCmd = &cobra.Command{
	Use:   "key <name>...",
	Short: "Print the integer lock key of each name",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runKey,
}

var execCmd = &cobra.Command{
	Use:   "exec <name> -- <command> [args...]",
	Short: "Run a command while holding a lock",
	Long: `Run a command while holding the named lock. The command does not run
and advlock exits with status 3 if the lock is held elsewhere.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

var holdCmd = &cobra.Command{
	Use:   "hold <name>",
	Short: "Hold a lock until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runHold,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  "Validate the advlock configuration and display the loaded settings",
	RunE:  validateConfig,
}

var (
	configFilePath string
	modeFlag       string
	waitFlag       time.Duration
	holdForFlag    time.Duration
)

// exitCodeError carries a process exit status out of a command.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error {
	return e.err
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configFilePath, "config", "c", "", "Path to configuration file")

	for _, cmd := range []*cobra.Command{execCmd, holdCmd} {
		cmd.Flags().StringVarP(&modeFlag, "mode", "m", "", "Lock mode: session or transaction (defaults to lock.mode)")
		cmd.Flags().DurationVarP(&waitFlag, "wait", "w", 0, "Keep retrying for this long while the lock is contended")
	}
	holdCmd.Flags().DurationVar(&holdForFlag, "for", 0, "Release the lock after this long (default: until interrupted)")

	// Add subcommands
	configCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(keyCmd, execCmd, holdCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) && exitErr.code > 0 {
			os.Exit(exitErr.code)
		}
		log.Fatalf("Error: %v", err)
	}
}

// runKey prints the derived key of each name
func runKey(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigFromFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	for _, name := range args {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n",
			locks.LockName(cfg.Lock.Namespace, name), locks.DeriveKey(cfg.Lock.Namespace, name))
	}
	return nil
}

// runExec runs a command while holding the lock
func runExec(cmd *cobra.Command, args []string) error {
	name, command := args[0], args[1:]
	if dash := cmd.ArgsLenAtDash(); dash > 1 {
		return fmt.Errorf("exec takes exactly one lock name before --")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	lock, err := a.lock(name)
	if err != nil {
		return err
	}

	return a.runLocked(ctx, lock, func(ctx context.Context) error {
		return runCommand(ctx, command, a.logger)
	})
}

// runHold holds the lock until a signal arrives or --for elapses
func runHold(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	lock, err := a.lock(args[0])
	if err != nil {
		return err
	}

	return a.runLocked(ctx, lock, func(ctx context.Context) error {
		fmt.Fprintf(cmd.OutOrStdout(), "holding %s (key %d)\n", lock.Name(), lock.Key())

		var timeout <-chan time.Time
		if holdForFlag > 0 {
			timer := time.NewTimer(holdForFlag)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			a.logger.Info("Interrupted, releasing lock", zap.String("lock", lock.Name()))
		case <-timeout:
			a.logger.Info("Hold duration elapsed, releasing lock", zap.String("lock", lock.Name()))
		}
		return nil
	})
}

// validateConfig validates the advlock configuration and displays settings
func validateConfig(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Validating configuration...")

	cfg, err := config.LoadConfigFromFile(configFilePath)
	if err != nil {
		fmt.Fprintf(out, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	fmt.Fprintln(out, "✅ Configuration is valid")
	fmt.Fprintf(out, "Driver: %s\n", cfg.Database.Driver)
	fmt.Fprintf(out, "DSN: %s\n", maskDSN(cfg.Database.DSN))
	fmt.Fprintf(out, "Max Open Connections: %d\n", cfg.Database.MaxOpenConns)
	fmt.Fprintf(out, "Namespace: %s\n", cfg.Lock.Namespace)
	fmt.Fprintf(out, "Mode: %s\n", cfg.Lock.Mode)
	if cfg.Metrics.ListenAddr != "" {
		fmt.Fprintf(out, "Metrics Address: %s\n", cfg.Metrics.ListenAddr)
	}

	return nil
}

// maskDSN masks sensitive parts of the database DSN for display
func maskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if len(dsn) > 20 {
		return dsn[:10] + "***" + dsn[len(dsn)-7:]
	}
	return "***"
}

// initializeLogger creates a zap logger based on configuration
func initializeLogger(logCfg config.LogConfig) (*zap.Logger, error) {
	var cfg zap.Config

	if logCfg.Format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	// Set log level
	switch logCfg.Level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
