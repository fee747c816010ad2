package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"smart-clock/internal/config"
	"smart-clock/internal/device"
	"smart-clock/internal/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the clock",
	Long: `Initialize the store, start provisioning and the local API, bring up
Wi-Fi and synchronize time. Runs until interrupted. Log level and keepalive
interval are reloaded when the config file changes.`,
	RunE: runClock,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runClock(cmd *cobra.Command, args []string) error {
	var running atomic.Pointer[device.Manager]
	logger := logging.Initialize(logLevel)

	cfg, err := config.LoadAndWatch(configFile, func(updated *config.Config) {
		if manager := running.Load(); manager != nil {
			manager.ApplyConfig(updated)
		}
	}, func(err error) {
		logger.WithError(err).Warn("Ignoring invalid configuration change")
	})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	logging.SetLevel(logger, cfg.LogLevel)

	if err := logging.SetupFileLogging(logger, cfg.LogFile); err != nil {
		logger.WithError(err).Warn("Failed to enable file logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager, err := device.NewManager(ctx, cfg, device.WithLogger(logger), device.WithVersion(version))
	if err != nil {
		return err
	}
	running.Store(manager)

	return manager.Start(ctx)
}
