package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"smart-clock/internal/logging"
	"smart-clock/internal/timesync"
	"smart-clock/internal/wifi"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one time synchronization and print the result",
	Long: `Query the configured NTP servers once using the same poll budget as the
clock. The system clock is only stepped when ntp.set_system_clock is set.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logging.Initialize(cfg.LogLevel)
	logger.SetOutput(cmd.ErrOrStderr())

	var clock timesync.Clock = timesync.NewOffsetClock()
	if cfg.NTP.SetSystemClock {
		clock = timesync.SystemClock{}
	}

	ntpLogger := logging.NewComponentLogger(logger, logging.ComponentNTP)
	client := timesync.NewNTPClient(clock, timesync.NTPClientConfig{
		QueryTimeout:   cfg.NTP.QueryTimeout,
		RetryInterval:  cfg.NTP.PollInterval,
		ResyncInterval: cfg.NTP.ResyncInterval,
	}, ntpLogger)
	defer client.Stop()

	syncConfig := timesync.Config{
		Servers:      cfg.NTP.Servers,
		PollInterval: cfg.NTP.PollInterval,
		MaxPolls:     cfg.NTP.MaxPolls,
	}
	if cfg.NTP.ResolveServers {
		syncConfig.Resolver = wifi.ResolveHost
	}
	controller := timesync.NewController(client, syncConfig, ntpLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := controller.Sync(ctx); err != nil {
		return err
	}

	status := client.Status()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Server: %s\n", status.Server)
	fmt.Fprintf(out, "Offset: %s\n", status.Offset)
	fmt.Fprintf(out, "Time:   %s\n", clock.Now().Format(time.RFC3339Nano))
	return nil
}
