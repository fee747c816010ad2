package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"smart-clock/internal/config"
	"smart-clock/internal/device"
	"smart-clock/internal/logging"
	"smart-clock/internal/nvs"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "smart-clock",
	Short: "Smart clock device core",
	Long: `Device core of a network-connected LED clock. It keeps Wi-Fi credentials
and display profiles in a persistent key-value store, brings up the Wi-Fi
station with bounded retries and synchronizes the clock over NTP.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration, letting an explicit --log-level win
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// openStore loads the configuration and opens the persistent store
func openStore(cmd *cobra.Command) (*config.Config, *logrus.Logger, *nvs.Partition, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := logging.Initialize(cfg.LogLevel)
	logger.SetOutput(cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	partition, err := device.OpenStore(ctx, cfg.Storage, logging.NewComponentLogger(logger, logging.ComponentNVS))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return cfg, logger, partition, nil
}
