package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"smart-clock/internal/credentials"
	"smart-clock/internal/logging"
)

var credsCmd = &cobra.Command{
	Use:   "creds",
	Short: "Manage the stored Wi-Fi credentials",
}

var credsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store Wi-Fi credentials",
	RunE:  runCredsSet,
}

var credsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored SSID",
	RunE:  runCredsShow,
}

var credsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored credentials",
	RunE:  runCredsClear,
}

var (
	credsSSID     string
	credsPassword string
	showPassword  bool
)

func init() {
	credsSetCmd.Flags().StringVar(&credsSSID, "ssid", "", "network name, at most 31 bytes (required)")
	credsSetCmd.Flags().StringVar(&credsPassword, "password", "", "network password, at most 63 bytes")
	credsSetCmd.MarkFlagRequired("ssid")

	credsShowCmd.Flags().BoolVar(&showPassword, "show-password", false, "print the password in clear text")

	credsCmd.AddCommand(credsSetCmd, credsShowCmd, credsClearCmd)
	rootCmd.AddCommand(credsCmd)
}

func credentialManager(cmd *cobra.Command) (*credentials.Manager, func() error, error) {
	cfg, logger, partition, err := openStore(cmd)
	if err != nil {
		return nil, nil, err
	}
	manager := credentials.NewManager(partition, cfg.Storage.Namespace, logging.NewComponentLogger(logger, logging.ComponentNVS))
	return manager, partition.Close, nil
}

func runCredsSet(cmd *cobra.Command, args []string) error {
	manager, closeStore, err := credentialManager(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := manager.Save(credsSSID, credsPassword); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved credentials for %q\n", credsSSID)
	return nil
}

func runCredsShow(cmd *cobra.Command, args []string) error {
	manager, closeStore, err := credentialManager(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	creds, err := manager.Load()
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	out := cmd.OutOrStdout()
	if !creds.Configured() {
		fmt.Fprintln(out, "No credentials stored")
		return nil
	}

	password := strings.Repeat("*", len(creds.Password))
	if showPassword {
		password = creds.Password
	}
	fmt.Fprintf(out, "SSID:     %s\n", creds.SSID)
	fmt.Fprintf(out, "Password: %s\n", password)
	return nil
}

func runCredsClear(cmd *cobra.Command, args []string) error {
	manager, closeStore, err := credentialManager(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := manager.Clear(); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Credentials cleared")
	return nil
}
