package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var nvsCmd = &cobra.Command{
	Use:   "nvs",
	Short: "Inspect or reset the persistent store",
}

var nvsEraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase every stored key (credentials and profiles)",
	RunE:  runNVSErase,
}

var nvsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store usage",
	RunE:  runNVSStats,
}

var eraseConfirmed bool

func init() {
	nvsEraseCmd.Flags().BoolVar(&eraseConfirmed, "yes", false, "confirm the erase")

	nvsCmd.AddCommand(nvsEraseCmd, nvsStatsCmd)
	rootCmd.AddCommand(nvsCmd)
}

func runNVSErase(cmd *cobra.Command, args []string) error {
	if !eraseConfirmed {
		return fmt.Errorf("refusing to erase without --yes")
	}

	_, _, partition, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer partition.Close()

	if err := partition.EraseAll(cmd.Context()); err != nil {
		return fmt.Errorf("failed to erase store: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Store erased")
	return nil
}

func runNVSStats(cmd *cobra.Command, args []string) error {
	cfg, _, partition, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer partition.Close()

	used, err := partition.Used(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to count entries: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Engine:   %s\n", cfg.Storage.Engine)
	fmt.Fprintf(out, "Entries:  %d/%d\n", used, cfg.Storage.Capacity)
	return nil
}
