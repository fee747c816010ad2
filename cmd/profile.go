package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"smart-clock/internal/logging"
	"smart-clock/internal/profiles"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage LED display profiles",
}

var profileSetCmd = &cobra.Command{
	Use:   "set <id>",
	Short: "Store a profile in slot id (0-255)",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileSet,
}

var profileGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print the profile in slot id; unsaved slots print the default",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileGet,
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove the profile in slot id",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileDelete,
}

var (
	profileRed        uint8
	profileGreen      uint8
	profileBlue       uint8
	profileBrightness uint8
	profileMode       string
)

func init() {
	profileSetCmd.Flags().Uint8Var(&profileRed, "red", 0, "red channel")
	profileSetCmd.Flags().Uint8Var(&profileGreen, "green", 0, "green channel")
	profileSetCmd.Flags().Uint8Var(&profileBlue, "blue", 0, "blue channel")
	profileSetCmd.Flags().Uint8Var(&profileBrightness, "brightness", 0, "brightness")
	profileSetCmd.Flags().StringVar(&profileMode, "mode", "clock", "display mode (clock, countdown or a number)")

	profileCmd.AddCommand(profileSetCmd, profileGetCmd, profileDeleteCmd)
	rootCmd.AddCommand(profileCmd)
}

func parseProfileID(arg string) (uint8, error) {
	id, err := strconv.ParseUint(arg, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("profile id must be 0-255, got %q", arg)
	}
	return uint8(id), nil
}

func profileManager(cmd *cobra.Command) (*profiles.Manager, func() error, error) {
	cfg, logger, partition, err := openStore(cmd)
	if err != nil {
		return nil, nil, err
	}
	manager := profiles.NewManager(partition, cfg.Storage.Namespace, logging.NewComponentLogger(logger, logging.ComponentNVS))
	return manager, partition.Close, nil
}

func runProfileSet(cmd *cobra.Command, args []string) error {
	id, err := parseProfileID(args[0])
	if err != nil {
		return err
	}
	mode, err := profiles.ParseMode(profileMode)
	if err != nil {
		return err
	}

	manager, closeStore, err := profileManager(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	p := profiles.Profile{
		Red:        profileRed,
		Green:      profileGreen,
		Blue:       profileBlue,
		Brightness: profileBrightness,
		Mode:       mode,
	}
	if err := manager.Save(id, p); err != nil {
		return fmt.Errorf("failed to save profile %d: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved profile %d\n", id)
	return nil
}

func runProfileGet(cmd *cobra.Command, args []string) error {
	id, err := parseProfileID(args[0])
	if err != nil {
		return err
	}

	manager, closeStore, err := profileManager(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	p, err := manager.Load(id)
	if err != nil {
		return fmt.Errorf("failed to load profile %d: %w", id, err)
	}

	out, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}

func runProfileDelete(cmd *cobra.Command, args []string) error {
	id, err := parseProfileID(args[0])
	if err != nil {
		return err
	}

	manager, closeStore, err := profileManager(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := manager.Delete(id); err != nil {
		return fmt.Errorf("failed to delete profile %d: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted profile %d\n", id)
	return nil
}
