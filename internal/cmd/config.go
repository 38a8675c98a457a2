package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/honeyport/honeyport/internal/config"
	"github.com/honeyport/honeyport/internal/fileutil"
	"github.com/honeyport/honeyport/internal/honeypot"
)

var (
	configForce bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage honeyport configuration",
	Long: `Manage honeyport configuration files.

Use the subcommands to create, check or inspect a configuration file.`,
}

// configInitCmd represents the config init subcommand
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default configuration file",
	Long: `Create a commented default configuration file.

The file is written to --config when given, otherwise to the default location
($HONEYPORT_CONFIG, or honeyport/honeyport.yaml in the platform configuration
directory).

Examples:
  honeyport config init                          # Default location
  honeyport config init --config ./honeyport.yaml
  honeyport config init --force                  # Overwrite existing file`,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file",
	RunE:  runConfigValidate,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)

	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite existing configuration file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path, err := resolveConfigPath()
	if err != nil {
		return err
	}

	if fileutil.Exists(path) && !configForce {
		fmt.Fprintf(cmd.OutOrStdout(), "⚠️  Configuration file already exists: %s\n", path)
		fmt.Fprintln(cmd.OutOrStdout(), "Use --force to overwrite the existing file.")
		return nil
	}

	if err := fileutil.WriteFileAtomic(path, config.DefaultYAML, 0o644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✅ Configuration file created: %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout())
	fmt.Fprintln(cmd.OutOrStdout(), "Next steps:")
	fmt.Fprintln(cmd.OutOrStdout(), "  1. Review the ban commands and the port list")
	fmt.Fprintln(cmd.OutOrStdout(), "  2. Add your own addresses to the whitelist")
	fmt.Fprintln(cmd.OutOrStdout(), "  3. Run 'honeyport run'")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ports := honeypot.ResolvePorts(cfg.Ports)
	fmt.Fprintf(cmd.OutOrStdout(), "✅ %s is valid\n", cfg.Path)
	fmt.Fprintf(cmd.OutOrStdout(), "   Ports:     %d\n", len(ports))
	fmt.Fprintf(cmd.OutOrStdout(), "   Ban:       %s\n", enabledString(cfg.BanEnabled()))
	fmt.Fprintf(cmd.OutOrStdout(), "   Unban:     %s\n", enabledString(cfg.UnbanEnabled()))
	fmt.Fprintf(cmd.OutOrStdout(), "   Whitelist: %d entries\n", len(cfg.Whitelist))
	if len(ports) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "⚠️  No ports to listen on, 'honeyport run' will refuse to start")
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", cfg.Path, data)
	return nil
}

func enabledString(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
