// Package cmd provides the CLI commands for honeyport.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/honeyport/honeyport/internal/appdir"
	"github.com/honeyport/honeyport/internal/config"
	"github.com/honeyport/honeyport/internal/logging"
)

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, detection, ban, warn, error)
	logFile       string
	logComponents string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "honeyport",
	Short: "honeyport - a TCP port honeypot that bans whoever connects",
	Long: `honeyport listens on a set of otherwise unused TCP ports. Any peer that
connects is logged as a detection and banned by running an operator-supplied
command (an iptables rule, for instance). Bans can expire automatically and
are always lifted when honeyport shuts down.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if err := logging.Initialize(consoleLogConfig("")); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: $HONEYPORT_CONFIG or the platform config directory)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, detection, ban, warn, error (default: from config, then info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (overrides log.file from the config)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'listener,banlist'). Empty means all components.")
}

// resolveConfigPath returns the --config flag or the default location.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return appdir.ConfigPath()
}

// loadConfig loads and validates the configuration file.
func loadConfig() (*config.Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	return cfg, nil
}

// effectiveLogLevel applies the priority --log-level > --debug > config > info.
func effectiveLogLevel(fromConfig string) string {
	switch {
	case logLevel != "":
		return logLevel
	case debug:
		return "debug"
	case fromConfig != "":
		return fromConfig
	default:
		return "info"
	}
}

func parseComponents(list string) []string {
	var components []string
	for _, c := range strings.Split(list, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			components = append(components, c)
		}
	}
	return components
}

// consoleLogConfig is the logging setup used before a configuration is loaded.
func consoleLogConfig(level string) logging.Config {
	lc := logging.Config{
		Level:      effectiveLogLevel(level),
		Components: parseComponents(logComponents),
	}
	if logFile != "" {
		fl := logging.DefaultFileLogConfig()
		fl.Path = logFile
		lc.FileLog = &fl
	}
	return lc
}

// autoDetectionFile selects the detection log in the data directory.
const autoDetectionFile = "auto"

// runtimeLogConfig merges the log section of cfg with the command-line flags.
func runtimeLogConfig(cfg *config.Config) (logging.Config, error) {
	lc := consoleLogConfig(cfg.Log.Level)
	lc.JSON = cfg.Log.JSON

	fileSettings := func(path string) *logging.FileLogConfig {
		fl := logging.DefaultFileLogConfig()
		fl.Path = path
		if cfg.Log.MaxSizeMB > 0 {
			fl.MaxSizeMB = cfg.Log.MaxSizeMB
		}
		if cfg.Log.MaxBackups > 0 {
			fl.MaxBackups = cfg.Log.MaxBackups
		}
		fl.Compress = cfg.Log.Compress
		return &fl
	}

	switch {
	case logFile != "":
		lc.FileLog = fileSettings(logFile)
	case cfg.Log.File != "":
		lc.FileLog = fileSettings(cfg.Log.File)
	}
	switch cfg.Log.DetectionFile {
	case "":
	case autoDetectionFile:
		if err := appdir.EnsureDir(); err != nil {
			return lc, err
		}
		path, err := appdir.DetectionLogPath()
		if err != nil {
			return lc, err
		}
		lc.DetectionLog = fileSettings(path)
	default:
		lc.DetectionLog = fileSettings(cfg.Log.DetectionFile)
	}
	return lc, nil
}
