// Package appdir provides platform-native directory management for honeyport.
// It locates the configuration file and the data directory that holds the
// rotated application and detection logs (logs/ subdirectory).
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv is the environment variable to override the honeyport data directory.
	DirEnv = "HONEYPORT_DIR"

	// ConfigEnv is the environment variable to override the configuration file path.
	ConfigEnv = "HONEYPORT_CONFIG"

	// ConfigFileName is the name of the default configuration file.
	ConfigFileName = "honeyport.yaml"

	// LogsDirName is the name of the logs subdirectory.
	LogsDirName = "logs"

	// DetectionLogFileName is the default name of the detection log.
	DetectionLogFileName = "detections.log"
)

var (
	// cachedDir stores the resolved data directory to avoid repeated lookups.
	cachedDir string
	// mu protects cachedDir.
	mu sync.RWMutex
)

// Dir returns the honeyport data directory path.
// The directory is determined in the following order:
//  1. HONEYPORT_DIR environment variable (if set)
//  2. Platform-specific default:
//     - macOS: ~/Library/Application Support/honeyport
//     - Linux: $XDG_DATA_HOME/honeyport or ~/.local/share/honeyport
//     - Windows: %APPDATA%\honeyport
//
// This function only returns the path; it does not create the directory.
// Use EnsureDir() to create the directory if needed.
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	if cachedDir != "" {
		return cachedDir, nil
	}

	dir, err := resolveDir()
	if err != nil {
		return "", err
	}

	cachedDir = dir
	return dir, nil
}

// resolveDir calculates the data directory path.
func resolveDir() (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}

	switch runtime.GOOS {
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, "Library", "Application Support", "honeyport"), nil

	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "honeyport"), nil

	default:
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			dataDir = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataDir, "honeyport"), nil
	}
}

// EnsureDir creates the data directory if it doesn't exist.
// It also creates the logs subdirectory.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create honeyport directory %s: %w", dir, err)
	}

	logsDir := filepath.Join(dir, LogsDirName)
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory %s: %w", logsDir, err)
	}

	return nil
}

// ConfigPath returns the default configuration file path.
// HONEYPORT_CONFIG wins; otherwise the file lives in $XDG_CONFIG_HOME/honeyport
// (~/.config/honeyport on Linux) or next to the data directory on other platforms.
func ConfigPath() (string, error) {
	if envPath := os.Getenv(ConfigEnv); envPath != "" {
		return envPath, nil
	}

	if runtime.GOOS != "darwin" && runtime.GOOS != "windows" {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(homeDir, ".config")
		}
		return filepath.Join(configDir, "honeyport", ConfigFileName), nil
	}

	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// LogsDir returns the full path to the logs directory.
func LogsDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, LogsDirName), nil
}

// DetectionLogPath returns the default path of the detection log.
func DetectionLogPath() (string, error) {
	dir, err := LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DetectionLogFileName), nil
}

// ResetCache clears the cached directory path.
// This is primarily useful for testing.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
