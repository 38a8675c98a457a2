// Package config handles configuration loading and validation for honeyport.
//
// A Config is an immutable snapshot: it is loaded and validated once and then
// shared read-only by every component of a session. Reloading produces a new
// snapshot rather than mutating the current one.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// DisabledCommand is the sentinel that turns off a ban or unban command.
const DisabledCommand = "OFF"

// MaxDisconnectDelay is the upper bound for fake_server.max_disconnect_delay, in seconds.
const MaxDisconnectDelay = 60

// WelcomeTypeBase64 marks a welcome message whose content is base64 encoded.
const WelcomeTypeBase64 = "Base64"

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// LogConfig configures console and file logging.
type LogConfig struct {
	// Level is the console log level (debug, info, detection, ban, warn, error).
	Level string `yaml:"level"`
	// File is an optional application log file (rotated).
	File string `yaml:"file"`
	// JSON switches every handler to JSON output.
	JSON bool `yaml:"json"`
	// DetectionFile is an optional log that receives only detection and ban events.
	DetectionFile string `yaml:"detection_file"`
	// MaxSizeMB is the rotation size for both log files.
	MaxSizeMB int `yaml:"max_size_mb"`
	// MaxBackups is the number of rotated files kept.
	MaxBackups int `yaml:"max_backups"`
	// Compress gzips rotated files.
	Compress bool `yaml:"compress"`
}

// BanConfig holds the external firewall commands.
type BanConfig struct {
	// Command is run with every %ip replaced by the offending address.
	// "OFF" or empty disables banning.
	Command string `yaml:"command"`
	// UnbanCommand reverses Command. "OFF" or empty disables tracking and unbanning.
	UnbanCommand string `yaml:"unban_command"`
	// Length is the ban duration in seconds. 0 means bans never expire.
	Length int64 `yaml:"length"`
}

// PortRange is an inclusive port range. Start <= 0 disables it.
type PortRange struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// Enabled reports whether the range contributes ports.
func (r PortRange) Enabled() bool {
	return r.Start > 0
}

// Contains reports whether port falls inside an enabled range.
func (r PortRange) Contains(port int) bool {
	return r.Enabled() && port >= r.Start && port <= r.End
}

// PortsConfig selects the monitored ports.
type PortsConfig struct {
	Range    PortRange `yaml:"range"`
	Specific []int     `yaml:"specific"`
	Exclude  []int     `yaml:"exclude"`
	// BindAddress is the local address listeners bind to. Empty means all interfaces.
	BindAddress string `yaml:"bind_address"`
}

// WelcomeMessage is one canned payload sent to connecting peers.
type WelcomeMessage struct {
	// Type is "Base64" (any case) or an IANA charset name such as "UTF-8".
	Type    string `yaml:"type"`
	Content string `yaml:"content"`
}

// IsBase64 reports whether the content is base64 encoded.
func (m WelcomeMessage) IsBase64() bool {
	return strings.EqualFold(m.Type, WelcomeTypeBase64)
}

// FakeServerConfig controls what connecting peers see.
type FakeServerConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxDisconnectDelay is the ceiling, in seconds, of the per-listener random delay.
	MaxDisconnectDelay int              `yaml:"max_disconnect_delay"`
	WelcomeMessages    []WelcomeMessage `yaml:"welcome_messages"`
}

// RunnerConfig selects how ban commands are executed.
type RunnerConfig struct {
	// Type is the go-restricted-runner backend: exec, firejail, docker or sandbox-exec.
	Type string `yaml:"type"`
	// MaxSpawnsPerSecond limits command spawns. 0 means unlimited.
	MaxSpawnsPerSecond float64 `yaml:"max_spawns_per_second"`
}

// MetricsConfig configures the Prometheus-format metrics endpoint.
type MetricsConfig struct {
	// Listen is the HTTP listen address (e.g. "127.0.0.1:9090"). Empty disables it.
	Listen string `yaml:"listen"`
}

// Config represents the complete honeyport configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Ban        BanConfig        `yaml:"ban"`
	Ports      PortsConfig      `yaml:"ports"`
	Whitelist  []string         `yaml:"whitelist"`
	FakeServer FakeServerConfig `yaml:"fake_server"`
	Runner     RunnerConfig     `yaml:"runner"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	// WatchConfig reloads the session when the file changes on disk.
	WatchConfig bool `yaml:"watch_config"`

	// Path is the file this snapshot was loaded from. Empty when parsed from bytes.
	Path string `yaml:"-"`
}

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.Path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses YAML configuration data into a Config and applies defaults.
// It does not validate; call Validate on the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Runner.Type == "" {
		c.Runner.Type = "exec"
	}
	if c.Ban.Command == "" {
		c.Ban.Command = DisabledCommand
	}
	if c.Ban.UnbanCommand == "" {
		c.Ban.UnbanCommand = DisabledCommand
	}
}

// Validate checks the snapshot and reports every problem found.
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	r := c.Ports.Range
	if r.Enabled() {
		if !validPort(r.Start) || !validPort(r.End) {
			fail("ports.range must lie within 1-65535 (set start to -1 to disable), got %d-%d", r.Start, r.End)
		} else if r.Start > r.End {
			fail("ports.range start %d is greater than end %d", r.Start, r.End)
		}
	}

	for _, port := range c.Ports.Specific {
		switch {
		case !validPort(port):
			fail("ports.specific value %d is outside 1-65535", port)
		case r.Contains(port):
			fail("ports.specific value %d is already included in ports.range", port)
		}
	}

	for _, port := range c.Ports.Exclude {
		if !validPort(port) {
			fail("ports.exclude value %d is outside 1-65535", port)
		}
	}

	if c.Ports.BindAddress != "" {
		if _, err := netip.ParseAddr(c.Ports.BindAddress); err != nil {
			fail("ports.bind_address %q is not an IP address", c.Ports.BindAddress)
		}
	}

	if c.Ban.Length < 0 {
		fail("ban.length must be 0 or more seconds (0 disables expiry), got %d", c.Ban.Length)
	}

	if c.FakeServer.MaxDisconnectDelay < 0 || c.FakeServer.MaxDisconnectDelay > MaxDisconnectDelay {
		fail("fake_server.max_disconnect_delay must be 0-%d seconds, got %d", MaxDisconnectDelay, c.FakeServer.MaxDisconnectDelay)
	}

	for i, msg := range c.FakeServer.WelcomeMessages {
		if msg.Type == "" {
			fail("fake_server.welcome_messages[%d] has no type", i)
			continue
		}
		if msg.IsBase64() {
			if _, err := base64.StdEncoding.DecodeString(msg.Content); err != nil {
				fail("fake_server.welcome_messages[%d] is not valid base64: %v", i, err)
			}
		}
	}

	for _, entry := range c.Whitelist {
		if _, err := ParseWhitelistEntry(entry); err != nil {
			fail("whitelist entry %q: %v", entry, err)
		}
	}

	switch c.Runner.Type {
	case "exec", "firejail", "docker", "sandbox-exec":
	default:
		fail("runner.type %q is not one of exec, firejail, docker, sandbox-exec", c.Runner.Type)
	}
	if c.Runner.MaxSpawnsPerSecond < 0 {
		fail("runner.max_spawns_per_second must not be negative")
	}

	return result.ErrorOrNil()
}

func validPort(port int) bool {
	return port >= 1 && port <= 65535
}

// ParseWhitelistEntry parses a single IP or a CIDR range into a prefix.
// Single addresses become /32 or /128 prefixes.
func ParseWhitelistEntry(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// CommandEnabled reports whether a command template is set to something
// other than the disabled sentinel.
func CommandEnabled(command string) bool {
	command = strings.TrimSpace(command)
	return command != "" && !strings.EqualFold(command, DisabledCommand)
}

// BanEnabled reports whether bans run a command.
func (c *Config) BanEnabled() bool {
	return CommandEnabled(c.Ban.Command)
}

// UnbanEnabled reports whether bans are tracked and reversed.
func (c *Config) UnbanEnabled() bool {
	return CommandEnabled(c.Ban.UnbanCommand)
}

// BanDuration returns the ban length. Zero means permanent.
func (c *Config) BanDuration() time.Duration {
	return time.Duration(c.Ban.Length) * time.Second
}

// WelcomeMessages returns the welcome table, or nil when the fake server is off.
func (c *Config) WelcomeMessages() []WelcomeMessage {
	if !c.FakeServer.Enabled {
		return nil
	}
	return c.FakeServer.WelcomeMessages
}

// DisconnectCeiling returns the upper bound of the per-listener disconnect
// delay in seconds, or 0 when the fake server is off.
func (c *Config) DisconnectCeiling() int {
	if !c.FakeServer.Enabled {
		return 0
	}
	return c.FakeServer.MaxDisconnectDelay
}

// Marshal renders the snapshot back to YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
