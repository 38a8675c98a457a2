package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse_Full(t *testing.T) {
	yaml := `
log:
  level: debug
  detection_file: /var/log/honeyport/detections.log
ban:
  command: "iptables -I INPUT -s %ip -j DROP"
  unban_command: "iptables -D INPUT -s %ip -j DROP"
  length: 120
ports:
  range:
    start: 8000
    end: 8010
  specific: [22, 23]
  exclude: [8005]
  bind_address: 127.0.0.1
whitelist:
  - 10.0.0.0/8
  - 192.168.1.1
fake_server:
  enabled: true
  max_disconnect_delay: 5
  welcome_messages:
    - type: base64
      content: aGk=
    - type: UTF-8
      content: hello
runner:
  type: firejail
  max_spawns_per_second: 2.5
metrics:
  listen: 127.0.0.1:9464
watch_config: true
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if !cfg.BanEnabled() || !cfg.UnbanEnabled() {
		t.Error("ban and unban should be enabled")
	}
	if cfg.BanDuration() != 120*time.Second {
		t.Errorf("BanDuration = %v, want 2m", cfg.BanDuration())
	}
	if cfg.Ports.Range.Start != 8000 || cfg.Ports.Range.End != 8010 {
		t.Errorf("Ports.Range = %+v", cfg.Ports.Range)
	}
	if len(cfg.Ports.Specific) != 2 || len(cfg.Ports.Exclude) != 1 {
		t.Errorf("Ports = %+v", cfg.Ports)
	}
	if len(cfg.Whitelist) != 2 {
		t.Errorf("Whitelist = %v", cfg.Whitelist)
	}
	msgs := cfg.WelcomeMessages()
	if len(msgs) != 2 || !msgs[0].IsBase64() || msgs[1].IsBase64() {
		t.Errorf("WelcomeMessages = %+v", msgs)
	}
	if cfg.DisconnectCeiling() != 5 {
		t.Errorf("DisconnectCeiling = %d, want 5", cfg.DisconnectCeiling())
	}
	if cfg.Runner.Type != "firejail" || cfg.Runner.MaxSpawnsPerSecond != 2.5 {
		t.Errorf("Runner = %+v", cfg.Runner)
	}
	if cfg.Metrics.Listen != "127.0.0.1:9464" || !cfg.WatchConfig {
		t.Errorf("Metrics/WatchConfig not parsed: %+v %v", cfg.Metrics, cfg.WatchConfig)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("ports:\n  specific: [2222]\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default level = %q, want info", cfg.Log.Level)
	}
	if cfg.Runner.Type != "exec" {
		t.Errorf("default runner = %q, want exec", cfg.Runner.Type)
	}
	if cfg.BanEnabled() || cfg.UnbanEnabled() {
		t.Error("commands should default to disabled")
	}
	if cfg.Ports.Range.Enabled() {
		t.Error("missing range should be disabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("ports: [")); err == nil {
		t.Error("expected parse error")
	}
}

func TestFakeServerDisabled(t *testing.T) {
	cfg, err := Parse([]byte(`
fake_server:
  enabled: false
  max_disconnect_delay: 30
  welcome_messages:
    - type: UTF-8
      content: hi
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.WelcomeMessages() != nil {
		t.Error("welcome messages should be nil when fake server is disabled")
	}
	if cfg.DisconnectCeiling() != 0 {
		t.Error("disconnect ceiling should be 0 when fake server is disabled")
	}
}

func TestCommandEnabled(t *testing.T) {
	tests := []struct {
		command string
		want    bool
	}{
		{"", false},
		{"OFF", false},
		{"off", false},
		{"  Off  ", false},
		{"iptables -I INPUT -s %ip -j DROP", true},
	}
	for _, tt := range tests {
		if got := CommandEnabled(tt.command); got != tt.want {
			t.Errorf("CommandEnabled(%q) = %v, want %v", tt.command, got, tt.want)
		}
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{"range out of bounds", "ports:\n  range: {start: 1, end: 70000}\n", "ports.range"},
		{"range reversed", "ports:\n  range: {start: 100, end: 50}\n", "greater than end"},
		{"specific out of bounds", "ports:\n  specific: [0]\n", "ports.specific"},
		{"specific inside range", "ports:\n  range: {start: 8000, end: 8010}\n  specific: [8005]\n", "already included"},
		{"exclude out of bounds", "ports:\n  exclude: [65536]\n", "ports.exclude"},
		{"bad bind address", "ports:\n  bind_address: localhost\n", "bind_address"},
		{"negative ban length", "ban:\n  length: -1\n", "ban.length"},
		{"delay too high", "fake_server:\n  max_disconnect_delay: 61\n", "max_disconnect_delay"},
		{"delay negative", "fake_server:\n  max_disconnect_delay: -1\n", "max_disconnect_delay"},
		{"bad base64", "fake_server:\n  welcome_messages:\n    - {type: Base64, content: '!!!'}\n", "base64"},
		{"missing welcome type", "fake_server:\n  welcome_messages:\n    - {content: hi}\n", "no type"},
		{"bad whitelist", "whitelist: [not-an-ip]\n", "whitelist"},
		{"bad runner", "runner:\n  type: chroot\n", "runner.type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error should wrap ErrInvalidConfig: %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q should mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg, err := Parse([]byte("ban:\n  length: -5\nports:\n  exclude: [0]\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "ban.length") || !strings.Contains(err.Error(), "ports.exclude") {
		t.Errorf("expected both problems reported, got: %v", err)
	}
}

func TestParseWhitelistEntry(t *testing.T) {
	tests := []struct {
		entry string
		want  string
	}{
		{"192.168.1.1", "192.168.1.1/32"},
		{"10.1.2.3/8", "10.0.0.0/8"},
		{"::1", "::1/128"},
		{"::ffff:1.2.3.4", "1.2.3.4/32"},
		{" 127.0.0.1 ", "127.0.0.1/32"},
	}
	for _, tt := range tests {
		got, err := ParseWhitelistEntry(tt.entry)
		if err != nil {
			t.Errorf("ParseWhitelistEntry(%q) failed: %v", tt.entry, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParseWhitelistEntry(%q) = %s, want %s", tt.entry, got, tt.want)
		}
	}

	if _, err := ParseWhitelistEntry("10.0.0.0/33"); err == nil {
		t.Error("expected error for invalid prefix length")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "honeyport.yaml")
	if err := os.WriteFile(path, []byte("ports:\n  specific: [2323]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Path != path {
		t.Errorf("Path = %q, want %q", cfg.Path, path)
	}
	if len(cfg.Ports.Specific) != 1 || cfg.Ports.Specific[0] != 2323 {
		t.Errorf("Ports.Specific = %v", cfg.Ports.Specific)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "honeyport.yaml")
	if err := os.WriteFile(path, []byte("ban:\n  length: -1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Load error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefaultYAML_IsValid(t *testing.T) {
	cfg, err := Parse(DefaultYAML)
	if err != nil {
		t.Fatalf("DefaultYAML does not parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultYAML does not validate: %v", err)
	}
	if !cfg.BanEnabled() || !cfg.UnbanEnabled() {
		t.Error("DefaultYAML should enable both commands")
	}
	if len(cfg.WelcomeMessages()) != 2 {
		t.Errorf("DefaultYAML welcome messages = %d, want 2", len(cfg.WelcomeMessages()))
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	cfg, err := Parse(DefaultYAML)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	again, err := Parse(data)
	if err != nil {
		t.Fatalf("re-Parse failed: %v", err)
	}
	if again.Ban.Command != cfg.Ban.Command || len(again.Ports.Specific) != len(cfg.Ports.Specific) {
		t.Errorf("round trip changed config: %+v", again)
	}
}
