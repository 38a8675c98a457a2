package cmd

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/honeyport/honeyport/internal/config"
	"github.com/honeyport/honeyport/internal/honeypot"
	"github.com/honeyport/honeyport/internal/logging"
	"github.com/honeyport/honeyport/internal/runner"
	"github.com/honeyport/honeyport/internal/session"
)

func TestParseConsoleLine(t *testing.T) {
	tests := []struct {
		line    string
		want    consoleLine
		wantErr error
	}{
		{line: "!h", want: consoleLine{name: "!h"}},
		{line: "  !P  ", want: consoleLine{name: "!p"}},
		{line: "!s 8080", want: consoleLine{name: "!s", arg: "8080"}},
		{line: "!u 192.0.2.1 extra", want: consoleLine{name: "!u", arg: "192.0.2.1"}},
		{line: "!s", wantErr: errMissingArgument},
		{line: "!u", wantErr: errMissingArgument},
		{line: "!x", wantErr: errUnknownCommand},
		{line: "hello", wantErr: errNotACommand},
		{line: "", wantErr: errNotACommand},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseConsoleLine(tt.line)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchCommands(t *testing.T) {
	names := func(idx []int) []string {
		var out []string
		for _, i := range idx {
			out = append(out, consoleCommands[i].name)
		}
		return out
	}

	assert.Len(t, matchCommands("!", 1), len(consoleCommands))
	assert.Equal(t, []string{"!s"}, names(matchCommands("!s", 2)))
	assert.Equal(t, []string{"!u"}, names(matchCommands("!u", 100)))
	assert.Empty(t, matchCommands("", 0))
	assert.Empty(t, matchCommands("hello", 5))
	assert.Empty(t, matchCommands("!u 1", 4), "arguments are not completed")
	assert.Empty(t, matchCommands("!z", 2))
}

func TestConsoleCommandsDefinition(t *testing.T) {
	seen := map[string]bool{}
	for _, cmd := range consoleCommands {
		assert.False(t, seen[cmd.name], "duplicate command %s", cmd.name)
		seen[cmd.name] = true
		assert.NotEmpty(t, cmd.description, "command %s has empty description", cmd.name)
	}
	for _, name := range []string{"!h", "!c", "!p", "!s", "!w", "!b", "!u", "!r", "!q"} {
		assert.True(t, seen[name], "missing command %s", name)
	}
}

// fakeController serves a fixed session and counts reloads.
type fakeController struct {
	s         *session.Session
	reloads   int
	reloadErr error
}

func (f *fakeController) Current() *session.Session { return f.s }

func (f *fakeController) Reload() (*session.Session, error) {
	f.reloads++
	return f.s, f.reloadErr
}

func startTestSession(t *testing.T) (*session.Session, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg, err := config.Parse([]byte(`
ban:
  command: "ban %ip"
  unban_command: "unban %ip"
ports:
  specific: [` + strconv.Itoa(port) + `]
whitelist: [10.1.2.3]
`))
	require.NoError(t, err)

	s, err := session.New(cfg, session.Options{
		Runner: runner.Func(func(context.Context, string) error { return nil }),
		Pool: honeypot.PoolOptions{
			BindAddress: "127.0.0.1",
			SettleDelay: 50 * time.Millisecond,
			Logger:      logging.Discard(),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Start()
	require.NoError(t, err)
	return s, port
}

func TestConsole_Execute(t *testing.T) {
	s, port := startTestSession(t)
	ctl := &fakeController{s: s}
	var out bytes.Buffer
	c := &Console{ctl: ctl, out: &out}

	run := func(line string) string {
		out.Reset()
		assert.False(t, c.Execute(line), line)
		return out.String()
	}

	assert.Contains(t, run("!h"), "!u <ip>")
	assert.Contains(t, run("!p"), strconv.Itoa(port))
	assert.Contains(t, run("!w"), "10.1.2.3")
	assert.Contains(t, run("!c"), "unban_command: unban %ip")
	assert.Contains(t, run("!b"), "Total detections: 0")
	assert.Contains(t, run("!u 192.0.2.1"), "is not banned")
	assert.Contains(t, run("!u nonsense"), "Invalid address")
	assert.Contains(t, run("!s abc"), "Invalid port")
	assert.Contains(t, run("!s "+strconv.Itoa(port)), "Stopped listening")
	assert.Contains(t, run("!s "+strconv.Itoa(port)), "Not listening")
	assert.Contains(t, run("!x"), "unknown command")

	assert.Contains(t, run("!r"), "Reloaded")
	ctl.reloadErr = errors.New("bad yaml")
	assert.Contains(t, run("!r"), "bad yaml")
	assert.Equal(t, 2, ctl.reloads)

	assert.True(t, c.Execute("!q"))
}

func TestConsole_NoSession(t *testing.T) {
	var out bytes.Buffer
	c := &Console{ctl: &fakeController{}, out: &out}

	assert.False(t, c.Execute("!p"))
	assert.Contains(t, out.String(), "No running session")
}
