package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/reeflective/readline"

	"github.com/honeyport/honeyport/internal/banlist"
	"github.com/honeyport/honeyport/internal/honeypot"
	"github.com/honeyport/honeyport/internal/logging"
	"github.com/honeyport/honeyport/internal/session"
)

var (
	errNotACommand     = errors.New("commands start with '!'")
	errUnknownCommand  = errors.New("unknown command")
	errMissingArgument = errors.New("missing argument")
)

// consoleCommands defines the console commands with their descriptions.
var consoleCommands = []struct {
	name        string
	arg         string
	description string
}{
	{"!h", "", "Show available commands"},
	{"!c", "", "Show the current configuration"},
	{"!p", "", "List listening ports"},
	{"!s", "<port>", "Stop listening on a port"},
	{"!w", "", "List whitelisted addresses"},
	{"!b", "", "List banned addresses and the detection total"},
	{"!u", "<ip>", "Unban an address"},
	{"!r", "", "Reload the configuration"},
	{"!q", "", "Quit"},
}

// consoleLine is a parsed console command.
type consoleLine struct {
	name string
	arg  string
}

// parseConsoleLine splits a console line into a known command and its argument.
func parseConsoleLine(line string) (consoleLine, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "!") {
		return consoleLine{}, errNotACommand
	}

	name := strings.ToLower(fields[0])
	for _, c := range consoleCommands {
		if c.name != name {
			continue
		}
		parsed := consoleLine{name: name}
		if c.arg != "" {
			if len(fields) < 2 {
				return parsed, fmt.Errorf("%w: %s %s", errMissingArgument, c.name, c.arg)
			}
			parsed.arg = fields[1]
		}
		return parsed, nil
	}
	return consoleLine{}, fmt.Errorf("%w: %s", errUnknownCommand, fields[0])
}

// sessionController is what the console needs from the session manager.
type sessionController interface {
	Current() *session.Session
	Reload() (*session.Session, error)
}

// Console executes operator commands against the running session.
type Console struct {
	ctl sessionController
	out io.Writer
}

// Execute runs one console line and reports whether the operator asked to quit.
func (c *Console) Execute(line string) (quit bool) {
	cmd, err := parseConsoleLine(line)
	if err != nil {
		fmt.Fprintf(c.out, "❓ %v (use !h for available commands)\n", err)
		return false
	}
	logging.Console().Debug("Console command", "command", cmd.name, "arg", cmd.arg)

	if cmd.name == "!q" {
		return true
	}
	if cmd.name == "!h" {
		c.printHelp()
		return false
	}
	if cmd.name == "!r" {
		c.reload()
		return false
	}

	s := c.ctl.Current()
	if s == nil {
		fmt.Fprintln(c.out, "❌ No running session")
		return false
	}

	switch cmd.name {
	case "!c":
		data, err := s.Config().Marshal()
		if err != nil {
			fmt.Fprintf(c.out, "❌ %v\n", err)
			return false
		}
		fmt.Fprintf(c.out, "# %s\n%s", s.Config().Path, data)
	case "!p":
		ports := s.ListPorts()
		fmt.Fprintf(c.out, "Listening on %d ports:\n", len(ports))
		for _, port := range ports {
			fmt.Fprintf(c.out, "  %d\n", port)
		}
	case "!s":
		c.stopPort(s, cmd.arg)
	case "!w":
		entries := s.Whitelist()
		fmt.Fprintf(c.out, "Whitelisted (%d):\n", len(entries))
		for _, entry := range entries {
			fmt.Fprintf(c.out, "  %s\n", entry)
		}
	case "!b":
		entries := s.BannedEntries()
		fmt.Fprintf(c.out, "Banned (%d):\n", len(entries))
		for _, e := range entries {
			if e.ExpiresAt.IsZero() {
				fmt.Fprintf(c.out, "  %s\n", e.Addr)
			} else {
				fmt.Fprintf(c.out, "  %s until %s\n", e.Addr, e.ExpiresAt.Format("2006-01-02 15:04:05"))
			}
		}
		fmt.Fprintf(c.out, "Total detections: %d\n", s.Detections())
	case "!u":
		c.unban(s, cmd.arg)
	}
	return false
}

func (c *Console) stopPort(s *session.Session, arg string) {
	port, err := strconv.Atoi(arg)
	if err != nil || port < 1 || port > 65535 {
		fmt.Fprintf(c.out, "❌ Invalid port: %s\n", arg)
		return
	}
	switch err := s.StopPort(port); {
	case err == nil:
		fmt.Fprintf(c.out, "🛑 Stopped listening on port %d\n", port)
	case errors.Is(err, honeypot.ErrNotListening):
		fmt.Fprintf(c.out, "Not listening on port %d\n", port)
	default:
		fmt.Fprintf(c.out, "❌ Failed to stop port %d: %v\n", port, err)
	}
}

func (c *Console) unban(s *session.Session, arg string) {
	status, err := s.Unban(arg)
	switch {
	case errors.Is(err, banlist.ErrInvalidAddress):
		fmt.Fprintf(c.out, "❌ Invalid address: %s\n", arg)
	case errors.Is(err, banlist.ErrUnbanDisabled):
		fmt.Fprintln(c.out, "Unbanning is disabled (ban.unban_command is OFF)")
	case err != nil:
		fmt.Fprintf(c.out, "❌ Failed to unban %s: %v\n", arg, err)
	case status == banlist.StatusNotFound:
		fmt.Fprintf(c.out, "%s is not banned\n", arg)
	default:
		fmt.Fprintf(c.out, "✅ Unbanned %s\n", arg)
	}
}

func (c *Console) reload() {
	fmt.Fprintln(c.out, "🔄 Reloading configuration...")
	s, err := c.ctl.Reload()
	if err != nil {
		fmt.Fprintf(c.out, "❌ %v\n", err)
		if s != nil {
			fmt.Fprintf(c.out, "Still listening on %d ports\n", len(s.ListPorts()))
		}
		return
	}
	fmt.Fprintf(c.out, "✅ Reloaded, listening on %d ports\n", len(s.ListPorts()))
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, "\nAvailable commands:")
	for _, cmd := range consoleCommands {
		usage := cmd.name
		if cmd.arg != "" {
			usage += " " + cmd.arg
		}
		fmt.Fprintf(c.out, "  %-10s - %s\n", usage, cmd.description)
	}
}

// runConsole reads commands until the operator quits, stdin closes or ctx ends.
func runConsole(ctx context.Context, c *Console) error {
	rl := readline.NewShell()
	rl.Prompt.Primary(func() string { return "honeyport> " })

	history := readline.NewInMemoryHistory()
	rl.History.Add("default", history)

	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(string(line), cursor)
	}

	fmt.Fprintln(c.out, "\n🍯 honeyport console. Use !h for commands. Tab completes commands.")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if c.Execute(line) {
			return nil
		}
	}
}

// completeInput provides tab completion for console commands.
func completeInput(line string, cursor int) readline.Completions {
	matches := matchCommands(line, cursor)
	if len(matches) == 0 {
		return readline.Completions{}
	}

	pairs := make([]string, 0, len(matches)*2)
	for _, i := range matches {
		pairs = append(pairs, consoleCommands[i].name, consoleCommands[i].description)
	}
	return readline.CompleteValuesDescribed(pairs...).Tag("commands")
}

// matchCommands returns the indexes of the commands completing the word
// before cursor. Only the first word of a line is completed.
func matchCommands(line string, cursor int) []int {
	if cursor > len(line) {
		cursor = len(line)
	}
	text := line[:cursor]

	if !strings.HasPrefix(text, "!") || strings.Contains(text, " ") {
		return nil
	}

	var matches []int
	for i, cmd := range consoleCommands {
		if strings.HasPrefix(cmd.name, text) {
			matches = append(matches, i)
		}
	}
	return matches
}
