package runner

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Placeholder is replaced with the target address in command templates.
const Placeholder = "%ip"

// Expand replaces every occurrence of Placeholder in template with addr.
// The address is inserted verbatim; it is not quoted or escaped.
func Expand(template, addr string) string {
	return strings.ReplaceAll(template, Placeholder, addr)
}

// Split tokenizes a command line into argv using shell quoting rules.
func Split(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	return argv, nil
}
