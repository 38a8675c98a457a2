// Package runner executes ban and unban commands as OS processes.
//
// Commands run through go-restricted-runner, so an operator can confine them
// with firejail, docker or sandbox-exec. By default they run unrestricted
// (exec runner). Execution is fire-and-forget: Run reports whether the process
// was spawned, not whether it succeeded.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/inercia/go-restricted-runner/pkg/common"
	grrunner "github.com/inercia/go-restricted-runner/pkg/runner"
	"golang.org/x/time/rate"

	"github.com/honeyport/honeyport/internal/config"
)

// maxStderrCapture bounds how much of a failed command's stderr is logged.
const maxStderrCapture = 1024

// ErrEmptyCommand is returned when a command line has no tokens.
var ErrEmptyCommand = errors.New("empty command")

// Runner executes a fully expanded command line.
// Implementations must be safe for concurrent use.
type Runner interface {
	Run(ctx context.Context, command string) error
}

// Func adapts a function to the Runner interface.
type Func func(ctx context.Context, command string) error

// Run calls f(ctx, command).
func (f Func) Run(ctx context.Context, command string) error {
	return f(ctx, command)
}

type rateLimitExemptKey struct{}

// WithoutRateLimit marks ctx so that Run spawns without waiting on the
// spawn rate limiter. Teardown uses it to lift every ban at once.
func WithoutRateLimit(ctx context.Context) context.Context {
	return context.WithValue(ctx, rateLimitExemptKey{}, true)
}

// RateLimitExempt reports whether ctx was marked by WithoutRateLimit.
func RateLimitExempt(ctx context.Context) bool {
	exempt, _ := ctx.Value(rateLimitExemptKey{}).(bool)
	return exempt
}

// FallbackInfo contains information about a runner fallback.
type FallbackInfo struct {
	// RequestedType is the runner type that was requested
	RequestedType string
	// FallbackType is the runner type that was used instead (always "exec")
	FallbackType string
	// Reason is the error message explaining why fallback occurred
	Reason string
}

// Exec runs commands through go-restricted-runner.
type Exec struct {
	runner  grrunner.Runner
	typ     string
	limiter *rate.Limiter
	logger  *slog.Logger

	// FallbackInfo is set when the requested runner type was unavailable.
	FallbackInfo *FallbackInfo

	// wg tracks reaper goroutines so tests can wait for processes to exit.
	wg sync.WaitGroup
}

// New creates an Exec runner from the runner section of the configuration.
// If the requested type cannot be created or is unavailable on this host, it
// falls back to the unrestricted exec runner and records why in FallbackInfo.
func New(cfg config.RunnerConfig, logger *slog.Logger) (*Exec, error) {
	runnerLogger, err := common.NewLogger("", "", common.LogLevelInfo, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create runner logger: %w", err)
	}

	requested := cfg.Type
	if requested == "" {
		requested = "exec"
	}

	resolvedType := requested
	var fallbackInfo *FallbackInfo

	r, err := grrunner.New(toRunnerType(requested), grrunner.Options{}, runnerLogger)
	if err == nil {
		err = r.CheckImplicitRequirements()
	}
	if err != nil {
		if requested == "exec" {
			return nil, fmt.Errorf("failed to create exec runner: %w", err)
		}
		if logger != nil {
			logger.Warn("restricted runner not available, falling back to exec",
				"requested_type", requested,
				"error", err.Error())
		}
		fallbackInfo = &FallbackInfo{
			RequestedType: requested,
			FallbackType:  "exec",
			Reason:        err.Error(),
		}
		r, err = grrunner.New(grrunner.TypeExec, grrunner.Options{}, runnerLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create fallback exec runner: %w", err)
		}
		resolvedType = "exec"
	}

	e := &Exec{
		runner:       r,
		typ:          resolvedType,
		logger:       logger,
		FallbackInfo: fallbackInfo,
	}

	if cfg.MaxSpawnsPerSecond > 0 {
		burst := int(math.Ceil(cfg.MaxSpawnsPerSecond))
		e.limiter = rate.NewLimiter(rate.Limit(cfg.MaxSpawnsPerSecond), burst)
	}

	if logger != nil {
		logger.Debug("created command runner",
			"type", resolvedType,
			"fallback", fallbackInfo != nil,
			"max_spawns_per_second", cfg.MaxSpawnsPerSecond)
	}

	return e, nil
}

// toRunnerType maps a configuration string to a go-restricted-runner type.
func toRunnerType(typeStr string) grrunner.Type {
	switch typeStr {
	case "sandbox-exec":
		return grrunner.TypeSandboxExec
	case "firejail":
		return grrunner.TypeFirejail
	case "docker":
		return grrunner.TypeDocker
	default:
		return grrunner.TypeExec
	}
}

// Type returns the runner type being used.
func (e *Exec) Type() string {
	return e.typ
}

// Run splits command into argv and spawns it without waiting for it to finish.
// The returned error covers tokenizing, rate limiting and process creation only.
// The process is not tied to ctx and outlives it.
func (e *Exec) Run(ctx context.Context, command string) error {
	argv, err := Split(command)
	if err != nil {
		return err
	}

	if e.limiter != nil && !RateLimitExempt(ctx) {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("spawn rate limit: %w", err)
		}
	}

	stdin, stdout, stderr, wait, err := e.runner.RunWithPipes(context.WithoutCancel(ctx), argv[0], argv[1:], nil, nil)
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	if stdin != nil {
		stdin.Close()
	}

	e.wg.Add(1)
	go e.reap(argv[0], stdout, stderr, wait)
	return nil
}

// reap drains the process pipes and waits for it, logging a non-zero exit.
func (e *Exec) reap(name string, stdout, stderr io.Reader, wait func() error) {
	defer e.wg.Done()

	var errOut bytes.Buffer
	var pipes sync.WaitGroup
	if stdout != nil {
		pipes.Add(1)
		go func() {
			defer pipes.Done()
			_, _ = io.Copy(io.Discard, stdout)
		}()
	}
	if stderr != nil {
		pipes.Add(1)
		go func() {
			defer pipes.Done()
			_, _ = io.Copy(&errOut, io.LimitReader(stderr, maxStderrCapture))
			_, _ = io.Copy(io.Discard, stderr)
		}()
	}
	pipes.Wait()

	if err := wait(); err != nil && e.logger != nil {
		e.logger.Warn("command exited with error",
			"command", name,
			"error", err,
			"stderr", errOut.String())
	}
}

// Wait blocks until every spawned process has exited.
func (e *Exec) Wait() {
	e.wg.Wait()
}
