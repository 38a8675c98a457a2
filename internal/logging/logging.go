// Package logging provides centralized logging configuration for honeyport.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Custom levels for honeypot events. They sit between INFO and WARN so that a
// console at "info" shows them and a console at "warn" hides them.
const (
	// LevelDetection marks an inbound connection on a monitored port.
	LevelDetection = slog.Level(2)
	// LevelBan marks a ban or unban command issued for an address.
	LevelBan = slog.Level(3)
)

var (
	// globalLogger is the application-wide logger
	globalLogger *slog.Logger
	globalMu     sync.RWMutex

	// logWriters holds the log file writers (if any) for cleanup
	logWriters  []io.WriteCloser
	logWriterMu sync.Mutex

	// allowedComponents stores the set of components to log (empty means all)
	allowedComponents map[string]bool
	componentsMu      sync.RWMutex
)

// FileLogConfig holds configuration for file-based logging with rotation.
type FileLogConfig struct {
	// Path is the file path for the log file.
	// Empty string disables file logging.
	Path string

	// MaxSizeMB is the maximum size of the log file in megabytes before rotation.
	// Default: 10MB
	MaxSizeMB int

	// MaxBackups is the maximum number of old log files to retain.
	// Default: 3
	MaxBackups int

	// Compress determines if rotated log files should be compressed.
	Compress bool
}

// DefaultFileLogConfig returns the default file log configuration.
func DefaultFileLogConfig() FileLogConfig {
	return FileLogConfig{
		MaxSizeMB:  10,
		MaxBackups: 3,
		Compress:   false,
	}
}

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level for console output (debug, info, detection, ban, warn, error)
	Level string
	// FileLevel is the minimum log level for file output.
	// If empty, defaults to Level.
	FileLevel string
	// FileLog is the configuration for the application log file with rotation.
	FileLog *FileLogConfig
	// DetectionLog receives only detection and ban events.
	DetectionLog *FileLogConfig
	// JSON enables JSON output format
	JSON bool
	// Components is a list of component names to include in logs (empty means all)
	Components []string
	// Console overrides the console writer (os.Stderr when nil).
	Console io.Writer
}

// Initialize sets up the global logger with the given configuration.
// Logs always go to the console; FileLog adds a rotated application log and
// DetectionLog adds a rotated log restricted to detection and ban events.
func Initialize(cfg Config) error {
	consoleLevel := ParseLevel(cfg.Level)
	fileLevel := consoleLevel
	if cfg.FileLevel != "" {
		fileLevel = ParseLevel(cfg.FileLevel)
	}

	componentsMu.Lock()
	if len(cfg.Components) > 0 {
		allowedComponents = make(map[string]bool)
		for _, c := range cfg.Components {
			allowedComponents[c] = true
		}
	} else {
		allowedComponents = nil // nil means all components allowed
	}
	componentsMu.Unlock()

	logWriterMu.Lock()
	defer logWriterMu.Unlock()
	closeWritersLocked()

	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}

	createHandler := func(w io.Writer, level slog.Level) slog.Handler {
		opts := &slog.HandlerOptions{Level: level, ReplaceAttr: replaceLevelNames}
		if cfg.JSON {
			return slog.NewJSONHandler(w, opts)
		}
		return slog.NewTextHandler(w, opts)
	}

	handlers := []slog.Handler{createHandler(console, consoleLevel)}

	if cfg.FileLog != nil && cfg.FileLog.Path != "" {
		lj := newRotatingWriter(*cfg.FileLog)
		logWriters = append(logWriters, lj)
		handlers = append(handlers, createHandler(lj, fileLevel))
	}

	if cfg.DetectionLog != nil && cfg.DetectionLog.Path != "" {
		lj := newRotatingWriter(*cfg.DetectionLog)
		logWriters = append(logWriters, lj)
		handlers = append(handlers, &eventOnlyHandler{inner: createHandler(lj, LevelDetection)})
	}

	var handler slog.Handler
	if len(handlers) == 1 {
		handler = handlers[0]
	} else {
		handler = &multiHandler{handlers: handlers}
	}

	logger := slog.New(handler)

	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()

	slog.SetDefault(logger)

	return nil
}

// newRotatingWriter creates a lumberjack logger with defaults applied.
func newRotatingWriter(cfg FileLogConfig) *lumberjack.Logger {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := cfg.MaxBackups
	if maxBackups < 0 {
		maxBackups = 3
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    maxSize,    // megabytes
		MaxBackups: maxBackups, // number of backups
		MaxAge:     0,          // don't delete old files based on age
		Compress:   cfg.Compress,
	}
}

// replaceLevelNames renders the custom levels by name instead of "INFO+2".
func replaceLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch level {
	case LevelDetection:
		a.Value = slog.StringValue("DETECTION")
	case LevelBan:
		a.Value = slog.StringValue("BAN")
	}
	return a
}

// multiHandler fans out log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// eventOnlyHandler passes through detection and ban records only.
type eventOnlyHandler struct {
	inner slog.Handler
}

func isEventLevel(level slog.Level) bool {
	return level == LevelDetection || level == LevelBan
}

func (h *eventOnlyHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return isEventLevel(level) && h.inner.Enabled(ctx, level)
}

func (h *eventOnlyHandler) Handle(ctx context.Context, r slog.Record) error {
	if !isEventLevel(r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *eventOnlyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &eventOnlyHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *eventOnlyHandler) WithGroup(name string) slog.Handler {
	return &eventOnlyHandler{inner: h.inner.WithGroup(name)}
}

// Get returns the global logger.
// If Initialize hasn't been called, returns slog.Default().
func Get() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()

	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// Close cleans up logging resources (closes log files if open).
func Close() error {
	logWriterMu.Lock()
	defer logWriterMu.Unlock()
	return closeWritersLocked()
}

func closeWritersLocked() error {
	var firstErr error
	for _, w := range logWriters {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close log file: %w", err)
		}
	}
	logWriters = nil
	return firstErr
}

// ParseLevel converts a string level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "detection":
		return LevelDetection
	case "ban":
		return LevelBan
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// isComponentAllowed checks if a component should be logged.
func isComponentAllowed(component string) bool {
	componentsMu.RLock()
	defer componentsMu.RUnlock()

	if allowedComponents == nil {
		return true
	}
	return allowedComponents[component]
}

// componentFilterHandler wraps a slog.Handler and filters based on component.
type componentFilterHandler struct {
	inner     slog.Handler
	component string
}

func (h *componentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if !isComponentAllowed(h.component) {
		return false
	}
	return h.inner.Enabled(ctx, level)
}

func (h *componentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	if !isComponentAllowed(h.component) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *componentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &componentFilterHandler{
		inner:     h.inner.WithAttrs(attrs),
		component: h.component,
	}
}

func (h *componentFilterHandler) WithGroup(name string) slog.Handler {
	return &componentFilterHandler{
		inner:     h.inner.WithGroup(name),
		component: h.component,
	}
}

// WithComponent returns a logger with a component attribute.
// If component filtering is enabled and this component is not in the allowed list,
// the returned logger will be a no-op logger.
func WithComponent(component string) *slog.Logger {
	base := Get()
	handler := &componentFilterHandler{
		inner:     base.Handler().WithAttrs([]slog.Attr{slog.String("component", component)}),
		component: component,
	}
	return slog.New(handler)
}

// Listener returns a logger for listener and connection events.
func Listener() *slog.Logger {
	return WithComponent("listener")
}

// BanList returns a logger for ban table events.
func BanList() *slog.Logger {
	return WithComponent("banlist")
}

// Runner returns a logger for command execution.
func Runner() *slog.Logger {
	return WithComponent("runner")
}

// Console returns a logger for interactive console events.
func Console() *slog.Logger {
	return WithComponent("console")
}

// ConfigLogger returns a logger for configuration loading and watching.
func ConfigLogger() *slog.Logger {
	return WithComponent("config")
}

// Session returns a logger for session lifecycle events.
func Session() *slog.Logger {
	return WithComponent("session")
}

// Shutdown returns a logger for shutdown events.
func Shutdown() *slog.Logger {
	return WithComponent("shutdown")
}

// WithSession returns a logger that includes the session_id attribute.
func WithSession(base *slog.Logger, sessionID string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With("session_id", sessionID)
}

// WithPort returns a logger that includes the listening port.
func WithPort(base *slog.Logger, port int) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With("port", port)
}

// Detection logs msg at LevelDetection.
func Detection(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelDetection, msg, args...)
}

// Ban logs msg at LevelBan.
func Ban(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelBan, msg, args...)
}

// Discard returns a logger that drops every record. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
