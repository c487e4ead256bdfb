package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Options configures the process logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, text or auto
	Writer io.Writer
}

var level = new(slog.LevelVar)

// InitLogger builds the process logger and installs it as the slog default.
// Format "auto" picks text on a terminal and JSON otherwise.
func InitLogger(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	level.Set(ParseLevel(opts.Level))
	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: strings.EqualFold(opts.Level, "debug"),
	}

	var handler slog.Handler
	switch resolveFormat(opts.Format, w) {
	case "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the level of the logger built by InitLogger.
func SetLevel(v string) {
	level.Set(ParseLevel(v))
}

// CurrentLevel reports the active level.
func CurrentLevel() slog.Level {
	return level.Level()
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewComponentLogger creates a component-specific logger with context.
// It adds the component name to all log messages for better traceability.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(
		slog.String("component", component),
	)
}

func resolveFormat(format string, w io.Writer) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return "json"
	case "text":
		return "text"
	}
	if f, ok := w.(*os.File); ok {
		fd := f.Fd()
		if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
			return "text"
		}
	}
	return "json"
}
