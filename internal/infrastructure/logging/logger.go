package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/config"
)

// serviceName is attached to every record as the "service" attribute.
const serviceName = "shellybridge"

// Logger is the bridge's structured logger.
//
// Loggers derived with With or Component share the level of their root, so
// SetLevel on any of them (e.g. after a SIGHUP config reload) applies
// everywhere.
//
// Thread Safety: All methods are safe for concurrent use.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New creates the root logger.
//
// Format "text" writes tint's colourised lines (colour only on a terminal
// stream); anything else writes JSON. Every record carries the service
// name and the bridge version.
//
// Parameters:
//   - cfg: logging section of config.yaml
//   - version: Bridge version for the "version" attribute
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, version string) *Logger {
	return newWithWriter(cfg, version, outputFor(cfg.Output))
}

func newWithWriter(cfg config.LoggingConfig, version string, output io.Writer) *Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = tint.NewHandler(output, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
			NoColor:    output != os.Stdout && output != os.Stderr,
		})
	} else {
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
	}

	root := slog.New(handler).With(
		slog.String("service", serviceName),
		slog.String("version", version),
	)
	return &Logger{Logger: root, level: level}
}

func outputFor(name string) io.Writer {
	if strings.EqualFold(name, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

// lookupLevel accepts slog's level names (and "warning"), case-insensitive.
func lookupLevel(name string) (slog.Level, bool) {
	if strings.EqualFold(name, "warning") {
		return slog.LevelWarn, true
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, false
	}
	return level, true
}

// parseLevel is lookupLevel with info for anything unrecognised.
func parseLevel(name string) slog.Level {
	level, _ := lookupLevel(name)
	return level
}

// With returns a logger with extra attributes that shares this logger's level.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// Component returns a logger tagged with component=name, e.g. "coap" or "api".
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// SetLevel changes the minimum level of this logger and every logger
// derived from the same root.
func (l *Logger) SetLevel(name string) error {
	level, ok := lookupLevel(name)
	if !ok {
		return fmt.Errorf("invalid log level %q", name)
	}
	l.level.Set(level)
	return nil
}

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// Default creates a logger for use before configuration is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}
