// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "breakout-trader", "logs", "engine.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
			FormatLevel: func(i interface{}) string {
				if ll, ok := i.(string); ok {
					switch ll {
					case "debug":
						return "\033[36mDBG\033[0m"
					case "info":
						return "\033[32mINF\033[0m"
					case "warn":
						return "\033[33mWRN\033[0m"
					case "error":
						return "\033[31mERR\033[0m"
					default:
						return ll
					}
				}
				return "???"
			},
		}
		writers = append(writers, consoleWriter)
	}

	if cfg.File {
		logDir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(logDir, 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	return zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()
}

// ParseLevel converts a level name to a zerolog level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// WithStream adds a stream id to the logger context.
func WithStream(logger zerolog.Logger, streamID string) zerolog.Logger {
	return logger.With().Str("stream", streamID).Logger()
}

// WithInstrument adds an instrument to the logger context.
func WithInstrument(logger zerolog.Logger, instrument string) zerolog.Logger {
	return logger.With().Str("instrument", instrument).Logger()
}

// WithIntent adds an intent id to the logger context.
func WithIntent(logger zerolog.Logger, intentID string) zerolog.Logger {
	return logger.With().Str("intent_id", intentID).Logger()
}

// WithComponent adds a component name to the logger context.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// LogOrder logs an order lifecycle event.
func LogOrder(logger zerolog.Logger, intentID, instrument, direction, status string, qty int, price float64) {
	logger.Info().
		Str("event", "order").
		Str("intent_id", intentID).
		Str("instrument", instrument).
		Str("direction", direction).
		Str("status", status).
		Int("quantity", qty).
		Float64("price", price).
		Msg("Order update")
}

// LogCommit logs a stream commit.
func LogCommit(logger zerolog.Logger, streamID, reason, detail string) {
	logger.Info().
		Str("event", "commit").
		Str("stream", streamID).
		Str("reason", reason).
		Str("detail", detail).
		Msg("Stream committed")
}

// LogBarRejected logs a dropped bar at debug level.
func LogBarRejected(logger zerolog.Logger, instrument string, ts time.Time, reason string) {
	logger.Debug().
		Str("event", "bar_rejected").
		Str("instrument", instrument).
		Time("bar_time", ts).
		Str("reason", reason).
		Msg("Bar rejected")
}

// LogAdapterCall logs a call to the order adapter.
func LogAdapterCall(logger zerolog.Logger, method, intentID string, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "adapter_call").
		Str("method", method).
		Str("intent_id", intentID).
		Dur("duration", duration)

	if err != nil {
		event.Err(err).Msg("Adapter call failed")
	} else {
		event.Msg("Adapter call completed")
	}
}
