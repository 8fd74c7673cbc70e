// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Service is attached to every line as the "service" field when set.
	Service string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Pretty:  false,
		Output:  os.Stderr,
		Service: "season-sync",
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
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

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Queue receive/ack/nack
//   - Individual season upserts
//   - Catalog response cache hits
//
// Info: Normal operation events
//   - Run started / finished
//   - Page processed (entities queued, continuation queued)
//   - Show processed (n/m seasons persisted)
//   - Server and worker startup/shutdown
//
// Warn: Conditions that don't stop the data path
//   - Retry attempts and message redeliveries
//   - Skipped source members with malformed keys
//   - Entity enqueue failures inside a page
//   - Catalog cooldown active
//
// Error: Conditions requiring attention
//   - Work items dead-lettered
//   - Missing run records and missing season ids
//   - Observability writes that failed (run, retry, dead-letter records)
//   - Non-recoverable database errors
//
// Context Fields:
//   - import_id: bulk run identifier
//   - show_id: parent entity id
//   - season_id: detail record id
//   - operation_type: retry policy operation name
//   - attempt / max_attempts: call-level retry position
//   - dequeue_count: message delivery counter
//   - batch_number / batch_size: page token position
