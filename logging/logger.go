package logging

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Logger wraps zerolog.Logger for easier use
type Logger = zerolog.Logger

// shortCallerMarshalFunc keeps only "pkg/file.go:line".
func shortCallerMarshalFunc(_ uintptr, file string, line int) string {
	dir := filepath.Base(filepath.Dir(file))
	name := filepath.Base(file)
	if dir == "." || dir == string(filepath.Separator) {
		return name + ":" + strconv.Itoa(line)
	}
	return dir + "/" + name + ":" + strconv.Itoa(line)
}

// New builds the process logger and installs it as the zerolog global.
// Unknown levels fall back to info; "console" or "pretty" switch to the
// human readable writer.
func New(config Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(config.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.CallerMarshalFunc = shortCallerMarshalFunc

	var output io.Writer
	switch config.Output {
	case "stderr":
		output = os.Stderr
	case "discard":
		output = io.Discard
	default:
		output = os.Stdout
	}
	if config.Format == "pretty" || config.Format == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(output).With().Timestamp().Caller().Logger()
	log.Logger = logger
	return logger
}

// WithTraceID adds trace_id to logger context
func WithTraceID(logger zerolog.Logger, traceID string) zerolog.Logger {
	return logger.With().Str("trace_id", traceID).Logger()
}

// WithAccountID adds account_id to logger context
func WithAccountID(logger zerolog.Logger, accountID string) zerolog.Logger {
	return logger.With().Str("account_id", accountID).Logger()
}

// WithIdempotencyKey adds idempotency_key to logger context
func WithIdempotencyKey(logger zerolog.Logger, key string) zerolog.Logger {
	return logger.With().Str("idempotency_key", key).Logger()
}
