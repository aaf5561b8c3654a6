// Package logger provides structured logging using zerolog.
package logger

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type contextKey string

const decisionIDKey contextKey = "decision_id"

const milliTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// maxLoggedValues caps how many vector entries LogVector writes.
const maxLoggedValues = 32

// Init initializes the global logger with proper configuration based on environment.
func Init() {
	zerolog.TimeFieldFormat = milliTimeFormat
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }

	const callerWidth = 30
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		path := fmt.Sprintf("%s:%d", filepath.Base(file), line)
		if len(path) >= callerWidth {
			return path[len(path)-callerWidth:]
		}
		return path + strings.Repeat(" ", callerWidth-len(path))
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Logs go to stderr so CLI output on stdout stays machine readable.
	var output io.Writer = zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: milliTimeFormat,
		NoColor:    !isDevelopmentMode(),
	}

	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		f, ferr := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if ferr == nil {
			output = io.MultiWriter(output, f)
		}
	}

	log.Logger = log.Output(output).With().Caller().Logger()

	log.Debug().
		Str("level", level.String()).
		Bool("dev", isDevelopmentMode()).
		Msg("Logger initialized")
}

func isDevelopmentMode() bool {
	return os.Getenv("DEV") == "true" ||
		os.Getenv("DEV_MODE") == "true" ||
		os.Getenv("DEVELOPMENT") == "true"
}

// Get returns the global logger instance.
func Get() zerolog.Logger {
	return log.Logger
}

// NewDecisionID generates a random 8-character alphanumeric string that tags
// every log line of one allocation decision.
func NewDecisionID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 8

	b := make([]byte, length)
	_, err := rand.Read(b)
	if err != nil {
		return fmt.Sprintf("dec%06d", time.Now().UnixNano()%1000000)
	}

	for i := range b {
		b[i] = charset[b[i]%byte(len(charset))]
	}
	return string(b)
}

// WithDecisionID returns a new context with the given decision ID stored.
func WithDecisionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, decisionIDKey, id)
}

// DecisionIDFromContext extracts the decision ID from context, or empty string.
func DecisionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(decisionIDKey).(string)
	return id
}

// ForDecision returns a logger enriched with the decision ID from context.
func ForDecision(ctx context.Context) zerolog.Logger {
	id := DecisionIDFromContext(ctx)
	if id == "" {
		return log.Logger
	}
	return log.Logger.With().Str("decisionId", id).Logger()
}

// LogVector logs a numeric vector at debug level, truncating if too long.
func LogVector(logger zerolog.Logger, name string, values []float64) {
	if len(values) == 0 {
		return
	}
	if len(values) > maxLoggedValues {
		logger.Debug().Floats64(name, values[:maxLoggedValues]).Int("len", len(values)).Bool("truncated", true).Msg("Vector")
	} else {
		logger.Debug().Floats64(name, values).Msg("Vector")
	}
}
