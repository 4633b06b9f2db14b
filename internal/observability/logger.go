package observability

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	loggerMu     sync.RWMutex
	globalLogger zerolog.Logger
	initialized  bool
)

// InitLogger configures the global structured logger on stderr. Stdout is
// left to command output (asrctl tables, encoder summaries).
func InitLogger(level string, pretty bool) {
	InitLoggerTo(os.Stderr, level, pretty)
}

// InitLoggerTo configures the global logger on w. Unknown levels fall back
// to info. Calling it again replaces the previous configuration.
func InitLoggerTo(w io.Writer, level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(w).With().Timestamp().Logger()

	loggerMu.Lock()
	globalLogger = logger
	initialized = true
	loggerMu.Unlock()

	log.Logger = logger
}

// GetLogger returns the global logger, initialising it with defaults on
// first use.
func GetLogger() zerolog.Logger {
	loggerMu.RLock()
	logger, ok := globalLogger, initialized
	loggerMu.RUnlock()
	if !ok {
		InitLogger("info", false)
		return GetLogger()
	}
	return logger
}

// ForComponent tags the global logger with a component name
// ("trainer", "stream_server", ...).
func ForComponent(name string) zerolog.Logger {
	return GetLogger().With().Str("component", name).Logger()
}

// WithSession returns the logger of one streaming session. An empty id is
// replaced with a fresh one.
func WithSession(sessionID string) zerolog.Logger {
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	return ForComponent("session").With().Str("session_id", sessionID).Logger()
}

// NewSessionID generates a streaming session id.
func NewSessionID() string {
	return uuid.New().String()
}
