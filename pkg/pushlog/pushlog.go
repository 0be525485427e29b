// Package pushlog configures the daemon's global logger.
package pushlog

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// switchableWriter lets Init reconfigure the destination after component
// loggers have already been derived from Logger (packages create theirs at
// init time, before flags and config are parsed).
type switchableWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchableWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *switchableWriter) set(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w = w
}

var output = &switchableWriter{w: os.Stderr}

// Logger is the global logger instance. Derive component loggers from it
// via WithComponent; they follow any later Init reconfiguration.
var Logger = zerolog.New(output).With().Timestamp().Logger()

// Level is the daemon's configured log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how Init configures the global logger.
type Config struct {
	Level Level

	// JSONOutput writes newline-delimited JSON instead of console format.
	JSONOutput bool

	// LogFile, if set, is written through a rotating lumberjack writer
	// instead of stdout.
	LogFile string

	// Output overrides the destination entirely (used by tests).
	Output io.Writer
}

// Init initializes the global logger. Safe to call once at startup.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var dest io.Writer
	switch {
	case cfg.Output != nil:
		dest = cfg.Output
	case cfg.LogFile != "":
		dest = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	default:
		dest = os.Stdout
	}

	if cfg.JSONOutput || cfg.LogFile != "" {
		// Never write ANSI console formatting into a log file.
		output.set(dest)
	} else {
		output.set(zerolog.ConsoleWriter{
			Out:        dest,
			TimeFormat: time.RFC3339,
		})
	}
}

// WithComponent returns a child logger tagged with the given component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
