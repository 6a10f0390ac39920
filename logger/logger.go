// Package logger sets up structured logging to the console and a per-run
// log file.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var globalLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()

type Config struct {
	Level string
	Debug bool
	// Dir receives a log file named after the start time. Empty disables
	// file logging.
	Dir string
}

// Init configures the global logger. The returned file, if any, should be
// closed on shutdown.
func Init(cfg Config) (*os.File, error) {
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		var err error
		if level, err = zerolog.ParseLevel(cfg.Level); err != nil {
			return nil, err
		}
	}

	var out io.Writer = os.Stdout
	var file *os.File
	if cfg.Dir != "" {
		f, err := openLogFile(cfg.Dir, time.Now())
		if err != nil {
			return nil, err
		}
		file = f
		out = io.MultiWriter(os.Stdout, f)
	}

	globalLogger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	log.Logger = globalLogger

	if file != nil {
		globalLogger.Info().Str("path", file.Name()).Msg("Logging to file")
	}
	return file, nil
}

// openLogFile creates dir/2006-01-02_15-04-05.log.
func openLogFile(dir string, at time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(dir, at.Format("2006-01-02_15-04-05")+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

func WithComponent(component string) zerolog.Logger {
	return globalLogger.With().Str("component", component).Logger()
}

func Info() *zerolog.Event {
	return globalLogger.Info()
}

func Error() *zerolog.Event {
	return globalLogger.Error()
}
