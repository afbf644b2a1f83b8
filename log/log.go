// Package log defines the leveled logger used across dlv-pump.
//
// Components never talk to zerolog directly; they receive a Logger through
// their options so tests can swap in Nop or a capturing logger.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the logging surface every component depends on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

// Config selects the level, output and format of a zerolog-backed Logger.
type Config struct {
	// Level is one of trace, debug, info, warn, error.
	Level string
	// Format is json, console or auto.
	Format string
	// Output is stderr, stdout, discard, or a file path opened for append.
	Output string
}

type zlogger struct {
	z zerolog.Logger
}

var _ Logger = (*zlogger)(nil)

// New builds a Logger from cfg.
func New(cfg Config) (Logger, io.Closer, error) {
	w, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, err
	}
	if useConsole(cfg.Format, w) {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.DateTime}
	}
	z := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	return &zlogger{z: z}, closer, nil
}

// FromZerolog adapts an already configured zerolog.Logger.
func FromZerolog(z zerolog.Logger) Logger {
	return &zlogger{z: z}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return &zlogger{z: zerolog.Nop()}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *zlogger) Debugf(format string, args ...interface{}) { l.z.Debug().Msgf(format, args...) }
func (l *zlogger) Infof(format string, args ...interface{})  { l.z.Info().Msgf(format, args...) }
func (l *zlogger) Warnf(format string, args ...interface{})  { l.z.Warn().Msgf(format, args...) }
func (l *zlogger) Errorf(format string, args ...interface{}) { l.z.Error().Msgf(format, args...) }

func (l *zlogger) Debug(args ...interface{}) { l.z.Debug().Msg(fmt.Sprint(args...)) }
func (l *zlogger) Info(args ...interface{})  { l.z.Info().Msg(fmt.Sprint(args...)) }
func (l *zlogger) Warn(args ...interface{})  { l.z.Warn().Msg(fmt.Sprint(args...)) }
func (l *zlogger) Error(args ...interface{}) { l.z.Error().Msg(fmt.Sprint(args...)) }

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(output) {
	case "", "stderr":
		return os.Stderr, nopCloser{}, nil
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	case "discard", "none":
		return io.Discard, nopCloser{}, nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", output, err)
	}
	return file, file, nil
}

func useConsole(format string, w io.Writer) bool {
	switch strings.ToLower(format) {
	case "console", "pretty":
		return true
	case "json":
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
