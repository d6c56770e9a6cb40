// Package sniffer wires the protocol core in internal/maple to a real
// capture source, structured logging, and the process's control surface.
package sniffer

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/taida957789/maplesniffer/internal/config"
	"github.com/taida957789/maplesniffer/internal/maple"
)

// ZeroLogger adapts a zerolog.Logger to internal/maple.Logger, the only
// seam the protocol core depends on. The core never imports zerolog
// itself; this package is where a zerolog logger is handed to it.
type ZeroLogger struct {
	log zerolog.Logger
}

// NewZeroLogger returns a maple.Logger backed by log.
func NewZeroLogger(log zerolog.Logger) *ZeroLogger { return &ZeroLogger{log: log} }

func (z *ZeroLogger) Debugf(format string, args ...any) { z.log.Debug().Msgf(format, args...) }
func (z *ZeroLogger) Infof(format string, args ...any)  { z.log.Info().Msgf(format, args...) }
func (z *ZeroLogger) Warnf(format string, args ...any)  { z.log.Warn().Msgf(format, args...) }
func (z *ZeroLogger) Errorf(format string, args ...any) { z.log.Error().Msgf(format, args...) }

// WithSession returns a logger that annotates every entry with a session id,
// the way a per-connection zerolog.Logger is built elsewhere in the pack via
// log.With().
func (z *ZeroLogger) WithSession(id uint32) maple.Logger {
	return &ZeroLogger{log: z.log.With().Uint32("session_id", id).Logger()}
}

// closer, when non-nil, must be closed on shutdown to flush the log file.
type closer = io.Closer

// levelFilterWriter drops entries below level before they reach the
// underlying writer, so the console and file sinks can run at different
// verbosities off one shared zerolog.Logger.
type levelFilterWriter struct {
	io.Writer
	level zerolog.Level
}

func (w levelFilterWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < w.level {
		return len(p), nil
	}
	return w.Write(p)
}

// SetupLogging builds the process-wide zerolog.Logger from LoggingConfig:
// console output plus an optional file sink, each with its own verbosity.
func SetupLogging(cfg config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	consoleLevel := parseLevel(cfg.ConsoleLevel)
	zerolog.SetGlobalLevel(consoleLevel)

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"}
	writers := []io.Writer{levelFilterWriter{Writer: console, level: consoleLevel}}

	var fileCloser closer
	if cfg.FileEnabled {
		fileLevel := parseLevel(cfg.FileLevel)
		if fileLevel < consoleLevel {
			zerolog.SetGlobalLevel(fileLevel)
		}

		path := cfg.FilePath
		if strings.TrimSpace(path) == "" {
			path = "maplesniff.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writers = append(writers, levelFilterWriter{Writer: f, level: fileLevel})
		fileCloser = f
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log := zerolog.New(multi).With().Timestamp().Logger()
	return log, fileCloser, nil
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
