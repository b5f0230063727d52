package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for the optional log file.
const (
	logFileMaxSizeMB  = 10
	logFileMaxBackups = 5
	logFileMaxAgeDays = 30
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
// When logFile is non-empty, output is also written to a rotating file.
func NewLogger(env, logFile string) *slog.Logger {
	return NewLoggerTo(os.Stdout, env, logFile)
}

// NewLoggerTo is NewLogger writing to w instead of stdout. The mcp
// command uses it to keep stdout free for the protocol.
func NewLoggerTo(w io.Writer, env, logFile string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	out := output(w, logFile)

	if env == "production" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

func output(w io.Writer, logFile string) io.Writer {
	if logFile == "" {
		return w
	}

	return io.MultiWriter(w, &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    logFileMaxSizeMB,
		MaxBackups: logFileMaxBackups,
		MaxAge:     logFileMaxAgeDays,
	})
}
