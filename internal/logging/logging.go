// Package logging provides the CLI/daemon-side structured logger, with
// helpers for the two scopes every interesting log line in this program
// belongs to: a sandbox, or a job inside one.
//
// The zygote process deliberately does not use this package — see
// sandbox/linux/zygote_guest.go's doc comment.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var Log *slog.Logger

var levelNames = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ParseLevel maps a config/MINION_LOG level name to its slog level. An
// unknown name is an error rather than a silent fallback: a judge that
// thinks it enabled debug logging on a misbehaving host should find out
// from the first command, not from an inexplicably quiet log.
func ParseLevel(name string) (slog.Level, error) {
	if lvl, ok := levelNames[strings.ToLower(name)]; ok {
		return lvl, nil
	}
	return 0, fmt.Errorf("unknown log level %q (want debug, info, warn, or error)", name)
}

// Init initializes the global logger writing structured text to stderr
// (stdout belongs to the sandboxed job's relayed output). logFile may
// be empty; when set, lines are duplicated there.
func Init(level string, logFile string) error {
	logLevel, err := ParseLevel(level)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		w = io.MultiWriter(os.Stderr, f)
	}

	Log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(Log)
	return nil
}

// logger tolerates callers that log before Init (or never call it, as
// library-style users of these helpers in tests do) by falling back to
// the process default.
func logger() *slog.Logger {
	if Log != nil {
		return Log
	}
	return slog.Default()
}

// WithSandbox returns a logger carrying the sandbox id, so every line
// of one sandbox's lifecycle (creation, watchdog kills, teardown) greps
// together.
func WithSandbox(id string) *slog.Logger {
	return logger().With("sandbox", id)
}

// WithJob scopes further to one job inside a sandbox, keyed the same
// way the history store keys its rows.
func WithJob(sandboxID string, jobID uint64) *slog.Logger {
	return logger().With("sandbox", sandboxID, "job", jobID)
}

func Debug(msg string, args ...any) { logger().Debug(msg, args...) }
func Info(msg string, args ...any)  { logger().Info(msg, args...) }
func Warn(msg string, args ...any)  { logger().Warn(msg, args...) }
func Error(msg string, args ...any) { logger().Error(msg, args...) }
