// Package logging constructs the *slog.Logger partclone-nbd uses for the
// lifetime of the process, following cmd/server/main.go's newLogger pattern
// but adapted to an operator-facing daemon's needs: a text-formatted console
// sink, an optional file or syslog sink, and independent level control for
// each.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"strings"
)

// Options controls the sinks and levels New builds.
type Options struct {
	// LogFile is a filesystem path to append log records to, in addition
	// to stderr. If it has the form "syslog:<tag>", records go to the
	// local syslog daemon under that tag instead of a file.
	LogFile string

	// Quiet raises the console sink's minimum level to warn. Ignored when
	// Debug is also set (Debug takes precedence).
	Quiet bool

	// Debug lowers every sink's minimum level to debug.
	Debug bool
}

// New builds the process-wide logger described by opts. The returned
// io.Closer, if non-nil, must be closed on shutdown to flush and release
// the secondary sink (log file or syslog connection).
func New(opts Options) (*slog.Logger, io.Closer, error) {
	consoleLevel := slog.LevelInfo
	if opts.Quiet {
		consoleLevel = slog.LevelWarn
	}
	if opts.Debug {
		consoleLevel = slog.LevelDebug
	}

	console := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: consoleLevel})

	if opts.LogFile == "" {
		return slog.New(console), nil, nil
	}

	if tag, ok := strings.CutPrefix(opts.LogFile, "syslog:"); ok {
		w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: connect to syslog: %w", err)
		}
		fileLevel := slog.LevelInfo
		if opts.Debug {
			fileLevel = slog.LevelDebug
		}
		syslogHandler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: fileLevel})
		return slog.New(multiHandler{console, syslogHandler}), w, nil
	}

	f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: open %q: %w", opts.LogFile, err)
	}
	// The file sink always logs at least info (debug when -D is set),
	// regardless of -q: -q only quiets the console.
	fileLevel := slog.LevelInfo
	if opts.Debug {
		fileLevel = slog.LevelDebug
	}
	fileHandler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: fileLevel})

	return slog.New(multiHandler{console, fileHandler}), f, nil
}
