package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// Logger is the explicit logging sink threaded through the engine (see
// SPEC_FULL.md's AMBIENT STACK / SPEC §9 design note "pass an explicit
// logging sink through the engine rather than relying on a process-wide
// singleton"). The teacher gates its diagnostics behind a package-level
// VerboseMode bool and writes straight to os.Stderr/os.Stdout with
// fmt.Fprintf; we keep that shape but make the destination and level
// explicit so tests can capture it.
type Logger interface {
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// LogLevel mirrors the three levels exodus_bundler/cli.py's
// configure_logging distinguishes between.
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
)

// stdLogger writes info messages to stdout and warnings/errors to stderr,
// matching exodus_bundler/cli.py's two-handler split (a StdoutFilter for
// DEBUG/INFO, a StderrFilter for WARN/ERROR).
type stdLogger struct {
	level  LogLevel
	stdout io.Writer
	stderr io.Writer
	warn   *color.Color
	error  *color.Color
}

// NewLogger constructs the default logging sink. quiet raises the
// threshold to errors only; verbose lowers it to include info messages.
// With both set the default warning threshold is kept.
func NewLogger(quiet, verbose bool) Logger {
	level := LogLevelWarn
	switch {
	case quiet && !verbose:
		level = LogLevelError
	case verbose && !quiet:
		level = LogLevelInfo
	}
	return &stdLogger{
		level:  level,
		stdout: os.Stdout,
		stderr: os.Stderr,
		warn:   color.New(color.FgYellow),
		error:  color.New(color.FgRed),
	}
}

func (l *stdLogger) Info(format string, args ...any) {
	if l.level < LogLevelInfo {
		return
	}
	fmt.Fprintf(l.stdout, format+"\n", args...)
}

func (l *stdLogger) Warn(format string, args ...any) {
	if l.level < LogLevelWarn {
		return
	}
	l.warn.Fprintf(l.stderr, "WARNING: "+format+"\n", args...)
}

func (l *stdLogger) Error(format string, args ...any) {
	l.error.Fprintf(l.stderr, "ERROR: "+format+"\n", args...)
}

// nopLogger discards everything. Used by tests and by library-style callers
// that don't want the default stdio sink.
type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
