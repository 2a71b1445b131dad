// Package logger builds the structured logger shared by every service.
package logger

import (
	"io"
	"os"

	"github.com/phuslu/log"
)

// New creates a leveled logger. format "console" writes human-readable lines,
// anything else writes JSON.
func New(level, format string) *log.Logger {
	return NewWithWriter(level, format, os.Stdout)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(level, format string, w io.Writer) *log.Logger {
	var writer log.Writer = &log.IOWriter{Writer: w}
	if format == "console" {
		writer = &log.ConsoleWriter{Writer: w, ColorOutput: false, QuoteString: true}
	}
	return &log.Logger{
		Level:      log.ParseLevel(level),
		TimeField:  "ts",
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		Writer:     writer,
	}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *log.Logger {
	return &log.Logger{Level: log.PanicLevel + 1, Writer: &log.IOWriter{Writer: io.Discard}}
}
