package observability

import (
	"fmt"
	"log"
	"strings"
)

// StdLogger adapts a *log.Logger to the Logger interface. Debug output is
// suppressed unless Verbose is set.
type StdLogger struct {
	Out     *log.Logger
	Verbose bool
}

// NewStdLogger wraps the provided *log.Logger. A nil logger falls back to the
// process default.
func NewStdLogger(out *log.Logger, verbose bool) *StdLogger {
	if out == nil {
		out = log.Default()
	}
	return &StdLogger{Out: out, Verbose: verbose}
}

// Debug logs at debug level when verbose output is enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.Verbose {
		return
	}
	l.emit("DEBUG", msg, fields)
}

// Info logs at info level.
func (l *StdLogger) Info(msg string, fields ...Field) {
	l.emit("INFO", msg, fields)
}

// Error logs at error level.
func (l *StdLogger) Error(msg string, fields ...Field) {
	l.emit("ERROR", msg, fields)
}

func (l *StdLogger) emit(level, msg string, fields []Field) {
	if len(fields) == 0 {
		l.Out.Printf("%s %s", level, msg)
		return
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	l.Out.Printf("%s %s %s", level, msg, strings.Join(parts, " "))
}
