package tdb

import "fmt"

// Logger is the small diagnostic capability a *DB accepts. Operations that
// leave or reclaim a tombstone, or extend the file, emit through it; nothing on the hot path depends on a particular implementation, so
// the zero value of Options leaves logging off entirely.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
}

// nullLogger discards everything. It is the default when Options.Logger is
// nil, so callers that don't care about diagnostics pay nothing for them.
type nullLogger struct{}

func (nullLogger) Debugf(string, ...any) {}
func (nullLogger) Warnf(string, ...any)  {}

// stdLogger is a minimal Logger writing through fmt to whatever io.Writer
// the caller wants (wired by cmd/tdbutil when -v is passed); kept tiny
// rather than pulling in a structured-logging library the rest of the
// ambient stack has no other use for.
type stdLogger struct {
	w      interface{ Write([]byte) (int, error) }
	debug  bool
	prefix string
}

// NewStdLogger returns a Logger that writes Warnf always, and Debugf only
// when debug is true, to w.
func NewStdLogger(w interface{ Write([]byte) (int, error) }, debug bool) Logger {
	return &stdLogger{w: w, debug: debug, prefix: "tdb"}
}

func (l *stdLogger) Debugf(format string, args ...any) {
	if !l.debug {
		return
	}

	fmt.Fprintf(l.w, "%s: DEBUG: "+format+"\n", append([]any{l.prefix}, args...)...)
}

func (l *stdLogger) Warnf(format string, args ...any) {
	fmt.Fprintf(l.w, "%s: WARN: "+format+"\n", append([]any{l.prefix}, args...)...)
}
