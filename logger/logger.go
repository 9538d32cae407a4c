// Copyright 2021 Molecula Corp. All rights reserved.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

const RFC3339UsecTz0 = "2006-01-02T15:04:05.000000Z07:00"

// Ensure nopLogger implements interface.
var _ Logger = &nopLogger{}

// Logger represents an interface for a shared logger.
type Logger interface {
	Printf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Panicf(format string, v ...interface{})
	// WithPrefix returns a new Logger with the same configuration as
	// this one, but all logs will have the given prefix appended to any
	// existing prefix.
	WithPrefix(prefix string) Logger
}

const (
	LevelPanic = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

func LevelPrefix(level int) string {
	return [...]string{"PANIC: ", "ERROR: ", "WARN:  ", "INFO:  ", "DEBUG: "}[level]
}

// ParseLevel maps a level name from configuration to its level constant.
func ParseLevel(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "panic":
		return LevelPanic, nil
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	}
	return 0, fmt.Errorf("unknown log level: %q", s)
}

// Reporter receives every message logged at LevelWarn or more severe. The
// server installs one which forwards to the error monitor.
type Reporter func(level int, msg string)

var StderrLogger Logger = NewStandardLogger(os.Stderr)

// NopLogger represents a Logger that doesn't do anything.
var NopLogger Logger = &nopLogger{}

type nopLogger struct{}

func (n *nopLogger) Printf(format string, v ...interface{}) {}
func (n *nopLogger) Debugf(format string, v ...interface{}) {}
func (n *nopLogger) Infof(format string, v ...interface{})  {}
func (n *nopLogger) Warnf(format string, v ...interface{})  {}
func (n *nopLogger) Errorf(format string, v ...interface{}) {}
func (n *nopLogger) Panicf(format string, v ...interface{}) {}

func (n *nopLogger) WithPrefix(prefix string) Logger {
	return n
}

// standardLogger is a basic implementation of Logger based on log.Logger.
type standardLogger struct {
	logger    *log.Logger
	verbosity int
	prefix    string
	w         io.Writer
	reporter  Reporter
}

// write in UTC with constant width and microsecond resolution.
type formatLog struct {
	w io.Writer
}

func (fl formatLog) Write(bytes []byte) (int, error) {
	return fmt.Fprintf(fl.w, "%v %v", time.Now().UTC().Format(RFC3339UsecTz0), string(bytes))
}

func newStandardLogger(w io.Writer, verbosity int, prefix string, reporter Reporter) *standardLogger {
	return &standardLogger{
		logger:    log.New(formatLog{w: w}, "", 0),
		verbosity: verbosity,
		prefix:    prefix,
		w:         w,
		reporter:  reporter,
	}
}

func NewStandardLogger(w io.Writer) *standardLogger {
	return newStandardLogger(w, LevelInfo, "", nil)
}

func NewVerboseLogger(w io.Writer) *standardLogger {
	return newStandardLogger(w, LevelDebug, "", nil)
}

// NewLevelLogger returns a Logger which drops messages less severe than
// level and hands warnings and errors to reporter, if it is not nil.
func NewLevelLogger(w io.Writer, level int, reporter Reporter) *standardLogger {
	return newStandardLogger(w, level, "", reporter)
}

func (s *standardLogger) printf(level int, format string, v ...interface{}) {
	if level > s.verbosity {
		return
	}
	msg := fmt.Sprintf(s.prefix+format, v...)
	if s.reporter != nil && level <= LevelWarn {
		s.reporter(level, msg)
	}
	s.logger.Print(LevelPrefix(level) + msg)
}

func (s *standardLogger) Printf(format string, v ...interface{}) {
	s.printf(LevelInfo, format, v...)
}

func (s *standardLogger) Debugf(format string, v ...interface{}) {
	s.printf(LevelDebug, format, v...)
}

func (s *standardLogger) Infof(format string, v ...interface{}) {
	s.printf(LevelInfo, format, v...)
}

func (s *standardLogger) Warnf(format string, v ...interface{}) {
	s.printf(LevelWarn, format, v...)
}

func (s *standardLogger) Errorf(format string, v ...interface{}) {
	s.printf(LevelError, format, v...)
}

func (s *standardLogger) Panicf(format string, v ...interface{}) {
	s.printf(LevelPanic, format, v...)
}

func (s *standardLogger) WithPrefix(prefix string) Logger {
	return newStandardLogger(s.w, s.verbosity, s.prefix+prefix, s.reporter)
}

// Logfer is a thing that has only a Logf() method, like for instance,
// testing.T or testing.B.
type Logfer interface {
	Logf(format string, v ...interface{})
}

// LogfLogger is a test logger that wraps something that has a Logf interface
// and makes it act like our logger.
type LogfLogger struct {
	wrapped Logfer
	prefix  string
}

func NewLogfLogger(l Logfer) *LogfLogger {
	return &LogfLogger{wrapped: l}
}

func (ll *LogfLogger) logf(level int, format string, v ...interface{}) {
	ll.wrapped.Logf(LevelPrefix(level)+ll.prefix+format, v...)
}

func (ll *LogfLogger) Printf(format string, v ...interface{}) { ll.logf(LevelInfo, format, v...) }
func (ll *LogfLogger) Debugf(format string, v ...interface{}) { ll.logf(LevelDebug, format, v...) }
func (ll *LogfLogger) Infof(format string, v ...interface{})  { ll.logf(LevelInfo, format, v...) }
func (ll *LogfLogger) Warnf(format string, v ...interface{})  { ll.logf(LevelWarn, format, v...) }
func (ll *LogfLogger) Errorf(format string, v ...interface{}) { ll.logf(LevelError, format, v...) }
func (ll *LogfLogger) Panicf(format string, v ...interface{}) { ll.logf(LevelPanic, format, v...) }

func (ll *LogfLogger) WithPrefix(prefix string) Logger {
	return &LogfLogger{wrapped: ll.wrapped, prefix: ll.prefix + prefix}
}

// Entry is one message held by a CaptureLogger.
type Entry struct {
	Level   int
	Message string
}

// CaptureLogger is a test Logger that keeps every message so tests can
// assert on what was logged.
type CaptureLogger struct {
	prefix string
	store  *captureStore
}

type captureStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewCaptureLogger returns a new instance of CaptureLogger.
func NewCaptureLogger() *CaptureLogger {
	return &CaptureLogger{store: &captureStore{}}
}

func (c *CaptureLogger) add(level int, format string, v ...interface{}) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.entries = append(c.store.entries, Entry{
		Level:   level,
		Message: c.prefix + fmt.Sprintf(format, v...),
	})
}

func (c *CaptureLogger) Printf(format string, v ...interface{}) { c.add(LevelInfo, format, v...) }
func (c *CaptureLogger) Debugf(format string, v ...interface{}) { c.add(LevelDebug, format, v...) }
func (c *CaptureLogger) Infof(format string, v ...interface{})  { c.add(LevelInfo, format, v...) }
func (c *CaptureLogger) Warnf(format string, v ...interface{})  { c.add(LevelWarn, format, v...) }
func (c *CaptureLogger) Errorf(format string, v ...interface{}) { c.add(LevelError, format, v...) }
func (c *CaptureLogger) Panicf(format string, v ...interface{}) { c.add(LevelPanic, format, v...) }

// WithPrefix returns a CaptureLogger sharing this logger's entries.
func (c *CaptureLogger) WithPrefix(prefix string) Logger {
	return &CaptureLogger{prefix: c.prefix + prefix, store: c.store}
}

// Entries returns a copy of the captured entries at or more severe than
// level.
func (c *CaptureLogger) Entries(level int) []Entry {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	out := make([]Entry, 0, len(c.store.entries))
	for _, e := range c.store.entries {
		if e.Level <= level {
			out = append(out, e)
		}
	}
	return out
}

// Contains reports whether any captured message contains substr.
func (c *CaptureLogger) Contains(substr string) bool {
	for _, e := range c.Entries(LevelDebug) {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// LeveledLogger adapts a Logger to libraries which log a message followed
// by key/value pairs, such as go-retryablehttp.
type LeveledLogger struct {
	Logger Logger
}

func (l LeveledLogger) format(msg string, keysAndValues []interface{}) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	return b.String()
}

func (l LeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.Logger.Errorf("%s", l.format(msg, keysAndValues))
}

func (l LeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.Logger.Warnf("%s", l.format(msg, keysAndValues))
}

func (l LeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Logger.Infof("%s", l.format(msg, keysAndValues))
}

func (l LeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.Logger.Debugf("%s", l.format(msg, keysAndValues))
}
