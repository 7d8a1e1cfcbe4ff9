package prshare

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
)

// LogLevel specifies the level of spew that should go to the log
type LogLevel int

const (
	// LogLevelUnknown is a default value for LogLevel. Its behavior is undefined
	LogLevelUnknown LogLevel = iota

	// LogLevelPanic causes output of an error message followed by a panic
	LogLevelPanic

	// LogLevelFatal causes output of an error message followed by os.Exit(1)
	LogLevelFatal

	// LogLevelError is for unexpected error messages
	LogLevelError

	// LogLevelWarning is for warning messages
	LogLevelWarning

	// LogLevelInfo is for info messages
	LogLevelInfo

	// LogLevelDebug is for debug messages
	LogLevelDebug
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug",
}

// StringToLogLevel converts a string to a LogLevel
func StringToLogLevel(s string) LogLevel {
	for i, name := range logLevelNames {
		if name == strings.ToLower(s) {
			return LogLevel(i)
		}
	}
	return LogLevelUnknown
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelDebug {
		x = LogLevelUnknown
	}
	return logLevelNames[x]
}

// Logger is an interface for a logging component that supports logging levels
// and prefix forking
type Logger interface {
	// Prefix returns the Logger's prefix string (does not include ": " trailer)
	Prefix() string

	// GetLogLevel returns the log level
	GetLogLevel() LogLevel

	// Panic outputs a log message and then panics
	Panic(args ...interface{})

	// PanicOnError does nothing if err is nil; otherwise outputs
	// a log message and then panics
	PanicOnError(err error)

	// ELogf outputs to the Logger iff ERROR logging level is enabled
	ELogf(f string, args ...interface{})

	// WLogf outputs to the Logger iff WARNING logging level is enabled
	WLogf(f string, args ...interface{})

	// ILogf outputs to the Logger iff INFO logging level is enabled
	ILogf(f string, args ...interface{})

	// DLogf outputs to the Logger iff DEBUG logging level is enabled
	DLogf(f string, args ...interface{})

	// Errorf returns an error object with a description string that has the
	// Logger's prefix
	Errorf(f string, args ...interface{}) error

	// Sprintf returns a string that has the Logger's prefix
	Sprintf(f string, args ...interface{}) string

	// ELogErrorf outputs an error message iff ERROR logging level is enabled,
	// and returns an error object with a description string that has the
	// Logger's prefix
	ELogErrorf(f string, args ...interface{}) error

	// WLogErrorf outputs an error message iff WARNING logging level is enabled,
	// and returns an error object with a description string that has the
	// Logger's prefix
	WLogErrorf(f string, args ...interface{}) error

	// DLogErrorf outputs an error message iff DEBUG logging level is enabled,
	// and returns an error object with a description string that has the
	// Logger's prefix
	DLogErrorf(f string, args ...interface{}) error

	// Fork creates a new Logger that has an additional formatted string appended
	// onto an existing logger's prefix (with ": " added between)
	Fork(prefix string, args ...interface{}) Logger

	// SetLogLevel sets the log level
	SetLogLevel(logLevel LogLevel)
}

// BasicLogger is a logical log output stream with a level filter
// and a prefix added to each output record
type BasicLogger struct {
	prefix string
	// prefixC is prefix if prefix is empty; otherwise prefix + ": "
	prefixC  string
	logger   *log.Logger
	logLevel LogLevel
}

const defaultLogFlags = log.Ldate | log.Ltime

// NewLogger creates a new Logger with a given prefix and default flags,
// emitting output to os.Stderr
func NewLogger(prefix string, logLevel LogLevel) Logger {
	return NewLoggerWithFlags(prefix, defaultLogFlags, logLevel)
}

// NewLoggerWithFlags creates a new Logger with a given prefix and flags,
// emitting output to os.Stderr
func NewLoggerWithFlags(prefix string, flag int, logLevel LogLevel) Logger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		logger:   log.New(os.Stderr, "", flag),
		logLevel: logLevel,
	}
}

// logf outputs to the Logger if the given logLevel is enabled. Then,
// if the given logLevel is LogLevelPanic, panics
func (l *BasicLogger) logf(logLevel LogLevel, f string, args ...interface{}) {
	if logLevel <= l.logLevel || logLevel <= LogLevelFatal {
		msg := l.Sprintf(f, args...)
		l.logger.Print(msg)
		if logLevel == LogLevelFatal {
			os.Exit(1)
		}
		if logLevel == LogLevelPanic {
			panic(msg)
		}
	}
}

// logErrorf outputs an error message if the given logLevel is enabled, and
// returns an error object with a description string that has the Logger's prefix
func (l *BasicLogger) logErrorf(logLevel LogLevel, f string, args ...interface{}) error {
	l.logf(logLevel, f, args...)
	return errors.New(l.Sprintf(f, args...))
}

// Panic outputs a log message and then panics
func (l *BasicLogger) Panic(args ...interface{}) {
	l.logf(LogLevelPanic, "%s", fmt.Sprint(args...))
}

// PanicOnError does nothing if err is nil; otherwise outputs
// a log message and then panics
func (l *BasicLogger) PanicOnError(err error) {
	if err != nil {
		l.Panic(err)
	}
}

// ELogf outputs a formatted log message iff ERROR logging level is enabled
func (l *BasicLogger) ELogf(f string, args ...interface{}) {
	l.logf(LogLevelError, f, args...)
}

// WLogf outputs a formatted log message iff WARNING logging level is enabled
func (l *BasicLogger) WLogf(f string, args ...interface{}) {
	l.logf(LogLevelWarning, f, args...)
}

// ILogf outputs a formatted log message iff INFO logging level is enabled
func (l *BasicLogger) ILogf(f string, args ...interface{}) {
	l.logf(LogLevelInfo, f, args...)
}

// DLogf outputs a formatted log message iff DEBUG logging level is enabled
func (l *BasicLogger) DLogf(f string, args ...interface{}) {
	l.logf(LogLevelDebug, f, args...)
}

// Errorf returns an error object with a description string that has the
// Logger's prefix
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.Sprintf(f, args...))
}

// Sprintf returns a string that has the Logger's prefix
func (l *BasicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

// ELogErrorf outputs an error message iff ERROR logging level is enabled,
// and returns an error object with a description string that has the
// Logger's prefix
func (l *BasicLogger) ELogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelError, f, args...)
}

// WLogErrorf outputs an error message iff WARNING logging level is enabled,
// and returns an error object with a description string that has the
// Logger's prefix
func (l *BasicLogger) WLogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelWarning, f, args...)
}

// DLogErrorf outputs an error message iff DEBUG logging level is enabled,
// and returns an error object with a description string that has the
// Logger's prefix
func (l *BasicLogger) DLogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelDebug, f, args...)
}

// Fork creates a new Logger that has an additional formatted string appended onto
// an existing logger's prefix (with ": " added between)
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	//slip the parent prefix at the front
	newPrefix := fmt.Sprintf(prefix, args...)
	if l.prefix != "" {
		newPrefix = l.prefix + ": " + newPrefix
	}
	return NewLoggerWithFlags(newPrefix, l.logger.Flags(), l.logLevel)
}

// Prefix returns the Logger's prefix string (does not include ": " trailer)
func (l *BasicLogger) Prefix() string {
	return l.prefix
}

// GetLogLevel returns the log level
func (l *BasicLogger) GetLogLevel() LogLevel {
	return l.logLevel
}

// SetLogLevel sets the log level
func (l *BasicLogger) SetLogLevel(logLevel LogLevel) {
	l.logLevel = logLevel
}
