package tunnel

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
)

// LogLevel specifies the level of spew that should go to the log.
type LogLevel int

const (
	LogLevelUnknown LogLevel = iota
	LogLevelError
	LogLevelWarning
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "error", "warning", "info", "debug", "trace",
}

var nameToLogLevel = func() map[string]LogLevel {
	result := make(map[string]LogLevel)
	for i, name := range logLevelNames {
		result[name] = LogLevel(i)
	}
	return result
}()

// StringToLogLevel converts a string to a LogLevel, case-insensitively.
func StringToLogLevel(s string) LogLevel {
	result, ok := nameToLogLevel[strings.ToLower(s)]
	if !ok {
		result = LogLevelInfo
	}
	return result
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelTrace {
		return "unknown"
	}
	return logLevelNames[x]
}

// Logger is a leveled logging component that supports prefix forking, in the
// idiom of the teacher's share/logger.go. It intentionally does not expose
// Panic/Fatal helpers: nothing in this module wants a logger that can exit
// the process out from under a ShutdownHelper.
type Logger interface {
	// Log outputs args at logLevel if logLevel is enabled.
	Log(logLevel LogLevel, args ...interface{})

	// Logf outputs a formatted message at logLevel if logLevel is enabled.
	Logf(logLevel LogLevel, f string, args ...interface{})

	ELog(args ...interface{})
	ELogf(f string, args ...interface{})
	WLog(args ...interface{})
	WLogf(f string, args ...interface{})
	ILog(args ...interface{})
	ILogf(f string, args ...interface{})
	DLog(args ...interface{})
	DLogf(f string, args ...interface{})
	TLog(args ...interface{})
	TLogf(f string, args ...interface{})

	// Error returns an error whose message carries this logger's prefix.
	Error(args ...interface{}) error
	// Errorf returns an error whose message carries this logger's prefix.
	Errorf(f string, args ...interface{}) error

	// ELogError logs at error level and returns an error with the same message.
	ELogError(args ...interface{}) error
	ELogErrorf(f string, args ...interface{}) error
	// DLogError logs at debug level and returns an error with the same message.
	DLogError(args ...interface{}) error
	DLogErrorf(f string, args ...interface{}) error

	Sprint(args ...interface{}) string
	Sprintf(f string, args ...interface{}) string

	// Fork returns a child Logger with an additional prefix segment.
	Fork(prefix string, args ...interface{}) Logger

	GetLogLevel() LogLevel
	SetLogLevel(logLevel LogLevel)
}

type basicLogger struct {
	prefix   string
	prefixC  string
	out      *log.Logger
	logLevel LogLevel
}

const defaultLogFlags = log.Ldate | log.Ltime

// NewLogger creates a root Logger writing to os.Stderr.
func NewLogger(prefix string, logLevel LogLevel) Logger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &basicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		out:      log.New(os.Stderr, "", defaultLogFlags),
		logLevel: logLevel,
	}
}

func (l *basicLogger) logNoPrefix(logLevel LogLevel, msg string) {
	if logLevel <= l.logLevel {
		l.out.Print(msg)
	}
}

func (l *basicLogger) Log(logLevel LogLevel, args ...interface{}) {
	if logLevel <= l.logLevel {
		l.logNoPrefix(logLevel, l.Sprint(args...))
	}
}

func (l *basicLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	if logLevel <= l.logLevel {
		l.logNoPrefix(logLevel, l.Sprintf(f, args...))
	}
}

func (l *basicLogger) logError(logLevel LogLevel, args ...interface{}) error {
	msg := l.Sprint(args...)
	l.logNoPrefix(logLevel, msg)
	return errors.New(msg)
}

func (l *basicLogger) logErrorf(logLevel LogLevel, f string, args ...interface{}) error {
	msg := l.Sprintf(f, args...)
	l.logNoPrefix(logLevel, msg)
	return errors.New(msg)
}

func (l *basicLogger) ELog(args ...interface{})              { l.Log(LogLevelError, args...) }
func (l *basicLogger) ELogf(f string, args ...interface{})   { l.Logf(LogLevelError, f, args...) }
func (l *basicLogger) WLog(args ...interface{})              { l.Log(LogLevelWarning, args...) }
func (l *basicLogger) WLogf(f string, args ...interface{})   { l.Logf(LogLevelWarning, f, args...) }
func (l *basicLogger) ILog(args ...interface{})              { l.Log(LogLevelInfo, args...) }
func (l *basicLogger) ILogf(f string, args ...interface{})   { l.Logf(LogLevelInfo, f, args...) }
func (l *basicLogger) DLog(args ...interface{})              { l.Log(LogLevelDebug, args...) }
func (l *basicLogger) DLogf(f string, args ...interface{})   { l.Logf(LogLevelDebug, f, args...) }
func (l *basicLogger) TLog(args ...interface{})              { l.Log(LogLevelTrace, args...) }
func (l *basicLogger) TLogf(f string, args ...interface{})   { l.Logf(LogLevelTrace, f, args...) }

func (l *basicLogger) Error(args ...interface{}) error {
	return errors.New(l.Sprint(args...))
}

func (l *basicLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.Sprintf(f, args...))
}

func (l *basicLogger) ELogError(args ...interface{}) error {
	return l.logError(LogLevelError, args...)
}

func (l *basicLogger) ELogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelError, f, args...)
}

func (l *basicLogger) DLogError(args ...interface{}) error {
	return l.logError(LogLevelDebug, args...)
}

func (l *basicLogger) DLogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelDebug, f, args...)
}

func (l *basicLogger) Sprint(args ...interface{}) string {
	return l.prefixC + fmt.Sprint(args...)
}

func (l *basicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

func (l *basicLogger) Fork(prefix string, args ...interface{}) Logger {
	formatted := fmt.Sprintf(prefix, args...)
	newPrefix := formatted
	if l.prefix != "" {
		newPrefix = l.prefix + ": " + formatted
	}
	prefixC := newPrefix + ": "
	return &basicLogger{
		prefix:   newPrefix,
		prefixC:  prefixC,
		out:      l.out,
		logLevel: l.logLevel,
	}
}

func (l *basicLogger) GetLogLevel() LogLevel {
	return l.logLevel
}

func (l *basicLogger) SetLogLevel(logLevel LogLevel) {
	l.logLevel = logLevel
}
