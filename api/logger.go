package api

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger interface
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	With(args ...interface{}) Logger
}

// Log levels, in ascending severity.
const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

var levelTags = [...]string{"DBUG", "INFO", "WARN", "ERRO"}

var levelMu sync.RWMutex
var minLevel = levelInfo
var output io.Writer = os.Stdout

// SetLevel sets the process-wide minimum level: "debug", "info", "warn"
// or "error". Unknown values are ignored.
func SetLevel(level string) {
	var l int
	switch strings.ToLower(level) {
	case "debug":
		l = levelDebug
	case "info":
		l = levelInfo
	case "warn":
		l = levelWarn
	case "error":
		l = levelError
	default:
		return
	}
	levelMu.Lock()
	minLevel = l
	levelMu.Unlock()
}

// SetOutput redirects log output, primarily for tests.
func SetOutput(w io.Writer) {
	levelMu.Lock()
	output = w
	levelMu.Unlock()
}

// simpleLogger implements Logger
type simpleLogger struct {
	prefix string
	fields map[string]interface{}
	mu     *sync.Mutex
}

// NewLogger creates a new logger with optional prefix
func NewLogger(prefix string) Logger {
	return &simpleLogger{
		prefix: prefix,
		fields: map[string]interface{}{},
		mu:     &sync.Mutex{},
	}
}

func (l *simpleLogger) Debug(msg string, args ...interface{}) {
	l.log(levelDebug, msg, args...)
}

func (l *simpleLogger) Info(msg string, args ...interface{}) {
	l.log(levelInfo, msg, args...)
}

func (l *simpleLogger) Warn(msg string, args ...interface{}) {
	l.log(levelWarn, msg, args...)
}

func (l *simpleLogger) Error(msg string, args ...interface{}) {
	l.log(levelError, msg, args...)
}

func (l *simpleLogger) With(args ...interface{}) Logger {
	newFields := make(map[string]interface{})
	for k, v := range l.fields {
		newFields[k] = v
	}
	// parse args into key=value
	for i := 0; i < len(args)-1; i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		newFields[key] = args[i+1]
	}
	return &simpleLogger{
		prefix: l.prefix,
		fields: newFields,
		mu:     l.mu,
	}
}

// log prints formatted log line
func (l *simpleLogger) log(level int, msg string, args ...interface{}) {
	levelMu.RLock()
	min, out := minLevel, output
	levelMu.RUnlock()
	if level < min {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	prefixPart := ""
	if l.prefix != "" {
		prefixPart = fmt.Sprintf("[%s] ", l.prefix)
	}

	// combine fields + args
	allFields := make(map[string]interface{})
	for k, v := range l.fields {
		allFields[k] = v
	}
	for i := 0; i < len(args)-1; i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		allFields[key] = args[i+1]
	}

	// format key=value part
	fieldsStr := ""
	if len(allFields) > 0 {
		for k, v := range allFields {
			fieldsStr += fmt.Sprintf("%s=%v ", k, v)
		}
		fieldsStr = fmt.Sprintf(" (%s)", fieldsStr)
	}

	fmt.Fprintf(out, "%s [%s] %s%s%s\n", timestamp, levelTags[level], prefixPart, msg, fieldsStr)
}
