package core

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// NoOpLogger discards all log output. Used wherever a logger is optional.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// LogLevel controls which messages a ProductionLogger emits.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLogLevel converts a string level ("debug", "INFO", ...) to a LogLevel.
// Unknown values default to InfoLevel.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// ProductionLogger writes one JSON object per line to an io.Writer.
// It implements ComponentAwareLogger so each pipeline component can
// attribute its own output.
type ProductionLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     LogLevel
	component string
}

// NewProductionLogger creates a JSON logger writing to stdout.
// The level is read from the LOG_LEVEL environment variable.
func NewProductionLogger() *ProductionLogger {
	return &ProductionLogger{
		out:   os.Stdout,
		level: ParseLogLevel(os.Getenv("LOG_LEVEL")),
	}
}

// NewProductionLoggerWithWriter creates a JSON logger writing to w.
func NewProductionLoggerWithWriter(w io.Writer, level LogLevel) *ProductionLogger {
	return &ProductionLogger{out: w, level: level}
}

// WithComponent returns a logger that stamps every line with the component name.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{out: l.out, level: l.level, component: component}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(InfoLevel, "INFO", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(ErrorLevel, "ERROR", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(WarnLevel, "WARN", msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(DebugLevel, "DEBUG", msg, fields)
}

func (l *ProductionLogger) log(level LogLevel, name, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = name
	entry["msg"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Fields with unmarshalable values should not silence the message.
		data, _ = json.Marshal(map[string]interface{}{
			"ts": time.Now().UTC().Format(time.RFC3339Nano), "level": name, "msg": msg,
		})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(data, '\n'))
}

// ComponentLogger applies WithComponent when the logger supports it.
// Returns a NoOpLogger when logger is nil.
func ComponentLogger(logger Logger, component string) Logger {
	if logger == nil {
		return &NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return logger
}
