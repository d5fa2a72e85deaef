package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

var levelRank = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

// Logger is a structured, component-aware logger: JSON in Kubernetes,
// human-readable text for local development, with rate-limited error
// logging so a supervisor stuck retrying a single view doesn't drown out
// every other view's log lines.
type Logger struct {
	level     string
	component string
	format    string
	output    io.Writer
	mu        *sync.RWMutex

	errorLimiter *RateLimiter
}

// NewLogger builds a root Logger. Configuration priority: explicit
// level/format arguments, then VIEWSCHED_LOG_LEVEL/VIEWSCHED_LOG_FORMAT
// environment variables, then Kubernetes auto-detection for format, then
// "INFO"/"text" defaults.
func NewLogger(level, format string) *Logger {
	if level == "" {
		level = os.Getenv("VIEWSCHED_LOG_LEVEL")
	}
	if level == "" {
		level = "INFO"
	}

	if format == "" {
		format = os.Getenv("VIEWSCHED_LOG_FORMAT")
	}
	if format == "" {
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		} else {
			format = "text"
		}
	}

	return &Logger{
		level:        strings.ToUpper(level),
		format:       format,
		output:       os.Stdout,
		mu:           &sync.RWMutex{},
		errorLimiter: NewRateLimiter(time.Second),
	}
}

// WithComponent returns a Logger tagged with component, sharing the
// parent's level/format/rate limiter configuration.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		level:        l.level,
		component:    component,
		format:       l.format,
		output:       l.output,
		mu:           l.mu,
		errorLimiter: l.errorLimiter,
	}
}

// Debug logs a debug-level message.
func (l *Logger) Debug(msg string, fields map[string]interface{}) { l.log("DEBUG", msg, fields) }

// Info logs an info-level message.
func (l *Logger) Info(msg string, fields map[string]interface{}) { l.log("INFO", msg, fields) }

// Warn logs a warn-level message.
func (l *Logger) Warn(msg string, fields map[string]interface{}) { l.log("WARN", msg, fields) }

// Error logs an error-level message, rate-limited to one per second per
// component so one view stuck retrying doesn't flood the log and starve
// out another view's errors.
func (l *Logger) Error(msg string, fields map[string]interface{}) {
	if !l.errorLimiter.Allow(l.component) {
		return
	}
	l.log("ERROR", msg, fields)
}

func (l *Logger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if rank, ok := levelRank[level]; ok {
		if configured, ok := levelRank[l.level]; ok && rank < configured {
			return
		}
	}

	ts := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(ts, level, msg, fields)
		return
	}
	l.logText(ts, level, msg, fields)
}

func (l *Logger) logJSON(ts, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": ts,
		"level":     level,
		"component": l.component,
		"message":   msg,
	}
	for k, v := range fields {
		if _, reserved := entry[k]; !reserved {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *Logger) logText(ts, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", ts, level, l.component, msg, b.String())
}
