package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/approvalflow/orchestrator/core"
)

// Logger is the production core.ComponentAwareLogger: JSON when
// ORCH_LOG_FORMAT=json (or when running under Kubernetes), text
// otherwise, with ERROR logs rate-limited so an incident storm can't
// flood stdout.
type Logger struct {
	component string
	json      bool

	mu          sync.Mutex
	errorWindow time.Time
	errorCount  int
}

const (
	errorRateLimitWindow = time.Second
	errorRateLimitBurst  = 20
)

// NewLogger builds a root Logger. format is "json" or "text"; any other
// value falls back to text.
func NewLogger(format string) *Logger {
	return &Logger{json: format == "json"}
}

// WithComponent returns a derived logger tagging every line with
// component, leaving the rate-limit state independent per component.
func (l *Logger) WithComponent(name string) core.Logger {
	return &Logger{component: name, json: l.json}
}

func (l *Logger) Debug(msg string, fields map[string]interface{}) { l.log("debug", msg, fields) }
func (l *Logger) Info(msg string, fields map[string]interface{})  { l.log("info", msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]interface{})  { l.log("warn", msg, fields) }

func (l *Logger) Error(msg string, fields map[string]interface{}) {
	if !l.allowError() {
		return
	}
	l.log("error", msg, fields)
}

func (l *Logger) allowError() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.errorWindow) > errorRateLimitWindow {
		l.errorWindow = now
		l.errorCount = 0
	}
	l.errorCount++
	return l.errorCount <= errorRateLimitBurst
}

func (l *Logger) log(level, msg string, fields map[string]interface{}) {
	if l.json {
		l.logJSON(level, msg, fields)
		return
	}
	l.logText(level, msg, fields)
}

func (l *Logger) logJSON(level, msg string, fields map[string]interface{}) {
	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		entry[k] = v
	}
	entry["level"] = level
	entry["message"] = msg
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	if l.component != "" {
		entry["component"] = l.component
	}
	b, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: failed to marshal log entry: %v\n", err)
		return
	}
	fmt.Fprintln(os.Stdout, string(b))
}

func (l *Logger) logText(level, msg string, fields map[string]interface{}) {
	ts := time.Now().UTC().Format(time.RFC3339)
	if l.component != "" {
		fmt.Fprintf(os.Stdout, "%s [%s] (%s) %s %v\n", ts, level, l.component, msg, fields)
		return
	}
	fmt.Fprintf(os.Stdout, "%s [%s] %s %v\n", ts, level, msg, fields)
}

var _ core.ComponentAwareLogger = (*Logger)(nil)
