package agentrun

import "time"

// LogLevel is the severity of one observability line.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one line of observability output from a run. Entries are
// append-only per run; the store preserves insertion order regardless of
// timestamp, so clock skew in the agent process cannot reorder history.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Level   LogLevel          `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}
