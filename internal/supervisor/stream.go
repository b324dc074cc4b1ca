package supervisor

import (
	"encoding/json"
	"time"

	"github.com/agentdock/agentdock/internal/domain/agentrun"
)

// UpdateKind discriminates parsed stream events.
type UpdateKind string

const (
	UpdateProgress UpdateKind = "progress"
	UpdateLog      UpdateKind = "log"
	UpdateTasks    UpdateKind = "tasks"
	UpdateResult   UpdateKind = "result"
)

// Update is one parsed event from the assistant's output stream. Exactly the
// fields for the given Kind are populated.
type Update struct {
	Kind     UpdateKind
	Progress float64
	Log      agentrun.LogEntry
	Tasks    []agentrun.Task
	Success  bool
	Summary  string
}

// streamLine is the wire shape of one JSON line on stdout.
type streamLine struct {
	Type     string          `json:"type"`
	Progress float64         `json:"progress"`
	Level    string          `json:"level"`
	Message  string          `json:"message"`
	Tasks    []agentrun.Task `json:"tasks"`
	Success  bool            `json:"success"`
	Summary  string          `json:"summary"`
}

// ParseLine converts one stdout line into an Update. Lines that are not
// valid JSON, or carry an unknown type, become warn-level log updates so
// nothing the process says is silently discarded.
func ParseLine(line string) Update {
	var sl streamLine
	if err := json.Unmarshal([]byte(line), &sl); err != nil {
		return rawLog(agentrun.LogWarn, line)
	}

	switch sl.Type {
	case "progress":
		p := sl.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		return Update{Kind: UpdateProgress, Progress: p}
	case "log":
		level := agentrun.LogLevel(sl.Level)
		switch level {
		case agentrun.LogDebug, agentrun.LogInfo, agentrun.LogWarn, agentrun.LogError:
		default:
			level = agentrun.LogInfo
		}
		return Update{Kind: UpdateLog, Log: agentrun.LogEntry{
			Time:    time.Now().UTC(),
			Level:   level,
			Message: sl.Message,
		}}
	case "tasks":
		return Update{Kind: UpdateTasks, Tasks: sl.Tasks}
	case "result":
		return Update{Kind: UpdateResult, Success: sl.Success, Summary: sl.Summary}
	default:
		return rawLog(agentrun.LogWarn, line)
	}
}

func rawLog(level agentrun.LogLevel, line string) Update {
	return Update{Kind: UpdateLog, Log: agentrun.LogEntry{
		Time:    time.Now().UTC(),
		Level:   level,
		Message: line,
	}}
}
