package broadcast

// Event type constants carried in the "type" field of every pushed message.
const (
	EventAgentProgress  = "agent_progress"
	EventAgentStatus    = "agent_status"
	EventAgentLog       = "agent_log"
	EventAgentTaskTree  = "agent_task_tree"
	EventAgentCompleted = "agent_completed"
	EventAgentFailed    = "agent_failed"
)

// ProgressEvent is broadcast when a run reports forward progress.
type ProgressEvent struct {
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
}

// StatusEvent is broadcast on every lifecycle transition.
type StatusEvent struct {
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
}

// LogEvent is broadcast for each observability line a run emits.
type LogEvent struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// CompletionEvent is broadcast exactly once when a run reaches a
// terminal state.
type CompletionEvent struct {
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	PRURL  string `json:"pr_url,omitempty"`
}
