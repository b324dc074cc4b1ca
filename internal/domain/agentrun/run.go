// Package agentrun defines the AgentRun domain entity and its state machine.
package agentrun

import "time"

// Status represents the current state of an agent run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions enumerates the legal state machine edges.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether the edge from → to is legal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Run represents one autonomous execution of the coding assistant against a prompt.
type Run struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Prompt             string     `json:"prompt"`
	ProfileID          string     `json:"profile_id,omitempty"`
	ProjectID          string     `json:"project_id,omitempty"`
	BaseBranch         string     `json:"base_branch,omitempty"`
	AutoBranch         bool       `json:"auto_branch"`
	AutoPR             bool       `json:"auto_pr"`
	AutoMerge          bool       `json:"auto_merge"`
	AutoReview         bool       `json:"auto_review"`
	MaxDurationMinutes int        `json:"max_duration_minutes"`
	Status             Status     `json:"status"`
	Progress           float64    `json:"progress"`
	Branch             string     `json:"branch,omitempty"`
	PRURL              string     `json:"pr_url,omitempty"`
	Error              string     `json:"error,omitempty"`
	Result             string     `json:"result,omitempty"`
	WorktreeID         string     `json:"worktree_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// LaunchRequest holds the fields needed to launch a new run.
type LaunchRequest struct {
	Name               string `json:"name"`
	Prompt             string `json:"prompt"`
	ProfileID          string `json:"profile_id,omitempty"`
	ProjectID          string `json:"project_id,omitempty"`
	BaseBranch         string `json:"base_branch,omitempty"`
	AutoBranch         *bool  `json:"auto_branch,omitempty"`
	AutoPR             *bool  `json:"auto_pr,omitempty"`
	AutoMerge          *bool  `json:"auto_merge,omitempty"`
	AutoReview         *bool  `json:"auto_review,omitempty"`
	MaxDurationMinutes int    `json:"max_duration_minutes"`
}

// ListFilter narrows a run listing.
type ListFilter struct {
	Status    Status
	ProjectID string
	Limit     int
	Offset    int
}

// Stats aggregates run counts over a trailing-day window.
type Stats struct {
	Total          int            `json:"total"`
	ByStatus       map[Status]int `json:"by_status"`
	SuccessRate    float64        `json:"success_rate"`
	AvgDurationSec float64        `json:"avg_duration_seconds"`
	ByDay          []DayCount     `json:"by_day"`
}

// DayCount is one bucket of the count-by-day histogram.
type DayCount struct {
	Day   string `json:"day"` // YYYY-MM-DD
	Count int    `json:"count"`
}
