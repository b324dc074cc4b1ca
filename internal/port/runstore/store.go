// Package runstore defines the run store port (interface).
package runstore

import (
	"context"

	"github.com/agentdock/agentdock/internal/domain/agentrun"
)

// Store is the port interface for durable run, task-tree, and log persistence.
// The engine keeps the store authoritative so that observers who miss pushed
// events can always reconcile via a full-state fetch.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, r *agentrun.Run) error
	GetRun(ctx context.Context, id string) (*agentrun.Run, error)
	UpdateRun(ctx context.Context, r *agentrun.Run) error
	UpdateRunStatus(ctx context.Context, id string, status agentrun.Status, progress float64) error
	CompleteRun(ctx context.Context, id string, status agentrun.Status, result, errMsg string) error
	ListRuns(ctx context.Context, filter agentrun.ListFilter) ([]agentrun.Run, int, error)
	ListRunsInStatus(ctx context.Context, statuses ...agentrun.Status) ([]agentrun.Run, error)
	DeleteRun(ctx context.Context, id string) error
	ClearTerminalRuns(ctx context.Context) (int, error)

	// Task trees
	SaveTasks(ctx context.Context, runID string, tasks []agentrun.Task) error
	GetTasks(ctx context.Context, runID string) ([]agentrun.Task, error)

	// Logs (append-only, insertion order preserved)
	AppendLog(ctx context.Context, runID string, entry agentrun.LogEntry) error
	ListLogs(ctx context.Context, runID string) ([]agentrun.LogEntry, error)

	// Stats aggregates runs over the trailing-day window, optionally
	// scoped to a project.
	Stats(ctx context.Context, days int, projectID string) (*agentrun.Stats, error)
}
