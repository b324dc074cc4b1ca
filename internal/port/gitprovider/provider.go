// Package gitprovider defines the Git hosting capability port (interface).
package gitprovider

import "context"

// PullRequest describes one pull request on the hosting platform.
type PullRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Branch string `json:"branch"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

// WorkflowRun describes one CI workflow run.
type WorkflowRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Branch     string `json:"branch"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
}

// Provider is the port interface for the external Git hosting tooling. The
// orchestration core never depends on its implementation, only this contract;
// it is an optional side effect triggered by a run's automation flags.
type Provider interface {
	// Name returns the unique identifier for this provider (e.g. "gh").
	Name() string

	// ListPulls returns open pull requests for the repository.
	ListPulls(ctx context.Context, repoDir string) ([]PullRequest, error)

	// CreatePull opens a pull request from head onto base and returns its URL.
	CreatePull(ctx context.Context, repoDir, base, head, title, body string) (string, error)

	// MergePull merges the given pull request.
	MergePull(ctx context.Context, repoDir string, number int) error

	// ListRuns returns recent CI workflow runs for a branch.
	ListRuns(ctx context.Context, repoDir, branch string) ([]WorkflowRun, error)

	// Rerun restarts a failed CI workflow run.
	Rerun(ctx context.Context, repoDir string, runID int64) error
}
