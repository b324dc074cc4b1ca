// Package ghcli implements the gitprovider.Provider interface by shelling
// out to the GitHub CLI (gh).
package ghcli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/agentdock/agentdock/internal/port/gitprovider"
)

const providerName = "gh"

// Provider interacts with GitHub via the gh CLI.
type Provider struct {
	pool *opPool
}

// NewProvider creates a Provider that allows at most maxConcurrent
// simultaneous gh invocations. A non-positive limit is treated as 1.
func NewProvider(maxConcurrent int) *Provider {
	return &Provider{pool: newOpPool(maxConcurrent)}
}

// Name returns "gh".
func (p *Provider) Name() string { return providerName }

// ListPulls returns open pull requests for the repository at repoDir.
func (p *Provider) ListPulls(ctx context.Context, repoDir string) ([]gitprovider.PullRequest, error) {
	var pulls []gitprovider.PullRequest
	err := p.pool.run(ctx, func() error {
		out, err := runGH(ctx, repoDir, "pr", "list", "--state", "open",
			"--json", "number,title,headRefName,url,state")
		if err != nil {
			return fmt.Errorf("ghcli: list pulls: %w", err)
		}

		var raw []struct {
			Number      int    `json:"number"`
			Title       string `json:"title"`
			HeadRefName string `json:"headRefName"`
			URL         string `json:"url"`
			State       string `json:"state"`
		}
		if err := json.Unmarshal([]byte(out), &raw); err != nil {
			return fmt.Errorf("ghcli: parse pr list: %w", err)
		}
		for _, r := range raw {
			pulls = append(pulls, gitprovider.PullRequest{
				Number: r.Number,
				Title:  r.Title,
				Branch: r.HeadRefName,
				URL:    r.URL,
				State:  r.State,
			})
		}
		return nil
	})
	return pulls, err
}

// CreatePull opens a pull request from head onto base and returns its URL.
func (p *Provider) CreatePull(ctx context.Context, repoDir, base, head, title, body string) (string, error) {
	var url string
	err := p.pool.run(ctx, func() error {
		out, err := runGH(ctx, repoDir, "pr", "create",
			"--base", base, "--head", head, "--title", title, "--body", body)
		if err != nil {
			return fmt.Errorf("ghcli: create pull: %w", err)
		}
		// gh prints the PR URL as the last non-empty line.
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "https://") {
				url = line
			}
		}
		return nil
	})
	return url, err
}

// MergePull merges the given pull request.
func (p *Provider) MergePull(ctx context.Context, repoDir string, number int) error {
	return p.pool.run(ctx, func() error {
		if _, err := runGH(ctx, repoDir, "pr", "merge", strconv.Itoa(number), "--squash", "--auto"); err != nil {
			return fmt.Errorf("ghcli: merge pull %d: %w", number, err)
		}
		return nil
	})
}

// ListRuns returns recent CI workflow runs for a branch.
func (p *Provider) ListRuns(ctx context.Context, repoDir, branch string) ([]gitprovider.WorkflowRun, error) {
	var runs []gitprovider.WorkflowRun
	err := p.pool.run(ctx, func() error {
		out, err := runGH(ctx, repoDir, "run", "list", "--branch", branch,
			"--json", "databaseId,name,headBranch,status,conclusion")
		if err != nil {
			return fmt.Errorf("ghcli: list runs: %w", err)
		}

		var raw []struct {
			DatabaseID int64  `json:"databaseId"`
			Name       string `json:"name"`
			HeadBranch string `json:"headBranch"`
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
		}
		if err := json.Unmarshal([]byte(out), &raw); err != nil {
			return fmt.Errorf("ghcli: parse run list: %w", err)
		}
		for _, r := range raw {
			runs = append(runs, gitprovider.WorkflowRun{
				ID:         r.DatabaseID,
				Name:       r.Name,
				Branch:     r.HeadBranch,
				Status:     r.Status,
				Conclusion: r.Conclusion,
			})
		}
		return nil
	})
	return runs, err
}

// Rerun restarts a failed CI workflow run.
func (p *Provider) Rerun(ctx context.Context, repoDir string, runID int64) error {
	return p.pool.run(ctx, func() error {
		if _, err := runGH(ctx, repoDir, "run", "rerun", strconv.FormatInt(runID, 10)); err != nil {
			return fmt.Errorf("ghcli: rerun %d: %w", runID, err)
		}
		return nil
	})
}

// runGH executes a gh command and returns its stdout.
func runGH(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}
