package gitprovider_test

import (
	"context"
	"testing"

	"github.com/agentdock/agentdock/internal/port/gitprovider"
)

type testProvider struct {
	name string
}

func (p *testProvider) Name() string { return p.name }
func (p *testProvider) ListPulls(_ context.Context, _ string) ([]gitprovider.PullRequest, error) {
	return nil, nil
}
func (p *testProvider) CreatePull(_ context.Context, _, _, _, _, _ string) (string, error) {
	return "", nil
}
func (p *testProvider) MergePull(_ context.Context, _ string, _ int) error { return nil }
func (p *testProvider) ListRuns(_ context.Context, _, _ string) ([]gitprovider.WorkflowRun, error) {
	return nil, nil
}
func (p *testProvider) Rerun(_ context.Context, _ string, _ int64) error { return nil }

func TestRegisterAndNew(t *testing.T) {
	gitprovider.Register("test-git", func(_ map[string]string) (gitprovider.Provider, error) {
		return &testProvider{name: "test-git"}, nil
	})

	p, err := gitprovider.New("test-git", nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "test-git" {
		t.Fatalf("expected test-git, got %s", p.Name())
	}
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := gitprovider.New("nonexistent", nil)
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestAvailable(t *testing.T) {
	names := gitprovider.Available()
	found := false
	for _, n := range names {
		if n == "test-git" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected test-git in available providers")
	}
}
