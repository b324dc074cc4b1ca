package agentrun_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/agentdock/agentdock/internal/domain"
	"github.com/agentdock/agentdock/internal/domain/agentrun"
)

func TestLaunchRequestValidate_Valid(t *testing.T) {
	req := &agentrun.LaunchRequest{
		Name:               "Fix flaky test",
		Prompt:             "Find and fix the flaky test in pkg/store",
		MaxDurationMinutes: 60,
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("expected valid, got: %v", err)
	}
}

func TestLaunchRequestValidate_MissingName(t *testing.T) {
	req := &agentrun.LaunchRequest{Prompt: "do something"}
	err := req.Validate()
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got: %v", err)
	}
}

func TestLaunchRequestValidate_NameTooLong(t *testing.T) {
	req := &agentrun.LaunchRequest{
		Name:   strings.Repeat("x", 101),
		Prompt: "do something",
	}
	if err := req.Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got: %v", err)
	}
}

func TestLaunchRequestValidate_MissingPrompt(t *testing.T) {
	req := &agentrun.LaunchRequest{Name: "Test"}
	if err := req.Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got: %v", err)
	}
}

func TestLaunchRequestValidate_DurationBounds(t *testing.T) {
	for _, minutes := range []int{-1, 481} {
		req := &agentrun.LaunchRequest{Name: "Test", Prompt: "p", MaxDurationMinutes: minutes}
		if err := req.Validate(); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("minutes=%d: expected ErrValidation, got: %v", minutes, err)
		}
	}
	for _, minutes := range []int{0, 1, 480} {
		req := &agentrun.LaunchRequest{Name: "Test", Prompt: "p", MaxDurationMinutes: minutes}
		if err := req.Validate(); err != nil {
			t.Fatalf("minutes=%d: expected valid, got: %v", minutes, err)
		}
	}
}

func TestNewRun_Defaults(t *testing.T) {
	r := agentrun.NewRun(&agentrun.LaunchRequest{Name: "Test", Prompt: "Do X"})

	if r.Status != agentrun.StatusQueued {
		t.Fatalf("expected queued, got %s", r.Status)
	}
	if r.Progress != 0 {
		t.Fatalf("expected progress 0, got %f", r.Progress)
	}
	if !r.AutoBranch || !r.AutoPR {
		t.Fatal("expected auto_branch and auto_pr to default to true")
	}
	if r.AutoMerge || r.AutoReview {
		t.Fatal("expected auto_merge and auto_review to default to false")
	}
}

func TestNewRun_FlagOverrides(t *testing.T) {
	off, on := false, true
	r := agentrun.NewRun(&agentrun.LaunchRequest{
		Name: "Test", Prompt: "Do X",
		AutoPR:    &off,
		AutoMerge: &on,
	})
	if r.AutoPR {
		t.Fatal("expected auto_pr override to false")
	}
	if !r.AutoMerge {
		t.Fatal("expected auto_merge override to true")
	}
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []agentrun.Status{agentrun.StatusCompleted, agentrun.StatusFailed, agentrun.StatusCancelled}
	active := []agentrun.Status{agentrun.StatusQueued, agentrun.StatusRunning, agentrun.StatusPaused}

	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range active {
		if s.IsTerminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to agentrun.Status
		want     bool
	}{
		{agentrun.StatusQueued, agentrun.StatusRunning, true},
		{agentrun.StatusQueued, agentrun.StatusCancelled, true},
		{agentrun.StatusQueued, agentrun.StatusPaused, false},
		{agentrun.StatusRunning, agentrun.StatusPaused, true},
		{agentrun.StatusPaused, agentrun.StatusRunning, true},
		{agentrun.StatusPaused, agentrun.StatusCancelled, true},
		{agentrun.StatusCompleted, agentrun.StatusRunning, false},
		{agentrun.StatusFailed, agentrun.StatusQueued, false},
		{agentrun.StatusCancelled, agentrun.StatusCancelled, false},
	}
	for _, c := range cases {
		if got := agentrun.CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
