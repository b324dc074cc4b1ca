package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/agentdock/agentdock/internal/adapter/otel"
	"github.com/agentdock/agentdock/internal/config"
	"github.com/agentdock/agentdock/internal/domain"
	"github.com/agentdock/agentdock/internal/domain/agentrun"
	"github.com/agentdock/agentdock/internal/port/broadcast"
	"github.com/agentdock/agentdock/internal/port/runstore"
)

// memStore is an in-memory runstore.Store for engine tests.
type memStore struct {
	mu    sync.Mutex
	order []string
	runs  map[string]*agentrun.Run
	logs  map[string][]agentrun.LogEntry
	tasks map[string][]agentrun.Task

	statsCalls int
	statsDays  int
	tasksErr   error // forced GetTasks failure
}

var _ runstore.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		runs:  make(map[string]*agentrun.Run),
		logs:  make(map[string][]agentrun.LogEntry),
		tasks: make(map[string][]agentrun.Task),
	}
}

func (s *memStore) CreateRun(_ context.Context, r *agentrun.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	clone := *r
	s.runs[r.ID] = &clone
	s.order = append(s.order, r.ID)
	return nil
}

func (s *memStore) GetRun(_ context.Context, id string) (*agentrun.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	clone := *r
	return &clone, nil
}

func (s *memStore) UpdateRun(_ context.Context, r *agentrun.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return fmt.Errorf("run %s: %w", r.ID, domain.ErrNotFound)
	}
	clone := *r
	clone.UpdatedAt = time.Now().UTC()
	s.runs[r.ID] = &clone
	return nil
}

func (s *memStore) UpdateRunStatus(_ context.Context, id string, status agentrun.Status, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	r.Status = status
	r.Progress = progress
	r.UpdatedAt = time.Now().UTC()
	if status == agentrun.StatusRunning && r.StartedAt == nil {
		now := time.Now().UTC()
		r.StartedAt = &now
	}
	return nil
}

func (s *memStore) CompleteRun(_ context.Context, id string, status agentrun.Status, result, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	now := time.Now().UTC()
	r.Status = status
	r.Result = result
	r.Error = errMsg
	r.CompletedAt = &now
	r.UpdatedAt = now
	if status == agentrun.StatusCompleted {
		r.Progress = 100
	}
	return nil
}

func (s *memStore) ListRuns(_ context.Context, filter agentrun.ListFilter) ([]agentrun.Run, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []agentrun.Run
	for _, id := range s.order {
		r := s.runs[id]
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.ProjectID != "" && r.ProjectID != filter.ProjectID {
			continue
		}
		out = append(out, *r)
	}
	total := len(out)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			out = nil
		} else {
			out = out[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, total, nil
}

func (s *memStore) ListRunsInStatus(_ context.Context, statuses ...agentrun.Status) ([]agentrun.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []agentrun.Run
	for _, id := range s.order {
		r := s.runs[id]
		for _, st := range statuses {
			if r.Status == st {
				out = append(out, *r)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	delete(s.runs, id)
	delete(s.logs, id)
	delete(s.tasks, id)
	return nil
}

func (s *memStore) ClearTerminalRuns(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.runs {
		if r.Status == agentrun.StatusCompleted || r.Status == agentrun.StatusFailed {
			delete(s.runs, id)
			delete(s.logs, id)
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) SaveTasks(_ context.Context, runID string, tasks []agentrun.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[runID] = tasks
	return nil
}

func (s *memStore) GetTasks(_ context.Context, runID string) ([]agentrun.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasksErr != nil {
		return nil, s.tasksErr
	}
	return s.tasks[runID], nil
}

func (s *memStore) AppendLog(_ context.Context, runID string, entry agentrun.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[runID] = append(s.logs[runID], entry)
	return nil
}

func (s *memStore) ListLogs(_ context.Context, runID string) ([]agentrun.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs[runID], nil
}

func (s *memStore) Stats(_ context.Context, days int, _ string) (*agentrun.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsCalls++
	s.statsDays = days
	return &agentrun.Stats{Total: len(s.runs), ByStatus: map[agentrun.Status]int{}}, nil
}

// memHub records broadcast events for assertions.
type memHub struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Type    string
	AgentID string
	Payload any
}

var _ broadcast.Broadcaster = (*memHub)(nil)

func (h *memHub) BroadcastEvent(_ context.Context, eventType, agentID string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, recordedEvent{Type: eventType, AgentID: agentID, Payload: payload})
}

func (h *memHub) byType(eventType string) []recordedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []recordedEvent
	for _, ev := range h.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// writeScript creates an executable agent stand-in for the engine to spawn.
// The prompt arrives as "$1".
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

const succeedScript = `echo '{"type":"progress","progress":50}'
echo '{"type":"log","level":"info","message":"working"}'
echo '{"type":"result","success":true,"summary":"done"}'`

// waitScript blocks until the file named by the prompt exists, then succeeds.
const waitScript = `while [ ! -f "$1" ]; do sleep 0.05; done
echo '{"type":"result","success":true,"summary":"released"}'`

func newTestEngine(t *testing.T, command string, maxConcurrent int) (*Engine, *memStore, *memHub) {
	t.Helper()
	store := newMemStore()
	hub := &memHub{}
	metrics, err := otel.NewMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	cfg := config.Engine{
		MaxConcurrent: maxConcurrent,
		SweepInterval: time.Hour, // swept manually in tests
		GracePeriod:   2 * time.Second,
		AgentCommand:  command,
		WorkDir:       t.TempDir(),
	}
	e := New(cfg, time.Second, Deps{
		Store:   store,
		Hub:     hub,
		Metrics: metrics,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return e, store, hub
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Stop(ctx); err != nil {
			t.Errorf("stop engine: %v", err)
		}
	})
}

func waitStatus(t *testing.T, store *memStore, id string, want agentrun.Status) *agentrun.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		r, err := store.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if r.Status == want {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	r, _ := store.GetRun(context.Background(), id)
	t.Fatalf("run %s never reached %s, last status %s", id, want, r.Status)
	return nil
}

func launch(t *testing.T, e *Engine, name, prompt string) *agentrun.Run {
	t.Helper()
	r, err := e.Launch(context.Background(), &agentrun.LaunchRequest{Name: name, Prompt: prompt})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	return r
}

func TestLaunchReturnsQueued(t *testing.T) {
	e, _, hub := newTestEngine(t, "/bin/true", 1)

	r := launch(t, e, "demo", "do things")
	if r.Status != agentrun.StatusQueued {
		t.Fatalf("status = %s, want queued", r.Status)
	}
	if r.Progress != 0 {
		t.Fatalf("progress = %v, want 0", r.Progress)
	}
	if r.ID == "" {
		t.Fatal("expected an assigned run ID")
	}
	if r.Branch == "" {
		t.Fatal("expected an auto-assigned branch")
	}
	if got := hub.byType(broadcast.EventAgentStatus); len(got) != 1 {
		t.Fatalf("expected 1 status event, got %d", len(got))
	}
}

func TestLaunchValidation(t *testing.T) {
	e, _, _ := newTestEngine(t, "/bin/true", 1)

	_, err := e.Launch(context.Background(), &agentrun.LaunchRequest{Name: "x"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRunCompletes(t *testing.T) {
	e, store, hub := newTestEngine(t, writeScript(t, succeedScript), 1)
	startEngine(t, e)

	r := launch(t, e, "demo", "do things")
	got := waitStatus(t, store, r.ID, agentrun.StatusCompleted)

	if got.Result != "done" {
		t.Fatalf("result = %q, want %q", got.Result, "done")
	}
	if got.Progress != 100 {
		t.Fatalf("progress = %v, want 100", got.Progress)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatal("expected started_at and completed_at to be set")
	}

	logs, err := store.ListLogs(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Message != "working" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
	if got := hub.byType(broadcast.EventAgentCompleted); len(got) != 1 {
		t.Fatalf("expected 1 completed event, got %d", len(got))
	}
}

func TestRunFailsOnNonZeroExit(t *testing.T) {
	e, store, hub := newTestEngine(t, writeScript(t, "exit 3"), 1)
	startEngine(t, e)

	r := launch(t, e, "demo", "do things")
	got := waitStatus(t, store, r.ID, agentrun.StatusFailed)

	if got.Error == "" {
		t.Fatal("expected an error message on the failed run")
	}
	if got := hub.byType(broadcast.EventAgentFailed); len(got) != 1 {
		t.Fatalf("expected 1 failed event, got %d", len(got))
	}
}

func TestFIFOAdmissionUnderCeiling(t *testing.T) {
	e, store, _ := newTestEngine(t, writeScript(t, waitScript), 1)
	startEngine(t, e)

	sigDir := t.TempDir()
	sigA := filepath.Join(sigDir, "a")
	sigB := filepath.Join(sigDir, "b")

	a := launch(t, e, "first", sigA)
	b := launch(t, e, "second", sigB)

	waitStatus(t, store, a.ID, agentrun.StatusRunning)

	// With one slot, the second run must stay queued while the first holds it.
	time.Sleep(200 * time.Millisecond)
	got, _ := store.GetRun(context.Background(), b.ID)
	if got.Status != agentrun.StatusQueued {
		t.Fatalf("second run status = %s, want queued", got.Status)
	}

	if err := os.WriteFile(sigA, nil, 0o644); err != nil {
		t.Fatalf("signal: %v", err)
	}
	waitStatus(t, store, a.ID, agentrun.StatusCompleted)
	waitStatus(t, store, b.ID, agentrun.StatusRunning)

	if err := os.WriteFile(sigB, nil, 0o644); err != nil {
		t.Fatalf("signal: %v", err)
	}
	waitStatus(t, store, b.ID, agentrun.StatusCompleted)
}

func TestCancelQueuedNeverStartsProcess(t *testing.T) {
	e, store, hub := newTestEngine(t, writeScript(t, waitScript), 1)
	startEngine(t, e)

	sigDir := t.TempDir()
	sigA := filepath.Join(sigDir, "a")

	a := launch(t, e, "holder", sigA)
	b := launch(t, e, "victim", filepath.Join(sigDir, "never"))

	waitStatus(t, store, a.ID, agentrun.StatusRunning)

	if err := e.Cancel(context.Background(), b.ID); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	got := waitStatus(t, store, b.ID, agentrun.StatusCancelled)
	if got.StartedAt != nil {
		t.Fatal("cancelled queued run must never start")
	}
	if got := hub.byType(broadcast.EventAgentCompleted); len(got) != 1 {
		t.Fatalf("expected 1 terminal event for cancelled run, got %d", len(got))
	}

	if err := os.WriteFile(sigA, nil, 0o644); err != nil {
		t.Fatalf("signal: %v", err)
	}
	waitStatus(t, store, a.ID, agentrun.StatusCompleted)
}

func TestCancelRunningTerminatesProcess(t *testing.T) {
	e, store, _ := newTestEngine(t, writeScript(t, waitScript), 1)
	startEngine(t, e)

	r := launch(t, e, "demo", filepath.Join(t.TempDir(), "never"))
	waitStatus(t, store, r.ID, agentrun.StatusRunning)

	if err := e.Cancel(context.Background(), r.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitStatus(t, store, r.ID, agentrun.StatusCancelled)
}

func TestProgressIsMonotonic(t *testing.T) {
	script := `echo '{"type":"progress","progress":80}'
echo '{"type":"progress","progress":30}'
echo '{"type":"result","success":true,"summary":"ok"}'`
	e, store, hub := newTestEngine(t, writeScript(t, script), 1)
	startEngine(t, e)

	r := launch(t, e, "demo", "prompt")
	waitStatus(t, store, r.ID, agentrun.StatusCompleted)

	events := hub.byType(broadcast.EventAgentProgress)
	if len(events) != 1 {
		t.Fatalf("expected 1 progress event (regression dropped), got %d", len(events))
	}
	ev, ok := events[0].Payload.(broadcast.ProgressEvent)
	if !ok {
		t.Fatalf("unexpected payload type %T", events[0].Payload)
	}
	if ev.Progress != 80 {
		t.Fatalf("progress = %v, want 80", ev.Progress)
	}
}

func TestTaskTreeMergesAcrossUpdates(t *testing.T) {
	script := `echo '{"type":"tasks","tasks":[{"id":"1","name":"plan","status":"in_progress"}]}'
echo '{"type":"tasks","tasks":[{"id":"1","name":"plan","status":"completed"},{"id":"2","name":"build","status":"pending"}]}'
echo '{"type":"result","success":true,"summary":"ok"}'`
	e, store, _ := newTestEngine(t, writeScript(t, script), 1)
	startEngine(t, e)

	r := launch(t, e, "demo", "prompt")
	waitStatus(t, store, r.ID, agentrun.StatusCompleted)

	tasks, err := e.Tasks(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 merged tasks, got %d", len(tasks))
	}
	if tasks[0].Status != agentrun.TaskCompleted || tasks[1].ID != "2" {
		t.Fatalf("unexpected merge result: %+v", tasks)
	}
}

func TestPauseResume(t *testing.T) {
	e, store, _ := newTestEngine(t, writeScript(t, waitScript), 1)
	startEngine(t, e)

	sig := filepath.Join(t.TempDir(), "go")
	r := launch(t, e, "demo", sig)
	waitStatus(t, store, r.ID, agentrun.StatusRunning)

	if err := e.Pause(context.Background(), r.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	waitStatus(t, store, r.ID, agentrun.StatusPaused)

	if err := e.Pause(context.Background(), r.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("double pause: expected invalid state, got %v", err)
	}

	if err := e.Resume(context.Background(), r.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitStatus(t, store, r.ID, agentrun.StatusRunning)

	if err := os.WriteFile(sig, nil, 0o644); err != nil {
		t.Fatalf("signal: %v", err)
	}
	waitStatus(t, store, r.ID, agentrun.StatusCompleted)
}

func TestPauseUnknownRun(t *testing.T) {
	e, _, _ := newTestEngine(t, "/bin/true", 1)

	err := e.Pause(context.Background(), "00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPauseTerminalRunIsInvalidState(t *testing.T) {
	e, store, _ := newTestEngine(t, writeScript(t, succeedScript), 1)
	startEngine(t, e)

	r := launch(t, e, "demo", "prompt")
	waitStatus(t, store, r.ID, agentrun.StatusCompleted)

	if err := e.Pause(context.Background(), r.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestDurationCapFailsRun(t *testing.T) {
	e, store, _ := newTestEngine(t, writeScript(t, waitScript), 1)
	startEngine(t, e)

	r := launch(t, e, "demo", filepath.Join(t.TempDir(), "never"))
	waitStatus(t, store, r.ID, agentrun.StatusRunning)

	// Backdate the start so the cap is already exceeded, then sweep.
	e.mu.Lock()
	st := e.runs[r.ID]
	e.mu.Unlock()
	st.mu.Lock()
	past := time.Now().Add(-2 * time.Hour)
	st.run.StartedAt = &past
	st.run.MaxDurationMinutes = 1
	st.mu.Unlock()

	e.sweepExpired()

	got := waitStatus(t, store, r.ID, agentrun.StatusFailed)
	if got.Error == "" {
		t.Fatal("expected a timeout error message")
	}
}

func TestPausedTimeExcludedFromCap(t *testing.T) {
	e, store, _ := newTestEngine(t, writeScript(t, waitScript), 1)
	startEngine(t, e)

	sig := filepath.Join(t.TempDir(), "go")
	r := launch(t, e, "demo", sig)
	waitStatus(t, store, r.ID, agentrun.StatusRunning)

	e.mu.Lock()
	st := e.runs[r.ID]
	e.mu.Unlock()
	st.mu.Lock()
	past := time.Now().Add(-2 * time.Hour)
	st.run.StartedAt = &past
	st.run.MaxDurationMinutes = 130
	st.pausedTotal = 90 * time.Minute // 30 active minutes, under the cap
	st.mu.Unlock()

	e.sweepExpired()

	time.Sleep(100 * time.Millisecond)
	got, _ := store.GetRun(context.Background(), r.ID)
	if got.Status != agentrun.StatusRunning {
		t.Fatalf("run with paused time under cap was swept: status = %s", got.Status)
	}

	if err := os.WriteFile(sig, nil, 0o644); err != nil {
		t.Fatalf("signal: %v", err)
	}
	waitStatus(t, store, r.ID, agentrun.StatusCompleted)
}

func TestRecoveryOnStart(t *testing.T) {
	e, store, _ := newTestEngine(t, writeScript(t, succeedScript), 1)

	ctx := context.Background()
	interrupted := &agentrun.Run{ID: "run-interrupted", Name: "old", Prompt: "p", Status: agentrun.StatusRunning}
	requeued := &agentrun.Run{ID: "run-requeued", Name: "old", Prompt: "p", Status: agentrun.StatusQueued}
	if err := store.CreateRun(ctx, interrupted); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.CreateRun(ctx, requeued); err != nil {
		t.Fatalf("seed: %v", err)
	}

	startEngine(t, e)

	got := waitStatus(t, store, interrupted.ID, agentrun.StatusFailed)
	if got.Error != "interrupted by engine restart" {
		t.Fatalf("error = %q", got.Error)
	}
	waitStatus(t, store, requeued.ID, agentrun.StatusCompleted)
}

func TestDeleteActiveRunRejected(t *testing.T) {
	e, store, _ := newTestEngine(t, writeScript(t, waitScript), 1)
	startEngine(t, e)

	r := launch(t, e, "demo", filepath.Join(t.TempDir(), "never"))
	waitStatus(t, store, r.ID, agentrun.StatusRunning)

	if err := e.Delete(context.Background(), r.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}

	if err := e.Cancel(context.Background(), r.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitStatus(t, store, r.ID, agentrun.StatusCancelled)

	if err := e.Delete(context.Background(), r.ID); err != nil {
		t.Fatalf("delete terminal run: %v", err)
	}
	if _, err := store.GetRun(context.Background(), r.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected run gone, got %v", err)
	}
}

func TestClearFinishedKeepsCancelled(t *testing.T) {
	e, store, _ := newTestEngine(t, "/bin/true", 1)

	ctx := context.Background()
	seed := func(id string, status agentrun.Status) {
		r := &agentrun.Run{ID: id, Name: id, Prompt: "p", Status: status}
		if err := store.CreateRun(ctx, r); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	seed("done", agentrun.StatusCompleted)
	seed("broken", agentrun.StatusFailed)
	seed("stopped", agentrun.StatusCancelled)

	n, err := e.ClearFinished(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 2 {
		t.Fatalf("cleared %d runs, want 2", n)
	}
	if _, err := store.GetRun(ctx, "stopped"); err != nil {
		t.Fatalf("cancelled run should survive clear: %v", err)
	}
}

func TestStatsDefaultsWindow(t *testing.T) {
	e, store, _ := newTestEngine(t, "/bin/true", 1)

	if _, err := e.Stats(context.Background(), 0, ""); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if store.statsDays != 7 {
		t.Fatalf("days = %d, want 7", store.statsDays)
	}
}

func TestListClampsLimit(t *testing.T) {
	e, store, _ := newTestEngine(t, "/bin/true", 1)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		r := &agentrun.Run{ID: fmt.Sprintf("r%d", i), Name: "n", Prompt: "p", Status: agentrun.StatusCompleted}
		if err := store.CreateRun(ctx, r); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	runs, total, err := e.List(ctx, agentrun.ListFilter{Limit: -5})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(runs) != 3 {
		t.Fatalf("total = %d, len = %d, want 3/3", total, len(runs))
	}
}

func TestLaunchWithoutCapIsUnbounded(t *testing.T) {
	e, store, _ := newTestEngine(t, writeScript(t, waitScript), 1)
	startEngine(t, e)

	sig := filepath.Join(t.TempDir(), "go")
	r := launch(t, e, "demo", sig)
	if r.MaxDurationMinutes != 0 {
		t.Fatalf("max_duration_minutes = %d, want 0", r.MaxDurationMinutes)
	}
	waitStatus(t, store, r.ID, agentrun.StatusRunning)

	// Backdate the start far into the past; a run without a cap must
	// survive the sweep no matter how long it has been running.
	e.mu.Lock()
	st := e.runs[r.ID]
	e.mu.Unlock()
	st.mu.Lock()
	past := time.Now().Add(-48 * time.Hour)
	st.run.StartedAt = &past
	st.mu.Unlock()

	e.sweepExpired()

	time.Sleep(100 * time.Millisecond)
	got, _ := store.GetRun(context.Background(), r.ID)
	if got.Status != agentrun.StatusRunning {
		t.Fatalf("uncapped run was swept: status = %s", got.Status)
	}

	if err := os.WriteFile(sig, nil, 0o644); err != nil {
		t.Fatalf("signal: %v", err)
	}
	waitStatus(t, store, r.ID, agentrun.StatusCompleted)
}

func TestDefaultCapAppliedAtSweep(t *testing.T) {
	e, store, _ := newTestEngine(t, writeScript(t, waitScript), 1)
	e.cfg.DefaultMaxDuration = time.Minute
	startEngine(t, e)

	r := launch(t, e, "demo", filepath.Join(t.TempDir(), "never"))
	if r.MaxDurationMinutes != 0 {
		t.Fatalf("launch must not rewrite max_duration_minutes, got %d", r.MaxDurationMinutes)
	}
	waitStatus(t, store, r.ID, agentrun.StatusRunning)

	e.mu.Lock()
	st := e.runs[r.ID]
	e.mu.Unlock()
	st.mu.Lock()
	past := time.Now().Add(-2 * time.Hour)
	st.run.StartedAt = &past
	st.mu.Unlock()

	e.sweepExpired()

	got := waitStatus(t, store, r.ID, agentrun.StatusFailed)
	if got.Error == "" {
		t.Fatal("expected a timeout error message")
	}
}

func TestCancelConfirmedBeforeReturn(t *testing.T) {
	e, store, _ := newTestEngine(t, writeScript(t, waitScript), 1)
	startEngine(t, e)

	r := launch(t, e, "demo", filepath.Join(t.TempDir(), "never"))
	waitStatus(t, store, r.ID, agentrun.StatusRunning)

	if err := e.Cancel(context.Background(), r.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// No polling: the terminal record must already be durable when Cancel
	// returns.
	got, err := store.GetRun(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != agentrun.StatusCancelled {
		t.Fatalf("status when cancel returned = %s, want cancelled", got.Status)
	}
}

func TestDispatcherRefusesDecidedCancel(t *testing.T) {
	e, store, _ := newTestEngine(t, writeScript(t, waitScript), 1)
	startEngine(t, e)

	sigDir := t.TempDir()
	sigA := filepath.Join(sigDir, "a")
	a := launch(t, e, "holder", sigA)
	b := launch(t, e, "victim", filepath.Join(sigDir, "never"))
	waitStatus(t, store, a.ID, agentrun.StatusRunning)

	// Mark the queued run the way Cancel does before it finalizes: the
	// dispatcher must refuse admission on the override alone.
	e.mu.Lock()
	st := e.runs[b.ID]
	e.mu.Unlock()
	st.mu.Lock()
	st.overrideStatus = agentrun.StatusCancelled
	st.mu.Unlock()

	if err := os.WriteFile(sigA, nil, 0o644); err != nil {
		t.Fatalf("signal: %v", err)
	}
	waitStatus(t, store, a.ID, agentrun.StatusCompleted)

	time.Sleep(200 * time.Millisecond)
	got, _ := store.GetRun(context.Background(), b.ID)
	if got.StartedAt != nil {
		t.Fatal("run with a decided cancel was admitted")
	}

	if err := e.Cancel(context.Background(), b.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitStatus(t, store, b.ID, agentrun.StatusCancelled)
}

func TestTasksPropagatesStoreFailure(t *testing.T) {
	e, store, _ := newTestEngine(t, "/bin/true", 1)

	ctx := context.Background()
	r := &agentrun.Run{ID: "r1", Name: "n", Prompt: "p", Status: agentrun.StatusCompleted}
	if err := store.CreateRun(ctx, r); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store.tasksErr = errors.New("connection refused")

	if _, err := e.Tasks(ctx, "r1"); err == nil {
		t.Fatal("expected the store failure to propagate, got nil")
	}
}
