package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentdock/agentdock/internal/domain"
	"github.com/agentdock/agentdock/internal/domain/agentrun"
	"github.com/agentdock/agentdock/internal/port/broadcast"
	"github.com/agentdock/agentdock/internal/port/messagequeue"
)

// Listing bounds applied when the caller leaves them unset.
const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Launch validates the request, persists the run as queued, and places it at
// the tail of the admission queue. It returns immediately; the dispatcher
// starts the process once a slot frees up.
func (e *Engine) Launch(ctx context.Context, req *agentrun.LaunchRequest) (*agentrun.Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r := agentrun.NewRun(req)
	r.ID = uuid.NewString()
	if r.AutoBranch {
		r.Branch = "agentdock/" + r.ID[:8]
	}

	if err := e.store.CreateRun(ctx, r); err != nil {
		return nil, err
	}

	st := newRunState(r)
	e.mu.Lock()
	e.runs[r.ID] = st
	e.pending = append(e.pending, r.ID)
	e.mu.Unlock()
	e.kick()

	e.metrics.RunsLaunched.Add(ctx, 1)
	e.metrics.QueueDepth.Add(ctx, 1)
	e.hub.BroadcastEvent(ctx, broadcast.EventAgentStatus, r.ID, broadcast.StatusEvent{
		Status: string(agentrun.StatusQueued),
	})
	e.mirror(ctx, messagequeue.SubjectAgentLaunched, r)
	e.log.Info("run launched", "run_id", r.ID, "name", r.Name, "project_id", r.ProjectID)

	return st.snapshot(), nil
}

// Get returns one run by ID.
func (e *Engine) Get(ctx context.Context, id string) (*agentrun.Run, error) {
	return e.store.GetRun(ctx, id)
}

// List returns runs matching the filter plus the unpaged total.
func (e *Engine) List(ctx context.Context, filter agentrun.ListFilter) ([]agentrun.Run, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return e.store.ListRuns(ctx, filter)
}

// Logs returns the full observability log for a run in insertion order.
func (e *Engine) Logs(ctx context.Context, id string) ([]agentrun.LogEntry, error) {
	if _, err := e.store.GetRun(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListLogs(ctx, id)
}

// Tasks returns the run's current work breakdown tree.
func (e *Engine) Tasks(ctx context.Context, id string) ([]agentrun.Task, error) {
	if _, err := e.store.GetRun(ctx, id); err != nil {
		return nil, err
	}
	tasks, err := e.store.GetTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	return agentrun.Normalize(tasks), nil
}

// Stats aggregates run statistics over a trailing-day window, served from
// the in-process cache when a fresh entry exists.
func (e *Engine) Stats(ctx context.Context, days int, projectID string) (*agentrun.Stats, error) {
	if days < 1 {
		days = 7
	}
	key := fmt.Sprintf("stats:%d:%s", days, projectID)
	if e.cache != nil {
		if data, ok, _ := e.cache.Get(ctx, key); ok {
			var s agentrun.Stats
			if err := json.Unmarshal(data, &s); err == nil {
				return &s, nil
			}
		}
	}

	s, err := e.store.Stats(ctx, days, projectID)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		if data, err := json.Marshal(s); err == nil {
			_ = e.cache.Set(ctx, key, data, e.statsTTL)
		}
	}
	return s, nil
}

// Pause suspends a running agent process. The duration clock stops while
// the run is paused.
func (e *Engine) Pause(ctx context.Context, id string) error {
	st, err := e.state(ctx, id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.run.Status != agentrun.StatusRunning || st.sup == nil {
		return fmt.Errorf("cannot pause run in status %q: %w", st.run.Status, domain.ErrInvalidState)
	}
	if err := st.sup.Suspend(); err != nil {
		return err
	}
	st.run.Status = agentrun.StatusPaused
	st.pausedAt = time.Now()
	e.persistStatus(ctx, st.run)
	e.announceStatus(ctx, st.run, "")
	e.log.Info("run paused", "run_id", id)
	return nil
}

// Resume continues a paused agent process. Time spent paused does not count
// against the run's duration cap.
func (e *Engine) Resume(ctx context.Context, id string) error {
	st, err := e.state(ctx, id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.run.Status != agentrun.StatusPaused || st.sup == nil {
		return fmt.Errorf("cannot resume run in status %q: %w", st.run.Status, domain.ErrInvalidState)
	}
	if err := st.sup.Resume(); err != nil {
		return err
	}
	st.pausedTotal += time.Since(st.pausedAt)
	st.pausedAt = time.Time{}
	st.run.Status = agentrun.StatusRunning
	e.persistStatus(ctx, st.run)
	e.announceStatus(ctx, st.run, "")
	e.log.Info("run resumed", "run_id", id)
	return nil
}

// Cancel stops a run. A queued run is finalized immediately and its process
// is never started; a running or paused run has its process terminated and
// reaches the cancelled state once the process exits.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	st, err := e.state(ctx, id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.finalized {
		st.mu.Unlock()
		return fmt.Errorf("run is already finished: %w", domain.ErrInvalidState)
	}
	// Pre-decide the terminal state before releasing the lock so a
	// dispatcher racing for this run refuses to admit it.
	st.overrideStatus = agentrun.StatusCancelled
	queued := st.run.Status == agentrun.StatusQueued
	sup := st.sup
	st.mu.Unlock()

	if queued {
		e.unqueue(id)
		e.metrics.QueueDepth.Add(ctx, -1)
		e.finalize(ctx, st, agentrun.StatusCancelled, "", "")
		return nil
	}

	if sup != nil {
		go func() {
			if err := sup.Terminate(e.cfg.GracePeriod); err != nil {
				e.log.Error("terminate on cancel", "run_id", id, "error", err)
			}
		}()
	}
	e.log.Info("run cancel requested", "run_id", id)

	// Wait for the terminal record, bounded by the grace period. The
	// cancelled outcome is already decided; a timeout only means the
	// process outlived the wait.
	select {
	case <-st.done:
	case <-time.After(e.cfg.GracePeriod):
		e.log.Warn("cancel confirmation timed out", "run_id", id)
	case <-ctx.Done():
	}
	return nil
}

// Delete removes a terminal run and all its logs and tasks. Active runs
// must be cancelled first.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	_, active := e.runs[id]
	e.mu.Unlock()
	if active {
		return fmt.Errorf("run is still active, cancel it first: %w", domain.ErrInvalidState)
	}
	if err := e.store.DeleteRun(ctx, id); err != nil {
		return err
	}
	e.log.Info("run deleted", "run_id", id)
	return nil
}

// ClearFinished deletes all completed and failed runs, returning how many
// were removed. Cancelled runs are kept.
func (e *Engine) ClearFinished(ctx context.Context) (int, error) {
	n, err := e.store.ClearTerminalRuns(ctx)
	if err != nil {
		return 0, err
	}
	e.log.Info("cleared finished runs", "count", n)
	return n, nil
}

// kick nudges the dispatcher without blocking.
func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// unqueue removes a run ID from the pending FIFO if still present.
func (e *Engine) unqueue(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, pid := range e.pending {
		if pid == id {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

// snapshot returns a copy of the run safe to hand outside the engine.
func (st *runState) snapshot() *agentrun.Run {
	st.mu.Lock()
	defer st.mu.Unlock()
	clone := *st.run
	return &clone
}
