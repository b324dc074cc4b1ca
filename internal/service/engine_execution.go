package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/agentdock/agentdock/internal/adapter/otel"
	"github.com/agentdock/agentdock/internal/domain/agentrun"
	"github.com/agentdock/agentdock/internal/port/broadcast"
	"github.com/agentdock/agentdock/internal/port/messagequeue"
	"github.com/agentdock/agentdock/internal/supervisor"
)

// dispatch is the admission loop: it pops queued runs in FIFO order and
// starts each one as soon as a concurrency slot is free.
func (e *Engine) dispatch() {
	defer e.wg.Done()
	for {
		st := e.nextPending()
		if st == nil {
			select {
			case <-e.ctx.Done():
				return
			case <-e.wake:
			}
			continue
		}

		if err := e.slots.Acquire(e.ctx, 1); err != nil {
			return
		}

		// The run may have been cancelled while it waited for a slot. The
		// override is set before the cancel path finalizes, so checking it
		// here keeps a racing cancel from ever spawning a process.
		st.mu.Lock()
		admitted := st.run.Status == agentrun.StatusQueued && !st.finalized && st.overrideStatus == ""
		st.mu.Unlock()
		if !admitted {
			e.slots.Release(1)
			continue
		}

		e.wg.Add(1)
		go e.execute(st)
	}
}

// nextPending pops the head of the FIFO, skipping IDs whose state is gone.
func (e *Engine) nextPending() *runState {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.pending) > 0 {
		id := e.pending[0]
		e.pending = e.pending[1:]
		if st, ok := e.runs[id]; ok {
			return st
		}
	}
	return nil
}

// execute owns one admitted run end to end: workspace, process, stream
// ingestion, and the terminal report.
func (e *Engine) execute(st *runState) {
	defer e.wg.Done()
	defer e.slots.Release(1)

	id := st.run.ID
	runCtx, span := otel.StartRunSpan(e.ctx, id, st.run.ProjectID)
	defer span.End()

	dir, err := os.MkdirTemp(e.cfg.WorkDir, "agentdock-run-")
	if err != nil {
		e.metrics.QueueDepth.Add(runCtx, -1)
		e.finalize(runCtx, st, agentrun.StatusFailed, "", fmt.Sprintf("create workspace: %v", err))
		return
	}

	st.mu.Lock()
	prompt := st.run.Prompt
	env := []string{
		"AGENTDOCK_RUN_ID=" + id,
		"AGENTDOCK_BRANCH=" + st.run.Branch,
		"AGENTDOCK_BASE_BRANCH=" + st.run.BaseBranch,
	}
	// Keep the workspace alive past process exit when a pull request still
	// has to be opened from it.
	removeDir := !(st.run.AutoPR && e.git != nil)
	st.mu.Unlock()

	sup, err := supervisor.Start(supervisor.Config{
		Command:   e.cfg.AgentCommand,
		Dir:       dir,
		Env:       env,
		Log:       e.log.With("run_id", id),
		RemoveDir: removeDir,
	}, prompt)
	if err != nil {
		_ = os.RemoveAll(dir)
		e.metrics.QueueDepth.Add(runCtx, -1)
		e.finalize(runCtx, st, agentrun.StatusFailed, "", err.Error())
		return
	}
	if !removeDir {
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				e.log.Warn("remove workspace", "run_id", id, "error", err)
			}
		}()
	}

	st.mu.Lock()
	if st.finalized || st.overrideStatus != "" {
		// Cancelled between admission and spawn. The queued-cancel path has
		// already finalized the run, so just reap the process.
		st.mu.Unlock()
		_ = sup.Terminate(e.cfg.GracePeriod)
		for range sup.Updates() {
		}
		<-sup.Done()
		return
	}
	now := time.Now().UTC()
	st.run.Status = agentrun.StatusRunning
	st.run.StartedAt = &now
	st.sup = sup
	st.dir = dir
	e.persistStatus(runCtx, st.run)
	e.announceStatus(runCtx, st.run, "")
	st.mu.Unlock()

	e.metrics.QueueDepth.Add(runCtx, -1)
	e.log.Info("run started", "run_id", id, "pid", sup.PID(), "workspace", dir)

	for u := range sup.Updates() {
		e.ingest(runCtx, st, u)
	}
	e.finalizeOutcome(runCtx, st, <-sup.Done())
}

// ingest applies one parsed stream update: persist, then push to observers.
func (e *Engine) ingest(ctx context.Context, st *runState, u supervisor.Update) {
	id := st.run.ID
	switch u.Kind {
	case supervisor.UpdateProgress:
		st.mu.Lock()
		if u.Progress <= st.run.Progress {
			// Progress is monotonic; late or repeated reports are dropped.
			st.mu.Unlock()
			return
		}
		st.run.Progress = u.Progress
		status := st.run.Status
		progress := st.run.Progress
		e.persistStatus(ctx, st.run)
		st.mu.Unlock()

		e.hub.BroadcastEvent(ctx, broadcast.EventAgentProgress, id, broadcast.ProgressEvent{
			Status:   string(status),
			Progress: progress,
		})
		e.mirror(ctx, messagequeue.SubjectAgentProgress, queueMsg{
			RunID:    id,
			Status:   string(status),
			Progress: progress,
		})

	case supervisor.UpdateLog:
		if err := e.store.AppendLog(ctx, id, u.Log); err != nil {
			e.log.Error("append run log", "run_id", id, "error", err)
		}
		e.hub.BroadcastEvent(ctx, broadcast.EventAgentLog, id, broadcast.LogEvent{
			Level:   string(u.Log.Level),
			Message: u.Log.Message,
		})

	case supervisor.UpdateTasks:
		st.mu.Lock()
		st.tasks = agentrun.Normalize(agentrun.MergeTree(st.tasks, u.Tasks))
		merged := st.tasks
		st.mu.Unlock()

		if err := e.store.SaveTasks(ctx, id, merged); err != nil {
			e.log.Error("save task tree", "run_id", id, "error", err)
		}
		e.hub.BroadcastEvent(ctx, broadcast.EventAgentTaskTree, id, merged)

	case supervisor.UpdateResult:
		// Folded into the terminal outcome by the supervisor.
	}
}

// finalizeOutcome translates the process outcome into a terminal run status.
// An override placed by Cancel, the sweeper, or shutdown wins over whatever
// the process reported.
func (e *Engine) finalizeOutcome(ctx context.Context, st *runState, out supervisor.Outcome) {
	st.mu.Lock()
	status := agentrun.StatusCompleted
	result := out.Summary
	errMsg := ""
	switch {
	case st.overrideStatus != "":
		status = st.overrideStatus
		errMsg = st.overrideErr
	case out.Success:
	default:
		status = agentrun.StatusFailed
		if out.Err != nil {
			errMsg = out.Err.Error()
		} else {
			errMsg = "agent process failed"
		}
	}
	st.mu.Unlock()

	e.finalize(ctx, st, status, result, errMsg)
}

// finalize records the terminal state exactly once: store, pull request
// delivery, events, metrics. Persistence outlives a cancelled engine context.
func (e *Engine) finalize(ctx context.Context, st *runState, status agentrun.Status, result, errMsg string) {
	ctx = context.WithoutCancel(ctx)

	st.mu.Lock()
	if st.finalized {
		st.mu.Unlock()
		return
	}
	st.finalized = true
	st.run.Status = status
	st.run.Result = result
	st.run.Error = errMsg
	if status == agentrun.StatusCompleted {
		st.run.Progress = 100
	}
	r := *st.run
	dir := st.dir
	paused := st.pausedTotal
	if !st.pausedAt.IsZero() {
		paused += time.Since(st.pausedAt)
	}
	st.mu.Unlock()

	if err := e.store.CompleteRun(ctx, r.ID, status, result, errMsg); err != nil {
		e.log.Error("persist terminal run", "run_id", r.ID, "status", status, "error", err)
	}

	prURL := ""
	if status == agentrun.StatusCompleted && r.AutoPR && e.git != nil && dir != "" {
		prURL = e.deliver(ctx, &r, dir)
	}

	event := broadcast.EventAgentCompleted
	subject := messagequeue.SubjectAgentCompleted
	if status == agentrun.StatusFailed {
		event = broadcast.EventAgentFailed
		subject = messagequeue.SubjectAgentFailed
	}
	e.hub.BroadcastEvent(ctx, event, r.ID, broadcast.CompletionEvent{
		Status: string(status),
		Result: result,
		Error:  errMsg,
		PRURL:  prURL,
	})
	e.mirror(ctx, subject, queueMsg{
		RunID:  r.ID,
		Status: string(status),
		Result: result,
		Error:  errMsg,
	})

	switch status {
	case agentrun.StatusCompleted:
		e.metrics.RunsCompleted.Add(ctx, 1)
	case agentrun.StatusFailed:
		e.metrics.RunsFailed.Add(ctx, 1)
	case agentrun.StatusCancelled:
		e.metrics.RunsCancelled.Add(ctx, 1)
	}
	if r.StartedAt != nil {
		active := time.Since(*r.StartedAt) - paused
		if active < 0 {
			active = 0
		}
		e.metrics.RunDuration.Record(ctx, active.Seconds())
	}

	e.forget(r.ID)
	close(st.done)
	e.log.Info("run finished", "run_id", r.ID, "status", status, "error", errMsg)
}

// deliver opens a pull request for a completed run's branch, and merges it
// when the run asked for auto-merge. Returns the PR URL, or "" on failure.
func (e *Engine) deliver(ctx context.Context, r *agentrun.Run, dir string) string {
	if r.Branch == "" {
		e.log.Debug("no branch to deliver", "run_id", r.ID)
		return ""
	}

	dctx, span := otel.StartDeliverySpan(ctx, r.ID, r.Branch)
	defer span.End()

	base := r.BaseBranch
	if base == "" {
		base = "main"
	}
	url, err := e.git.CreatePull(dctx, dir, base, r.Branch, r.Name, r.Result)
	if err != nil {
		e.log.Error("create pull request", "run_id", r.ID, "branch", r.Branch, "error", err)
		return ""
	}
	e.log.Info("pull request opened", "run_id", r.ID, "url", url)

	if latest, err := e.store.GetRun(dctx, r.ID); err == nil {
		latest.PRURL = url
		if err := e.store.UpdateRun(dctx, latest); err != nil {
			e.log.Error("persist pull request url", "run_id", r.ID, "error", err)
		}
	}

	if r.AutoMerge {
		if n, err := pullNumber(url); err != nil {
			e.log.Warn("cannot determine pull number for auto-merge", "run_id", r.ID, "url", url)
		} else if err := e.git.MergePull(dctx, dir, n); err != nil {
			e.log.Error("auto-merge pull request", "run_id", r.ID, "number", n, "error", err)
		}
	}
	return url
}

// sweep periodically enforces per-run duration caps. The clock counts only
// time spent running; paused intervals are excluded.
func (e *Engine) sweep() {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
			e.sweepExpired()
		}
	}
}

func (e *Engine) sweepExpired() {
	e.mu.Lock()
	states := make([]*runState, 0, len(e.runs))
	for _, st := range e.runs {
		states = append(states, st)
	}
	e.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		var sup *supervisor.Supervisor
		// A run without its own cap inherits the configured default; when
		// that is zero too, the run is unbounded and never swept.
		maxMinutes := st.run.MaxDurationMinutes
		if maxMinutes == 0 {
			maxMinutes = int(e.cfg.DefaultMaxDuration / time.Minute)
		}
		if st.run.Status == agentrun.StatusRunning && maxMinutes > 0 &&
			st.run.StartedAt != nil && st.overrideStatus == "" && !st.finalized {
			active := time.Since(*st.run.StartedAt) - st.pausedTotal
			if active > time.Duration(maxMinutes)*time.Minute {
				st.overrideStatus = agentrun.StatusFailed
				st.overrideErr = fmt.Sprintf("maximum duration of %d minutes exceeded", maxMinutes)
				sup = st.sup
			}
		}
		id := st.run.ID
		st.mu.Unlock()

		if sup != nil {
			e.log.Warn("run exceeded duration cap, terminating", "run_id", id, "max_minutes", maxMinutes)
			go func(s *supervisor.Supervisor) {
				if err := s.Terminate(e.cfg.GracePeriod); err != nil {
					e.log.Error("terminate expired run", "run_id", id, "error", err)
				}
			}(sup)
		}
	}
}

// persistStatus writes the run's current status and progress. Callers hold
// the run's lock; persistence failures are logged, not propagated, because
// the in-memory state already moved on.
func (e *Engine) persistStatus(ctx context.Context, r *agentrun.Run) {
	if err := e.store.UpdateRunStatus(ctx, r.ID, r.Status, r.Progress); err != nil {
		e.log.Error("persist run status", "run_id", r.ID, "status", r.Status, "error", err)
	}
}

// announceStatus pushes a lifecycle transition to observers and the mirror.
func (e *Engine) announceStatus(ctx context.Context, r *agentrun.Run, errMsg string) {
	e.hub.BroadcastEvent(ctx, broadcast.EventAgentStatus, r.ID, broadcast.StatusEvent{
		Status:   string(r.Status),
		Progress: r.Progress,
		Error:    errMsg,
	})
	e.mirror(ctx, messagequeue.SubjectAgentStatus, queueMsg{
		RunID:    r.ID,
		Status:   string(r.Status),
		Progress: r.Progress,
		Error:    errMsg,
	})
}

// queueMsg is the JSON body mirrored onto lifecycle subjects.
type queueMsg struct {
	RunID    string  `json:"run_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress,omitempty"`
	Result   string  `json:"result,omitempty"`
	Error    string  `json:"error,omitempty"`
}

func lifecycleMessage(id string, status agentrun.Status, errMsg string) queueMsg {
	return queueMsg{RunID: id, Status: string(status), Error: errMsg}
}

// mirror publishes best-effort onto the message queue. Mirror failures never
// affect the run.
func (e *Engine) mirror(ctx context.Context, subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := e.queue.Publish(ctx, subject, data); err != nil {
		e.log.Debug("queue mirror publish failed", "subject", subject, "error", err)
	}
}

// pullNumber extracts the pull request number from a hosting URL of the
// form .../pull/123.
func pullNumber(url string) (int, error) {
	n, err := strconv.Atoi(path.Base(url))
	if err != nil {
		return 0, fmt.Errorf("no pull number in %q", url)
	}
	return n, nil
}
