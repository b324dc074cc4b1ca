// Package service contains the agent engine: the orchestration core that
// admits queued runs under the concurrency ceiling, supervises their
// processes, and keeps the store, observers, and the queue mirror in sync.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agentdock/agentdock/internal/adapter/otel"
	"github.com/agentdock/agentdock/internal/adapter/ristretto"
	"github.com/agentdock/agentdock/internal/config"
	"github.com/agentdock/agentdock/internal/domain"
	"github.com/agentdock/agentdock/internal/domain/agentrun"
	"github.com/agentdock/agentdock/internal/port/broadcast"
	"github.com/agentdock/agentdock/internal/port/gitprovider"
	"github.com/agentdock/agentdock/internal/port/messagequeue"
	"github.com/agentdock/agentdock/internal/port/runstore"
	"github.com/agentdock/agentdock/internal/supervisor"
)

// runState is the engine's in-memory view of one non-terminal run. All
// mutable fields are guarded by mu; transitions and stream ingestion for the
// same run never interleave.
type runState struct {
	mu  sync.Mutex
	run *agentrun.Run

	sup   *supervisor.Supervisor // nil until the process is spawned
	dir   string                 // workspace directory, set once the process is spawned
	tasks []agentrun.Task

	pausedAt    time.Time
	pausedTotal time.Duration

	// overrideStatus, when set, wins over the process outcome. Cancel and
	// the duration sweeper use it to pre-decide the terminal state before
	// the process has actually exited.
	overrideStatus agentrun.Status
	overrideErr    string

	finalized bool
	done      chan struct{} // closed once the terminal state is recorded
}

func newRunState(r *agentrun.Run) *runState {
	return &runState{run: r, done: make(chan struct{})}
}

// Deps carries the engine's collaborators. Store, Hub, and Metrics are
// required; the rest degrade gracefully when absent.
type Deps struct {
	Store   runstore.Store
	Hub     broadcast.Broadcaster
	Queue   messagequeue.Queue // nil disables lifecycle mirroring
	Cache   *ristretto.Cache   // nil disables stats caching
	Metrics *otel.Metrics
	Git     gitprovider.Provider // nil disables pull request delivery
	Log     *slog.Logger
}

// Engine admits, supervises, and finalizes agent runs. One Engine owns all
// run state for the process; every mutation flows through it.
type Engine struct {
	store    runstore.Store
	hub      broadcast.Broadcaster
	queue    messagequeue.Queue
	cache    *ristretto.Cache
	metrics  *otel.Metrics
	git      gitprovider.Provider
	cfg      config.Engine
	statsTTL time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	runs    map[string]*runState
	pending []string // FIFO of queued run IDs awaiting a slot
	started bool

	slots *semaphore.Weighted
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Engine. It does not admit runs until Start is called.
func New(cfg config.Engine, statsTTL time.Duration, d Deps) *Engine {
	if d.Queue == nil {
		d.Queue = messagequeue.Nop{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	return &Engine{
		store:    d.Store,
		hub:      d.Hub,
		queue:    d.Queue,
		cache:    d.Cache,
		metrics:  d.Metrics,
		git:      d.Git,
		cfg:      cfg,
		statsTTL: statsTTL,
		log:      d.Log.With("service", "engine"),
		runs:     make(map[string]*runState),
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		wake:     make(chan struct{}, 1),
	}
}

// Start recovers persisted state and launches the dispatcher and the
// duration sweeper. It must be called exactly once.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("recover persisted runs: %w", err)
	}

	e.wg.Add(2)
	go e.dispatch()
	go e.sweep()

	e.log.Info("engine started", "max_concurrent", e.cfg.MaxConcurrent)
	return nil
}

// recover reconciles the store after a restart: runs that were executing
// when the previous process died are failed (their supervisors are gone),
// and runs that were still queued are re-admitted in creation order.
func (e *Engine) recover(ctx context.Context) error {
	interrupted, err := e.store.ListRunsInStatus(ctx, agentrun.StatusRunning, agentrun.StatusPaused)
	if err != nil {
		return err
	}
	for i := range interrupted {
		r := &interrupted[i]
		if err := e.store.CompleteRun(ctx, r.ID, agentrun.StatusFailed, "", "interrupted by engine restart"); err != nil {
			return err
		}
		e.mirror(ctx, messagequeue.SubjectAgentFailed, lifecycleMessage(r.ID, agentrun.StatusFailed, "interrupted by engine restart"))
		e.log.Warn("failed interrupted run", "run_id", r.ID, "previous_status", r.Status)
	}

	queued, err := e.store.ListRunsInStatus(ctx, agentrun.StatusQueued)
	if err != nil {
		return err
	}
	e.mu.Lock()
	for i := range queued {
		r := queued[i]
		e.runs[r.ID] = newRunState(&r)
		e.pending = append(e.pending, r.ID)
	}
	e.mu.Unlock()
	if len(queued) > 0 {
		e.metrics.QueueDepth.Add(ctx, int64(len(queued)))
		e.log.Info("re-queued persisted runs", "count", len(queued))
	}
	return nil
}

// Stop terminates all active supervisors and waits for in-flight work to
// drain, up to the deadline on ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	states := make([]*runState, 0, len(e.runs))
	for _, st := range e.runs {
		states = append(states, st)
	}
	e.mu.Unlock()

	e.cancel()

	for _, st := range states {
		st.mu.Lock()
		sup := st.sup
		if sup != nil && !st.finalized && st.overrideStatus == "" {
			st.overrideStatus = agentrun.StatusFailed
			st.overrideErr = "interrupted by engine shutdown"
		}
		st.mu.Unlock()
		if sup != nil {
			go func() {
				if err := sup.Terminate(e.cfg.GracePeriod); err != nil {
					e.log.Error("terminate on shutdown", "error", err)
				}
			}()
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info("engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine stop: %w", ctx.Err())
	}
}

// state returns the in-memory state for an active run. A run known to the
// store but not to the engine is terminal, which callers surface as an
// invalid-state error rather than a missing run.
func (e *Engine) state(ctx context.Context, id string) (*runState, error) {
	e.mu.Lock()
	st, ok := e.runs[id]
	e.mu.Unlock()
	if ok {
		return st, nil
	}
	r, err := e.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("run is already %s: %w", r.Status, domain.ErrInvalidState)
}

// forget drops a finalized run from the active set.
func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
}
