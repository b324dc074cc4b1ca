package ghcli

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// opPool limits concurrent gh invocations using a weighted semaphore, so a
// burst of runs finishing at once cannot fork an unbounded number of CLI
// processes.
type opPool struct {
	sem *semaphore.Weighted
}

func newOpPool(limit int) *opPool {
	if limit < 1 {
		limit = 1
	}
	return &opPool{sem: semaphore.NewWeighted(int64(limit))}
}

// run acquires a slot, runs fn, and releases the slot. Returns ctx.Err() if
// the context is cancelled while waiting. A nil pool executes fn directly.
func (p *opPool) run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
