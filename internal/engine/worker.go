package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// ErrPoolShutdown is returned when a branch is submitted to a pool that has
// already been shut down.
var ErrPoolShutdown = errors.New("branch pool is shut down")

// BranchPool runs the branches of one parallel step under a concurrency
// bound and records how every submitted branch settled. A branch body that
// panics settles as a failed outcome under its branch name instead of
// vanishing from the settlement record.
type BranchPool struct {
	sem  chan struct{}
	wg   sync.WaitGroup
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	outcomes map[string]error
}

// NewBranchPool creates a pool bounded to limit concurrently running
// branches.
func NewBranchPool(limit int) *BranchPool {
	if limit <= 0 {
		limit = 1
	}
	return &BranchPool{
		sem:      make(chan struct{}, limit),
		done:     make(chan struct{}),
		outcomes: make(map[string]error),
	}
}

// Go submits one named branch. It blocks while the pool is at capacity
// (backpressure) and respects context cancellation while waiting. Returns
// ErrPoolShutdown if the pool has been shut down.
func (p *BranchPool) Go(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Re-check closed after acquiring the slot, in case Shutdown raced.
	// wg.Add must happen under the lock so Shutdown's wg.Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.settle(name, schema.NewErrorf(schema.ErrCodeExecution,
					"branch %s panicked: %v", name, r))
			}
			<-p.sem
			p.wg.Done()
		}()
		p.settle(name, fn(ctx))
	}()

	return nil
}

// settle records a branch outcome once; the first settlement wins.
func (p *BranchPool) settle(name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, done := p.outcomes[name]; !done {
		p.outcomes[name] = err
	}
}

// Wait blocks until every submitted branch has settled and returns the
// outcomes by branch name. A nil entry means the branch succeeded.
func (p *BranchPool) Wait() map[string]error {
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]error, len(p.outcomes))
	for name, err := range p.outcomes {
		out[name] = err
	}
	return out
}

// Shutdown prevents new submissions and waits for in-flight branches to
// settle. Idempotent.
func (p *BranchPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}
