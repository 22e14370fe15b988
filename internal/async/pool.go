package async

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"cyclon/internal/logging"
)

// Pool bounds the number of concurrently running background tasks. The
// scheduler uses it for job-runner invocations and asynchronous xtrigger
// evaluation so that a slow batch system cannot spawn unbounded goroutines.
type Pool struct {
	sem    *semaphore.Weighted
	logger logging.Logger
	wg     sync.WaitGroup
}

// NewPool creates a pool allowing up to size concurrent tasks.
func NewPool(size int, logger logging.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logging.OrNop(logger),
	}
}

// Submit schedules fn on the pool. It blocks only while waiting for a slot;
// fn itself runs on its own goroutine with panic recovery. Returns the
// context error if ctx is cancelled before a slot frees up.
func (p *Pool) Submit(ctx context.Context, name string, fn func(ctx context.Context)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer Recover(p.logger, name)
		fn(ctx)
	}()
	return nil
}

// TrySubmit is like Submit but never blocks; it reports false when the pool
// is saturated.
func (p *Pool) TrySubmit(name string, fn func()) bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer Recover(p.logger, name)
		fn()
	}()
	return true
}

// Wait blocks until every submitted task has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
