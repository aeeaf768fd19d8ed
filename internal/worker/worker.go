// Package worker implements the master's per-pool worker units (§4.8, C8):
// independent concurrent goroutines bound to exactly one pool, each
// dequeuing envelopes, invoking the registered handler, and returning the
// result to the dispatcher's reply channel. Workers share no mutable state
// beyond the read-mostly vault and key store.
package worker

import (
	"context"
	"sync"

	"github.com/saltcore/master/internal/dispatcher"
	"github.com/saltcore/master/internal/wire"
)

// Pool runs Count goroutines draining Queue and invoking Handler for each
// job, one pool per configured workerpool.Pool (§testable-property "sum of
// worker_count workers exist and are each bound to exactly one pool").
type Pool struct {
	Name    string
	Count   int
	Queue   <-chan dispatcher.Job
	Handler wire.Handler
}

// Run starts Count worker goroutines and blocks until ctx is canceled and
// every worker has drained its current job. Run is meant to be called from
// its own goroutine per pool by the master's startup code.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	n := p.Count
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go p.runOne(ctx, &wg)
	}
	wg.Wait()
}

func (p *Pool) runOne(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.Queue:
			if !ok {
				return
			}
			p.handle(ctx, job)
		}
	}
}

func (p *Pool) handle(ctx context.Context, job dispatcher.Job) {
	result, err := p.Handler(ctx, job.Request)
	select {
	case job.Reply <- dispatcher.JobResult{Result: result, Err: err}:
	case <-ctx.Done():
	}
}
