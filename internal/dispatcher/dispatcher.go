// Package dispatcher implements the master's pool dispatcher (§4.7, C7): a
// front-end inbound channel that routes each request to the bounded queue
// of the worker pool its command belongs to. Back-pressure is handled by
// blocking enqueue — a slow pool only ever slows its own class of
// requests, never the others (§5).
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/saltcore/master/internal/wire"
	"github.com/saltcore/master/internal/workerpool"
)

// Job is one routed request plus the channel its result must be delivered
// on. Reply is always buffered by at least 1 so a worker's send never
// blocks on a caller that stopped listening.
type Job struct {
	Request wire.Request
	Reply   chan<- JobResult
}

// JobResult is what a worker (C8) sends back after invoking the handler.
type JobResult struct {
	Result wire.HandlerResult
	Err    error
}

// Dispatcher owns one bounded queue per configured pool.
type Dispatcher struct {
	router *workerpool.Router
	mu     sync.RWMutex
	queues map[string]chan Job
}

// New builds a Dispatcher from an already-validated router, creating one
// bounded queue (capacity queueSize) per pool the router knows about.
func New(router *workerpool.Router, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		router: router,
		queues: make(map[string]chan Job, len(router.Pools())),
	}
	for name := range router.Pools() {
		d.queues[name] = make(chan Job, queueSize)
	}
	return d
}

// Queue returns the inbound job channel for pool, for a worker.Pool to
// consume from. The zero value (nil channel) means the pool does not
// exist.
func (d *Dispatcher) Queue(pool string) <-chan Job {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.queues[pool]
}

// Dispatch routes req to the pool its command belongs to and blocks until
// there is room in that pool's queue or ctx is done. It never drops a
// request (§5 "bounded queues per pool with blocking enqueue").
func (d *Dispatcher) Dispatch(ctx context.Context, req wire.Request) (wire.HandlerResult, error) {
	cmd := workerpool.ExtractCommand(req.Load)
	pool := d.router.Route(cmd)
	if pool == "" {
		return wire.HandlerResult{}, fmt.Errorf("dispatcher: no pool configured for command %q", cmd)
	}

	d.mu.RLock()
	q, ok := d.queues[pool]
	d.mu.RUnlock()
	if !ok {
		return wire.HandlerResult{}, fmt.Errorf("dispatcher: unknown pool %q", pool)
	}

	reply := make(chan JobResult, 1)
	job := Job{Request: req, Reply: reply}

	select {
	case q <- job:
	case <-ctx.Done():
		return wire.HandlerResult{}, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.Result, res.Err
	case <-ctx.Done():
		return wire.HandlerResult{}, ctx.Err()
	}
}

// Close closes every pool queue, signaling workers to drain and stop.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		close(q)
	}
}
