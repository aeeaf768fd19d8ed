package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saltcore/master/internal/dispatcher"
	"github.com/saltcore/master/internal/wire"
	"github.com/saltcore/master/internal/worker"
	"github.com/saltcore/master/internal/workerpool"
)

func TestDispatchRoutesToCorrectPool(t *testing.T) {
	cfg := workerpool.Config{
		Enabled: true,
		Pools: map[string]workerpool.Pool{
			"fast":    {WorkerCount: 2, Commands: []string{"test.ping"}},
			"default": {WorkerCount: 2, Commands: []string{workerpool.Wildcard}},
		},
	}
	require.NoError(t, cfg.Validate())
	router := workerpool.NewRouter(cfg)
	d := dispatcher.New(router, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan string, 8)
	handler := func(pool string) wire.Handler {
		return func(_ context.Context, req wire.Request) (wire.HandlerResult, error) {
			seen <- pool
			return wire.HandlerResult{Ret: "ok", Options: wire.HandlerOptions{Fun: wire.ReplySendClear}}, nil
		}
	}

	for _, name := range router.PoolNames() {
		pool := &worker.Pool{Name: name, Count: 2, Queue: d.Queue(name), Handler: handler(name)}
		go pool.Run(ctx)
	}

	res, err := d.Dispatch(context.Background(), wire.Request{Load: map[string]interface{}{"cmd": "test.ping"}})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Ret)

	select {
	case p := <-seen:
		require.Equal(t, "fast", p)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for worker")
	}

	res, err = d.Dispatch(context.Background(), wire.Request{Load: map[string]interface{}{"cmd": "state.highstate"}})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Ret)

	select {
	case p := <-seen:
		require.Equal(t, "default", p)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for worker")
	}
}

func TestDispatchUnknownCommandWithoutCatchallRoutesToDefault(t *testing.T) {
	cfg := workerpool.Config{
		Enabled: true,
		Pools: map[string]workerpool.Pool{
			"a": {WorkerCount: 1, Commands: []string{"ping"}},
		},
		DefaultPool: "a",
	}
	require.NoError(t, cfg.Validate())
	router := workerpool.NewRouter(cfg)
	d := dispatcher.New(router, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := &worker.Pool{Name: "a", Count: 1, Queue: d.Queue("a"), Handler: func(_ context.Context, _ wire.Request) (wire.HandlerResult, error) {
		return wire.HandlerResult{Ret: "ok"}, nil
	}}
	go pool.Run(ctx)

	// "a" has no catchall but does have worker_pool_default, so even an
	// unrecognized command routes to "a".
	res, err := d.Dispatch(context.Background(), wire.Request{Load: map[string]interface{}{"cmd": "unknown.cmd"}})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Ret)
}

func TestDispatchDeadlineExceededWhileWorkerIsStuck(t *testing.T) {
	cfg := workerpool.Config{Enabled: true, Pools: map[string]workerpool.Pool{"a": {WorkerCount: 1, Commands: []string{workerpool.Wildcard}}}}
	require.NoError(t, cfg.Validate())
	router := workerpool.NewRouter(cfg)
	d := dispatcher.New(router, 1)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	blocked := make(chan struct{})
	pool := &worker.Pool{Name: "a", Count: 1, Queue: d.Queue("a"), Handler: func(ctx context.Context, _ wire.Request) (wire.HandlerResult, error) {
		<-blocked
		return wire.HandlerResult{}, nil
	}}
	go pool.Run(runCtx)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Dispatch(ctx, wire.Request{Load: map[string]interface{}{"cmd": "anything"}})
	require.Error(t, err)
	close(blocked)
}
