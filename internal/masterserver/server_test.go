package masterserver_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saltcore/master/internal/masterconfig"
	"github.com/saltcore/master/internal/masterserver"
	"github.com/saltcore/master/internal/wire"
)

func testConfig(t *testing.T) *masterconfig.Config {
	t.Helper()
	return &masterconfig.Config{
		PKIDir:                  filepath.Join(t.TempDir(), "pki"),
		AutoAccept:              true,
		AuthMode:                1,
		RequestServerTTLSeconds: 300,
		WorkerThreads:           2,
	}
}

func TestBuildWiresEveryComponent(t *testing.T) {
	cfg := testConfig(t)
	srv, err := masterserver.Build(cfg, masterserver.Registry{})
	require.NoError(t, err)

	require.NotNil(t, srv.Vault)
	require.NotNil(t, srv.Store)
	require.NotNil(t, srv.Bus)
	require.NotNil(t, srv.Auth)
	require.NotNil(t, srv.Router)
	require.NotNil(t, srv.Dispatcher)
	require.NotNil(t, srv.Presence)
	require.NotNil(t, srv.ReqChannel)
	require.Nil(t, srv.Publisher)

	pem, err := srv.MasterPublicKeyPEM()
	require.NoError(t, err)
	require.Contains(t, string(pem), "PUBLIC KEY")
}

func TestBuildPersistsMasterKeyAcrossRebuild(t *testing.T) {
	cfg := testConfig(t)
	srv1, err := masterserver.Build(cfg, masterserver.Registry{})
	require.NoError(t, err)
	pem1, err := srv1.MasterPublicKeyPEM()
	require.NoError(t, err)

	srv2, err := masterserver.Build(cfg, masterserver.Registry{})
	require.NoError(t, err)
	pem2, err := srv2.MasterPublicKeyPEM()
	require.NoError(t, err)

	require.Equal(t, pem1, pem2)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	srv, err := masterserver.Build(cfg, masterserver.Registry{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestDispatchToRegistryRoutesRegisteredCommand(t *testing.T) {
	cfg := testConfig(t)
	called := false
	registry := masterserver.Registry{
		"test.ping": func(ctx context.Context, req wire.Request) (wire.HandlerResult, error) {
			called = true
			return wire.HandlerResult{Ret: true, Options: wire.HandlerOptions{Fun: wire.ReplySend}}, nil
		},
	}
	srv, err := masterserver.Build(cfg, registry)
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go srv.Run(runCtx)

	dispatchCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := srv.Dispatcher.Dispatch(dispatchCtx, wire.Request{Load: map[string]interface{}{"cmd": "test.ping"}})
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, true, result.Ret)
}
