// Package masterserver assembles the master's components (crypto, key
// store, vault, event bus, auth engine, worker pools, dispatcher, workers,
// request channel, presence tracker, publisher) from a loaded
// masterconfig.Config into one runnable unit. It is the top-level wiring
// point — none of the components it wires together know about each
// other's concrete types beyond the small interfaces already defined.
package masterserver

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/saltcore/master/internal/auth"
	"github.com/saltcore/master/internal/cryptoprim"
	"github.com/saltcore/master/internal/dispatcher"
	"github.com/saltcore/master/internal/eventbus"
	"github.com/saltcore/master/internal/keystore"
	"github.com/saltcore/master/internal/masterconfig"
	"github.com/saltcore/master/internal/presence"
	"github.com/saltcore/master/internal/pubchannel"
	"github.com/saltcore/master/internal/reqchannel"
	"github.com/saltcore/master/internal/vault"
	"github.com/saltcore/master/internal/wire"
	"github.com/saltcore/master/internal/worker"
	"github.com/saltcore/master/internal/workerpool"
)

const masterKeyFile = "master.pem"

// Server bundles every live component of a running master.
type Server struct {
	Config     *masterconfig.Config
	Vault      *vault.Vault
	Store      *keystore.Store
	Bus        *eventbus.Bus
	Events     *eventbus.MemorySink
	Auth       *auth.Engine
	Router     *workerpool.Router
	Dispatcher *dispatcher.Dispatcher
	Presence   *presence.Tracker
	ReqChannel *reqchannel.Channel
	Publisher  *pubchannel.Publisher

	masterPriv *rsa.PrivateKey
	pools      map[string]*worker.Pool
	registry   map[string]wire.Handler
}

// Registry lets callers (cmd/, or tests) register command handlers, passed
// to Build. Commands with no registered handler fall back to an
// "unsupported" reply rather than blocking forever.
type Registry map[string]wire.Handler

// Build loads/derives every component from cfg. masterPriv is generated and
// persisted under cfg.PKIDir/master.pem on first run, matching the key
// store's own "create on first use" idiom (§4.1); the load-or-generate
// step is loadOrGenerateMasterKey below.
func Build(cfg *masterconfig.Config, registry Registry) (*Server, error) {
	store, err := keystore.Open(cfg.PKIDir)
	if err != nil {
		return nil, fmt.Errorf("masterserver: open key store: %w", err)
	}

	masterPriv, err := loadOrGenerateMasterKey(cfg.PKIDir)
	if err != nil {
		return nil, fmt.Errorf("masterserver: master key: %w", err)
	}

	v, err := vault.New()
	if err != nil {
		return nil, fmt.Errorf("masterserver: vault: %w", err)
	}

	bus := eventbus.New()
	sink := eventbus.NewMemorySink(1000)
	bus.Register(sink)

	presenceTracker := presence.New(bus, cfg.PresenceEvents)

	policy := auth.NewStaticPolicy(cfg.AutoAccept, nil, nil)
	authEngine, err := auth.New(auth.Config{
		Store:      store,
		Vault:      v,
		Bus:        bus,
		Policy:     policy,
		Presence:   presenceTracker,
		MasterPriv: masterPriv,
		Options: auth.Options{
			OpenMode:           cfg.OpenMode,
			AutoAccept:         cfg.AutoAccept,
			MaxMinions:         cfg.MaxMinions,
			AuthMode:           cfg.AuthMode,
			AuthEvents:         cfg.AuthEvents,
			MasterSignPubkey:   cfg.MasterSignPubkey,
			PublishPort:        cfg.PublishPort,
			MinimumAuthVersion: cfg.MinimumAuthVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("masterserver: auth engine: %w", err)
	}

	wpc := workerpool.Config{
		Enabled:             cfg.WorkerPoolsEnabled,
		Optimized:           cfg.WorkerPoolsOptimized,
		Pools:               cfg.WorkerPools,
		DefaultPool:         cfg.WorkerPoolDefault,
		LegacyWorkerThreads: cfg.WorkerThreads,
	}
	if !wpc.Enabled {
		// Pools disabled: every command goes to one catchall pool sized by
		// worker_threads.
		wpc = workerpool.Config{Enabled: true, LegacyWorkerThreads: cfg.WorkerThreads}
	}
	if err := wpc.Validate(); err != nil {
		return nil, fmt.Errorf("masterserver: worker pools: %w", err)
	}
	router := workerpool.NewRouter(wpc)
	disp := dispatcher.New(router, 64)

	pools := make(map[string]*worker.Pool, len(router.Pools()))
	for name, p := range router.Pools() {
		pools[name] = &worker.Pool{
			Name:    name,
			Count:   p.WorkerCount,
			Queue:   disp.Queue(name),
			Handler: dispatchToRegistry(registry),
		}
	}

	reqCh, err := reqchannel.New(reqchannel.Config{
		Vault:      v,
		Store:      store,
		AuthEngine: authEngine,
		Dispatch:   disp.Dispatch,
		MasterPriv: masterPriv,
		Options: reqchannel.Options{
			MinimumAuthVersion: cfg.MinimumAuthVersion,
			RequestServerTTL:   time.Duration(cfg.RequestServerTTLSeconds) * time.Second,
			SignPrivateReplies: cfg.AuthMode >= 2,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("masterserver: request channel: %w", err)
	}

	return &Server{
		Config:     cfg,
		Vault:      v,
		Store:      store,
		Bus:        bus,
		Events:     sink,
		Auth:       authEngine,
		Router:     router,
		Dispatcher: disp,
		Presence:   presenceTracker,
		ReqChannel: reqCh,
		masterPriv: masterPriv,
		pools:      pools,
		registry:   registry,
	}, nil
}

// WithPublisher attaches a Publisher bound to transport, for masters that
// also serve the publish channel (C9). Not every deployment needs one — a
// pure request-server master can omit it.
func (s *Server) WithPublisher(transport pubchannel.Transport) error {
	pub, err := pubchannel.New(s.Vault, s.masterPriv, transport, pubchannel.Options{SignPubMessages: s.Config.SignPubMessages})
	if err != nil {
		return err
	}
	s.Publisher = pub
	return nil
}

// Run starts every worker pool and blocks until ctx is canceled, then waits
// for every pool to drain its in-flight job before returning (§5 "Shutdown:
// a close() signal drains in-flight workers").
func (s *Server) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range s.pools {
		wg.Add(1)
		go func(p *worker.Pool) {
			defer wg.Done()
			p.Run(ctx)
		}(p)
	}
	wg.Wait()
}

// MasterPublicKeyPEM returns the PEM-encoded master public key, for "salt
// -key -F" style introspection or for out-of-band distribution to minions.
func (s *Server) MasterPublicKeyPEM() ([]byte, error) {
	return cryptoprim.EncodePublicKeyPEM(&s.masterPriv.PublicKey)
}

func dispatchToRegistry(registry Registry) wire.Handler {
	return func(ctx context.Context, req wire.Request) (wire.HandlerResult, error) {
		cmd := workerpool.ExtractCommand(req.Load)
		handler, ok := registry[cmd]
		if !ok {
			return wire.HandlerResult{
				Ret:     fmt.Sprintf("unsupported command %q", cmd),
				Options: wire.HandlerOptions{Fun: wire.ReplySendClear},
			}, nil
		}
		return handler(ctx, req)
	}
}

func loadOrGenerateMasterKey(pkiDir string) (*rsa.PrivateKey, error) {
	path := filepath.Join(pkiDir, masterKeyFile)
	if priv, err := cryptoprim.LoadPrivateKeyFile(path); err == nil {
		return priv, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	priv, err := cryptoprim.GenerateKeyPair(cryptoprim.DefaultKeyBits)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, cryptoprim.EncodePrivateKeyPEM(priv), 0o600); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	return priv, nil
}
