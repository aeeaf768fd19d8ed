// Package workerpool implements the master's worker-pool configuration,
// validation, and command router (§4.6, C6): pool-name → worker-count/
// command-list parsing, the catchall/default resolution rules, and a
// lock-free per-pool request counter.
package workerpool

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/saltcore/master/internal/salterrors"
)

// Wildcard is the single command string that marks a pool as the catchall.
const Wildcard = "*"

// DefaultWorkerThreads is the legacy worker_threads default (§6).
const DefaultWorkerThreads = 5

// Pool is one named bucket of worker units and the commands routed to it.
type Pool struct {
	WorkerCount int      `yaml:"worker_count" json:"worker_count"`
	Commands    []string `yaml:"commands" json:"commands"`
}

// Config is the raw, user-supplied worker_pools mapping plus the options
// that select and validate it (§4.6, §6).
type Config struct {
	Enabled          bool
	Optimized        bool
	Pools            map[string]Pool
	DefaultPool      string
	LegacyWorkerThreads int // 0 means "not set"
}

// DefaultPools returns the single-catchall configuration documented as
// DEFAULT_WORKER_POOLS: maximum backward compatibility, one pool handling
// every command.
func DefaultPools() map[string]Pool {
	return map[string]Pool{
		"default": {WorkerCount: DefaultWorkerThreads, Commands: []string{Wildcard}},
	}
}

// OptimizedPools returns the lightweight/medium/heavy split documented as
// OPTIMIZED_WORKER_POOLS, selected via worker_pools_optimized.
func OptimizedPools() map[string]Pool {
	return map[string]Pool{
		"lightweight": {
			WorkerCount: 2,
			Commands: []string{
				"ping", "get_token", "mk_token", "verify_minion",
				"_master_opts", "_master_tops", "_file_hash", "_file_hash_and_stat",
			},
		},
		"medium": {
			WorkerCount: 2,
			Commands: []string{
				"_mine_get", "_mine", "_mine_delete", "_mine_flush",
				"_file_find", "_file_list", "_file_list_emptydirs", "_dir_list",
				"_symlink_list", "pub_ret", "minion_pub", "minion_publish",
				"wheel", "runner",
			},
		},
		"heavy": {
			WorkerCount: 1,
			Commands: []string{
				"publish", "_pillar", "_return", "_syndic_return",
				"_file_recv", "_serve_file", "minion_runner", "revoke_auth",
			},
		},
	}
}

// Normalize resolves the effective pool set per §4.6's "Backward-compat"
// clause and the original's get_worker_pools_config precedence:
// worker_pools_enabled → worker_pools_optimized → explicit worker_pools →
// legacy worker_threads → DefaultPools. A nil map return means "pools
// disabled, route everything to a single implicit worker set" (legacy
// mode); masterserver.Build then runs one catchall pool sized by
// worker_threads.
func (c Config) Normalize() map[string]Pool {
	if !c.Enabled {
		return nil
	}
	if c.Optimized {
		if len(c.Pools) > 0 {
			return c.Pools
		}
		return OptimizedPools()
	}
	if len(c.Pools) > 0 {
		return c.Pools
	}
	if c.LegacyWorkerThreads > 0 {
		return map[string]Pool{
			"default": {WorkerCount: c.LegacyWorkerThreads, Commands: []string{Wildcard}},
		}
	}
	return DefaultPools()
}

// ValidPoolName enforces §4.6's pool-name rules: non-empty, no null byte,
// not "..", not prefixed "../" or "..\\", no path separator. Anything else
// (spaces, unicode, punctuation) is allowed.
func ValidPoolName(name string) error {
	if name == "" {
		return fmt.Errorf("pool name cannot be empty")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("pool name %q contains a null byte", name)
	}
	if name == ".." || strings.HasPrefix(name, "../") || strings.HasPrefix(name, "..\\") {
		return fmt.Errorf("pool name %q is a path traversal sequence", name)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("pool name %q contains path separators", name)
	}
	return nil
}

// Validate runs every check §4.6 requires and aggregates every violation
// into a single error, so a misconfigured master fails loudly and all at
// once instead of one field at a time.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	pools := c.Normalize()
	if len(pools) == 0 {
		return fmt.Errorf("%w: worker_pools cannot be empty", salterrors.ErrConfig)
	}

	var errs []string
	cmdToPool := map[string]string{}
	catchallPool := ""

	names := make([]string, 0, len(pools))
	for name := range pools {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pool := pools[name]
		if err := ValidPoolName(name); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if pool.WorkerCount < 1 {
			errs = append(errs, fmt.Sprintf("pool %q: worker_count must be >= 1, got %d", name, pool.WorkerCount))
		}
		if len(pool.Commands) == 0 {
			errs = append(errs, fmt.Sprintf("pool %q: commands list cannot be empty", name))
			continue
		}
		for _, cmd := range pool.Commands {
			if cmd == Wildcard {
				if catchallPool != "" {
					errs = append(errs, fmt.Sprintf(
						"multiple pools have catchall ('*'): %q and %q", catchallPool, name))
					continue
				}
				catchallPool = name
				continue
			}
			if other, ok := cmdToPool[cmd]; ok {
				errs = append(errs, fmt.Sprintf(
					"command %q mapped to multiple pools: %q and %q", cmd, other, name))
				continue
			}
			cmdToPool[cmd] = name
		}
	}

	if catchallPool == "" {
		if c.DefaultPool == "" {
			errs = append(errs, "no catchall pool ('*') found and worker_pool_default not specified")
		} else if _, ok := pools[c.DefaultPool]; !ok {
			errs = append(errs, fmt.Sprintf(
				"no catchall pool ('*') found and default pool %q not found in worker_pools", c.DefaultPool))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: worker pools configuration validation failed:\n  - %s",
			salterrors.ErrConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// Router maps command names to pool names and tracks a per-pool request
// counter. Built from an already-Validate()d Config.
type Router struct {
	pools       map[string]Pool
	cmdToPool   map[string]string
	catchall    string
	defaultPool string
	counters    map[string]*atomic.Int64
	names       []string
}

// NewRouter builds a Router from cfg. Callers must call cfg.Validate()
// first; NewRouter does not re-validate.
func NewRouter(cfg Config) *Router {
	pools := cfg.Normalize()
	r := &Router{
		pools:       pools,
		cmdToPool:   map[string]string{},
		defaultPool: cfg.DefaultPool,
		counters:    map[string]*atomic.Int64{},
	}
	for name, pool := range pools {
		r.names = append(r.names, name)
		r.counters[name] = &atomic.Int64{}
		for _, cmd := range pool.Commands {
			if cmd == Wildcard {
				r.catchall = name
				continue
			}
			r.cmdToPool[cmd] = name
		}
	}
	sort.Strings(r.names)
	return r
}

// ExtractCommand pulls "cmd" out of a decoded request load, returning ""
// if it is absent or not a string (§4.6 route contract).
func ExtractCommand(load map[string]interface{}) string {
	if load == nil {
		return ""
	}
	cmd, _ := load["cmd"].(string)
	return cmd
}

// Route resolves cmd to a pool name: the explicit mapping, else the
// catchall pool, else the configured default. It is always safe to call
// even when validation would have failed — in that case the return is
// simply "" (no pool available).
func (r *Router) Route(cmd string) string {
	if pool, ok := r.cmdToPool[cmd]; ok {
		r.counters[pool].Add(1)
		return pool
	}
	if r.catchall != "" {
		r.counters[r.catchall].Add(1)
		return r.catchall
	}
	if r.defaultPool != "" {
		if _, ok := r.pools[r.defaultPool]; ok {
			r.counters[r.defaultPool].Add(1)
			return r.defaultPool
		}
	}
	return ""
}

// Pools returns the resolved pool set, keyed by name.
func (r *Router) Pools() map[string]Pool { return r.pools }

// PoolNames returns every configured pool name, sorted.
func (r *Router) PoolNames() []string { return r.names }

// Stats returns a snapshot of per-pool request counters.
func (r *Router) Stats() map[string]int64 {
	out := make(map[string]int64, len(r.counters))
	for name, c := range r.counters {
		out[name] = c.Load()
	}
	return out
}
