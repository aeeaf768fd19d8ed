// Package masterconfig implements the master's YAML configuration loader
// (§6 "Configuration options recognized"). It follows the teacher's
// pkg/config.Loader shape — load, apply environment overrides, apply
// explicit overrides, validate — generalized from the teacher's bespoke
// Lisp cluster-config language to YAML via gopkg.in/yaml.v3.
package masterconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/saltcore/master/internal/salterrors"
	"github.com/saltcore/master/internal/workerpool"
)

// Config is the master's full set of recognized configuration options
// (§6), with the same defaults documented there.
type Config struct {
	PKIDir string `yaml:"pki_dir"`

	OpenMode   bool `yaml:"open_mode"`
	AutoAccept bool `yaml:"auto_accept"`
	MaxMinions int  `yaml:"max_minions"`

	AuthMode   int  `yaml:"auth_mode"`
	AuthEvents bool `yaml:"auth_events"`

	MasterSignPubkey bool   `yaml:"master_sign_pubkey"`
	SigningKeyPass   string `yaml:"signing_key_pass"`
	SignPubMessages  bool   `yaml:"sign_pub_messages"`

	RequestServerTTLSeconds int `yaml:"request_server_ttl"`
	PublishSessionSeconds   int `yaml:"publish_session"`
	MinimumAuthVersion      int `yaml:"minimum_auth_version"`

	WorkerPoolsEnabled   bool                       `yaml:"worker_pools_enabled"`
	WorkerPools          map[string]workerpool.Pool `yaml:"worker_pools"`
	WorkerPoolDefault    string                     `yaml:"worker_pool_default"`
	WorkerPoolsOptimized bool                       `yaml:"worker_pools_optimized"`
	WorkerThreads        int                        `yaml:"worker_threads"`

	PresenceEvents bool `yaml:"presence_events"`
	PublishPort    int  `yaml:"publish_port"`
}

// applyDefaults fills in every option's documented default (§6), the same
// "fill zero values" idiom as the teacher's applyDefaults.
func applyDefaults(c *Config) {
	if c.AuthMode == 0 {
		c.AuthMode = 1
	}
	if c.RequestServerTTLSeconds == 0 {
		c.RequestServerTTLSeconds = 300
	}
	if c.PublishSessionSeconds == 0 {
		c.PublishSessionSeconds = 86400
	}
	if c.MinimumAuthVersion == 0 {
		// 0 is itself a valid, if insecure, setting (§6 "0 = allow all —
		// documented as insecure"). No default is applied: a field left
		// unset in YAML stays 0 and admits every protocol version.
	}
	if c.WorkerThreads == 0 {
		c.WorkerThreads = workerpool.DefaultWorkerThreads
	}
}

// Validator lets callers plug additional checks into Load, mirroring the
// teacher's Validator interface.
type Validator interface {
	Validate(c *Config) error
}

// Loader parses and validates a master configuration file.
type Loader struct {
	path           string
	overrides      map[string]interface{}
	validators     []Validator
	envPrefix      string
	minVersionSeen bool
}

// NewLoader builds a Loader reading from path. Environment overrides are
// read from variables prefixed SALTMASTER_ (e.g. SALTMASTER_MAX_MINIONS).
func NewLoader(path string) *Loader {
	return &Loader{path: path, overrides: make(map[string]interface{}), envPrefix: "SALTMASTER_"}
}

// SetOverride registers an explicit override, applied after environment
// overrides and before validation.
func (l *Loader) SetOverride(key string, value interface{}) {
	l.overrides[key] = value
}

// AddValidator registers an additional validation pass run after the
// built-in checks.
func (l *Loader) AddValidator(v Validator) {
	l.validators = append(l.validators, v)
}

// Load reads the YAML file at l.path, applies defaults, environment
// overrides, explicit overrides, and validates the result — the same
// four-stage pipeline as the teacher's Loader.Load.
func (l *Loader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("masterconfig: read %s: %w", l.path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("masterconfig: parse yaml: %w", err)
	}
	applyDefaults(&c)

	if c.MinimumAuthVersion != 0 {
		l.minVersionSeen = true
	}

	if err := l.applyEnvironmentOverrides(&c); err != nil {
		return nil, fmt.Errorf("masterconfig: apply environment overrides: %w", err)
	}
	if err := l.applyOverrides(&c); err != nil {
		return nil, fmt.Errorf("masterconfig: apply overrides: %w", err)
	}
	if err := l.validate(&c); err != nil {
		return nil, fmt.Errorf("masterconfig: validation failed: %w", err)
	}
	return &c, nil
}

func (l *Loader) applyEnvironmentOverrides(c *Config) error {
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, l.envPrefix) {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(parts[0], l.envPrefix))
		if err := l.setField(c, key, parts[1]); err != nil {
			return fmt.Errorf("env override %s: %w", key, err)
		}
	}
	return nil
}

func (l *Loader) applyOverrides(c *Config) error {
	for key, value := range l.overrides {
		if err := l.setField(c, key, value); err != nil {
			return fmt.Errorf("override %s: %w", key, err)
		}
	}
	return nil
}

// setField applies a dot/underscore-free key path to c. Only the scalar
// options are reachable this way — worker_pools is YAML/explicit-struct
// only, the same restriction the teacher's setConfigValue places on
// nested/complex fields.
func (l *Loader) setField(c *Config, key string, value interface{}) error {
	str := fmt.Sprintf("%v", value)
	switch key {
	case "pki_dir":
		c.PKIDir = str
	case "open_mode":
		c.OpenMode = truthy(str)
	case "auto_accept":
		c.AutoAccept = truthy(str)
	case "max_minions":
		n, err := strconv.Atoi(str)
		if err != nil {
			return err
		}
		c.MaxMinions = n
	case "auth_mode":
		n, err := strconv.Atoi(str)
		if err != nil {
			return err
		}
		c.AuthMode = n
	case "auth_events":
		c.AuthEvents = truthy(str)
	case "master_sign_pubkey":
		c.MasterSignPubkey = truthy(str)
	case "sign_pub_messages":
		c.SignPubMessages = truthy(str)
	case "request_server_ttl":
		n, err := strconv.Atoi(str)
		if err != nil {
			return err
		}
		c.RequestServerTTLSeconds = n
	case "minimum_auth_version":
		n, err := strconv.Atoi(str)
		if err != nil {
			return err
		}
		c.MinimumAuthVersion = n
		l.minVersionSeen = true
	case "presence_events":
		c.PresenceEvents = truthy(str)
	case "worker_pool_default":
		c.WorkerPoolDefault = str
	case "worker_threads":
		n, err := strconv.Atoi(str)
		if err != nil {
			return err
		}
		c.WorkerThreads = n
	default:
		// Unknown keys are ignored rather than rejected, matching the
		// teacher's setConfigValue (which silently no-ops on an unhandled
		// path segment) — an override is best-effort, not a schema.
	}
	return nil
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "t", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// validate runs the built-in checks (§6 required fields, §4.6 pool
// validation) followed by any registered Validators.
func (l *Loader) validate(c *Config) error {
	if c.PKIDir == "" {
		return fmt.Errorf("%w: pki_dir is required", salterrors.ErrConfig)
	}
	if c.MinimumAuthVersion == 0 && !l.minVersionSeen {
		// §6: "0 = allow all — documented as insecure". We do not refuse
		// to start, only decline to silently upgrade the operator's
		// choice; an explicit 0 is honored as-is.
	}

	wpc := workerpool.Config{
		Enabled:             c.WorkerPoolsEnabled,
		Optimized:           c.WorkerPoolsOptimized,
		Pools:               c.WorkerPools,
		DefaultPool:         c.WorkerPoolDefault,
		LegacyWorkerThreads: c.WorkerThreads,
	}
	if err := wpc.Validate(); err != nil {
		return err
	}

	for _, v := range l.validators {
		if err := v.Validate(c); err != nil {
			return err
		}
	}
	return nil
}
