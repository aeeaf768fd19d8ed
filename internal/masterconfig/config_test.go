package masterconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/saltcore/master/internal/masterconfig"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "master.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "pki_dir: /tmp/pki\n")
	l := masterconfig.NewLoader(path)
	c, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/pki", c.PKIDir)
	require.Equal(t, 1, c.AuthMode)
	require.Equal(t, 300, c.RequestServerTTLSeconds)
	require.Equal(t, 86400, c.PublishSessionSeconds)
}

func TestLoadMissingPKIDirFails(t *testing.T) {
	path := writeConfig(t, "auth_mode: 1\n")
	l := masterconfig.NewLoader(path)
	_, err := l.Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "pki_dir")
}

func TestLoadMissingFileFails(t *testing.T) {
	l := masterconfig.NewLoader("/nonexistent/master.yaml")
	_, err := l.Load()
	require.Error(t, err)
}

func TestSetOverrideAppliesAfterFileLoad(t *testing.T) {
	path := writeConfig(t, "pki_dir: /tmp/pki\nmax_minions: 5\n")
	l := masterconfig.NewLoader(path)
	l.SetOverride("max_minions", 10)
	c, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, 10, c.MaxMinions)
}

func TestEnvironmentOverrideApplies(t *testing.T) {
	path := writeConfig(t, "pki_dir: /tmp/pki\n")
	t.Setenv("SALTMASTER_AUTO_ACCEPT", "true")
	l := masterconfig.NewLoader(path)
	c, err := l.Load()
	require.NoError(t, err)
	require.True(t, c.AutoAccept)
}

func TestWorkerPoolsValidatedOnLoad(t *testing.T) {
	path := writeConfig(t, `
pki_dir: /tmp/pki
worker_pools_enabled: true
worker_pools:
  a:
    worker_count: 1
    commands: ["ping"]
  b:
    worker_count: 1
    commands: ["ping"]
worker_pool_default: a
`)
	l := masterconfig.NewLoader(path)
	_, err := l.Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "mapped to multiple pools")
}

type requirePublishPort struct{}

func (requirePublishPort) Validate(c *masterconfig.Config) error {
	if c.PublishPort == 0 {
		return os.ErrInvalid
	}
	return nil
}

func TestCustomValidatorRuns(t *testing.T) {
	path := writeConfig(t, "pki_dir: /tmp/pki\n")
	l := masterconfig.NewLoader(path)
	l.AddValidator(requirePublishPort{})
	_, err := l.Load()
	require.Error(t, err)
}
