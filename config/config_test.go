package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadFromFile_Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vnode.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
virtualMap:
  hasherChunkHeight: 4
reconnect:
  mode: pullParallelSync
  timeout: 30s
database:
  backend: pebble
  inMemory: true
log:
  level: debug
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.VirtualMap.HasherChunkHeight)
	assert.Equal(t, "sha384", cfg.VirtualMap.DigestAlgorithm)
	assert.Equal(t, ModePullParallelSync, cfg.Reconnect.Mode)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.Timeout)
	assert.Equal(t, 4096, cfg.Reconnect.MaxOutstandingRequests)
	assert.Equal(t, BackendPebble, cfg.Database.Backend)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadFromFile_EmptyPath(t *testing.T) {
	cfg, err := LoadFromFile("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"chunkHeight":  func(c *Config) { c.VirtualMap.HasherChunkHeight = 0 },
		"flush":        func(c *Config) { c.VirtualMap.FlushInterval = 0 },
		"percent":      func(c *Config) { c.VirtualMap.FamilyThrottlePercent = 150 },
		"mode":         func(c *Config) { c.Reconnect.Mode = "sideways" },
		"window":       func(c *Config) { c.Reconnect.MaxOutstandingRequests = 0 },
		"backend":      func(c *Config) { c.Database.Backend = "sqlite" },
		"missingDir":   func(c *Config) { c.Database.DataDir = "" },
		"reconnFlush":  func(c *Config) { c.Reconnect.FlushInterval = -1 },
		"negativeSize": func(c *Config) { c.VirtualMap.FamilyThrottleThreshold = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	c := DefaultConfig()
	c.Reconnect.Mode = "nope"
	assert.ErrorIs(t, c.Validate(), ErrInvalidMode)
	c = DefaultConfig()
	c.Database.Backend = "nope"
	assert.ErrorIs(t, c.Validate(), ErrInvalidBackend)
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reconnect:\n  mode: [\n"), 0o644))
	_, err = LoadFromFile(path)
	assert.Error(t, err)
}
