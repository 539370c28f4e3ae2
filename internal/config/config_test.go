package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 2, cfg.Crawl.MaxDepth)
	require.Equal(t, 100, cfg.Crawl.MaxPages)
	require.Equal(t, 4, cfg.Crawl.Concurrency)
	require.True(t, cfg.Crawl.RespectRobots)
	require.True(t, cfg.Render.JS)
	require.Equal(t, 8080, cfg.Replay.Port)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
crawl:
  max_depth: 5
  concurrency: 8
  user_agent: test-bot/1.0
replay:
  port: 9999
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Crawl.MaxDepth)
	require.Equal(t, 8, cfg.Crawl.Concurrency)
	require.Equal(t, "test-bot/1.0", cfg.Crawl.UserAgent)
	require.Equal(t, 9999, cfg.Replay.Port)
	// Untouched keys keep their defaults.
	require.Equal(t, 100, cfg.Crawl.MaxPages)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TRENCH_CRAWL_MAX_PAGES", "7")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Crawl.MaxPages)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.Crawl.Concurrency = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Replay.Port = 70000
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Crawl.MaxDepth = -1
	require.Error(t, bad.Validate())
}

func TestOptionsConversion(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Crawl.TimeoutSeconds = 45
	cfg.Render.ScrollPage = true

	opts := cfg.Options()
	require.Equal(t, 45*time.Second, opts.Timeout)
	require.True(t, opts.ScrollPage)
	require.Equal(t, cfg.Crawl.UserAgent, opts.UserAgent)
}
