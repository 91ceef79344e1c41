package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfigFile writes content into a fake home's policyd config dir
// with secure permissions and points $HOME at it.
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "policyd")
	require.NoError(t, os.MkdirAll(dir, 0700))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadWithFile(t *testing.T) {
	t.Run("defaults when file missing", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)

		cfg, err := LoadWithFile("")
		require.NoError(t, err)
		assert.Equal(t, 8090, cfg.Server.Port)
		assert.Equal(t, "chromem", cfg.DocStore.Provider)
	})

	t.Run("yaml values override defaults", func(t *testing.T) {
		path := writeConfigFile(t, `
server:
  port: 9999
docstore:
  provider: qdrant
pipeline:
  top_k: 8
  min_query_runes: 3
  rerank: false
`)
		cfg, err := LoadWithFile(path)
		require.NoError(t, err)
		assert.Equal(t, 9999, cfg.Server.Port)
		assert.Equal(t, "qdrant", cfg.DocStore.Provider)
		assert.Equal(t, 8, cfg.Pipeline.TopK)
		assert.Equal(t, 3, cfg.Pipeline.MinQueryRunes)
		assert.False(t, cfg.Pipeline.Rerank)
	})

	t.Run("env overrides yaml", func(t *testing.T) {
		path := writeConfigFile(t, "server:\n  port: 9999\n")
		t.Setenv("SERVER_PORT", "7777")

		cfg, err := LoadWithFile(path)
		require.NoError(t, err)
		assert.Equal(t, 7777, cfg.Server.Port)
	})

	t.Run("rejects file outside allowed dirs", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)

		outside := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(outside, []byte("server:\n  port: 1\n"), 0600))

		_, err := LoadWithFile(outside)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be in")
	})

	t.Run("rejects world-readable file", func(t *testing.T) {
		path := writeConfigFile(t, "server:\n  port: 9999\n")
		require.NoError(t, os.Chmod(path, 0644))

		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permissions")
	})

	t.Run("rejects invalid yaml values", func(t *testing.T) {
		path := writeConfigFile(t, "docstore:\n  provider: pinecone\n")

		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "docstore provider")
	})

	t.Run("secret loaded from env", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)
		t.Setenv("GENERATION_API_KEY", "sk-from-env")

		cfg, err := LoadWithFile("")
		require.NoError(t, err)
		assert.Equal(t, "sk-from-env", cfg.Generation.APIKey.Value())
		assert.Equal(t, "[REDACTED]", cfg.Generation.APIKey.String())
	})
}

func TestExpandPath(t *testing.T) {
	t.Run("expands tilde", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)

		got, err := ExpandPath("~/data/sessions.db")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, "data", "sessions.db"), got)
	})

	t.Run("absolute path unchanged", func(t *testing.T) {
		got, err := ExpandPath("/var/lib/policyd/sessions.db")
		require.NoError(t, err)
		assert.Equal(t, "/var/lib/policyd/sessions.db", got)
	})
}
