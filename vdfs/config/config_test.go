package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("empty file falls back to defaults", func(t *testing.T) {
		viper.Reset()
		cfg, err := LoadConfig(writeConfigFile(t, ""))
		require.NoError(t, err)

		assert.Equal(t, 32, cfg.Database.MaxOpenConns)
		assert.Equal(t, "libsql", cfg.Database.Type)
		assert.Equal(t, 100, cfg.Indexer.BatchSize)
		assert.Equal(t, 1000, cfg.Indexer.CheckpointInterval)
		assert.Equal(t, 250, cfg.Watcher.DebounceMillis)
		assert.True(t, cfg.Rules.NoGit)
		assert.False(t, cfg.Rules.NoHidden)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		viper.Reset()
		cfg, err := LoadConfig(writeConfigFile(t, `
database:
  maxOpenConns: 8
indexer:
  batchSize: 25
`))
		require.NoError(t, err)

		assert.Equal(t, 8, cfg.Database.MaxOpenConns)
		assert.Equal(t, 25, cfg.Indexer.BatchSize)
		// Untouched keys keep their defaults.
		assert.Equal(t, 1000, cfg.Indexer.CheckpointInterval)
		assert.Equal(t, 1024, cfg.Watcher.QueueCapacity)
	})
}
