// Package internal carries the application-wide defaults shared by the
// config loader and storage layer, plus the bootstrap logger used before
// the host wires up slog.
package internal

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// DefaultAppName is used for config and data directory naming.
	DefaultAppName        = "vdfs"
	DefaultConfigPath     = filepath.Join(baseDir(), ".config", DefaultAppName)
	DefaultCacheDir       = filepath.Join(DefaultConfigPath, ".cache")
	DefaultLibraryDBPath  = filepath.Join(DefaultConfigPath, "library.db")
	DefaultGlobalConfig   = filepath.Join(DefaultConfigPath, "config.yaml")
	DefaultSidecarDirName = "sidecars"

	// Default database settings
	DefaultDatabaseDSN  = "file::memory:?cache=shared"
	DefaultDatabaseType = "libsql"
)

// baseDir anchors the config tree: the home directory when resolvable, the
// working directory otherwise. Headless hosts (containers, CI) routinely run
// without a home.
func baseDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return os.TempDir()
}

var (
	bootstrapOnce   sync.Once
	bootstrapLogger zerolog.Logger
)

// GetLogger returns the bootstrap logger for the window before the host
// configures structured logging. The level comes from VDFS_LOG_LEVEL when
// set, info otherwise.
func GetLogger() zerolog.Logger {
	bootstrapOnce.Do(func() {
		level := zerolog.InfoLevel
		if raw := os.Getenv("VDFS_LOG_LEVEL"); raw != "" {
			if parsed, err := zerolog.ParseLevel(raw); err == nil {
				level = parsed
			}
		}
		bootstrapLogger = zerolog.New(os.Stderr).Level(level).With().
			Timestamp().Str("app", DefaultAppName).Logger()
	})
	return bootstrapLogger
}
