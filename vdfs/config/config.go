package config

import (
	"fmt"
	"path/filepath"
	"strings"

	internal "github.com/spacedriveapp/spacedrive-sub016/vdfs"

	"github.com/spf13/viper"
)

// Config stores all configuration of the indexing core.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Indexer  IndexerConfig  `mapstructure:"indexer"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Rules    RulesConfig    `mapstructure:"rules"`
}

// DatabaseConfig stores database connection details.
type DatabaseConfig struct {
	DSN  string `mapstructure:"dsn"`
	Type string `mapstructure:"type"`
	// MaxOpenConns is sized generously because indexing, content
	// identification and watcher reconciliation can all be active at once.
	MaxOpenConns int `mapstructure:"maxOpenConns"`
}

// IndexerConfig tunes the multi-phase indexer job.
type IndexerConfig struct {
	BatchSize            int `mapstructure:"batchSize"`
	ContentChunkSize     int `mapstructure:"contentChunkSize"`
	CheckpointInterval   int `mapstructure:"checkpointInterval"`
	DiscoveryConcurrency int `mapstructure:"discoveryConcurrency"`
	EphemeralDepthLimit  int `mapstructure:"ephemeralDepthLimit"`
}

// WatcherConfig tunes the filesystem watcher feeding the change responder.
type WatcherConfig struct {
	DebounceMillis int `mapstructure:"debounceMillis"`
	QueueCapacity  int `mapstructure:"queueCapacity"`
}

// RulesConfig holds the default indexer rule toggles.
type RulesConfig struct {
	NoSystemFiles bool `mapstructure:"noSystemFiles"`
	NoHidden      bool `mapstructure:"noHidden"`
	NoGit         bool `mapstructure:"noGit"`
	NoDevDirs     bool `mapstructure:"noDevDirs"`
	Gitignore     bool `mapstructure:"gitignore"`
	OnlyImages    bool `mapstructure:"onlyImages"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		viper.AddConfigPath(internal.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetDefault("database.dsn", internal.DefaultDatabaseDSN)
	viper.SetDefault("database.type", internal.DefaultDatabaseType)
	viper.SetDefault("database.maxOpenConns", 32)

	viper.SetDefault("indexer.batchSize", 100)
	viper.SetDefault("indexer.contentChunkSize", 100)
	viper.SetDefault("indexer.checkpointInterval", 1000)
	viper.SetDefault("indexer.discoveryConcurrency", 4)
	viper.SetDefault("indexer.ephemeralDepthLimit", 2)

	viper.SetDefault("watcher.debounceMillis", 250)
	viper.SetDefault("watcher.queueCapacity", 1024)

	viper.SetDefault("rules.noSystemFiles", true)
	viper.SetDefault("rules.noHidden", false)
	viper.SetDefault("rules.noGit", true)
	viper.SetDefault("rules.noDevDirs", true)
	viper.SetDefault("rules.gitignore", true)
	viper.SetDefault("rules.onlyImages", false)

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	logger := internal.GetLogger()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logger.Debug().Msg("no config file found, using defaults")
	} else {
		logger.Debug().Str("file", viper.ConfigFileUsed()).Msg("configuration loaded")
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &AppConfig, nil
}
