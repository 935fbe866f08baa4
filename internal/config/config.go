// Package config loads the teamsync daemon configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon configuration, loaded from a YAML file with viper.
type Config struct {
	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`

	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	// Folders maps logical base folder names to directories on disk.
	Folders struct {
		Config   string `mapstructure:"config"`
		Instance string `mapstructure:"instance"`
		Uploads  string `mapstructure:"uploads"`
	} `mapstructure:"folders"`

	Sync struct {
		Interval       time.Duration `mapstructure:"interval"`
		FallbackWindow time.Duration `mapstructure:"fallback_window"`
		HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
		// TrackedTables are the entity tables replicated between peers.
		TrackedTables []string `mapstructure:"tracked_tables"`
	} `mapstructure:"sync"`

	Files struct {
		DebounceWindow  time.Duration `mapstructure:"debounce_window"`
		ConflictWindow  time.Duration `mapstructure:"conflict_window"`
		ExcludePatterns []string      `mapstructure:"exclude_patterns"`
	} `mapstructure:"files"`

	Retry struct {
		Base         time.Duration `mapstructure:"base"`
		Cap          time.Duration `mapstructure:"cap"`
		MaxAttempts  int           `mapstructure:"max_attempts"`
		MaxAge       time.Duration `mapstructure:"max_age"`
		ScanInterval time.Duration `mapstructure:"scan_interval"`
	} `mapstructure:"retry"`

	Logging struct {
		File       string `mapstructure:"file"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
	} `mapstructure:"logging"`
}

// Load reads the configuration file and applies defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8530)
	v.SetDefault("database.path", "data/teamsync.db")
	v.SetDefault("folders.config", "data/config")
	v.SetDefault("folders.instance", "data/instance")
	v.SetDefault("folders.uploads", "data/uploads")
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.fallback_window", 24*time.Hour)
	v.SetDefault("sync.http_timeout", 15*time.Second)
	v.SetDefault("sync.tracked_tables", []string{"teams", "players", "matches", "settings"})
	v.SetDefault("files.debounce_window", 500*time.Millisecond)
	v.SetDefault("files.conflict_window", 10*time.Second)
	v.SetDefault("retry.base", 5*time.Second)
	v.SetDefault("retry.cap", 15*time.Minute)
	v.SetDefault("retry.max_attempts", 10)
	v.SetDefault("retry.max_age", 24*time.Hour)
	v.SetDefault("retry.scan_interval", 30*time.Second)
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
}

// BaseFolders returns the logical-name-to-directory mapping the watcher and
// file endpoints share.
func (c *Config) BaseFolders() map[string]string {
	return map[string]string{
		"config":   c.Folders.Config,
		"instance": c.Folders.Instance,
		"uploads":  c.Folders.Uploads,
	}
}
