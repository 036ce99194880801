// Package config provides configuration management for heapstream.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Loader   LoaderConfig   `mapstructure:"loader"`
	Heap     HeapConfig     `mapstructure:"heap"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
}

// ArchiveConfig says where the archive comes from.
type ArchiveConfig struct {
	Path     string `mapstructure:"path"`
	Source   string `mapstructure:"source"` // local or cos
	Key      string `mapstructure:"key"`    // object key when source is cos
	CacheDir string `mapstructure:"cache_dir"`
	Verify   bool   `mapstructure:"verify"`
}

// LoaderConfig holds the tunables of the streaming loader.
type LoaderConfig struct {
	EagerLoading        bool  `mapstructure:"eager_loading"`
	MinBatchObjects     int   `mapstructure:"min_batch_objects"`
	BootstrapMaxMemory  int64 `mapstructure:"bootstrap_max_memory"`
	OtherPrelinkedBytes int64 `mapstructure:"other_prelinked_bytes"`
}

// HeapConfig sizes the target heap.
type HeapConfig struct {
	CapacityWords int64  `mapstructure:"capacity_words"`
	MetadataBase  uint64 `mapstructure:"metadata_base"`
	MetadataSize  uint64 `mapstructure:"metadata_size"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Type      string `mapstructure:"type"` // cos or local
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	SecretID  string `mapstructure:"secret_id"`
	SecretKey string `mapstructure:"secret_key"`
	Domain    string `mapstructure:"domain"`     // e.g., "myqcloud.com"
	Scheme    string `mapstructure:"scheme"`     // e.g., "https" or "http"
	LocalPath string `mapstructure:"local_path"` // for local storage
}

// DatabaseConfig holds the load history database connection.
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Type     string `mapstructure:"type"` // sqlite, postgres or mysql
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Path     string `mapstructure:"path"` // sqlite file
	MaxConns int    `mapstructure:"max_conns"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"` // empty means stderr
}

// Load reads configuration from the specified file path.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/heapstream")
	}

	// A missing file means defaults plus environment.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("HEAPSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadFromReader loads configuration from raw content (useful for testing).
func LoadFromReader(configType string, content []byte) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	cfg, err := LoadFromReader("yaml", nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	// Archive defaults
	v.SetDefault("archive.source", "local")
	v.SetDefault("archive.cache_dir", "./cache")

	// Loader defaults
	v.SetDefault("loader.eager_loading", false)
	v.SetDefault("loader.min_batch_objects", 128)
	v.SetDefault("loader.bootstrap_max_memory", 64<<20)
	v.SetDefault("loader.other_prelinked_bytes", 0)

	// Heap defaults
	v.SetDefault("heap.capacity_words", 64<<20)
	v.SetDefault("heap.metadata_base", 0x800000000)
	v.SetDefault("heap.metadata_size", 1<<30)

	// Storage defaults
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_path", "./storage")

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./heapstream.db")
	v.SetDefault("database.max_conns", 10)

	// Log defaults
	v.SetDefault("log.level", "info")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Archive.Source {
	case "local", "cos":
	default:
		return fmt.Errorf("unsupported archive source: %s", c.Archive.Source)
	}
	if c.Archive.Source == "cos" && c.Archive.Key == "" {
		return fmt.Errorf("archive key is required for cos source")
	}

	if c.Loader.MinBatchObjects < 1 {
		return fmt.Errorf("min batch objects must be at least 1")
	}
	if c.Loader.BootstrapMaxMemory < 0 || c.Loader.OtherPrelinkedBytes < 0 {
		return fmt.Errorf("loader memory budgets must not be negative")
	}

	if c.Heap.CapacityWords < 1 {
		return fmt.Errorf("heap capacity must be at least 1 word")
	}

	if c.Database.Enabled {
		switch c.Database.Type {
		case "sqlite":
			if c.Database.Path == "" {
				return fmt.Errorf("database path is required for sqlite")
			}
		case "postgres", "mysql":
			if c.Database.Host == "" {
				return fmt.Errorf("database host is required")
			}
		default:
			return fmt.Errorf("unsupported database type: %s", c.Database.Type)
		}
	}

	return nil
}

// EnsureCacheDir creates the archive cache directory if it doesn't exist.
func (c *Config) EnsureCacheDir() error {
	if c.Archive.CacheDir == "" {
		return nil
	}
	return os.MkdirAll(c.Archive.CacheDir, 0755)
}
