// Package config provides configuration management for the runtime.
// It supports loading configuration from environment variables, config
// files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the runtime.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Router    RouterConfig    `mapstructure:"router"`
	Worktree  WorktreeConfig  `mapstructure:"worktree"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DatabaseConfig holds the SQLite store configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // SQLite database file path
}

// NATSConfig holds NATS messaging configuration. An empty URL selects
// the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// QueueConfig holds message queue configuration.
type QueueConfig struct {
	MaxSize         int    `mapstructure:"maxSize"`         // enqueue rejection threshold
	StatePath       string `mapstructure:"statePath"`       // JSON state file path
	CleanupInterval int    `mapstructure:"cleanupInterval"` // TTL sweep interval in seconds
}

// CleanupIntervalDuration returns the TTL sweep interval as a time.Duration.
func (q *QueueConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(q.CleanupInterval) * time.Second
}

// RouterConfig holds message router configuration.
type RouterConfig struct {
	TracingEnabled bool `mapstructure:"tracingEnabled"` // record route traces
}

// WorktreeConfig holds git worktree configuration.
type WorktreeConfig struct {
	BasePath     string `mapstructure:"basePath"`     // base directory for worktrees; empty derives from repo
	BranchPrefix string `mapstructure:"branchPrefix"` // branch name prefix (default: session/)
	RegistryPath string `mapstructure:"registryPath"` // JSON registry file path
}

// WorkspaceConfig holds workspace registry configuration.
type WorkspaceConfig struct {
	Root string `mapstructure:"root"` // default workspace root directory
}

// DataDir returns the runtime data directory, creating nothing.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentfleet"
	}
	return filepath.Join(home, ".agentfleet")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	dataDir := DataDir()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("database.path", filepath.Join(dataDir, "agentfleet.db"))

	// Empty URL means use the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentfleet")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("queue.maxSize", 1000)
	v.SetDefault("queue.statePath", filepath.Join(dataDir, "message-queue.json"))
	v.SetDefault("queue.cleanupInterval", 60)

	v.SetDefault("router.tracingEnabled", true)

	v.SetDefault("worktree.basePath", "")
	v.SetDefault("worktree.branchPrefix", "session/")
	v.SetDefault("worktree.registryPath", filepath.Join(dataDir, "session-worktrees.json"))

	v.SetDefault("workspace.root", "")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the AGENTFLEET_ prefix.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified file or default
// locations (./agentfleet.yaml, ~/.agentfleet/agentfleet.yaml).
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("agentfleet")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(DataDir())
		if err := v.ReadInConfig(); err != nil {
			// Missing config file is fine; defaults and env apply.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
