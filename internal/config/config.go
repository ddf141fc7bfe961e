package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Store      StoreConfig      `toml:"store"`
	Memory     MemoryConfig     `toml:"memory"`
	Dispatch   DispatchConfig   `toml:"dispatch"`
	Permission PermissionConfig `toml:"permission"`
	Events     EventsConfig     `toml:"events"`

	// Capabilities maps a sub-agent domain label to the tool names a
	// child spawned for that domain may use.
	Capabilities map[string][]string `toml:"capabilities"`

	Path string `toml:"-"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type StoreConfig struct {
	DBPath string `toml:"db_path"`
}

type MemoryConfig struct {
	Root string `toml:"root"`
	Days int    `toml:"days"`
}

type DispatchConfig struct {
	SystemPrompt   string `toml:"system_prompt"`
	HistoryLimit   int    `toml:"history_limit"`
	MaxIterations  int    `toml:"max_iterations"`
	ModelRetries   int    `toml:"model_retries"`
	RetryBackoffMS int    `toml:"retry_backoff_ms"`
	MaxDepth       int    `toml:"max_depth"`
}

type PermissionConfig struct {
	SafeMode  bool     `toml:"safe_mode"`
	BaseTools []string `toml:"base_tools"`
}

type EventsConfig struct {
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	return cfg.WithDefaults(), nil
}

func (c Config) WithDefaults() Config {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8480"
	}
	if c.Store.DBPath == "" {
		c.Store.DBPath = "starling.db"
	}
	if c.Memory.Root == "" {
		c.Memory.Root = "memory"
	}
	if c.Memory.Days <= 0 {
		c.Memory.Days = 3
	}
	if c.Dispatch.HistoryLimit <= 0 {
		c.Dispatch.HistoryLimit = 100
	}
	if c.Dispatch.MaxIterations <= 0 {
		c.Dispatch.MaxIterations = 10
	}
	if c.Dispatch.ModelRetries <= 0 {
		c.Dispatch.ModelRetries = 3
	}
	if c.Dispatch.RetryBackoffMS <= 0 {
		c.Dispatch.RetryBackoffMS = 250
	}
	if c.Dispatch.MaxDepth <= 0 {
		c.Dispatch.MaxDepth = 1
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "starling.events"
	}
	return c
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".starling/config.toml"
	}
	return filepath.Join(home, ".starling", "config.toml")
}
