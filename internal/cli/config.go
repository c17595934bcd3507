package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/dlqueue/internal/settings"
)

// Config represents the complete daemon configuration.
// Maps config file fields through YAML tags.
type Config struct {
	Queue struct {
		Dir string `yaml:"dir"`
	} `yaml:"queue"`

	Records struct {
		Backend string `yaml:"backend"` // sqlite or redis
		Path    string `yaml:"path"`
		Addr    string `yaml:"addr"`
		Prefix  string `yaml:"prefix"`
	} `yaml:"records"`

	Settings struct {
		File          string            `yaml:"file"`
		WatchInterval time.Duration     `yaml:"watch_interval"`
		Defaults      settings.Settings `yaml:"defaults"`
	} `yaml:"settings"`

	Executor struct {
		DownloadDir      string        `yaml:"download_dir"`
		Workers          int           `yaml:"workers"`
		QueueSize        int           `yaml:"queue_size"`
		ProgressInterval time.Duration `yaml:"progress_interval"`
		UserAgent        string        `yaml:"user_agent"`
	} `yaml:"executor"`

	Maintenance struct {
		Spec        string `yaml:"spec"` // empty disables pruning
		WithRecords bool   `yaml:"with_records"`
	} `yaml:"maintenance"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

const defaultConfigPath = "configs/dlqueue.yaml"

func defaultConfig() *Config {
	var cfg Config
	cfg.Queue.Dir = "data/queue"
	cfg.Records.Backend = "sqlite"
	cfg.Records.Path = "data/records.db"
	cfg.Records.Addr = "localhost:6379"
	cfg.Records.Prefix = "dlqueue"
	cfg.Settings.File = "data/settings.yaml"
	cfg.Settings.WatchInterval = 2 * time.Second
	cfg.Settings.Defaults = settings.Defaults()
	cfg.Executor.DownloadDir = "downloads"
	cfg.Executor.Workers = 4
	cfg.Executor.QueueSize = 64
	cfg.Executor.ProgressInterval = 500 * time.Millisecond
	cfg.Executor.UserAgent = "dlqueue/" + version
	cfg.Metrics.Port = 9090
	cfg.Server.Addr = "localhost:50051"
	cfg.Log.Level = "info"
	cfg.Log.Format = "console"
	return &cfg
}

// loadConfig reads path over the defaults. Keys missing from the file keep
// their default value.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveConfig loads the config file, falling back to the defaults when the
// default path does not exist. An explicitly given path must exist.
func resolveConfig(path string, explicit bool) (*Config, error) {
	cfg, err := loadConfig(path)
	if err != nil && !explicit && errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) validate() error {
	switch c.Records.Backend {
	case "sqlite":
		if c.Records.Path == "" {
			return errors.New("config: records.path is required for the sqlite backend")
		}
	case "redis":
		if c.Records.Addr == "" {
			return errors.New("config: records.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown records backend %q", c.Records.Backend)
	}
	if c.Queue.Dir == "" {
		return errors.New("config: queue.dir is required")
	}
	if c.Executor.DownloadDir == "" {
		return errors.New("config: executor.download_dir is required")
	}
	return c.Settings.Defaults.Validate()
}
