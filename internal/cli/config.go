package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the optional YAML configuration for the CLI. The --db flag
// takes precedence over the file.
type Config struct {
	DB string `yaml:"db"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// resolveDBPath picks the database path from the --db flag, falling back to
// the config file.
func resolveDBPath(opts *RootOptions) (string, error) {
	if opts.DB != "" {
		return opts.DB, nil
	}
	if opts.Config != "" {
		cfg, err := LoadConfig(opts.Config)
		if err != nil {
			return "", usageError("bad config", err)
		}
		if cfg.DB != "" {
			return cfg.DB, nil
		}
	}
	return "", usageError("no database given: use --db or a config file with a db entry", nil)
}
