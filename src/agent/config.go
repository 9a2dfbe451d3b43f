package agent

import (
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the optional on-disk config a deployed executor agent can
// carry instead of passing every flag on the command line (spec.md §4.5,
// §6 env vars), grounded on ehrlich-b-wingthing/internal/config.WingConfig.
// Flags and environment variables always take precedence over this file —
// it exists for unattended deployments where a config management tool
// drops one file rather than templating a command line.
type FileConfig struct {
	URL          string   `yaml:"url,omitempty"`
	Token        string   `yaml:"token,omitempty"`
	ID           string   `yaml:"id,omitempty"`
	Name         string   `yaml:"name,omitempty"`
	Labels       []string `yaml:"labels,omitempty"`
	DataDir      string   `yaml:"data_dir,omitempty"`
	DefaultShell string   `yaml:"default_shell,omitempty"`
	NoUpgrade    bool     `yaml:"no_upgrade,omitempty"`
}

// LoadFileConfig reads path if it exists; a missing file is not an error,
// since the config file is always optional.
func LoadFileConfig(path string) (*FileConfig, error) {
	cfg := &FileConfig{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyTo fills any zero-value field of cfg from the file config. Flags
// and env vars are resolved into cfg before this is called, so they win.
func (f *FileConfig) ApplyTo(cfg *Config) {
	if cfg.URL == "" {
		cfg.URL = f.URL
	}
	if cfg.Token == "" {
		cfg.Token = f.Token
	}
	if cfg.ID == "" {
		cfg.ID = f.ID
	}
	if cfg.Name == "" {
		cfg.Name = f.Name
	}
	if len(cfg.Labels) == 0 {
		cfg.Labels = f.Labels
	}
	if cfg.DataDir == "" {
		cfg.DataDir = f.DataDir
	}
	if cfg.DefaultShell == "" {
		cfg.DefaultShell = f.DefaultShell
	}
	if !cfg.NoUpgrade {
		cfg.NoUpgrade = f.NoUpgrade
	}
}
