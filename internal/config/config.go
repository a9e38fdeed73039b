// internal/config/config.go
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// HomeEnv overrides the directory holding all tracker state
const HomeEnv = "CET_HOME"

// Config holds all application configuration paths
type Config struct {
	HomeDir      string
	Dir          string
	EnvsDir      string
	BackupsDir   string
	DatabasePath string
	LogDir       string
	SettingsPath string
}

// Load creates a Config under ~/.cet, or under $CET_HOME when set
func Load() (*Config, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return LoadFrom(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(filepath.Join(home, ".cet"))
}

// LoadFrom creates a Config rooted at dir, creating the directories
func LoadFrom(dir string) (*Config, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	envsDir := filepath.Join(dir, "envs")
	backupsDir := filepath.Join(dir, "backups")
	logDir := filepath.Join(dir, "logs")

	for _, d := range []string{dir, envsDir, backupsDir, logDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, err
		}
	}

	return &Config{
		HomeDir:      filepath.Dir(dir),
		Dir:          dir,
		EnvsDir:      envsDir,
		BackupsDir:   backupsDir,
		DatabasePath: filepath.Join(dir, "cet.db"),
		LogDir:       logDir,
		SettingsPath: filepath.Join(dir, "config.yaml"),
	}, nil
}

// EnvDir returns the directory holding a tracked environment's files
func (c *Config) EnvDir(name string) string {
	return filepath.Join(c.EnvsDir, name)
}

// Backups holds checkpoint retention settings
type Backups struct {
	Max              int `yaml:"max"`
	CompressionLevel int `yaml:"compression-level"`
}

// Settings are the user preferences read from config.yaml
type Settings struct {
	Yes                   bool     `yaml:"yes"`
	StrictChannelPriority bool     `yaml:"strict-channel-priority"`
	PipIndexURLs          []string `yaml:"pip-index-urls,omitempty"`
	LogLevel              string   `yaml:"log-level"`
	ConflictPolicy        string   `yaml:"conflict-policy"`
	Backups               Backups  `yaml:"backups"`
}

// DefaultSettings returns the settings used when config.yaml is absent
func DefaultSettings() Settings {
	return Settings{
		StrictChannelPriority: true,
		LogLevel:              "info",
		ConflictPolicy:        "prompt",
		Backups: Backups{
			Max:              20,
			CompressionLevel: 3,
		},
	}
}

// LoadSettings reads the settings file. Missing keys keep their defaults
// and a missing file yields DefaultSettings.
func (c *Config) LoadSettings() (Settings, error) {
	settings := DefaultSettings()
	data, err := os.ReadFile(c.SettingsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("parse settings %s: %w", c.SettingsPath, err)
	}
	return settings, nil
}

// Set changes one setting by its config.yaml key. Nested keys are dotted
// and lists are comma separated.
func (s *Settings) Set(key, value string) error {
	var err error
	switch key {
	case "yes":
		s.Yes, err = strconv.ParseBool(value)
	case "strict-channel-priority":
		s.StrictChannelPriority, err = strconv.ParseBool(value)
	case "pip-index-urls":
		s.PipIndexURLs = nil
		for _, u := range strings.Split(value, ",") {
			if u = strings.TrimSpace(u); u != "" {
				s.PipIndexURLs = append(s.PipIndexURLs, u)
			}
		}
	case "log-level":
		s.LogLevel = value
	case "conflict-policy":
		s.ConflictPolicy = value
	case "backups.max":
		s.Backups.Max, err = strconv.Atoi(value)
	case "backups.compression-level":
		s.Backups.CompressionLevel, err = strconv.Atoi(value)
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

// SaveSettings writes the settings file
func (c *Config) SaveSettings(settings Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return os.WriteFile(c.SettingsPath, data, 0644)
}

// ToolVersions resolves the conda version once, on first use
type ToolVersions struct {
	lookup func(ctx context.Context) (string, error)

	once  sync.Once
	conda string
	err   error
}

// NewToolVersions returns versions resolved through lookup
func NewToolVersions(lookup func(ctx context.Context) (string, error)) *ToolVersions {
	return &ToolVersions{lookup: lookup}
}

// CondaVersion returns the conda version, looking it up the first time
func (v *ToolVersions) CondaVersion(ctx context.Context) (string, error) {
	v.once.Do(func() {
		v.conda, v.err = v.lookup(ctx)
	})
	return v.conda, v.err
}
