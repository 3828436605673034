package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix      = "PARLEY"
	dataDirName    = ".parley"
	configFileName = "parley.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string

	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file (JSON or YAML by extension), applies PARLEY_*
// environment overrides and fills derived paths. A missing file yields the
// defaults.
func (l *Loader) Load() (*Config, error) {
	path, err := l.path()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultConfig()
	if _, statErr := os.Stat(path); statErr == nil {
		v.SetConfigFile(path)
		v.SetConfigType(configType(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	} else if !os.IsNotExist(statErr) {
		return nil, fmt.Errorf("stat config file: %w", statErr)
	}

	if err := l.finish(cfg, filepath.Dir(path)); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.v = v
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) finish(cfg *Config, configDir string) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, dataDirName)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(cfg.DataDir, "runs.db")
	}

	if cfg.AgentsFile != "" {
		agentsPath := cfg.AgentsFile
		if !filepath.IsAbs(agentsPath) {
			agentsPath = filepath.Join(configDir, agentsPath)
		}
		extra, err := LoadAgentsFile(agentsPath)
		if err != nil {
			return err
		}
		cfg.Agents = append(cfg.Agents, extra...)
	}

	if cfg.DefaultAgent == "" && len(cfg.Agents) > 0 {
		cfg.DefaultAgent = cfg.Agents[0].Name
	}
	if cfg.Telegram.Agent == "" {
		cfg.Telegram.Agent = cfg.DefaultAgent
	}
	if cfg.Gateway.Agent == "" {
		cfg.Gateway.Agent = cfg.DefaultAgent
	}
	return nil
}

// Watch reloads the configuration whenever the file changes and hands the
// new value to onChange. Reloads that fail to parse or validate are logged
// and skipped. Load must have been called first.
func (l *Loader) Watch(onChange func(*Config)) error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return fmt.Errorf("no config file loaded")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg := DefaultConfig()
		if err := v.Unmarshal(cfg); err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("Config reload failed")
			return
		}
		if err := l.finish(cfg, filepath.Dir(e.Name)); err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("Config reload failed")
			return
		}
		if err := cfg.Validate(); err != nil {
			log.Warn().Err(err).Msg("Reloaded config is invalid, keeping previous")
			return
		}
		log.Info().Str("file", e.Name).Msg("Config reloaded")
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// Path returns the config file path
func (l *Loader) Path() string {
	p, _ := l.path()
	return p
}

func (l *Loader) path() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, dataDirName, configFileName), nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

type agentsFile struct {
	Agents []AgentConfig `yaml:"agents"`
}

// LoadAgentsFile reads agent definitions from a YAML document of the form
// "agents: [...]".
func LoadAgentsFile(path string) ([]AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	var f agentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents file %s: %w", path, err)
	}
	return f.Agents, nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
