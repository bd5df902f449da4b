package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides of the global layer
const EnvPrefix = "SOCKET_FILE_SYNC"

// FlagKeys maps command line flag names onto global layer keys
var FlagKeys = map[string]string{
	"secret":           KeySecret,
	"port":             KeyPort,
	"server":           KeyServer,
	"cwd":              KeyCwd,
	"two-way":          KeyTwoWay,
	"delete-on-remote": KeyDeleteOnRemote,
	"delete-by-remote": KeyDeleteByRemote,
	"log-level":        "logging.level",
}

// Source resolves configuration. It owns the global layer and reads
// project layers on demand.
type Source struct {
	fs        afero.Fs
	path      string
	global    *viper.Viper
	cfg       *Config
	validator *Validator
}

// Loader handles configuration loading
type Loader struct {
	fs         afero.Fs
	configPath string
	flags      *pflag.FlagSet
}

// NewLoader creates a loader for the global config file at configPath, or
// ~/.socket-file-sync when empty
func NewLoader(configPath string) *Loader {
	return &Loader{fs: afero.NewOsFs(), configPath: configPath}
}

// WithFs replaces the file system, used by tests
func (l *Loader) WithFs(fs afero.Fs) *Loader {
	l.fs = fs
	return l
}

// WithFlags binds changed command line flags over the file values
func (l *Loader) WithFlags(flags *pflag.FlagSet) *Loader {
	l.flags = flags
	return l
}

// GetConfigPath returns the global config file path
func (l *Loader) GetConfigPath() (string, error) {
	if l.configPath != "" {
		return homedir.Expand(l.configPath)
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, FileName), nil
}

// Load reads the global layer. A missing file yields the defaults.
func (l *Loader) Load() (*Source, error) {
	configPath, err := l.GetConfigPath()
	if err != nil {
		return nil, err
	}

	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}

	v := newViper(l.fs)
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	data, err := afero.ReadFile(l.fs, configPath)
	switch {
	case err == nil:
		if err := validator.ValidateGlobal(data); err != nil {
			return nil, fmt.Errorf("%s: %w", configPath, err)
		}
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if l.flags != nil {
		for name, key := range FlagKeys {
			if f := l.flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.JournalPath != "" {
		if cfg.JournalPath, err = homedir.Expand(cfg.JournalPath); err != nil {
			return nil, fmt.Errorf("failed to expand journalPath: %w", err)
		}
	}
	if cfg.Logging.File != "" {
		if cfg.Logging.File, err = homedir.Expand(cfg.Logging.File); err != nil {
			return nil, fmt.Errorf("failed to expand logging.file: %w", err)
		}
	}

	return &Source{
		fs:        l.fs,
		path:      configPath,
		global:    v,
		cfg:       cfg,
		validator: validator,
	}, nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Source, error) {
	return NewLoader(configPath).Load()
}

func newViper(fs afero.Fs) *viper.Viper {
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigType("json")
	return v
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault(KeyPort, d.Port)
	v.SetDefault("gracePeriod", d.GracePeriod)
	v.SetDefault("debounceWindow", d.DebounceWindow)
	v.SetDefault("sessionTTL", d.SessionTTL)
	v.SetDefault("sweepSchedule", d.SweepSchedule)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.pretty", d.Logging.Pretty)
}

// Config returns the global configuration
func (s *Source) Config() *Config {
	return s.cfg
}

// Path returns the global config file path
func (s *Source) Path() string {
	return s.path
}

// Global resolves the global layer alone
func (s *Source) Global() (Effective, error) {
	return Resolve(Layer{}, LayerFromViper(s.global))
}

// ProjectConfig resolves the project layer of dir over the global layer.
// A directory without a project file resolves to the global values.
func (s *Source) ProjectConfig(dir string) (Effective, error) {
	project, err := s.readProject(dir)
	if err != nil {
		return Effective{}, err
	}
	eff, err := Resolve(project, LayerFromViper(s.global))
	if err != nil {
		return Effective{}, fmt.Errorf("%s: %w", filepath.Join(dir, FileName), err)
	}
	return eff, nil
}

func (s *Source) readProject(dir string) (Layer, error) {
	path := filepath.Join(dir, FileName)
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return Layer{}, nil
		}
		return nil, fmt.Errorf("failed to read project config: %w", err)
	}
	if err := s.validator.ValidateProject(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	v := newViper(s.fs)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to read project config: %w", err)
	}
	return LayerFromViper(v), nil
}

// SaveGlobal merges values into the global config file
func (s *Source) SaveGlobal(values map[string]interface{}) error {
	return s.save(s.path, values)
}

// SaveProject merges values into the project config file of dir
func (s *Source) SaveProject(dir string, values map[string]interface{}) error {
	return s.save(filepath.Join(dir, FileName), values)
}

func (s *Source) save(path string, values map[string]interface{}) error {
	current := map[string]interface{}{}
	data, err := afero.ReadFile(s.fs, path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	for k, val := range values {
		current[k] = val
	}

	out, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := afero.WriteFile(s.fs, path, append(out, '\n'), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
