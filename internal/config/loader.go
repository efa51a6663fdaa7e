package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SCALESTACK_"

// ErrInvalidConfig is wrapped by every error about the configuration
// content, as opposed to errors reading it.
var ErrInvalidConfig = errors.New("invalid configuration")

// For mocking in tests
var osUserHomeDir = os.UserHomeDir
var osGetwd = os.Getwd

const (
	userConfigDir    = ".config/scalestack"
	projectConfigDir = ".scalestack"
	configFileName   = "config.yaml"
)

// LoadOptions selects the sources Load reads.
type LoadOptions struct {
	// Path replaces the user and project files when set. The file must
	// exist.
	Path string
	// Environ is used instead of the process environment when not nil.
	Environ map[string]string
}

// Load builds the configuration from the defaults, the config files and the
// environment, then validates it.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()

	if opts.Path != "" {
		if err := loadFile(opts.Path, &cfg); err != nil {
			return Config{}, err
		}
	} else {
		for _, pathFn := range []func() (string, error){getUserConfigPath, getProjectConfigPath} {
			path, err := pathFn()
			if err != nil {
				// Optional layer.
				continue
			}
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err := loadFile(path, &cfg); err != nil {
				return Config{}, err
			}
		}
	}

	if err := ApplyEnv(&cfg, opts.Environ); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var getUserConfigPath = func() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

var getProjectConfigPath = func() (string, error) {
	wd, err := osGetwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigDir, configFileName), nil
}

// loadFile decodes the YAML file at path on top of cfg. Keys present in the
// file replace the current values; service options are merged per option.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := decode(data, cfg); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	return nil
}

func decode(data []byte, cfg *Config) error {
	base := cfg.Services
	cfg.Services = nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	cfg.Services = mergeServices(base, cfg.Services)
	return err
}

// mergeServices returns base with the options of overlay applied on top.
func mergeServices(base, overlay map[string]map[string]any) map[string]map[string]any {
	merged := make(map[string]map[string]any, len(base)+len(overlay))
	for name, opts := range base {
		merged[name] = maps.Clone(opts)
	}
	for name, opts := range overlay {
		if merged[name] == nil {
			merged[name] = make(map[string]any, len(opts))
		}
		maps.Copy(merged[name], opts)
	}
	return merged
}

// ApplyEnv overrides cfg with the SCALESTACK_* variables of environ, or of
// the process environment when environ is nil.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("%w: environment: %w", ErrInvalidConfig, err)
	}
	return nil
}

// GetUserConfigDir returns the user configuration directory path
func GetUserConfigDir() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir), nil
}
