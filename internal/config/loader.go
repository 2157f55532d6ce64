package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	// AppName names the per-user config directory.
	AppName = "autopilot"

	// DefaultStateDir holds project config and session state, relative to
	// the work dir.
	DefaultStateDir = ".autopilot"

	configFile = "config.json"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Each file only overrides the keys it sets. Missing files are not errors;
// malformed files, unknown keys and unknown extensions are.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: $XDG_CONFIG_HOME/autopilot/config.{json,yaml,yml,toml}
// Project: .autopilot/config.{json,yaml,yml,toml} under workDir
func LoadDefault(workDir string) (*Config, error) {
	return Load(GlobalPath(), ProjectPath(workDir))
}

// GlobalPath returns the first existing per-user config file, or the JSON
// path if none exists.
func GlobalPath() string {
	return firstExisting(filepath.Join(xdg.ConfigHome, AppName))
}

// ProjectPath returns the first existing project config file under
// workDir, or the JSON path if none exists.
func ProjectPath(workDir string) string {
	return firstExisting(filepath.Join(workDir, DefaultStateDir))
}

func firstExisting(dir string) string {
	for _, name := range []string{"config.json", "config.yaml", "config.yml", "config.toml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(dir, configFile)
}

// mergeConfigFile decodes the file at path over base. Missing files are
// silently skipped.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(base)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(base)
		if errors.Is(err, io.EOF) {
			err = nil // Empty document
		}
	case ".toml":
		err = toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(base)
	default:
		return fmt.Errorf("unsupported config format %q: %s", ext, path)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
