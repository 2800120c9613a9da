package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// Config holds pdsctl's configuration options.
//
// Grounded on the teacher's root config.go (Config/ConfigSources/
// LoadConfig), generalized from a single ticket_dir field to the three
// options spec.md's CLI surface needs: where the store lives, how big its
// draft cache is, and which type schema to seed before the REPL starts.
type Config struct {
	StoreDir      string `json:"store_dir,omitempty"`      //nolint:tagliatelle
	CacheCapacity int    `json:"cache_capacity,omitempty"` //nolint:tagliatelle
	SchemaPath    string `json:"schema,omitempty"`
}

// ConfigSources tracks which config files were loaded, for "pdsctl
// print-config"-style diagnostics.
type ConfigSources struct {
	Global  string
	Project string
}

// ConfigFileName is the default project config file name.
const ConfigFileName = ".pdsctl.json"

const defaultCacheCapacity = 4

// DefaultConfig returns pdsctl's zero-value configuration.
func DefaultConfig() Config {
	return Config{CacheCapacity: defaultCacheCapacity}
}

// getGlobalConfigPath returns $XDG_CONFIG_HOME/pdsctl/config.json, falling
// back to ~/.config/pdsctl/config.json, or "" if neither can be
// determined.
func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "pdsctl", "config.json")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pdsctl", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "pdsctl", "config.json")
}

// LoadConfig loads configuration with the following precedence (highest
// wins): defaults, global user config, project config (.pdsctl.json in
// workDir, or an explicit --config path), then explicit flag overrides.
func LoadConfig(workDir, explicitConfigPath string, flagOverrides Config, changed map[string]bool, env []string) (Config, ConfigSources, error) {
	cfg := DefaultConfig()

	var sources ConfigSources

	globalPath := getGlobalConfigPath(env)
	if globalPath != "" {
		globalCfg, loaded, err := loadConfigFile(globalPath, false)
		if err != nil {
			return Config{}, ConfigSources{}, err
		}

		if loaded {
			sources.Global = globalPath
			cfg = mergeConfig(cfg, globalCfg)
		}
	}

	projectPath := explicitConfigPath
	mustExist := projectPath != ""

	if projectPath == "" {
		projectPath = filepath.Join(workDir, ConfigFileName)
	} else if !filepath.IsAbs(projectPath) {
		projectPath = filepath.Join(workDir, projectPath)
	}

	projectCfg, loaded, err := loadConfigFile(projectPath, mustExist)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	if loaded {
		sources.Project = projectPath
		cfg = mergeConfig(cfg, projectCfg)
	}

	if changed["store"] {
		cfg.StoreDir = flagOverrides.StoreDir
	}

	if changed["cache-capacity"] {
		cfg.CacheCapacity = flagOverrides.CacheCapacity
	}

	if changed["schema"] {
		cfg.SchemaPath = flagOverrides.SchemaPath
	}

	return cfg, sources, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is user/environment-controlled by design
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("invalid JWCC in %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, false, fmt.Errorf("invalid config JSON in %s: %w", path, err)
	}

	return cfg, true, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.StoreDir != "" {
		base.StoreDir = overlay.StoreDir
	}

	if overlay.CacheCapacity != 0 {
		base.CacheCapacity = overlay.CacheCapacity
	}

	if overlay.SchemaPath != "" {
		base.SchemaPath = overlay.SchemaPath
	}

	return base
}
