package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"
)

// Storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// ConfigFileName is the default project config file name.
const ConfigFileName = ".daybook.json"

// Config errors.
var (
	errConfigFileRead = errors.New("cannot read config file")
	errConfigInvalid  = errors.New("invalid config file")
	errBadBackend     = errors.New("backend must be \"file\" or \"sqlite\"")
)

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	DataDir          string `json:"data_dir"`
	Backend          string `json:"backend"`
	HeartbeatSeconds int    `json:"heartbeat_seconds,omitempty"`

	// Resolved paths (computed, not serialized)
	DataDirAbs string `json:"-"`

	// Sources tracks which config files were loaded (for diagnostics)
	Sources ConfigSources `json:"-"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DataDir: ".daybook",
		Backend: BackendFile,
	}
}

// Heartbeat returns the configured heartbeat interval, or zero when the
// lease default should apply.
func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	WorkDir         string            // resolved working directory
	ConfigPath      string            // -c/--config flag value
	DataDirOverride string            // --data-dir flag value; empty means no override
	BackendOverride string            // --backend flag value; empty means no override
	Env             map[string]string // environment variables
}

// LoadConfig loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config (~/.config/daybook/config.json or $XDG_CONFIG_HOME)
// 3. Project config file (.daybook.json in the working directory, if present)
// 4. Explicit config file via ConfigPath (if non-empty)
// 5. CLI overrides.
//
// The returned Config has DataDirAbs resolved against the working directory.
func LoadConfig(input LoadConfigInput) (Config, error) {
	cfg := DefaultConfig()

	globalPath := globalConfigPath(input.Env)
	if globalPath != "" {
		loaded, found, err := readConfigFile(globalPath)
		if err != nil {
			return Config{}, err
		}

		if found {
			cfg.Sources.Global = globalPath
			cfg = mergeConfig(cfg, loaded)
		}
	}

	projectPath := input.ConfigPath
	if projectPath == "" {
		projectPath = filepath.Join(input.WorkDir, ConfigFileName)
	}

	loaded, found, err := readConfigFile(projectPath)
	if err != nil {
		return Config{}, err
	}

	if found {
		cfg.Sources.Project = projectPath
		cfg = mergeConfig(cfg, loaded)
	} else if input.ConfigPath != "" {
		return Config{}, fmt.Errorf("%w: %s", errConfigFileRead, input.ConfigPath)
	}

	if input.DataDirOverride != "" {
		cfg.DataDir = input.DataDirOverride
	}

	if input.BackendOverride != "" {
		cfg.Backend = input.BackendOverride
	}

	if cfg.Backend != BackendFile && cfg.Backend != BackendSQLite {
		return Config{}, fmt.Errorf("%w: got %q", errBadBackend, cfg.Backend)
	}

	if cfg.HeartbeatSeconds < 0 {
		return Config{}, fmt.Errorf("%w: heartbeat_seconds cannot be negative", errConfigInvalid)
	}

	cfg.DataDirAbs = cfg.DataDir
	if !filepath.IsAbs(cfg.DataDirAbs) {
		cfg.DataDirAbs = filepath.Join(input.WorkDir, cfg.DataDir)
	}

	return cfg, nil
}

// globalConfigPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/daybook/config.json if set, otherwise
// ~/.config/daybook/config.json. Empty when no home is known.
func globalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "daybook", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "daybook", "config.json")
	}

	return ""
}

// readConfigFile loads one config file. Comments and trailing commas are
// allowed (HuJSON). Returns found=false when the file does not exist.
func readConfigFile(path string) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s: %v", errConfigFileRead, path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w: %s: %v", errConfigInvalid, path, err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w: %s: %v", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

// mergeConfig overlays non-zero fields of over onto base.
func mergeConfig(base, over Config) Config {
	if over.DataDir != "" {
		base.DataDir = over.DataDir
	}

	if over.Backend != "" {
		base.Backend = over.Backend
	}

	if over.HeartbeatSeconds != 0 {
		base.HeartbeatSeconds = over.HeartbeatSeconds
	}

	return base
}
