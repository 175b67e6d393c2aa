package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	err = os.WriteFile(path, []byte(content), 0o644)
	if err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()

	cfg, err := LoadConfig(LoadConfigInput{WorkDir: workDir, Env: map[string]string{}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DataDir != ".daybook" || cfg.Backend != BackendFile {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}

	if cfg.DataDirAbs != filepath.Join(workDir, ".daybook") {
		t.Fatalf("DataDirAbs = %q, want resolved against workdir", cfg.DataDirAbs)
	}

	if cfg.Sources.Global != "" || cfg.Sources.Project != "" {
		t.Fatalf("sources = %+v, want none", cfg.Sources)
	}
}

func TestLoadConfig_GlobalConfig(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	home := t.TempDir()

	globalPath := filepath.Join(home, ".config", "daybook", "config.json")
	writeFile(t, globalPath, `{"backend": "sqlite", "heartbeat_seconds": 10}`)

	cfg, err := LoadConfig(LoadConfigInput{
		WorkDir: workDir,
		Env:     map[string]string{"HOME": home},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Backend != BackendSQLite {
		t.Fatalf("backend = %q, want sqlite from global config", cfg.Backend)
	}

	if cfg.HeartbeatSeconds != 10 {
		t.Fatalf("heartbeat = %d, want 10", cfg.HeartbeatSeconds)
	}

	if cfg.Sources.Global != globalPath {
		t.Fatalf("global source = %q, want %q", cfg.Sources.Global, globalPath)
	}
}

func TestLoadConfig_XDGConfigHomeWins(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	home := t.TempDir()
	xdg := t.TempDir()

	writeFile(t, filepath.Join(home, ".config", "daybook", "config.json"), `{"data_dir": "from-home"}`)
	writeFile(t, filepath.Join(xdg, "daybook", "config.json"), `{"data_dir": "from-xdg"}`)

	cfg, err := LoadConfig(LoadConfigInput{
		WorkDir: workDir,
		Env:     map[string]string{"HOME": home, "XDG_CONFIG_HOME": xdg},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DataDir != "from-xdg" {
		t.Fatalf("data_dir = %q, want from-xdg", cfg.DataDir)
	}
}

func TestLoadConfig_ProjectOverridesGlobal(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	home := t.TempDir()

	writeFile(t, filepath.Join(home, ".config", "daybook", "config.json"), `{"data_dir": "global-dir", "heartbeat_seconds": 5}`)
	writeFile(t, filepath.Join(workDir, ConfigFileName), `{"data_dir": "project-dir"}`)

	cfg, err := LoadConfig(LoadConfigInput{
		WorkDir: workDir,
		Env:     map[string]string{"HOME": home},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DataDir != "project-dir" {
		t.Fatalf("data_dir = %q, want project-dir", cfg.DataDir)
	}

	// Fields the project file leaves out keep the global values.
	if cfg.HeartbeatSeconds != 5 {
		t.Fatalf("heartbeat = %d, want 5 retained from global", cfg.HeartbeatSeconds)
	}
}

func TestLoadConfig_CLIOverridesBeatFiles(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()

	writeFile(t, filepath.Join(workDir, ConfigFileName), `{"data_dir": "from-file", "backend": "sqlite"}`)

	cfg, err := LoadConfig(LoadConfigInput{
		WorkDir:         workDir,
		DataDirOverride: "from-flag",
		BackendOverride: BackendFile,
		Env:             map[string]string{},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DataDir != "from-flag" || cfg.Backend != BackendFile {
		t.Fatalf("cfg = %+v, want CLI overrides applied", cfg)
	}
}

func TestLoadConfig_HuJSONCommentsAndTrailingCommas(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()

	writeFile(t, filepath.Join(workDir, ConfigFileName), `{
		// storage lives on the shared drive
		"data_dir": "/srv/daybook",
		"backend": "file",
	}`)

	cfg, err := LoadConfig(LoadConfigInput{WorkDir: workDir, Env: map[string]string{}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DataDir != "/srv/daybook" {
		t.Fatalf("data_dir = %q", cfg.DataDir)
	}

	// Absolute data dirs are not re-resolved.
	if cfg.DataDirAbs != "/srv/daybook" {
		t.Fatalf("DataDirAbs = %q, want /srv/daybook", cfg.DataDirAbs)
	}
}

func TestLoadConfig_ExplicitPathMustExist(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()

	_, err := LoadConfig(LoadConfigInput{
		WorkDir:    workDir,
		ConfigPath: filepath.Join(workDir, "nope.json"),
		Env:        map[string]string{},
	})
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadConfig_RejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()

	_, err := LoadConfig(LoadConfigInput{
		WorkDir:         workDir,
		BackendOverride: "redis",
		Env:             map[string]string{},
	})
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestLoadConfig_RejectsNegativeHeartbeat(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()

	writeFile(t, filepath.Join(workDir, ConfigFileName), `{"heartbeat_seconds": -3}`)

	_, err := LoadConfig(LoadConfigInput{WorkDir: workDir, Env: map[string]string{}})
	if err == nil {
		t.Fatal("expected error for negative heartbeat")
	}
}

func TestLoadConfig_RejectsMalformedFile(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()

	writeFile(t, filepath.Join(workDir, ConfigFileName), `{"data_dir": `)

	_, err := LoadConfig(LoadConfigInput{WorkDir: workDir, Env: map[string]string{}})
	if err == nil {
		t.Fatal("expected error for malformed config file")
	}
}
