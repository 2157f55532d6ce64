package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adrg/xdg"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		globalName    string
		globalConfig  string
		projectName   string
		projectConfig string
		check         func(t *testing.T, cfg *Config)
	}{
		{
			name: "No config files - returns defaults",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Session.MaxBlockers != 3 || cfg.Session.MaxTasks != 200 || cfg.Worker.Type != "claude" {
					t.Errorf("defaults not applied: %+v", cfg)
				}
			},
		},
		{
			name:         "Global JSON overrides only the keys it sets",
			globalName:   "global.json",
			globalConfig: `{"session": {"max_tasks": 50}, "log_level": "debug"}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Session.MaxTasks != 50 || cfg.LogLevel != "debug" {
					t.Errorf("overrides not applied: %+v", cfg.Session)
				}
				if cfg.Session.CheckpointInterval != 5 {
					t.Errorf("checkpoint_interval = %d, want default 5", cfg.Session.CheckpointInterval)
				}
			},
		},
		{
			name:         "Project YAML wins over global",
			globalName:   "global.json",
			globalConfig: `{"session": {"improvement_milestone": 4, "max_tasks": 50}}`,
			projectName:  "config.yaml",
			projectConfig: `
session:
  improvement_milestone: 8
worker:
  type: command
  command: ./run-task.sh
  args: ["--fast"]
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Session.ImprovementMilestone != 8 {
					t.Errorf("improvement_milestone = %d, want 8", cfg.Session.ImprovementMilestone)
				}
				if cfg.Session.MaxTasks != 50 {
					t.Errorf("max_tasks = %d, want 50 from global", cfg.Session.MaxTasks)
				}
				if cfg.Worker.Type != "command" || cfg.Worker.Command != "./run-task.sh" || len(cfg.Worker.Args) != 1 {
					t.Errorf("worker = %+v", cfg.Worker)
				}
				if cfg.Worker.BreakerThreshold != 5 {
					t.Errorf("breaker_threshold = %d, want default 5", cfg.Worker.BreakerThreshold)
				}
			},
		},
		{
			name:       "TOML global config",
			globalName: "global.toml",
			globalConfig: `
log_level = "warn"

[storage]
backend = "sqlite"

[session]
final_cycle_requires_milestone = true
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Storage.Backend != "sqlite" || cfg.Storage.Dir != DefaultStateDir {
					t.Errorf("storage = %+v", cfg.Storage)
				}
				if !cfg.Session.FinalCycleRequiresMilestone || cfg.LogLevel != "warn" {
					t.Errorf("session = %+v log_level = %q", cfg.Session, cfg.LogLevel)
				}
			},
		},
		{
			name:          "Empty YAML document",
			projectName:   "config.yml",
			projectConfig: "",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Session.MaxBlockers != 3 {
					t.Errorf("max_blockers = %d", cfg.Session.MaxBlockers)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.globalName != "" {
				globalPath = writeFile(t, tmpDir, tt.globalName, tt.globalConfig)
			}
			projectPath := ""
			if tt.projectName != "" {
				projectPath = writeFile(t, tmpDir, tt.projectName, tt.projectConfig)
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantMsg string
	}{
		{"malformed JSON", "config.json", "{invalid json", "parsing"},
		{"malformed YAML", "config.yaml", "session: [", "parsing"},
		{"malformed TOML", "config.toml", "[session", "parsing"},
		{"unknown JSON key", "config.json", `{"sesion": {}}`, "parsing"},
		{"unknown YAML key", "config.yaml", "session:\n  max_taks: 3\n", "parsing"},
		{"unknown TOML key", "config.toml", "[session]\nmax_taks = 3\n", "parsing"},
		{"unsupported extension", "config.ini", "max_tasks=3", "unsupported config format"},
		{"invalid value", "config.json", `{"session": {"max_tasks": 0}}`, "session.max_tasks must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.file, tt.content)
			_, err := Load("", path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}
	if cfg.Session.ImprovementMilestone != 10 {
		t.Errorf("improvement_milestone = %d, want 10", cfg.Session.ImprovementMilestone)
	}
}

func TestProjectPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	xdg.Reload()
	t.Cleanup(xdg.Reload)

	workDir := t.TempDir()
	if got, want := ProjectPath(workDir), filepath.Join(workDir, DefaultStateDir, "config.json"); got != want {
		t.Errorf("ProjectPath() = %q, want %q", got, want)
	}

	dir := filepath.Join(workDir, DefaultStateDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "config.toml", "log_level = \"debug\"\n")
	if got, want := ProjectPath(workDir), filepath.Join(dir, "config.toml"); got != want {
		t.Errorf("ProjectPath() = %q, want %q", got, want)
	}

	cfg, err := LoadDefault(workDir)
	if err != nil {
		t.Fatalf("LoadDefault: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want debug from project config", cfg.LogLevel)
	}
}
