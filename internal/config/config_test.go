package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig(t *testing.T) {
	writeConfig := func(t *testing.T, path string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name     string
		explicit func(dir string) string
		setup    func(t *testing.T, dir, home string)
		want     func(dir, home string) string
		wantErr  bool
	}{
		{
			name:     "explicit path",
			explicit: func(dir string) string { return filepath.Join(dir, "study.yaml") },
			setup:    func(t *testing.T, dir, _ string) { writeConfig(t, filepath.Join(dir, "study.yaml")) },
			want:     func(dir, _ string) string { return filepath.Join(dir, "study.yaml") },
		},
		{
			name:     "explicit path missing",
			explicit: func(dir string) string { return filepath.Join(dir, "absent.yaml") },
			wantErr:  true,
		},
		{
			name:    "nothing found",
			wantErr: true,
		},
		{
			name:  "working directory",
			setup: func(t *testing.T, dir, _ string) { writeConfig(t, filepath.Join(dir, "config.yaml")) },
			want:  func(string, string) string { return "config.yaml" },
		},
		{
			name:  "user config directory",
			setup: func(t *testing.T, _, home string) { writeConfig(t, filepath.Join(home, ".config", "studybuddy", "config.yaml")) },
			want:  func(_, home string) string { return filepath.Join(home, ".config", "studybuddy", "config.yaml") },
		},
		{
			name: "working directory wins over home",
			setup: func(t *testing.T, dir, home string) {
				writeConfig(t, filepath.Join(dir, "config.yaml"))
				writeConfig(t, filepath.Join(home, ".config", "studybuddy", "config.yaml"))
			},
			want: func(string, string) string { return "config.yaml" },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, home := t.TempDir(), t.TempDir()
			t.Chdir(dir)
			t.Setenv("HOME", home)
			if tt.setup != nil {
				tt.setup(t, dir, home)
			}
			explicit := ""
			if tt.explicit != nil {
				explicit = tt.explicit(dir)
			}

			got, err := FindConfig(explicit)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("FindConfig(%q) = %q, want error", explicit, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("FindConfig(%q): %v", explicit, err)
			}
			if want := tt.want(dir, home); got != want {
				t.Errorf("FindConfig(%q) = %q, want %q", explicit, got, want)
			}
		})
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  broker: mqtt://localhost:1883\n  password: ${STUDYBUDDY_TEST_MQTT_PASSWORD}\n"), 0600)
	t.Setenv("STUDYBUDDY_TEST_MQTT_PASSWORD", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
	if !cfg.MQTT.Configured() {
		t.Error("broker set but Configured() = false")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("models:\n  default: llama3.1:8b\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Models.Default != "llama3.1:8b" {
		t.Errorf("models.default = %q", cfg.Models.Default)
	}
	if cfg.Listen.Port != 8080 || cfg.Listen.MaxConnections != 64 {
		t.Errorf("listen = %+v, want port 8080 and 64 connections", cfg.Listen)
	}
	if cfg.Agent.MaxSteps != 10 || cfg.Agent.HistoryLimit != 200 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Agent.ReplyOnSchedule {
		t.Error("reply_on_schedule should default to false")
	}
	if cfg.Models.OllamaURL != "http://localhost:11434" {
		t.Errorf("ollama_url = %q", cfg.Models.OllamaURL)
	}
	if cfg.MQTT.Configured() {
		t.Error("mqtt should be disabled without a broker")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad port", "listen:\n  port: 70000\n"},
		{"negative steps", "agent:\n  max_steps: -1\n"},
		{"negative connections", "listen:\n  max_connections: -5\n"},
		{"bad log level", "log_level: chatty\n"},
		{"bad log format", "log_format: xml\n"},
		{"trailing slash prefix", "mqtt:\n  topic_prefix: study/\n"},
		{"not yaml", "listen: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			os.WriteFile(path, []byte(tt.yaml), 0600)
			if _, err := Load(path); err == nil {
				t.Errorf("Load(%q) should fail", tt.yaml)
			}
		})
	}
}

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}
