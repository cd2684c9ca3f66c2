package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "INFO"

cerver:
  name: "arena"
  port: 7100
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Cerver.Name != "arena" {
		t.Errorf("Expected name 'arena', got %q", cfg.Cerver.Name)
	}
	if cfg.Cerver.Port != 7100 {
		t.Errorf("Expected port 7100, got %d", cfg.Cerver.Port)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Cerver.Tables.OnHold != 32 {
		t.Errorf("Expected default on-hold table 32, got %d", cfg.Cerver.Tables.OnHold)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	nonExistentPath := filepath.Join(tmpDir, "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Cerver.Port != 7000 {
		t.Errorf("Expected default port 7000, got %d", cfg.Cerver.Port)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	configContent := `
logging:
  level: INFO
  invalid yaml here [[[
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_TOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[logging]
level = "WARN"
format = "json"

[cerver]
port = 7200

[cerver.auth]
max_tries = 5
timeout = "3s"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load TOML config: %v", err)
	}

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level 'WARN', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected format 'json', got %q", cfg.Logging.Format)
	}
	if cfg.Cerver.Auth.MaxTries != 5 {
		t.Errorf("Expected max_tries 5, got %d", cfg.Cerver.Auth.MaxTries)
	}
	if cfg.Cerver.Auth.Timeout != 3*time.Second {
		t.Errorf("Expected auth timeout 3s, got %v", cfg.Cerver.Auth.Timeout)
	}
}

func TestLoad_Users(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
cerver:
  auth:
    enabled: true
  admin:
    enabled: true
    users: [Alice]
users:
  Alice: "` + testHash + `"
  bob: "` + testHash + `"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if len(cfg.Users) != 2 {
		t.Fatalf("Expected 2 users, got %d", len(cfg.Users))
	}
	// viper lower-cases map keys
	if _, ok := cfg.Users["alice"]; !ok {
		t.Errorf("Expected user 'alice', got %v", cfg.Users)
	}
	if !cfg.Cerver.Auth.Enabled || !cfg.Cerver.Admin.Enabled {
		t.Error("Expected auth and admin enabled")
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default log level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default log output 'stdout', got %q", cfg.Logging.Output)
	}
	if cfg.Cerver.Name != "cerver" {
		t.Errorf("Expected default name 'cerver', got %q", cfg.Cerver.Name)
	}
	if cfg.Cerver.ShutdownTimeout != cfg.Server.ShutdownTimeout {
		t.Errorf("Expected cerver shutdown timeout to follow server, got %v", cfg.Cerver.ShutdownTimeout)
	}
	if cfg.Cerver.Auth.Enabled {
		t.Error("Expected authentication disabled by default")
	}
	if cfg.Server.Metrics.Enabled {
		t.Error("Expected metrics disabled by default")
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	path := GetDefaultConfigPath()

	if !filepath.IsAbs(path) {
		t.Errorf("Expected absolute path, got %q", path)
	}
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("Expected filename 'config.yaml', got %q", filepath.Base(path))
	}
}

func TestGetConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	dir := GetConfigDir()
	if filepath.Base(dir) != "cerver" {
		t.Errorf("Expected directory name 'cerver', got %q", filepath.Base(dir))
	}
}

func TestConfigExists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if ConfigExists() {
		t.Fatal("Expected no config in a fresh directory")
	}
	if _, err := InitConfig(false); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	if !ConfigExists() {
		t.Error("Expected config to exist after InitConfig")
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("CERVER_LOGGING_LEVEL", "ERROR")
	t.Setenv("CERVER_CERVER_PORT", "7049")
	t.Setenv("CERVER_CERVER_AUTH_MAX_TRIES", "9")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "INFO"

cerver:
  port: 7000
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if cfg.Cerver.Port != 7049 {
		t.Errorf("Expected port 7049 from env var, got %d", cfg.Cerver.Port)
	}
	// Not present in the file, resolved through the registered defaults.
	if cfg.Cerver.Auth.MaxTries != 9 {
		t.Errorf("Expected max_tries 9 from env var, got %d", cfg.Cerver.Auth.MaxTries)
	}
}
