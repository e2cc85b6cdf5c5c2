package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 4600 {
		t.Errorf("default port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.Engine.IndividualModel == "" || cfg.Engine.GroupModel == "" {
		t.Error("default models missing")
	}
	if cfg.Storage.ArtifactDir != "artifacts" {
		t.Errorf("default artifact dir = %q", cfg.Storage.ArtifactDir)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"port": 9100,
		"auth_token": "file-token",
		"individual_model": "model-from-file"
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	cfg, err := loadWith(path)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Server.AuthToken != "file-token" {
		t.Errorf("auth token = %q", cfg.Server.AuthToken)
	}
	if cfg.Engine.IndividualModel != "model-from-file" {
		t.Errorf("individual model = %q", cfg.Engine.IndividualModel)
	}
	// Untouched keys keep their defaults.
	if cfg.Engine.GroupModel != "gpt-4o" {
		t.Errorf("group model = %q, want default", cfg.Engine.GroupModel)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"auth_token": "file-token", "port": 9100}`), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	t.Setenv("GESELL_AUTH_TOKEN", "env-token")
	t.Setenv("GESELL_PORT", "9200")
	t.Setenv("GESELL_ENGINE_API_KEY", "env-key")

	cfg, err := loadWith(path)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.AuthToken != "env-token" {
		t.Errorf("auth token = %q, env should win", cfg.Server.AuthToken)
	}
	if cfg.Server.Port != 9200 {
		t.Errorf("port = %d, env should win", cfg.Server.Port)
	}
	if cfg.Engine.APIKey != "env-key" {
		t.Errorf("api key = %q", cfg.Engine.APIKey)
	}
}

func TestInvalidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	if _, err := loadWith(path); err == nil {
		t.Error("expected error for invalid config file")
	}
}

func TestRequireEngine(t *testing.T) {
	var cfg Config
	if err := cfg.RequireEngine(); err == nil {
		t.Error("expected error with no API key")
	}

	cfg.Engine.APIKey = "key"
	if err := cfg.RequireEngine(); err != nil {
		t.Errorf("RequireEngine with key: %v", err)
	}
}

func TestRequireAuthToken(t *testing.T) {
	var cfg Config
	if err := cfg.RequireAuthToken(); err == nil {
		t.Error("expected error with no auth token")
	}

	cfg.Server.AuthToken = "token"
	if err := cfg.RequireAuthToken(); err != nil {
		t.Errorf("RequireAuthToken with token: %v", err)
	}
}
