// Package config layers configuration from defaults, an optional JSON file
// backend, and GESELL_* environment variables (highest precedence).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	Server      ServerConfig
	Engine      EngineConfig
	Storage     StorageConfig
	CaseService CaseServiceConfig
}

type ServerConfig struct {
	Port      int
	AuthToken string
}

type EngineConfig struct {
	BaseURL         string
	APIKey          string
	IndividualModel string
	GroupModel      string
}

type StorageConfig struct {
	DataDir     string
	ArtifactDir string
}

type CaseServiceConfig struct {
	BaseURL string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Engine: EngineConfig{
			BaseURL:         "https://api.openai.com/v1",
			IndividualModel: "gpt-4o-mini",
			GroupModel:      "gpt-4o",
		},
		Storage: StorageConfig{
			DataDir:     defaultDataDir(),
			ArtifactDir: "artifacts",
		},
		CaseService: CaseServiceConfig{
			BaseURL: "http://external-case-service.local",
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "gesell")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".local", "share", "gesell")
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/gesell/config.json (if present) with GESELL_* environment
// variables applied on top. Commands that run the pipeline must additionally
// call RequireEngine.
func Load() (Config, error) {
	return loadWith(defaultConfigPath())
}

func defaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "gesell", "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gesell", "config.json")
}

// fileConfig mirrors the JSON backend layout.
type fileConfig struct {
	Port            *int    `json:"port"`
	AuthToken       *string `json:"auth_token"`
	EngineBaseURL   *string `json:"engine_base_url"`
	EngineAPIKey    *string `json:"engine_api_key"`
	IndividualModel *string `json:"individual_model"`
	GroupModel      *string `json:"group_model"`
	DataDir         *string `json:"data_dir"`
	ArtifactDir     *string `json:"artifact_dir"`
	CaseServiceURL  *string `json:"case_service_url"`
}

func loadWith(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if fc.Port != nil {
		cfg.Server.Port = *fc.Port
	}
	setIf(&cfg.Server.AuthToken, fc.AuthToken)
	setIf(&cfg.Engine.BaseURL, fc.EngineBaseURL)
	setIf(&cfg.Engine.APIKey, fc.EngineAPIKey)
	setIf(&cfg.Engine.IndividualModel, fc.IndividualModel)
	setIf(&cfg.Engine.GroupModel, fc.GroupModel)
	setIf(&cfg.Storage.DataDir, fc.DataDir)
	setIf(&cfg.Storage.ArtifactDir, fc.ArtifactDir)
	setIf(&cfg.CaseService.BaseURL, fc.CaseServiceURL)
	return nil
}

func setIf(dst *string, src *string) {
	if src != nil && *src != "" {
		*dst = *src
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GESELL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	envIf(&cfg.Server.AuthToken, "GESELL_AUTH_TOKEN")
	envIf(&cfg.Engine.BaseURL, "GESELL_ENGINE_BASE_URL")
	envIf(&cfg.Engine.APIKey, "GESELL_ENGINE_API_KEY")
	envIf(&cfg.Engine.IndividualModel, "GESELL_MODEL_INDIVIDUAL")
	envIf(&cfg.Engine.GroupModel, "GESELL_MODEL_GROUP")
	envIf(&cfg.Storage.DataDir, "GESELL_DATA_DIR")
	envIf(&cfg.Storage.ArtifactDir, "GESELL_ARTIFACT_DIR")
	envIf(&cfg.CaseService.BaseURL, "GESELL_CASE_SERVICE_URL")
}

func envIf(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// RequireEngine validates that the narrative engine can be reached: the
// serve and process commands call it, read-only commands do not.
func (c Config) RequireEngine() error {
	if c.Engine.APIKey == "" {
		return fmt.Errorf("missing narrative engine API key: set GESELL_ENGINE_API_KEY or engine_api_key in the config file")
	}
	return nil
}

// RequireAuthToken validates the bearer token protecting the HTTP API.
func (c Config) RequireAuthToken() error {
	if c.Server.AuthToken == "" {
		return fmt.Errorf("missing API auth token: set GESELL_AUTH_TOKEN or auth_token in the config file")
	}
	return nil
}
