package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const defaultDeployerURL = "http://localhost:5050"

// CtlConfig is the deployctl client configuration.
type CtlConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
}

// CtlConfigPath returns the default location of the deployctl config file.
func CtlConfigPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "deployctl", "config.json"), nil
}

// LoadCtlConfig reads path, then applies DEPLOYER_URL and DEPLOYER_TOKEN.
// A missing file is not an error.
func LoadCtlConfig(path string) (CtlConfig, error) {
	var cfg CtlConfig
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return CtlConfig{}, err
		}
	case !errors.Is(err, os.ErrNotExist):
		return CtlConfig{}, err
	}
	if url := strings.TrimSpace(GetString("DEPLOYER_URL", "")); url != "" {
		cfg.BaseURL = url
	}
	if token := strings.TrimSpace(GetString("DEPLOYER_TOKEN", "")); token != "" {
		cfg.Token = token
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultDeployerURL
	}
	return cfg, nil
}

// SaveCtlConfig writes cfg to path with owner-only permissions.
func SaveCtlConfig(path string, cfg CtlConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
