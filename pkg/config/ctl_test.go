package config

import (
	"path/filepath"
	"testing"
)

func TestCtlConfigRoundTripAndEnv(t *testing.T) {
	t.Setenv("DEPLOYER_URL", "")
	t.Setenv("DEPLOYER_TOKEN", "")
	path := filepath.Join(t.TempDir(), "deployctl", "config.json")

	cfg, err := LoadCtlConfig(path)
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if cfg.BaseURL != defaultDeployerURL {
		t.Fatalf("expected default url, got %q", cfg.BaseURL)
	}

	if err := SaveCtlConfig(path, CtlConfig{BaseURL: "http://deployer:5050", Token: "abc"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	cfg, err = LoadCtlConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseURL != "http://deployer:5050" || cfg.Token != "abc" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	t.Setenv("DEPLOYER_TOKEN", "from-env")
	cfg, err = LoadCtlConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Token != "from-env" {
		t.Fatalf("expected env token to win, got %q", cfg.Token)
	}
}
