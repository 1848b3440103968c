package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDeployerConfigDefaults(t *testing.T) {
	t.Setenv("DEPLOYER_WORKDIR", "/srv/deployer")
	cfg, err := LoadDeployerConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Addr != ":5050" {
		t.Fatalf("expected default addr, got %s", cfg.Addr)
	}
	if cfg.PackageDir != "/srv/deployer/packages" {
		t.Fatalf("expected package dir under workdir, got %s", cfg.PackageDir)
	}
	if cfg.Blob.Backend != BlobBackendFS {
		t.Fatalf("expected fs backend, got %s", cfg.Blob.Backend)
	}
	if cfg.StepTimeout != 0 {
		t.Fatalf("expected step timeout disabled, got %s", cfg.StepTimeout)
	}
}

func TestLoadDeployerConfigRejectsUnknownBackend(t *testing.T) {
	t.Setenv("BLOB_BACKEND", "swift")
	if _, err := LoadDeployerConfig(); err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

func TestApplyFileOverridesEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deployer.yaml")
	content := []byte(`
addr: ":7000"
use_package_path: true
step_timeout_seconds: 30
workers: 2
blob:
  backend: Redis
  redis_addr: cache:6379
callback:
  url: http://hooks.local/status
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DEPLOYER_CONFIG_FILE", path)
	t.Setenv("DEPLOYER_ADDR", ":6000")

	cfg, err := LoadDeployerConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Fatalf("expected file addr to win, got %s", cfg.Addr)
	}
	if !cfg.UsePackagePath {
		t.Fatal("expected use_package_path from file")
	}
	if cfg.StepTimeout != 30*time.Second {
		t.Fatalf("expected 30s step timeout, got %s", cfg.StepTimeout)
	}
	if cfg.Workers != 2 {
		t.Fatalf("expected 2 workers, got %d", cfg.Workers)
	}
	if cfg.Blob.Backend != BlobBackendRedis || cfg.Blob.RedisAddr != "cache:6379" {
		t.Fatalf("unexpected blob config %+v", cfg.Blob)
	}
	if cfg.Callback.URL != "http://hooks.local/status" {
		t.Fatalf("unexpected callback url %s", cfg.Callback.URL)
	}
}

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("HELION_BINARY=/opt/helion\nDEPLOY_WORKERS=9\n"), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	t.Setenv("DEPLOY_WORKERS", "3")
	t.Setenv("HELION_BINARY", "")
	os.Unsetenv("HELION_BINARY")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("HELION_BINARY") })

	if got := GetString("HELION_BINARY", "helion"); got != "/opt/helion" {
		t.Fatalf("expected dotenv value, got %s", got)
	}
	if got := GetInt("DEPLOY_WORKERS", 0); got != 3 {
		t.Fatalf("expected environment to win, got %d", got)
	}
}
