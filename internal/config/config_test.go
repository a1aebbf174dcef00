package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Port != 8787 {
		t.Fatalf("expected default broker port 8787, got %d", cfg.Broker.Port)
	}
	if cfg.Facade.Port != 8791 {
		t.Fatalf("expected default facade port 8791, got %d", cfg.Facade.Port)
	}
	if cfg.Broker.OperationTTL != 24*time.Hour {
		t.Fatalf("expected default operation TTL of 24h, got %s", cfg.Broker.OperationTTL)
	}
	if cfg.Broker.AuditPayloadTokenLimit != defaultAuditPayloadTokenLimit {
		t.Fatalf("expected default audit payload token limit %d, got %d", defaultAuditPayloadTokenLimit, cfg.Broker.AuditPayloadTokenLimit)
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("BROKER_PORT", "9999")
	t.Setenv("OBS_CONTROL_TOKEN", "from-env")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Port != 9999 {
		t.Fatalf("expected env-overridden broker port 9999, got %d", cfg.Broker.Port)
	}
	if cfg.Facade.ControlToken != "from-env" {
		t.Fatalf("expected env-overridden control token, got %q", cfg.Facade.ControlToken)
	}
}

func TestLoadMaxBodyBytesFloor(t *testing.T) {
	t.Setenv("BROKER_MAX_BODY_BYTES", "10")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.MaxBodyBytes != 1024 {
		t.Fatalf("expected max body bytes floored to 1024, got %d", cfg.Broker.MaxBodyBytes)
	}
}

func TestLoadMergesConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "obs.yaml")
	if err := os.WriteFile(path, []byte("OBS_PROJECT: from-file\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("OBS_CONFIG_FILE", path)

	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Project != "from-file" {
		t.Fatalf("expected project from config file, got %q", cfg.Broker.Project)
	}
}

func TestLoadEnvWinsOverConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "obs.yaml")
	if err := os.WriteFile(path, []byte("OBS_PROJECT: from-file\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("OBS_CONFIG_FILE", path)
	t.Setenv("OBS_PROJECT", "from-env")

	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Project != "from-env" {
		t.Fatalf("expected env to win over config file, got %q", cfg.Broker.Project)
	}
}
