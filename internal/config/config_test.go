package config_test

import (
	"testing"

	"github.com/edgectl/dispatcher/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Name != "dispatcher" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.Port != 8084 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.LogLevel != "warning" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Core.Port != 8081 {
		t.Errorf("Core.Port = %d", cfg.Core.Port)
	}
	if cfg.DryRun {
		t.Error("DryRun = true by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DISPATCHER_NAME", "dispatcher2")
	t.Setenv("DISPATCHER_PORT", "9000")
	t.Setenv("CORE_ADDRESS", "core.local")
	t.Setenv("OTEL_ENABLED", "true")

	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Name != "dispatcher2" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.Core.Address != "core.local" {
		t.Errorf("Core.Address = %q", cfg.Core.Address)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("Telemetry.Enabled = false")
	}
}

func TestLoadFlagsWinOverEnv(t *testing.T) {
	t.Setenv("DISPATCHER_PORT", "9000")

	cfg, err := config.Load([]string{
		"--name", "flagged", "--port", "9100", "--logLevel", "debug",
		"--token", "tok", "--dryrun", "-d",
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Name != "flagged" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.Port != 9100 {
		t.Errorf("Port = %d, want flag to override env", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Token != "tok" {
		t.Errorf("Token = %q", cfg.Token)
	}
	if !cfg.DryRun || !cfg.Daemon {
		t.Errorf("DryRun = %v, Daemon = %v", cfg.DryRun, cfg.Daemon)
	}
}

func TestLoadBadFlag(t *testing.T) {
	if _, err := config.Load([]string{"--bogus"}); err == nil {
		t.Error("Load() accepted an unknown flag")
	}
}

func TestLoadMalformedEnvFallsBack(t *testing.T) {
	t.Setenv("DISPATCHER_PORT", "not-a-port")
	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 8084 {
		t.Errorf("Port = %d, want default on malformed env", cfg.Port)
	}
}
