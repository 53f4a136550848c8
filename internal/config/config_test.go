package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cpusim.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Simulation.TickPeriod != time.Second || cfg.Simulation.HistorySize != 60 || cfg.Simulation.SeedUnits != 4 {
		t.Fatalf("unexpected simulation defaults: %+v", cfg.Simulation)
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("TEST_CPUSIM_SECRET", "s3cret")
	path := writeConfig(t, `
http:
  addr: "127.0.0.1:18080"
simulation:
  tick_period: 250ms
  history_size: 10
  share_noise: 0
auth:
  jwt_secret: "${TEST_CPUSIM_SECRET}"
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != "127.0.0.1:18080" {
		t.Fatalf("unexpected http addr: %s", cfg.HTTP.Addr)
	}
	if cfg.Simulation.TickPeriod != 250*time.Millisecond || cfg.Simulation.HistorySize != 10 {
		t.Fatalf("unexpected simulation config: %+v", cfg.Simulation)
	}
	if cfg.Simulation.ShareNoise != 0 || cfg.Simulation.MemoryNoise != 2.5 {
		t.Fatalf("expected explicit zero share noise and default memory noise, got %+v", cfg.Simulation)
	}
	if cfg.Auth.JWTSecret != "s3cret" || !cfg.Auth.Enabled() {
		t.Fatalf("expected expanded secret, got %q", cfg.Auth.JWTSecret)
	}
	if strings.Contains(cfg.Auth.String(), "s3cret") {
		t.Fatal("secret leaked through String()")
	}
	if cfg.GRPC.Addr != ":9090" {
		t.Fatalf("expected default grpc addr, got %s", cfg.GRPC.Addr)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CPUSIM_TICK_PERIOD", "2s")
	t.Setenv("CPUSIM_SEED_UNITS", "0")
	t.Setenv("CPUSIM_AUTOSTART", "false")
	t.Setenv("CPUSIM_STORE_PATH", "/tmp/cpusim.db")
	t.Setenv("CPUSIM_HISTORY_SIZE", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Simulation.TickPeriod != 2*time.Second || cfg.Simulation.SeedUnits != 0 || cfg.Simulation.Autostart {
		t.Fatalf("env overrides not applied: %+v", cfg.Simulation)
	}
	if cfg.Simulation.HistorySize != 60 {
		t.Fatalf("unparseable override must be ignored, got %d", cfg.Simulation.HistorySize)
	}
	if cfg.Store.Path != "/tmp/cpusim.db" {
		t.Fatalf("unexpected store path: %s", cfg.Store.Path)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tick", func(c *Config) { c.Simulation.TickPeriod = 0 }},
		{"zero history", func(c *Config) { c.Simulation.HistorySize = 0 }},
		{"negative noise", func(c *Config) { c.Simulation.ShareNoise = -1 }},
		{"negative seed", func(c *Config) { c.Simulation.SeedUnits = -2 }},
		{"bad http addr", func(c *Config) { c.HTTP.Addr = "8080" }},
		{"half tls", func(c *Config) { c.GRPC.CertFile = "cert.pem" }},
		{"ca without cert", func(c *Config) { c.GRPC.CAFile = "ca.pem" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
