package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootguard.toml")
	content := `
version = 1

[tamper]
voltage_min_mv = 1600
voltage_max_mv = 2100
glitch_delta_mv = 150

[logging]
level = "debug"
format = "json"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tamper.VoltageMinMV != 1600 || cfg.Tamper.VoltageMaxMV != 2100 {
		t.Errorf("tamper thresholds not applied: %+v", cfg.Tamper)
	}
	if cfg.Tamper.GlitchDeltaMV != 150 {
		t.Errorf("glitch delta = %d", cfg.Tamper.GlitchDeltaMV)
	}
	// Unset fields keep their defaults.
	if cfg.Tamper.TempMaxC != 85 {
		t.Errorf("temp max default lost: %d", cfg.Tamper.TempMaxC)
	}
	if cfg.Attest.MaxMeasurements != 16 {
		t.Errorf("attest default lost: %d", cfg.Attest.MaxMeasurements)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging not applied: %+v", cfg.Logging)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	content := `
[tamper]
voltage_min_mv = 2000
voltage_max_mv = 1700
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("inverted voltage window accepted")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"inverted temps", func(c *Config) { c.Tamper.TempMinC = 90 }, "temp_min_c"},
		{"zero glitch delta", func(c *Config) { c.Tamper.GlitchDeltaMV = 0 }, "glitch_delta_mv"},
		{"inverted jitter", func(c *Config) { c.Jitter.MaxIterations = 1 }, "max_iterations"},
		{"zero retries", func(c *Config) { c.Jitter.EntropyRetries = 0 }, "entropy_retries"},
		{"zero attempts", func(c *Config) { c.KeyFabric.MaxReconstructAttempts = 0 }, "max_reconstruct_attempts"},
		{"zero measurements", func(c *Config) { c.Attest.MaxMeasurements = 0 }, "max_measurements"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/bootguard.toml"); err == nil {
		t.Fatal("missing file accepted")
	}
}
