// Package config handles configuration loading, validation, and management
// for bootguard.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete engine configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version"`

	// Tamper configuration for the environmental monitor.
	Tamper TamperConfig `toml:"tamper" json:"tamper"`

	// Jitter configuration for timing randomization.
	Jitter JitterConfig `toml:"jitter" json:"jitter"`

	// KeyFabric configuration for fingerprint key reconstruction.
	KeyFabric KeyFabricConfig `toml:"key_fabric" json:"key_fabric"`

	// Attest configuration for measured-boot evidence.
	Attest AttestConfig `toml:"attest" json:"attest"`

	// Storage configuration for the report archive.
	Storage StorageConfig `toml:"storage" json:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging"`
}

// TamperConfig holds the environmental monitoring thresholds.
type TamperConfig struct {
	// VoltageMinMV is the low-voltage trip point in millivolts.
	VoltageMinMV uint32 `toml:"voltage_min_mv" json:"voltage_min_mv"`

	// VoltageMaxMV is the high-voltage trip point in millivolts.
	VoltageMaxMV uint32 `toml:"voltage_max_mv" json:"voltage_max_mv"`

	// TempMinC is the low-temperature trip point in degrees Celsius.
	TempMinC int32 `toml:"temp_min_c" json:"temp_min_c"`

	// TempMaxC is the high-temperature trip point in degrees Celsius.
	TempMaxC int32 `toml:"temp_max_c" json:"temp_max_c"`

	// GlitchDeltaMV is the maximum tolerated voltage swing between two
	// consecutive samples before a glitch is declared.
	GlitchDeltaMV uint32 `toml:"glitch_delta_mv" json:"glitch_delta_mv"`

	// PollIntervalMs is the background sampling interval in milliseconds.
	// Zero disables the background loop; sampling then only happens at
	// stage boundaries.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms"`
}

// JitterConfig holds timing-randomization parameters.
type JitterConfig struct {
	// MinIterations is the lower bound of the delay loop.
	MinIterations int `toml:"min_iterations" json:"min_iterations"`

	// MaxIterations is the upper bound of the delay loop.
	MaxIterations int `toml:"max_iterations" json:"max_iterations"`

	// EntropyRetries is how many times a failed entropy read is retried
	// before the operation is abandoned.
	EntropyRetries int `toml:"entropy_retries" json:"entropy_retries"`
}

// KeyFabricConfig holds fingerprint-derived key parameters.
type KeyFabricConfig struct {
	// MaxReconstructAttempts bounds reconstruction retries before the
	// fabric fails closed.
	MaxReconstructAttempts int `toml:"max_reconstruct_attempts" json:"max_reconstruct_attempts"`
}

// AttestConfig holds evidence-recording capacities.
type AttestConfig struct {
	// MaxMeasurements caps the measurement table.
	MaxMeasurements int `toml:"max_measurements" json:"max_measurements"`

	// MaxEvents caps the boot event log.
	MaxEvents int `toml:"max_events" json:"max_events"`
}

// StorageConfig holds report archive settings.
type StorageConfig struct {
	// ArchivePath is the sqlite database holding generated reports.
	// Empty disables archiving.
	ArchivePath string `toml:"archive_path" json:"archive_path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format"`

	// Output is the log output: "stdout", "stderr", or a file path.
	Output string `toml:"output" json:"output"`
}

// DefaultConfig returns a configuration with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Tamper: TamperConfig{
			VoltageMinMV:   1700,
			VoltageMaxMV:   2000,
			TempMinC:       -40,
			TempMaxC:       85,
			GlitchDeltaMV:  200,
			PollIntervalMs: 0,
		},
		Jitter: JitterConfig{
			MinIterations:  64,
			MaxIterations:  1024,
			EntropyRetries: 3,
		},
		KeyFabric: KeyFabricConfig{
			MaxReconstructAttempts: 3,
		},
		Attest: AttestConfig{
			MaxMeasurements: 16,
			MaxEvents:       32,
		},
		Storage: StorageConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads a TOML configuration file, filling unset fields with
// defaults and validating the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []error

	if c.Tamper.VoltageMinMV >= c.Tamper.VoltageMaxMV {
		errs = append(errs, fmt.Errorf("tamper: voltage_min_mv (%d) must be below voltage_max_mv (%d)",
			c.Tamper.VoltageMinMV, c.Tamper.VoltageMaxMV))
	}
	if c.Tamper.TempMinC >= c.Tamper.TempMaxC {
		errs = append(errs, fmt.Errorf("tamper: temp_min_c (%d) must be below temp_max_c (%d)",
			c.Tamper.TempMinC, c.Tamper.TempMaxC))
	}
	if c.Tamper.GlitchDeltaMV == 0 {
		errs = append(errs, errors.New("tamper: glitch_delta_mv must be positive"))
	}
	if c.Tamper.PollIntervalMs < 0 {
		errs = append(errs, errors.New("tamper: poll_interval_ms cannot be negative"))
	}

	if c.Jitter.MinIterations < 0 {
		errs = append(errs, errors.New("jitter: min_iterations cannot be negative"))
	}
	if c.Jitter.MaxIterations < c.Jitter.MinIterations {
		errs = append(errs, fmt.Errorf("jitter: max_iterations (%d) must be at least min_iterations (%d)",
			c.Jitter.MaxIterations, c.Jitter.MinIterations))
	}
	if c.Jitter.EntropyRetries < 1 {
		errs = append(errs, errors.New("jitter: entropy_retries must be at least 1"))
	}

	if c.KeyFabric.MaxReconstructAttempts < 1 {
		errs = append(errs, errors.New("key_fabric: max_reconstruct_attempts must be at least 1"))
	}

	if c.Attest.MaxMeasurements < 1 {
		errs = append(errs, errors.New("attest: max_measurements must be at least 1"))
	}
	if c.Attest.MaxEvents < 1 {
		errs = append(errs, errors.New("attest: max_events must be at least 1"))
	}

	if _, err := logLevelValid(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging: unknown format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func logLevelValid(level string) (string, error) {
	switch level {
	case "", "debug", "info", "warn", "error":
		return level, nil
	default:
		return "", fmt.Errorf("unknown level %q", level)
	}
}
