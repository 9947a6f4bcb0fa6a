package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for hub tuning
// parameters. All fields are pointers so that a partial JSON file only
// overrides what it names; the Get* methods supply defaults for the
// rest.
type TuningConfig struct {
	// Fusion filter params
	ProcessNoisePos       *float64 `json:"process_noise_pos,omitempty"`
	ProcessNoiseVel       *float64 `json:"process_noise_vel,omitempty"`
	MeasurementNoiseFloor *float64 `json:"measurement_noise_floor,omitempty"`
	MaxMissedEpochs       *int     `json:"max_missed_epochs,omitempty"`

	// Solver params
	SolveIterations   *int     `json:"solve_iterations,omitempty"`
	SolveConvergeM    *float64 `json:"solve_converge_m,omitempty"`
	BatchWindowEpochs *int     `json:"batch_window_epochs,omitempty"`

	// Epoch cadence params
	Superframe      *string `json:"superframe,omitempty"`       // duration string like "50ms"
	BurstSuperframe *string `json:"burst_superframe,omitempty"` // duration string like "25ms"

	// Ingest params
	MaxPeers         *int    `json:"max_peers,omitempty"`
	StatsLogInterval *string `json:"stats_log_interval,omitempty"` // duration string like "10s"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a config populated with every default
// value, matching config/tuning.defaults.json.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		ProcessNoisePos:       ptrFloat64(0.0004),
		ProcessNoiseVel:       ptrFloat64(0.01),
		MeasurementNoiseFloor: ptrFloat64(0.0004),
		MaxMissedEpochs:       ptrInt(20),
		SolveIterations:       ptrInt(10),
		SolveConvergeM:        ptrFloat64(0.005),
		BatchWindowEpochs:     ptrInt(40),
		Superframe:            ptrString("50ms"),
		BurstSuperframe:       ptrString("25ms"),
		MaxPeers:              ptrInt(24),
		StatsLogInterval:      ptrString("10s"),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under
// the max file size. Fields omitted from the JSON file retain their
// default values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from
// DefaultConfigPath, searching the current directory and common parent
// directories. Panics if the file cannot be loaded, intended for test
// setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.ProcessNoisePos != nil && *c.ProcessNoisePos <= 0 {
		return fmt.Errorf("process_noise_pos must be positive, got %f", *c.ProcessNoisePos)
	}
	if c.ProcessNoiseVel != nil && *c.ProcessNoiseVel <= 0 {
		return fmt.Errorf("process_noise_vel must be positive, got %f", *c.ProcessNoiseVel)
	}
	if c.MeasurementNoiseFloor != nil && *c.MeasurementNoiseFloor <= 0 {
		return fmt.Errorf("measurement_noise_floor must be positive, got %f", *c.MeasurementNoiseFloor)
	}
	if c.MaxMissedEpochs != nil && *c.MaxMissedEpochs < 1 {
		return fmt.Errorf("max_missed_epochs must be at least 1, got %d", *c.MaxMissedEpochs)
	}
	if c.SolveIterations != nil && *c.SolveIterations < 1 {
		return fmt.Errorf("solve_iterations must be at least 1, got %d", *c.SolveIterations)
	}
	if c.BatchWindowEpochs != nil && *c.BatchWindowEpochs < 1 {
		return fmt.Errorf("batch_window_epochs must be at least 1, got %d", *c.BatchWindowEpochs)
	}
	if c.MaxPeers != nil && (*c.MaxPeers < 1 || *c.MaxPeers > 24) {
		return fmt.Errorf("max_peers must be between 1 and 24, got %d", *c.MaxPeers)
	}

	for name, field := range map[string]*string{
		"superframe":         c.Superframe,
		"burst_superframe":   c.BurstSuperframe,
		"stats_log_interval": c.StatsLogInterval,
	} {
		if field != nil && *field != "" {
			if _, err := time.ParseDuration(*field); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *field, err)
			}
		}
	}

	if c.Superframe != nil && c.BurstSuperframe != nil {
		if c.GetBurstSuperframe() > c.GetSuperframe() {
			return fmt.Errorf("burst_superframe %s must not exceed superframe %s",
				*c.BurstSuperframe, *c.Superframe)
		}
	}

	return nil
}

// GetProcessNoisePos returns the process_noise_pos value or the default.
func (c *TuningConfig) GetProcessNoisePos() float64 {
	if c.ProcessNoisePos == nil {
		return 0.0004
	}
	return *c.ProcessNoisePos
}

// GetProcessNoiseVel returns the process_noise_vel value or the default.
func (c *TuningConfig) GetProcessNoiseVel() float64 {
	if c.ProcessNoiseVel == nil {
		return 0.01
	}
	return *c.ProcessNoiseVel
}

// GetMeasurementNoiseFloor returns the measurement_noise_floor value or the default.
func (c *TuningConfig) GetMeasurementNoiseFloor() float64 {
	if c.MeasurementNoiseFloor == nil {
		return 0.0004
	}
	return *c.MeasurementNoiseFloor
}

// GetMaxMissedEpochs returns the max_missed_epochs value or the default.
func (c *TuningConfig) GetMaxMissedEpochs() int {
	if c.MaxMissedEpochs == nil {
		return 20
	}
	return *c.MaxMissedEpochs
}

// GetSolveIterations returns the solve_iterations value or the default.
func (c *TuningConfig) GetSolveIterations() int {
	if c.SolveIterations == nil {
		return 10
	}
	return *c.SolveIterations
}

// GetSolveConvergeM returns the solve_converge_m value or the default.
func (c *TuningConfig) GetSolveConvergeM() float64 {
	if c.SolveConvergeM == nil {
		return 0.005
	}
	return *c.SolveConvergeM
}

// GetBatchWindowEpochs returns the batch_window_epochs value or the default.
func (c *TuningConfig) GetBatchWindowEpochs() int {
	if c.BatchWindowEpochs == nil {
		return 40
	}
	return *c.BatchWindowEpochs
}

// GetSuperframe parses and returns the superframe interval.
func (c *TuningConfig) GetSuperframe() time.Duration {
	if c.Superframe == nil || *c.Superframe == "" {
		return 50 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.Superframe)
	if err != nil {
		return 50 * time.Millisecond
	}
	return d
}

// GetBurstSuperframe parses and returns the burst superframe interval.
func (c *TuningConfig) GetBurstSuperframe() time.Duration {
	if c.BurstSuperframe == nil || *c.BurstSuperframe == "" {
		return 25 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.BurstSuperframe)
	if err != nil {
		return 25 * time.Millisecond
	}
	return d
}

// GetMaxPeers returns the max_peers value or the default.
func (c *TuningConfig) GetMaxPeers() int {
	if c.MaxPeers == nil {
		return 24
	}
	return *c.MaxPeers
}

// GetStatsLogInterval parses and returns the stats logging interval.
func (c *TuningConfig) GetStatsLogInterval() time.Duration {
	if c.StatsLogInterval == nil || *c.StatsLogInterval == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(*c.StatsLogInterval)
	if err != nil {
		return 10 * time.Second
	}
	return d
}
