package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// DefaultConfigPath is the path to the canonical pipeline defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/pipeline.defaults.json"

// Flag criteria accepted by flag_criterion.
const (
	CriterionError = "error" // flag when the propagated error reaches the ceiling
	CriterionValue = "value" // flag when the closure-phase magnitude reaches it
)

// PipelineConfig holds every tunable of the extraction and calibration
// stages. Fields are pointers so a partial JSON file only overrides what it
// names; the Get* methods supply the documented defaults for the rest.
type PipelineConfig struct {
	// Extraction params
	Oversample    *int     `json:"oversample,omitempty"`
	CutoutSize    *int     `json:"cutout_size,omitempty"`
	MaxIterations *int     `json:"max_iterations,omitempty"`
	Tolerance     *float64 `json:"tolerance,omitempty"`
	Workers       *int     `json:"workers,omitempty"`
	HoldRotation  *bool    `json:"hold_rotation,omitempty"`
	HoldScale     *bool    `json:"hold_scale,omitempty"`
	FirstSlices   *int     `json:"first_slices,omitempty"`

	// Calibration params
	PhaseCeil     *float64 `json:"phaseceil,omitempty"`
	FlagCriterion *string  `json:"flag_criterion,omitempty"`
}

// EmptyPipelineConfig returns a PipelineConfig with all fields set to nil.
// Use LoadPipelineConfig to load actual values from a file.
func EmptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{}
}

// LoadPipelineConfig loads a PipelineConfig from a JSON file.
// The file must have a .json extension and stay under the max file size.
// Fields omitted from the JSON file keep their defaults, so partial
// configs are safe.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyPipelineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent
// directories. Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *PipelineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/nrm/...
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadPipelineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *PipelineConfig) Validate() error {
	if c.Oversample != nil && *c.Oversample < 1 {
		return fmt.Errorf("oversample must be at least 1, got %d", *c.Oversample)
	}
	if c.CutoutSize != nil && *c.CutoutSize < 3 {
		return fmt.Errorf("cutout_size must be at least 3, got %d", *c.CutoutSize)
	}
	if c.MaxIterations != nil && *c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be positive, got %d", *c.MaxIterations)
	}
	if c.Tolerance != nil && *c.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be positive, got %g", *c.Tolerance)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	if c.FirstSlices != nil && *c.FirstSlices < 0 {
		return fmt.Errorf("first_slices must be non-negative, got %d", *c.FirstSlices)
	}
	if c.PhaseCeil != nil && *c.PhaseCeil <= 0 {
		return fmt.Errorf("phaseceil must be positive, got %f", *c.PhaseCeil)
	}
	if c.FlagCriterion != nil {
		switch *c.FlagCriterion {
		case CriterionError, CriterionValue:
		default:
			return fmt.Errorf("flag_criterion must be %q or %q, got %q",
				CriterionError, CriterionValue, *c.FlagCriterion)
		}
	}
	return nil
}

// GetOversample returns the oversample value or the default.
func (c *PipelineConfig) GetOversample() int {
	if c.Oversample == nil {
		return 3 // default
	}
	return *c.Oversample
}

// GetCutoutSize returns the cutout_size value or the default.
func (c *PipelineConfig) GetCutoutSize() int {
	if c.CutoutSize == nil {
		return 79 // default
	}
	return *c.CutoutSize
}

// GetMaxIterations returns the max_iterations value or the default.
func (c *PipelineConfig) GetMaxIterations() int {
	if c.MaxIterations == nil {
		return 250
	}
	return *c.MaxIterations
}

// GetTolerance returns the tolerance value or the default.
func (c *PipelineConfig) GetTolerance() float64 {
	if c.Tolerance == nil {
		return 1e-10
	}
	return *c.Tolerance
}

// GetWorkers returns the worker count; zero or unset means one worker per
// logical CPU.
func (c *PipelineConfig) GetWorkers() int {
	if c.Workers == nil || *c.Workers == 0 {
		return runtime.NumCPU()
	}
	return *c.Workers
}

// GetHoldRotation returns whether the rotation stays at its initial guess.
func (c *PipelineConfig) GetHoldRotation() bool {
	if c.HoldRotation == nil {
		return false
	}
	return *c.HoldRotation
}

// GetHoldScale returns whether the plate scale stays at its initial guess.
func (c *PipelineConfig) GetHoldScale() bool {
	if c.HoldScale == nil {
		return false
	}
	return *c.HoldScale
}

// GetFirstSlices returns how many leading cube slices to process; zero
// means all of them.
func (c *PipelineConfig) GetFirstSlices() int {
	if c.FirstSlices == nil {
		return 0
	}
	return *c.FirstSlices
}

// GetPhaseCeil returns the flag ceiling in degrees or the default.
func (c *PipelineConfig) GetPhaseCeil() float64 {
	if c.PhaseCeil == nil {
		return 1.0e2 // default ceiling, degrees
	}
	return *c.PhaseCeil
}

// GetFlagCriterion returns the flag criterion or the default.
func (c *PipelineConfig) GetFlagCriterion() string {
	if c.FlagCriterion == nil {
		return CriterionError
	}
	return *c.FlagCriterion
}
