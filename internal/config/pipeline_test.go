package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	cfg := EmptyPipelineConfig()

	if cfg.GetOversample() != 3 {
		t.Errorf("GetOversample() = %d, want 3", cfg.GetOversample())
	}
	if cfg.GetCutoutSize() != 79 {
		t.Errorf("GetCutoutSize() = %d, want 79", cfg.GetCutoutSize())
	}
	if cfg.GetMaxIterations() != 250 {
		t.Errorf("GetMaxIterations() = %d, want 250", cfg.GetMaxIterations())
	}
	if cfg.GetTolerance() != 1e-10 {
		t.Errorf("GetTolerance() = %g, want 1e-10", cfg.GetTolerance())
	}
	if cfg.GetWorkers() < 1 {
		t.Errorf("GetWorkers() = %d, want at least 1", cfg.GetWorkers())
	}
	if cfg.GetHoldRotation() || cfg.GetHoldScale() {
		t.Error("rotation/scale should be free by default")
	}
	if cfg.GetFirstSlices() != 0 {
		t.Errorf("GetFirstSlices() = %d, want 0", cfg.GetFirstSlices())
	}
	if cfg.GetPhaseCeil() != 100.0 {
		t.Errorf("GetPhaseCeil() = %f, want 100.0", cfg.GetPhaseCeil())
	}
	if cfg.GetFlagCriterion() != CriterionError {
		t.Errorf("GetFlagCriterion() = %q, want %q", cfg.GetFlagCriterion(), CriterionError)
	}
}

func TestDefaultsFileMatchesCode(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	base := EmptyPipelineConfig()

	if cfg.GetOversample() != base.GetOversample() ||
		cfg.GetCutoutSize() != base.GetCutoutSize() ||
		cfg.GetMaxIterations() != base.GetMaxIterations() ||
		cfg.GetTolerance() != base.GetTolerance() ||
		cfg.GetHoldRotation() != base.GetHoldRotation() ||
		cfg.GetHoldScale() != base.GetHoldScale() ||
		cfg.GetFirstSlices() != base.GetFirstSlices() ||
		cfg.GetPhaseCeil() != base.GetPhaseCeil() ||
		cfg.GetFlagCriterion() != base.GetFlagCriterion() {
		t.Error("config/pipeline.defaults.json disagrees with the coded defaults")
	}
}

func TestLoadPipelineConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")

	testJSON := `{
  "oversample": 5,
  "cutout_size": 45,
  "max_iterations": 80,
  "tolerance": 1e-8,
  "workers": 2,
  "hold_rotation": true,
  "first_slices": 4,
  "phaseceil": 30.0,
  "flag_criterion": "value"
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadPipelineConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.GetOversample() != 5 {
		t.Errorf("GetOversample() = %d, want 5", cfg.GetOversample())
	}
	if cfg.GetCutoutSize() != 45 {
		t.Errorf("GetCutoutSize() = %d, want 45", cfg.GetCutoutSize())
	}
	if cfg.GetMaxIterations() != 80 {
		t.Errorf("GetMaxIterations() = %d, want 80", cfg.GetMaxIterations())
	}
	if cfg.GetTolerance() != 1e-8 {
		t.Errorf("GetTolerance() = %g, want 1e-8", cfg.GetTolerance())
	}
	if cfg.GetWorkers() != 2 {
		t.Errorf("GetWorkers() = %d, want 2", cfg.GetWorkers())
	}
	if !cfg.GetHoldRotation() {
		t.Error("GetHoldRotation() = false, want true")
	}
	if cfg.GetHoldScale() {
		t.Error("GetHoldScale() = true, want false (unset)")
	}
	if cfg.GetFirstSlices() != 4 {
		t.Errorf("GetFirstSlices() = %d, want 4", cfg.GetFirstSlices())
	}
	if cfg.GetPhaseCeil() != 30.0 {
		t.Errorf("GetPhaseCeil() = %f, want 30.0", cfg.GetPhaseCeil())
	}
	if cfg.GetFlagCriterion() != CriterionValue {
		t.Errorf("GetFlagCriterion() = %q, want %q", cfg.GetFlagCriterion(), CriterionValue)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "partial.json")

	if err := os.WriteFile(configPath, []byte(`{"oversample": 1}`), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadPipelineConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.GetOversample() != 1 {
		t.Errorf("GetOversample() = %d, want 1", cfg.GetOversample())
	}
	// Everything else keeps its default.
	if cfg.GetCutoutSize() != 79 {
		t.Errorf("GetCutoutSize() = %d, want default 79", cfg.GetCutoutSize())
	}
	if cfg.GetPhaseCeil() != 100.0 {
		t.Errorf("GetPhaseCeil() = %f, want default 100.0", cfg.GetPhaseCeil())
	}
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("{}"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	if _, err := LoadPipelineConfig(configPath); err == nil {
		t.Error("expected error for non-.json extension")
	}
}

func TestValidate(t *testing.T) {
	bad := []struct {
		name string
		mut  func(*PipelineConfig)
	}{
		{"zero oversample", func(c *PipelineConfig) { c.Oversample = ptrInt(0) }},
		{"tiny cutout", func(c *PipelineConfig) { c.CutoutSize = ptrInt(2) }},
		{"zero iterations", func(c *PipelineConfig) { c.MaxIterations = ptrInt(0) }},
		{"negative tolerance", func(c *PipelineConfig) { c.Tolerance = ptrFloat64(-1e-10) }},
		{"negative workers", func(c *PipelineConfig) { c.Workers = ptrInt(-1) }},
		{"negative first_slices", func(c *PipelineConfig) { c.FirstSlices = ptrInt(-2) }},
		{"zero phaseceil", func(c *PipelineConfig) { c.PhaseCeil = ptrFloat64(0) }},
		{"unknown criterion", func(c *PipelineConfig) { s := "severity"; c.FlagCriterion = &s }},
	}

	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			cfg := EmptyPipelineConfig()
			tt.mut(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := EmptyPipelineConfig().Validate(); err != nil {
		t.Errorf("empty config should validate, got %v", err)
	}
}

func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }
