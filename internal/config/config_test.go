package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
camera:
  type: v4l2
`

func TestLoad_Minimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Defaults applied.
	if cfg.Pipeline.MaxFrames != 100 {
		t.Errorf("MaxFrames = %d, want 100", cfg.Pipeline.MaxFrames)
	}
	if cfg.Pipeline.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Pipeline.MaxRetries)
	}
	if cfg.Pipeline.AdvanceSteps != 50 {
		t.Errorf("AdvanceSteps = %d, want 50", cfg.Pipeline.AdvanceSteps)
	}
	if !cfg.FilmEndDetection() {
		t.Error("film-end detection should default to enabled")
	}
	if cfg.Pipeline.DarkThreshold != 15.0 {
		t.Errorf("DarkThreshold = %v, want 15.0", cfg.Pipeline.DarkThreshold)
	}
	if cfg.Pipeline.MinEdgeDensity != 0.01 {
		t.Errorf("MinEdgeDensity = %v, want 0.01", cfg.Pipeline.MinEdgeDensity)
	}
	if cfg.Evaluator.SharpnessThreshold != 100.0 {
		t.Errorf("SharpnessThreshold = %v, want 100.0", cfg.Evaluator.SharpnessThreshold)
	}
	if cfg.Evaluator.BrightnessMin != 30.0 || cfg.Evaluator.BrightnessMax != 225.0 {
		t.Errorf("brightness bounds = [%v, %v], want [30, 225]",
			cfg.Evaluator.BrightnessMin, cfg.Evaluator.BrightnessMax)
	}
	if cfg.Evaluator.StripRatio != 0.12 {
		t.Errorf("StripRatio = %v, want 0.12", cfg.Evaluator.StripRatio)
	}
	if cfg.Stitcher.Detector != "orb" {
		t.Errorf("Detector = %q, want orb", cfg.Stitcher.Detector)
	}
	if cfg.Stitcher.RansacThreshold != 5.0 {
		t.Errorf("RansacThreshold = %v, want 5.0", cfg.Stitcher.RansacThreshold)
	}
	if cfg.Transport.StepsPerRev != 4096 {
		t.Errorf("StepsPerRev = %d, want 4096", cfg.Transport.StepsPerRev)
	}
	if cfg.StepDelay() != 2*time.Millisecond {
		t.Errorf("StepDelay = %v, want 2ms", cfg.StepDelay())
	}
}

func TestLoad_FullOverride(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
camera:
  type: folder
  folder: /tmp/frames
motor:
  pins: [5, 6, 13, 19]
  step_delay_ms: 4
pipeline:
  output_dir: /tmp/out
  max_frames: 12
  max_retries: 5
  advance_steps: 80
  detect_film_end: false
  overlap_gating: true
evaluator:
  sharpness_threshold: 250.0
stitcher:
  detector: sift
defaults:
  debug_level: 3
  mock_gpio: true
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Camera.Folder != "/tmp/frames" {
		t.Errorf("Folder = %q", cfg.Camera.Folder)
	}
	if cfg.Motor.Pins != [4]int{5, 6, 13, 19} {
		t.Errorf("Pins = %v", cfg.Motor.Pins)
	}
	if cfg.Pipeline.MaxFrames != 12 || cfg.Pipeline.MaxRetries != 5 {
		t.Errorf("pipeline overrides not applied: %+v", cfg.Pipeline)
	}
	if cfg.FilmEndDetection() {
		t.Error("detect_film_end: false should disable film-end detection")
	}
	if !cfg.Pipeline.OverlapGating {
		t.Error("overlap_gating should be enabled")
	}
	if cfg.Evaluator.SharpnessThreshold != 250.0 {
		t.Errorf("SharpnessThreshold = %v", cfg.Evaluator.SharpnessThreshold)
	}
	if cfg.Stitcher.Detector != "sift" {
		t.Errorf("Detector = %q", cfg.Stitcher.Detector)
	}
	if !cfg.Defaults.MockGPIO || cfg.Defaults.DebugLevel != 3 {
		t.Errorf("defaults not applied: %+v", cfg.Defaults)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing camera type", `pipeline: {max_frames: 3}`},
		{"unknown camera type", "camera:\n  type: polaroid\n"},
		{"folder without dir", "camera:\n  type: folder\n"},
		{"bad detector", "camera:\n  type: v4l2\nstitcher:\n  detector: surf\n"},
		{"strip ratio too large", "camera:\n  type: v4l2\nevaluator:\n  strip_ratio: 1.5\n"},
		{"inverted brightness", "camera:\n  type: v4l2\nevaluator:\n  brightness_min: 200\n  brightness_max: 100\n"},
		{"debug level out of range", "camera:\n  type: v4l2\ndefaults:\n  debug_level: 9\n"},
		{"negative frame pitch", "camera:\n  type: v4l2\npipeline:\n  frame_pitch_mm: -1\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_BadYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "camera: [not a map")); err == nil {
		t.Error("expected error for invalid yaml")
	}
}
