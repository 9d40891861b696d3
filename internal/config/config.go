package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CameraConfig describes the scanning sensor.
// Type selects a concrete implementation ("v4l2" or "folder").
type CameraConfig struct {
	Type   string `yaml:"type"`   // "v4l2" or "folder"
	Device int    `yaml:"device"` // V4L2 device id
	Folder string `yaml:"folder"` // frame directory for type "folder"

	// Preview and still mode resolutions.
	PreviewWidth  int `yaml:"preview_width"`
	PreviewHeight int `yaml:"preview_height"`
	StillWidth    int `yaml:"still_width"`
	StillHeight   int `yaml:"still_height"`

	// WarmupFrames are discarded after init while exposure settles.
	WarmupFrames int `yaml:"warmup_frames"`
}

// MotorConfig holds the film-transport stepper wiring.
type MotorConfig struct {
	Pins        [4]int `yaml:"pins"`          // ULN2003 IN1-IN4 (BCM numbering)
	StepDelayMs int    `yaml:"step_delay_ms"` // delay between half-steps
}

// TransportConfig describes the drive train pulling the film. Used to
// derive the advance step count from a physical frame pitch.
type TransportConfig struct {
	StepsPerRev     int     `yaml:"steps_per_rev"`
	GearRatio       float64 `yaml:"gear_ratio"`
	SpoolDiameterMm float64 `yaml:"spool_diameter_mm"`
}

// PipelineConfig drives the scan cycle.
type PipelineConfig struct {
	OutputDir  string `yaml:"output_dir"`
	MaxFrames  int    `yaml:"max_frames"`
	MaxRetries int    `yaml:"max_retries"`

	// AdvanceSteps is the fixed step count per film advance. A positive
	// FramePitchMm overrides it via the transport geometry.
	AdvanceSteps int     `yaml:"advance_steps"`
	FramePitchMm float64 `yaml:"frame_pitch_mm"`

	// Film-end detection: mean luminance below DarkThreshold or an edge
	// fraction below MinEdgeDensity marks the end of the roll.
	DetectFilmEnd  *bool   `yaml:"detect_film_end"`
	DarkThreshold  float64 `yaml:"dark_threshold"`
	MinEdgeDensity float64 `yaml:"min_edge_density"`

	// OverlapGating stops the scan once consecutive frames bring no new
	// film into view (transport stall).
	OverlapGating bool `yaml:"overlap_gating"`
}

// EvaluatorConfig holds frame-quality thresholds.
type EvaluatorConfig struct {
	StripRatio         float64 `yaml:"strip_ratio"`
	DiffThreshold      float64 `yaml:"diff_threshold"`
	OrbThreshold       int     `yaml:"orb_threshold"`
	SharpnessThreshold float64 `yaml:"sharpness_threshold"`
	BrightnessMin      float64 `yaml:"brightness_min"`
	BrightnessMax      float64 `yaml:"brightness_max"`
}

// StitcherConfig selects the feature detector and alignment parameters.
type StitcherConfig struct {
	Detector        string  `yaml:"detector"` // "orb" (default) or "sift"
	MinMatches      int     `yaml:"min_matches"`
	RansacThreshold float64 `yaml:"ransac_threshold"`
}

// CropConfig is an optional region applied to every captured frame.
// Zero width/height disables cropping.
type CropConfig struct {
	X      int `yaml:"x"`
	Y      int `yaml:"y"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// DefaultsConfig contains generic runtime parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (dev/test) instead of go-rpio
}

// FSMConfig optionally overrides the built-in state machine definition.
type FSMConfig struct {
	Definition string `yaml:"definition"` // path to a YAML definition; empty = built-in
}

// Config aggregates all application configuration.
type Config struct {
	Camera    CameraConfig    `yaml:"camera"`
	Motor     MotorConfig     `yaml:"motor"`
	Transport TransportConfig `yaml:"transport"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Stitcher  StitcherConfig  `yaml:"stitcher"`
	Crop      *CropConfig     `yaml:"crop,omitempty"` // optional
	Defaults  DefaultsConfig  `yaml:"defaults"`
	FSM       FSMConfig       `yaml:"fsm"`
}

// Load reads a YAML file and returns the validated configuration with
// defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	switch c.Camera.Type {
	case "":
		return fmt.Errorf("camera.type is required")
	case "v4l2":
		// device 0 is a valid default
	case "folder":
		if c.Camera.Folder == "" {
			return fmt.Errorf("camera.folder is required for type \"folder\"")
		}
	default:
		return fmt.Errorf("unsupported camera type: %s", c.Camera.Type)
	}

	if c.Motor.StepDelayMs <= 0 {
		c.Motor.StepDelayMs = 2
	}

	if c.Transport.StepsPerRev <= 0 {
		c.Transport.StepsPerRev = 4096 // 28BYJ-48 half-stepped
	}
	if c.Transport.GearRatio <= 0 {
		c.Transport.GearRatio = 1.0
	}
	if c.Transport.SpoolDiameterMm <= 0 {
		c.Transport.SpoolDiameterMm = 12.0
	}

	if c.Pipeline.OutputDir == "" {
		c.Pipeline.OutputDir = "scans"
	}
	if c.Pipeline.MaxFrames <= 0 {
		c.Pipeline.MaxFrames = 100
	}
	if c.Pipeline.MaxRetries <= 0 {
		c.Pipeline.MaxRetries = 3
	}
	if c.Pipeline.AdvanceSteps <= 0 {
		c.Pipeline.AdvanceSteps = 50
	}
	if c.Pipeline.FramePitchMm < 0 {
		return fmt.Errorf("pipeline.frame_pitch_mm must be >= 0, got %.2f", c.Pipeline.FramePitchMm)
	}
	if c.Pipeline.DetectFilmEnd == nil {
		v := true
		c.Pipeline.DetectFilmEnd = &v
	}
	if c.Pipeline.DarkThreshold <= 0 {
		c.Pipeline.DarkThreshold = 15.0
	}
	if c.Pipeline.MinEdgeDensity <= 0 {
		c.Pipeline.MinEdgeDensity = 0.01
	}

	if c.Evaluator.StripRatio <= 0 {
		c.Evaluator.StripRatio = 0.12
	}
	if c.Evaluator.StripRatio >= 1 {
		return fmt.Errorf("evaluator.strip_ratio must be < 1, got %.2f", c.Evaluator.StripRatio)
	}
	if c.Evaluator.DiffThreshold <= 0 {
		c.Evaluator.DiffThreshold = 8.0
	}
	if c.Evaluator.OrbThreshold <= 0 {
		c.Evaluator.OrbThreshold = 40
	}
	if c.Evaluator.SharpnessThreshold <= 0 {
		c.Evaluator.SharpnessThreshold = 100.0
	}
	if c.Evaluator.BrightnessMin <= 0 {
		c.Evaluator.BrightnessMin = 30.0
	}
	if c.Evaluator.BrightnessMax <= 0 {
		c.Evaluator.BrightnessMax = 225.0
	}
	if c.Evaluator.BrightnessMin >= c.Evaluator.BrightnessMax {
		return fmt.Errorf("evaluator.brightness_min (%.1f) must be below brightness_max (%.1f)",
			c.Evaluator.BrightnessMin, c.Evaluator.BrightnessMax)
	}

	switch c.Stitcher.Detector {
	case "":
		c.Stitcher.Detector = "orb"
	case "orb", "sift":
	default:
		return fmt.Errorf("unsupported stitcher detector: %s", c.Stitcher.Detector)
	}
	if c.Stitcher.MinMatches <= 0 {
		c.Stitcher.MinMatches = 10
	}
	if c.Stitcher.RansacThreshold <= 0 {
		c.Stitcher.RansacThreshold = 5.0
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be 0-4, got %d", c.Defaults.DebugLevel)
	}

	return nil
}

// StepDelay returns the duration between two motor half-steps.
func (c *Config) StepDelay() time.Duration {
	return time.Duration(c.Motor.StepDelayMs) * time.Millisecond
}

// FilmEndDetection reports whether film-end heuristics are enabled.
func (c *Config) FilmEndDetection() bool {
	return c.Pipeline.DetectFilmEnd == nil || *c.Pipeline.DetectFilmEnd
}
