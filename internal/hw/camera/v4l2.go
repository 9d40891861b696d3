package camera

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/neganuki/neganuki/internal/debug"
)

// V4L2Config holds the sensor configuration.
type V4L2Config struct {
	Device        int // V4L2 device id (/dev/videoN)
	PreviewWidth  int
	PreviewHeight int
	StillWidth    int
	StillHeight   int
	WarmupFrames  int // frames discarded after (re)configuration
}

// V4L2Camera captures frames from a V4L2 device through OpenCV.
type V4L2Camera struct {
	cfg  V4L2Config
	vc   *gocv.VideoCapture
	mode string
}

// NewV4L2Camera creates a camera for the given device. The device is not
// opened until Initialize.
func NewV4L2Camera(cfg V4L2Config) *V4L2Camera {
	if cfg.PreviewWidth <= 0 || cfg.PreviewHeight <= 0 {
		cfg.PreviewWidth, cfg.PreviewHeight = 1280, 720
	}
	if cfg.StillWidth <= 0 || cfg.StillHeight <= 0 {
		cfg.StillWidth, cfg.StillHeight = 4056, 3040
	}
	if cfg.WarmupFrames <= 0 {
		cfg.WarmupFrames = 3
	}
	return &V4L2Camera{cfg: cfg}
}

// Initialize opens the device and configures the resolution for mode.
func (c *V4L2Camera) Initialize(mode string) error {
	if mode == "" {
		mode = ModePreview
	}
	if mode != ModePreview && mode != ModeStill {
		return fmt.Errorf("unknown camera mode: %q", mode)
	}

	if c.vc != nil {
		if err := c.Shutdown(); err != nil {
			return err
		}
	}

	vc, err := gocv.OpenVideoCapture(c.cfg.Device)
	if err != nil {
		return fmt.Errorf("open video device %d: %w", c.cfg.Device, err)
	}

	w, h := modeResolution(c.cfg, mode)
	vc.Set(gocv.VideoCaptureFrameWidth, float64(w))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(h))

	c.vc = vc
	c.mode = mode
	debug.Info("Camera initialized: device=%d mode=%s %dx%d", c.cfg.Device, mode, w, h)

	// Discard warmup frames so exposure settles.
	warm := gocv.NewMat()
	defer warm.Close()
	for i := 0; i < c.cfg.WarmupFrames; i++ {
		c.vc.Read(&warm)
	}

	return nil
}

// CaptureFrame grabs a single frame. The caller owns the returned Mat.
func (c *V4L2Camera) CaptureFrame() (gocv.Mat, error) {
	if c.vc == nil {
		return gocv.NewMat(), fmt.Errorf("camera not initialized")
	}

	img := gocv.NewMat()
	if ok := c.vc.Read(&img); !ok {
		img.Close()
		return gocv.NewMat(), fmt.Errorf("read from device %d failed", c.cfg.Device)
	}
	if img.Empty() {
		img.Close()
		return gocv.NewMat(), fmt.Errorf("device %d returned empty frame", c.cfg.Device)
	}
	return img, nil
}

// Shutdown releases the device. Initialize may be called again afterwards.
func (c *V4L2Camera) Shutdown() error {
	if c.vc == nil {
		return nil
	}
	err := c.vc.Close()
	c.vc = nil
	if err != nil {
		return fmt.Errorf("close video device %d: %w", c.cfg.Device, err)
	}
	return nil
}

// modeResolution returns the configured resolution for a capture mode.
func modeResolution(cfg V4L2Config, mode string) (int, int) {
	if mode == ModeStill {
		return cfg.StillWidth, cfg.StillHeight
	}
	return cfg.PreviewWidth, cfg.PreviewHeight
}
