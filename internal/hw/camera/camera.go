// Package camera abstracts the scanning sensor. The engine only needs the
// Camera interface; concrete implementations cover a V4L2 sensor (IMX477
// HQ camera module) and a folder replay source for bench runs.
package camera

import "gocv.io/x/gocv"

// Capture modes. Preview trades resolution for throughput while the rig
// is positioning; still is the full-resolution scan mode.
const (
	ModePreview = "preview"
	ModeStill   = "still"
)

// Camera is the capability surface the scan engine requires from the
// sensor. Calls are synchronous; any error or empty frame is treated as
// a hardware failure by the engine.
type Camera interface {
	// Initialize configures the sensor for the given mode. It may be
	// called again after Shutdown to recover from a fault.
	Initialize(mode string) error
	// CaptureFrame grabs one frame. The caller owns the returned Mat.
	CaptureFrame() (gocv.Mat, error)
	// Shutdown releases the sensor.
	Shutdown() error
}
