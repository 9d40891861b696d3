package pipeline

import (
	"image"

	"gocv.io/x/gocv"

	"github.com/neganuki/neganuki/internal/config"
	"github.com/neganuki/neganuki/internal/debug"
)

// Cropper extracts a fixed region from every captured frame, trimming
// sprocket holes and frame borders before evaluation. A nil or
// zero-sized configuration disables cropping.
type Cropper struct {
	rect    image.Rectangle
	enabled bool
}

// NewCropper builds a cropper from the optional crop section.
func NewCropper(cfg *config.CropConfig) *Cropper {
	if cfg == nil || cfg.Width <= 0 || cfg.Height <= 0 {
		return &Cropper{}
	}
	return &Cropper{
		rect:    image.Rect(cfg.X, cfg.Y, cfg.X+cfg.Width, cfg.Y+cfg.Height),
		enabled: true,
	}
}

// Enabled reports whether a crop region is configured.
func (c *Cropper) Enabled() bool {
	return c.enabled
}

// Crop returns the configured region of the frame as a new Mat the
// caller owns. When cropping is disabled, or the region does not fit
// inside the frame, the full frame is copied instead.
func (c *Cropper) Crop(frame gocv.Mat) gocv.Mat {
	if !c.enabled || frame.Empty() {
		return frame.Clone()
	}

	bounds := image.Rect(0, 0, frame.Cols(), frame.Rows())
	if !c.rect.In(bounds) {
		debug.Warn("Crop region %v exceeds frame bounds %v, keeping full frame", c.rect, bounds)
		return frame.Clone()
	}

	region := frame.Region(c.rect)
	defer region.Close()
	return region.Clone()
}

// CropCenter copies a centered region of the given size out of the
// frame; used for focus previews. Oversized requests return a full copy.
func CropCenter(frame gocv.Mat, width, height int) gocv.Mat {
	if frame.Empty() || width <= 0 || height <= 0 ||
		width > frame.Cols() || height > frame.Rows() {
		return frame.Clone()
	}

	x := (frame.Cols() - width) / 2
	y := (frame.Rows() - height) / 2
	region := frame.Region(image.Rect(x, y, x+width, y+height))
	defer region.Close()
	return region.Clone()
}
