package pipeline

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"gocv.io/x/gocv"

	"github.com/neganuki/neganuki/internal/config"
)

func testStitcherConfig() config.StitcherConfig {
	return config.StitcherConfig{
		Detector:        "orb",
		MinMatches:      10,
		RansacThreshold: 5.0,
	}
}

// filmStrip draws a wide, feature-rich source image that overlapping
// crops are cut from.
func filmStrip(w, h int) gocv.Mat {
	m := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	m.SetTo(gocv.NewScalar(90, 90, 90, 0))
	for i := 0; i < w/20; i++ {
		x := 6 + i*20
		y := 6 + (i*53)%(h-48)
		c := color.RGBA{uint8(40 + (i*67)%200), uint8(30 + (i*31)%210), uint8(50 + (i*13)%190), 0}
		gocv.Rectangle(&m, image.Rect(x, y, x+12, y+12), c, -1)
		gocv.Circle(&m, image.Pt(x+4, y+24), 5, color.RGBA{255, 255, 255, 0}, -1)
	}
	return m
}

// overlappingCrops cuts n crops of the given width from the strip, each
// shifted right by stride pixels.
func overlappingCrops(strip gocv.Mat, n, width, stride int) []gocv.Mat {
	crops := make([]gocv.Mat, 0, n)
	for i := 0; i < n; i++ {
		region := strip.Region(image.Rect(i*stride, 0, i*stride+width, strip.Rows()))
		crops = append(crops, region.Clone())
		region.Close()
	}
	return crops
}

func closeAll(mats []gocv.Mat) {
	for i := range mats {
		mats[i].Close()
	}
}

func TestStitcher_FrameTransformInvariant(t *testing.T) {
	s := NewStitcher(testStitcherConfig())
	defer s.Close()

	strip := filmStrip(800, 240)
	defer strip.Close()
	crops := overlappingCrops(strip, 3, 400, 100)
	defer closeAll(crops)

	for i, c := range crops {
		s.AddFrame(c)
		if got := s.FrameCount(); got != i+1 {
			t.Fatalf("after %d adds FrameCount = %d", i+1, got)
		}
		if len(s.frames) != len(s.transforms) {
			t.Fatalf("frames/transforms diverged: %d vs %d", len(s.frames), len(s.transforms))
		}
	}
}

func TestStitcher_EmptyFrameIgnored(t *testing.T) {
	s := NewStitcher(testStitcherConfig())
	defer s.Close()

	empty := gocv.NewMat()
	defer empty.Close()
	s.AddFrame(empty)
	if s.FrameCount() != 0 {
		t.Errorf("empty frame was stored, FrameCount = %d", s.FrameCount())
	}
}

func TestStitcher_BuildNoFrames(t *testing.T) {
	s := NewStitcher(testStitcherConfig())
	defer s.Close()

	_, err := s.Build()
	if !errors.Is(err, ErrNoFrames) {
		t.Fatalf("Build() error = %v, want ErrNoFrames", err)
	}
}

func TestStitcher_SingleFrameCopy(t *testing.T) {
	s := NewStitcher(testStitcherConfig())
	defer s.Close()

	frame := filmStrip(400, 240)
	defer frame.Close()
	s.AddFrame(frame)

	mosaic, err := s.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer mosaic.Close()

	if mosaic.Cols() != frame.Cols() || mosaic.Rows() != frame.Rows() {
		t.Errorf("single-frame mosaic is %dx%d, want %dx%d",
			mosaic.Cols(), mosaic.Rows(), frame.Cols(), frame.Rows())
	}
}

func TestStitcher_OverlappingCropsWidenCanvas(t *testing.T) {
	s := NewStitcher(testStitcherConfig())
	defer s.Close()

	strip := filmStrip(800, 240)
	defer strip.Close()
	crops := overlappingCrops(strip, 3, 400, 120)
	defer closeAll(crops)

	mosaic, err := s.Stitch(crops)
	if err != nil {
		t.Fatalf("Stitch() error = %v", err)
	}
	defer mosaic.Close()

	if s.FrameCount() != 3 {
		t.Errorf("FrameCount after Stitch = %d, want 3", s.FrameCount())
	}
	if mosaic.Cols() <= crops[0].Cols() {
		t.Errorf("mosaic width %d not wider than single frame %d",
			mosaic.Cols(), crops[0].Cols())
	}
	if mosaic.Empty() {
		t.Error("mosaic is empty")
	}
}

func TestStitcher_FeaturelessFrameDegrades(t *testing.T) {
	s := NewStitcher(testStitcherConfig())
	defer s.Close()

	textured := filmStrip(400, 240)
	defer textured.Close()
	flat := gocv.NewMatWithSize(240, 400, gocv.MatTypeCV8UC3)
	defer flat.Close()
	flat.SetTo(gocv.NewScalar(100, 100, 100, 0))

	s.AddFrame(textured)
	s.AddFrame(flat)

	// The flat frame inherits the previous transform; the session keeps
	// going and the build must still succeed.
	if s.FrameCount() != 2 {
		t.Fatalf("FrameCount = %d, want 2", s.FrameCount())
	}
	mosaic, err := s.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	mosaic.Close()
}

func TestStitcher_Reset(t *testing.T) {
	s := NewStitcher(testStitcherConfig())
	defer s.Close()

	frame := filmStrip(400, 240)
	defer frame.Close()
	s.AddFrame(frame)
	s.Reset()

	if s.FrameCount() != 0 {
		t.Errorf("FrameCount after Reset = %d, want 0", s.FrameCount())
	}
	if _, err := s.Build(); !errors.Is(err, ErrNoFrames) {
		t.Errorf("Build() after Reset error = %v, want ErrNoFrames", err)
	}
}

func TestProjectPoint(t *testing.T) {
	shift := identity3()
	shift.Set(0, 2, 120)

	x, y := projectPoint(shift, 10, 20)
	if x != 130 || y != 20 {
		t.Errorf("projectPoint = (%f, %f), want (130, 20)", x, y)
	}
}
