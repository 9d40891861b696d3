package camera

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// writeTestPNG writes a small solid-color PNG without needing OpenCV.
func writeTestPNG(t *testing.T, path string, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

func TestFolderCamera_ReplaysInOrder(t *testing.T) {
	dir := t.TempDir()
	writeTestPNG(t, filepath.Join(dir, "frame_001.png"), color.RGBA{R: 255, A: 255})
	writeTestPNG(t, filepath.Join(dir, "frame_002.png"), color.RGBA{G: 255, A: 255})

	cam := NewFolderCamera(dir)
	if err := cam.Initialize(ModePreview); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer cam.Shutdown()

	if got := cam.Remaining(); got != 2 {
		t.Fatalf("Remaining = %d, want 2", got)
	}

	for i := 0; i < 2; i++ {
		frame, err := cam.CaptureFrame()
		if err != nil {
			t.Fatalf("CaptureFrame %d: %v", i, err)
		}
		if frame.Empty() {
			t.Fatalf("frame %d is empty", i)
		}
		if frame.Rows() != 8 || frame.Cols() != 8 {
			t.Errorf("frame %d size = %dx%d, want 8x8", i, frame.Cols(), frame.Rows())
		}
		frame.Close()
	}

	if _, err := cam.CaptureFrame(); err == nil {
		t.Error("expected error once frames are exhausted")
	}
}

func TestFolderCamera_ReinitializeKeepsPosition(t *testing.T) {
	dir := t.TempDir()
	writeTestPNG(t, filepath.Join(dir, "a.png"), color.RGBA{B: 255, A: 255})
	writeTestPNG(t, filepath.Join(dir, "b.png"), color.RGBA{R: 255, A: 255})

	cam := NewFolderCamera(dir)
	if err := cam.Initialize(ModePreview); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	frame, err := cam.CaptureFrame()
	if err != nil {
		t.Fatalf("CaptureFrame: %v", err)
	}
	frame.Close()

	// A recovery cycle reinitializes the camera mid-scan; playback must
	// continue with the next frame instead of replaying from the start.
	if err := cam.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := cam.Initialize(ModePreview); err != nil {
		t.Fatalf("Initialize after recovery: %v", err)
	}
	if got := cam.Remaining(); got != 1 {
		t.Errorf("Remaining after recovery = %d, want 1", got)
	}

	cam.Rewind()
	if err := cam.Initialize(ModePreview); err != nil {
		t.Fatalf("Initialize after Rewind: %v", err)
	}
	if got := cam.Remaining(); got != 2 {
		t.Errorf("Remaining after Rewind = %d, want 2", got)
	}
}

func TestFolderCamera_Errors(t *testing.T) {
	cam := NewFolderCamera(t.TempDir())
	if err := cam.Initialize(ModePreview); err == nil {
		t.Error("expected error for empty directory")
	}

	cam = NewFolderCamera(t.TempDir())
	if _, err := cam.CaptureFrame(); err == nil {
		t.Error("expected error before Initialize")
	}
}

func TestModeResolution(t *testing.T) {
	cfg := V4L2Config{
		PreviewWidth: 1280, PreviewHeight: 720,
		StillWidth: 4056, StillHeight: 3040,
	}

	tests := []struct {
		mode string
		w, h int
	}{
		{ModePreview, 1280, 720},
		{ModeStill, 4056, 3040},
	}
	for _, tc := range tests {
		w, h := modeResolution(cfg, tc.mode)
		if w != tc.w || h != tc.h {
			t.Errorf("modeResolution(%s) = %dx%d, want %dx%d", tc.mode, w, h, tc.w, tc.h)
		}
	}
}

func TestV4L2Camera_RequiresInitialize(t *testing.T) {
	cam := NewV4L2Camera(V4L2Config{Device: 99})
	if _, err := cam.CaptureFrame(); err == nil {
		t.Error("expected error before Initialize")
	}
	if err := cam.Initialize("bogus"); err == nil {
		t.Error("expected error for unknown mode")
	}
	if err := cam.Shutdown(); err != nil {
		t.Errorf("Shutdown on closed camera: %v", err)
	}
}
