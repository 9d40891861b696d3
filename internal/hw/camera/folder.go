package camera

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gocv.io/x/gocv"

	"github.com/neganuki/neganuki/internal/debug"
)

// FolderCamera replays image files from a directory in lexical order.
// Useful for bench runs of the full pipeline without the physical rig.
type FolderCamera struct {
	dir   string
	files []string
	next  int
	open  bool
}

// NewFolderCamera creates a replay camera over dir. The directory is
// scanned on Initialize.
func NewFolderCamera(dir string) *FolderCamera {
	return &FolderCamera{dir: dir}
}

// Initialize scans the directory for PNG/JPEG files. Reinitializing an
// already scanned camera keeps the playback position, so a recovery
// cycle mid-scan does not replay frames that were already captured. Use
// Rewind to restart from the first frame.
func (c *FolderCamera) Initialize(mode string) error {
	if len(c.files) > 0 {
		c.open = true
		return nil
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read frame directory: %w", err)
	}

	c.files = c.files[:0]
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			c.files = append(c.files, filepath.Join(c.dir, e.Name()))
		}
	}
	sort.Strings(c.files)

	if len(c.files) == 0 {
		return fmt.Errorf("no frames in %s", c.dir)
	}

	c.next = 0
	c.open = true
	debug.Info("Folder camera: %d frames from %s", len(c.files), c.dir)
	return nil
}

// CaptureFrame returns the next frame in sequence. Returns an error once
// the directory is exhausted.
func (c *FolderCamera) CaptureFrame() (gocv.Mat, error) {
	if !c.open {
		return gocv.NewMat(), fmt.Errorf("camera not initialized")
	}
	if c.next >= len(c.files) {
		return gocv.NewMat(), fmt.Errorf("frame source exhausted after %d frames", len(c.files))
	}

	path := c.files[c.next]
	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		img.Close()
		return gocv.NewMat(), fmt.Errorf("decode %s failed", path)
	}
	c.next++
	return img, nil
}

// Rewind restarts playback from the first frame. The next Initialize
// rescans the directory.
func (c *FolderCamera) Rewind() {
	c.files = nil
	c.next = 0
}

// Shutdown stops playback.
func (c *FolderCamera) Shutdown() error {
	c.open = false
	return nil
}

// Remaining returns how many frames are left to replay.
func (c *FolderCamera) Remaining() int {
	if !c.open {
		return 0
	}
	return len(c.files) - c.next
}
