package pipeline

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/neganuki/neganuki/internal/config"
	"github.com/neganuki/neganuki/internal/debug"
)

// ErrNoFrames is returned by Build when the stitcher holds no frames.
var ErrNoFrames = errors.New("no frames to stitch")

// featureDetector is satisfied by gocv.ORB and gocv.SIFT.
type featureDetector interface {
	DetectAndCompute(src gocv.Mat, mask gocv.Mat) ([]gocv.KeyPoint, gocv.Mat)
	Close() error
}

// Stitcher builds a linear mosaic from sequentially captured, overlapping
// frames via pairwise feature alignment. Frames are borrowed, never
// mutated and never closed; the caller retains ownership.
//
// Each added frame carries a cumulative 3x3 projective transform mapping
// it into the first frame's coordinate system. Stitch always re-aligns
// the full sequence; cost grows with session length.
type Stitcher struct {
	detector featureDetector
	matcher  gocv.BFMatcher

	minMatches      int
	ransacThreshold float64

	frames     []gocv.Mat
	transforms []*mat.Dense
}

// NewStitcher creates a stitcher. cfg.Detector selects ORB (default,
// binary descriptors with Hamming matching) or SIFT (L2 matching).
// Close must be called to release detector resources.
func NewStitcher(cfg config.StitcherConfig) *Stitcher {
	var det featureDetector
	norm := gocv.NormHamming
	if cfg.Detector == "sift" {
		sift := gocv.NewSIFT()
		det = &sift
		norm = gocv.NormL2
	} else {
		orb := gocv.NewORBWithParams(2000, 1.2, 8, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, 20)
		det = &orb
	}

	return &Stitcher{
		detector:        det,
		matcher:         gocv.NewBFMatcherWithParams(norm, true),
		minMatches:      cfg.MinMatches,
		ransacThreshold: cfg.RansacThreshold,
	}
}

// Close releases detector and matcher resources.
func (s *Stitcher) Close() error {
	s.Reset()
	if err := s.detector.Close(); err != nil {
		return err
	}
	return s.matcher.Close()
}

// Reset drops all frames and transforms, restarting the session.
func (s *Stitcher) Reset() {
	s.frames = s.frames[:0]
	s.transforms = s.transforms[:0]
}

// FrameCount returns the number of frames currently held.
func (s *Stitcher) FrameCount() int {
	return len(s.frames)
}

// AddFrame appends a frame and computes its cumulative transform by
// aligning it against the previous frame. If descriptors, matches or the
// homography are unavailable, the frame inherits the previous transform
// unchanged: a degraded but non-fatal placement.
func (s *Stitcher) AddFrame(frame gocv.Mat) {
	if frame.Empty() {
		return
	}

	if len(s.frames) == 0 {
		s.frames = append(s.frames, frame)
		s.transforms = append(s.transforms, identity3())
		return
	}

	prev := s.frames[len(s.frames)-1]
	h, ok := s.estimateHomography(prev, frame)
	if !ok {
		s.appendDegraded(frame)
		return
	}

	cumulative := mat.NewDense(3, 3, nil)
	cumulative.Mul(s.transforms[len(s.transforms)-1], h)
	s.frames = append(s.frames, frame)
	s.transforms = append(s.transforms, cumulative)
}

// estimateHomography computes the projective transform mapping curr into
// prev's local coordinate system.
func (s *Stitcher) estimateHomography(prev, curr gocv.Mat) (*mat.Dense, bool) {
	prevGray := toGray(prev)
	defer prevGray.Close()
	currGray := toGray(curr)
	defer currGray.Close()

	noMask := gocv.NewMat()
	defer noMask.Close()

	kp1, des1 := s.detector.DetectAndCompute(prevGray, noMask)
	defer des1.Close()
	kp2, des2 := s.detector.DetectAndCompute(currGray, noMask)
	defer des2.Close()

	if des1.Empty() || des2.Empty() {
		debug.Warn("Stitcher: could not compute descriptors")
		return nil, false
	}

	matches := flattenMatches(s.matcher.KnnMatch(des1, des2, 1))
	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })

	if len(matches) < s.minMatches {
		debug.Warn("Stitcher: only %d matches (need %d)", len(matches), s.minMatches)
		return nil, false
	}

	// Matched keypoints as Nx1 two-channel point Mats.
	srcPts := gocv.NewMatWithSize(len(matches), 1, gocv.MatTypeCV64FC2)
	defer srcPts.Close()
	dstPts := gocv.NewMatWithSize(len(matches), 1, gocv.MatTypeCV64FC2)
	defer dstPts.Close()
	for i, m := range matches {
		p1 := kp1[m.QueryIdx]
		p2 := kp2[m.TrainIdx]
		srcPts.SetDoubleAt(i, 0, p1.X)
		srcPts.SetDoubleAt(i, 1, p1.Y)
		dstPts.SetDoubleAt(i, 0, p2.X)
		dstPts.SetDoubleAt(i, 1, p2.Y)
	}

	ransacMask := gocv.NewMat()
	defer ransacMask.Close()
	// Map curr -> prev, so curr points are the source of the estimate.
	hMat := gocv.FindHomography(dstPts, &srcPts, gocv.HomograpyMethodRANSAC,
		s.ransacThreshold, &ransacMask, 2000, 0.995)
	defer hMat.Close()

	if hMat.Empty() {
		debug.Warn("Stitcher: homography estimation failed")
		return nil, false
	}

	h := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			h.Set(r, c, hMat.GetDoubleAt(r, c))
		}
	}
	return h, true
}

func (s *Stitcher) appendDegraded(frame gocv.Mat) {
	debug.Warn("Stitcher: appending frame %d without its own transform", len(s.frames))
	dup := mat.NewDense(3, 3, nil)
	dup.Copy(s.transforms[len(s.transforms)-1])
	s.frames = append(s.frames, frame)
	s.transforms = append(s.transforms, dup)
}

// Stitch re-aligns and composes the given frames from scratch: reset, add
// each frame, build. The controller calls this on every stitching pass.
func (s *Stitcher) Stitch(frames []gocv.Mat) (gocv.Mat, error) {
	s.Reset()
	for _, f := range frames {
		s.AddFrame(f)
	}
	return s.Build()
}

// Build composes the final mosaic. With a single frame the result is a
// copy of that frame. Otherwise every frame is warped by its cumulative
// transform into a canvas sized to the union of all projected corners;
// overlapping non-background pixels are painted in frame order
// (last-writer-wins, no blending). The caller owns the returned Mat.
func (s *Stitcher) Build() (gocv.Mat, error) {
	if len(s.frames) == 0 {
		return gocv.NewMat(), ErrNoFrames
	}
	if len(s.frames) == 1 {
		return s.frames[0].Clone(), nil
	}

	// Union bounding box of all projected frame corners.
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i, frame := range s.frames {
		w := float64(frame.Cols())
		h := float64(frame.Rows())
		for _, corner := range [][2]float64{{0, 0}, {w, 0}, {w, h}, {0, h}} {
			x, y := projectPoint(s.transforms[i], corner[0], corner[1])
			minX = math.Min(minX, x)
			minY = math.Min(minY, y)
			maxX = math.Max(maxX, x)
			maxY = math.Max(maxY, y)
		}
	}

	width := int(math.Ceil(maxX) - math.Floor(minX))
	height := int(math.Ceil(maxY) - math.Floor(minY))
	if width <= 0 || height <= 0 {
		return gocv.NewMat(), fmt.Errorf("degenerate mosaic bounds %dx%d", width, height)
	}

	// Translate so the minimum corner lands at the origin.
	translate := mat.NewDense(3, 3, []float64{
		1, 0, -math.Floor(minX),
		0, 1, -math.Floor(minY),
		0, 0, 1,
	})

	canvas := gocv.NewMatWithSize(height, width, s.frames[0].Type())

	warp := mat.NewDense(3, 3, nil)
	for i, frame := range s.frames {
		warp.Mul(translate, s.transforms[i])

		warpMat := denseToMat(warp)
		warped := gocv.NewMat()
		gocv.WarpPerspective(frame, &warped, warpMat, image.Pt(width, height))
		warpMat.Close()

		// Paint non-background pixels over the canvas.
		gray := toGray(warped)
		fgMask := gocv.NewMat()
		gocv.Threshold(gray, &fgMask, 0, 255, gocv.ThresholdBinary)
		warped.CopyToWithMask(&canvas, fgMask)

		fgMask.Close()
		gray.Close()
		warped.Close()
	}

	debug.Verbose("Mosaic built: %dx%d from %d frames", width, height, len(s.frames))
	return canvas, nil
}

// Save writes a mosaic to disk.
func (s *Stitcher) Save(img gocv.Mat, path string) error {
	if img.Empty() {
		return fmt.Errorf("cannot save empty image")
	}
	if ok := gocv.IMWrite(path, img); !ok {
		return fmt.Errorf("write %s failed", path)
	}
	return nil
}

// identity3 returns a 3x3 identity matrix.
func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

// projectPoint applies a projective transform with homogeneous divide.
func projectPoint(t *mat.Dense, x, y float64) (float64, float64) {
	px := t.At(0, 0)*x + t.At(0, 1)*y + t.At(0, 2)
	py := t.At(1, 0)*x + t.At(1, 1)*y + t.At(1, 2)
	pw := t.At(2, 0)*x + t.At(2, 1)*y + t.At(2, 2)
	if pw == 0 {
		return px, py
	}
	return px / pw, py / pw
}

// denseToMat converts a 3x3 gonum matrix to a CV64F gocv Mat; the caller
// owns the result.
func denseToMat(d *mat.Dense) gocv.Mat {
	m := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.SetDoubleAt(r, c, d.At(r, c))
		}
	}
	return m
}
