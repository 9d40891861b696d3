package pipeline

import (
	"image"

	"gocv.io/x/gocv"

	"github.com/neganuki/neganuki/internal/config"
	"github.com/neganuki/neganuki/internal/debug"
)

// Evaluator scores frame quality and frame-to-frame overlap. It is
// stateless aside from configured thresholds; frames are never mutated.
type Evaluator struct {
	stripRatio         float64
	diffThreshold      float64
	orbThreshold       int
	sharpnessThreshold float64
	brightnessMin      float64
	brightnessMax      float64

	orb gocv.ORB
}

// NewEvaluator creates an evaluator from configured thresholds. Close
// must be called to release the feature detector.
func NewEvaluator(cfg config.EvaluatorConfig) *Evaluator {
	return &Evaluator{
		stripRatio:         cfg.StripRatio,
		diffThreshold:      cfg.DiffThreshold,
		orbThreshold:       cfg.OrbThreshold,
		sharpnessThreshold: cfg.SharpnessThreshold,
		brightnessMin:      cfg.BrightnessMin,
		brightnessMax:      cfg.BrightnessMax,
		orb:                gocv.NewORBWithParams(1000, 1.2, 8, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, 20),
	}
}

// Close releases detector resources.
func (e *Evaluator) Close() error {
	return e.orb.Close()
}

// IsFrameAcceptable checks a single frame against the sharpness and
// exposure thresholds. A frame failing either should be recaptured.
func (e *Evaluator) IsFrameAcceptable(frame gocv.Mat) bool {
	if frame.Empty() {
		return false
	}

	gray := toGray(frame)
	defer gray.Close()

	sharpness := laplacianVariance(gray)
	debug.Score("sharpness", sharpness)
	if sharpness < e.sharpnessThreshold {
		return false // too blurry
	}

	brightness := gray.Mean().Val1
	debug.Score("brightness", brightness)
	if brightness < e.brightnessMin || brightness > e.brightnessMax {
		return false // under or overexposed
	}

	return true
}

// NeedsMoreCaptures reports whether another capture is necessary at the
// current transport position: true when the current frame brought no new
// content relative to the previous one, false once enough new film has
// entered the view. Used by the optional transport-stall heuristic.
func (e *Evaluator) NeedsMoreCaptures(prev, curr gocv.Mat) bool {
	if prev.Empty() || curr.Empty() {
		return true
	}

	// Bring the frames to the same size if they differ slightly.
	work := curr
	var resized gocv.Mat
	if prev.Rows() != curr.Rows() || prev.Cols() != curr.Cols() {
		resized = gocv.NewMat()
		gocv.Resize(curr, &resized, image.Pt(prev.Cols(), prev.Rows()), 0, 0, gocv.InterpolationLinear)
		defer resized.Close()
		work = resized
	}

	h := prev.Rows()
	w := prev.Cols()
	stripH := int(float64(h) * e.stripRatio)
	if stripH < 1 {
		stripH = 1
	}

	// Compare the trailing strip of the previous frame against the
	// leading strip of the current one.
	prevStrip := prev.Region(image.Rect(0, h-stripH, w, h))
	defer prevStrip.Close()
	currStrip := work.Region(image.Rect(0, 0, w, stripH))
	defer currStrip.Close()

	prevGray := toGray(prevStrip)
	defer prevGray.Close()
	currGray := toGray(currStrip)
	defer currGray.Close()

	// A. Mean absolute difference.
	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(prevGray, currGray, &diff)
	meanDiff := diff.Mean().Val1
	debug.Score("strip diff", meanDiff)

	if meanDiff >= e.diffThreshold {
		return false // sufficient new content
	}

	// B. Keypoint fallback: count keypoints in the current strip with no
	// match in the previous strip.
	mask := gocv.NewMat()
	defer mask.Close()
	_, des1 := e.orb.DetectAndCompute(prevGray, mask)
	defer des1.Close()
	kp2, des2 := e.orb.DetectAndCompute(currGray, mask)
	defer des2.Close()

	if des1.Empty() || des2.Empty() {
		// Descriptors unavailable: be conservative, keep capturing.
		return true
	}

	matcher := gocv.NewBFMatcherWithParams(gocv.NormHamming, true)
	defer matcher.Close()
	matches := flattenMatches(matcher.KnnMatch(des1, des2, 1))

	newPoints := len(kp2) - len(matches)
	debug.Verbose("Overlap check: %d keypoints, %d matched, %d new", len(kp2), len(matches), newPoints)

	return newPoints < e.orbThreshold
}

// DetectEdges runs Canny edge detection and returns the edge map
// normalized to [0, 1] as CV32F. The caller owns the returned Mat.
func (e *Evaluator) DetectEdges(gray gocv.Mat) gocv.Mat {
	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, 50, 150)

	normalized := gocv.NewMat()
	edges.ConvertToWithParams(&normalized, gocv.MatTypeCV32F, 1.0/255.0, 0)
	return normalized
}

// EdgeDensity returns the mean of the normalized edge map: the fraction
// of edge pixels, used as a content proxy for film-end detection.
func (e *Evaluator) EdgeDensity(frame gocv.Mat) float64 {
	gray := toGray(frame)
	defer gray.Close()

	edges := e.DetectEdges(gray)
	defer edges.Close()
	return edges.Mean().Val1
}

// laplacianVariance is the classic blur metric: variance of the Laplacian
// edge response over a grayscale image.
func laplacianVariance(gray gocv.Mat) float64 {
	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(gray, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	mean := gocv.NewMat()
	defer mean.Close()
	stddev := gocv.NewMat()
	defer stddev.Close()
	gocv.MeanStdDev(lap, &mean, &stddev)

	sd := stddev.GetDoubleAt(0, 0)
	return sd * sd
}

// toGray returns a new single-channel Mat; the caller owns it.
func toGray(frame gocv.Mat) gocv.Mat {
	if frame.Channels() == 1 {
		return frame.Clone()
	}
	gray := gocv.NewMat()
	gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	return gray
}

// flattenMatches reduces KnnMatch(k=1) output to a flat match list.
func flattenMatches(knn [][]gocv.DMatch) []gocv.DMatch {
	matches := make([]gocv.DMatch, 0, len(knn))
	for _, row := range knn {
		if len(row) > 0 {
			matches = append(matches, row[0])
		}
	}
	return matches
}
