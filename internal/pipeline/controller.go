package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/neganuki/neganuki/internal/config"
	"github.com/neganuki/neganuki/internal/debug"
	"github.com/neganuki/neganuki/internal/fsm"
	"github.com/neganuki/neganuki/internal/geometry"
	"github.com/neganuki/neganuki/internal/hw/camera"
	"github.com/neganuki/neganuki/internal/hw/motor"
)

// State names bound to entry actions. Must match the machine definition.
const (
	StateIdle         = "idle"
	StateInitializing = "initializing"
	StateCapturing    = "capturing"
	StateEvaluating   = "evaluating"
	StateStitching    = "stitching"
	StateAdvancing    = "advancing"
	StateChecking     = "checking_completion"
	StatePaused       = "paused"
	StateFinished     = "finished"
	StateError        = "error"
	StateCameraError  = "camera_error"
	StateMotorError   = "motor_error"
)

// One reinitialization attempt per fault episode; the counter resets on
// the next successful capture or advance.
const maxRecoveries = 1

// consecutive stalled overlap checks before declaring the roll done.
const stallLimit = 2

// Controller hosts the scan state machine's entry actions. Each state
// entry performs one domain action (capture, evaluate, stitch, advance,
// check completion) and fires the trigger for the outcome, so a single
// Fire("start") drives the whole scan synchronously.
//
// The controller owns every session frame and the current mosaic; the
// stitcher and evaluator only borrow them.
type Controller struct {
	machine   *fsm.Machine
	camera    camera.Camera
	motor     motor.Motor
	evaluator *Evaluator
	stitcher  *Stitcher
	cropper   *Cropper

	maxFrames      int
	maxRetries     int
	advanceSteps   int
	detectFilmEnd  bool
	darkThreshold  float64
	minEdgeDensity float64
	overlapGating  bool
	outputDir      string

	mu              sync.Mutex
	frames          []gocv.Mat
	mosaic          gocv.Mat
	retryCount      int
	retrying        bool
	stallCount      int
	camRecoveries   int
	motorRecoveries int
	lastErr         error
}

// NewController wires the adapters, the processing stages and the state
// machine together.
func NewController(cfg *config.Config, cam camera.Camera, mot motor.Motor) (*Controller, error) {
	def := fsm.DefaultDefinition()
	if cfg.FSM.Definition != "" {
		loaded, err := fsm.LoadDefinition(cfg.FSM.Definition)
		if err != nil {
			return nil, fmt.Errorf("load fsm definition: %w", err)
		}
		def = loaded
	}

	steps := cfg.Pipeline.AdvanceSteps
	if cfg.Pipeline.FramePitchMm > 0 {
		t := geometry.Transport{
			StepsPerRev:     cfg.Transport.StepsPerRev,
			GearRatio:       cfg.Transport.GearRatio,
			SpoolDiameterMm: cfg.Transport.SpoolDiameterMm,
		}
		steps = t.StepsForAdvance(cfg.Pipeline.FramePitchMm)
		debug.Value("advance steps (from frame pitch)", steps)
	}

	c := &Controller{
		camera:         cam,
		motor:          mot,
		evaluator:      NewEvaluator(cfg.Evaluator),
		stitcher:       NewStitcher(cfg.Stitcher),
		cropper:        NewCropper(cfg.Crop),
		maxFrames:      cfg.Pipeline.MaxFrames,
		maxRetries:     cfg.Pipeline.MaxRetries,
		advanceSteps:   steps,
		detectFilmEnd:  cfg.FilmEndDetection(),
		darkThreshold:  cfg.Pipeline.DarkThreshold,
		minEdgeDensity: cfg.Pipeline.MinEdgeDensity,
		overlapGating:  cfg.Pipeline.OverlapGating,
		outputDir:      cfg.Pipeline.OutputDir,
		mosaic:         gocv.NewMat(),
	}

	guards := map[string]fsm.Guard{
		"is_retry_allowed":      c.isRetryAllowed,
		"is_camera_recoverable": c.isCameraRecoverable,
		"is_motor_recoverable":  c.isMotorRecoverable,
	}
	actions := map[string]fsm.Action{
		StateIdle:         c.onIdle,
		StateInitializing: c.onInitializing,
		StateCapturing:    c.onCapturing,
		StateEvaluating:   c.onEvaluating,
		StateStitching:    c.onStitching,
		StateAdvancing:    c.onAdvancing,
		StateChecking:     c.onCheckingCompletion,
		StateFinished:     c.onFinished,
		StateError:        c.onError,
		StateCameraError:  c.onCameraError,
		StateMotorError:   c.onMotorError,
	}

	machine, err := fsm.NewMachine(def, guards, actions)
	if err != nil {
		return nil, fmt.Errorf("build state machine: %w", err)
	}
	c.machine = machine
	return c, nil
}

// SetObserver forwards state-change notifications, e.g. to the web
// broadcaster.
func (c *Controller) SetObserver(obs fsm.Observer) {
	c.machine.SetObserver(obs)
}

// StartScan clears the previous session and runs a full scan to
// completion. It blocks until the machine settles (finished, error,
// paused or idle); run it on a worker goroutine when serving requests.
// Not safe to call while a scan is active.
func (c *Controller) StartScan() error {
	state := c.machine.State()
	if state != StateIdle && state != StateFinished && state != StateError {
		return fmt.Errorf("cannot start scan from state %s", state)
	}

	c.mu.Lock()
	c.clearSessionLocked()
	c.mu.Unlock()
	c.stitcher.Reset()

	debug.Section("Scan session")
	if err := c.machine.Fire("start"); err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	return nil
}

// PauseScan requests a pause. The request takes effect after the current
// state's work completes, so no side effect is ever repeated on resume.
// Outside the active scan states this is a warned no-op.
func (c *Controller) PauseScan() {
	switch c.machine.State() {
	case StateCapturing, StateEvaluating, StateStitching, StateAdvancing, StateChecking:
		c.machine.Preempt("pause")
	default:
		debug.Warn("Pause ignored in state %s", c.machine.State())
	}
}

// ResumeScan continues a paused scan and, like StartScan, blocks until
// the machine settles again. Outside paused it is a warned no-op.
func (c *Controller) ResumeScan() error {
	if c.machine.State() != StatePaused {
		debug.Warn("Resume ignored in state %s", c.machine.State())
		return nil
	}
	if err := c.machine.Fire("resume"); err != nil {
		return fmt.Errorf("resume scan: %w", err)
	}
	return nil
}

// Abort hard-resets to idle from any state and releases the hardware.
// The session's frames stay readable until the next StartScan.
func (c *Controller) Abort() error {
	if err := c.machine.Fire("abort"); err != nil {
		return fmt.Errorf("abort scan: %w", err)
	}
	return nil
}

// CurrentState returns the machine's state name.
func (c *Controller) CurrentState() string {
	return c.machine.State()
}

// FrameCount returns the number of frames captured this session.
func (c *Controller) FrameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// RetryCount returns the current frame's retry counter.
func (c *Controller) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// LastError returns the error recorded by the most recent failure.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Mosaic returns a copy of the current mosaic. The caller owns the
// returned Mat.
func (c *Controller) Mosaic() (gocv.Mat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mosaic.Empty() {
		return gocv.NewMat(), fmt.Errorf("no mosaic available")
	}
	return c.mosaic.Clone(), nil
}

// Close releases the session and processing resources. The hardware
// adapters are owned by the caller.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.clearSessionLocked()
	c.mu.Unlock()
	if err := c.evaluator.Close(); err != nil {
		return err
	}
	return c.stitcher.Close()
}

func (c *Controller) clearSessionLocked() {
	for i := range c.frames {
		c.frames[i].Close()
	}
	c.frames = nil
	if !c.mosaic.Empty() {
		c.mosaic.Close()
		c.mosaic = gocv.NewMat()
	}
	c.retryCount = 0
	c.retrying = false
	c.stallCount = 0
	c.camRecoveries = 0
	c.motorRecoveries = 0
	c.lastErr = nil
}

// --- guards ---

func (c *Controller) isRetryAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount <= c.maxRetries
}

func (c *Controller) isCameraRecoverable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camRecoveries <= maxRecoveries
}

func (c *Controller) isMotorRecoverable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.motorRecoveries <= maxRecoveries
}

// --- state entry actions ---
// Each action performs its domain work and fires exactly one trigger.
// Nested Fire calls are queued by the machine and processed in order.

func (c *Controller) onInitializing() {
	if err := c.camera.Initialize(camera.ModePreview); err != nil {
		c.setError(fmt.Errorf("camera init: %w", err))
		c.fire("fail")
		return
	}
	if err := c.motor.Reinitialize(); err != nil {
		c.setError(fmt.Errorf("motor init: %w", err))
		c.fire("fail")
		return
	}
	c.stitcher.Reset()
	c.fire("init_done")
}

func (c *Controller) onCapturing() {
	c.mu.Lock()
	if !c.retrying {
		c.retryCount = 0
	}
	c.retrying = false
	c.mu.Unlock()

	frame, err := c.camera.CaptureFrame()
	if err != nil {
		c.setError(fmt.Errorf("capture: %w", err))
		c.fire("camera_fail")
		return
	}
	if frame.Empty() {
		frame.Close()
		c.setError(fmt.Errorf("capture: empty frame"))
		c.fire("camera_fail")
		return
	}

	if c.cropper.Enabled() {
		cropped := c.cropper.Crop(frame)
		frame.Close()
		frame = cropped
	}

	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.camRecoveries = 0
	n := len(c.frames)
	c.mu.Unlock()

	debug.Capture(n)
	c.fire("capture_done")
}

func (c *Controller) onEvaluating() {
	c.mu.Lock()
	last := c.frames[len(c.frames)-1]
	c.mu.Unlock()

	if c.evaluator.IsFrameAcceptable(last) {
		c.fire("accept_capture")
		return
	}

	// Rejected frames are dropped; a retry recaptures at the same
	// transport position.
	c.mu.Lock()
	c.frames = c.frames[:len(c.frames)-1]
	last.Close()
	c.retryCount++
	c.retrying = true
	attempt, max := c.retryCount, c.maxRetries
	if attempt > max {
		c.lastErr = fmt.Errorf("frame rejected after %d retries", max)
	}
	c.mu.Unlock()

	debug.Retry(attempt, max)
	// The guard routes to capturing while retries remain, to error once
	// they are exhausted.
	c.fire("retry_capture")
}

func (c *Controller) onStitching() {
	c.mu.Lock()
	frames := make([]gocv.Mat, len(c.frames))
	copy(frames, c.frames)
	c.mu.Unlock()

	mosaic, err := c.stitcher.Stitch(frames)
	if err != nil {
		c.setError(fmt.Errorf("stitch: %w", err))
		c.fire("fail")
		return
	}
	c.writeCheckpoint(mosaic)

	c.mu.Lock()
	if !c.mosaic.Empty() {
		c.mosaic.Close()
	}
	c.mosaic = mosaic
	c.mu.Unlock()

	c.fire("stitch_done")
}

// writeCheckpoint persists the work-in-progress mosaic after each
// stitching pass, so an interrupted scan leaves a usable image on disk.
// Failures are logged, never fatal.
func (c *Controller) writeCheckpoint(m gocv.Mat) {
	if c.outputDir == "" {
		return
	}
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		debug.Warn("Create output dir: %v", err)
		return
	}
	path := filepath.Join(c.outputDir, "stitched_temp.png")
	if err := c.stitcher.Save(m, path); err != nil {
		debug.Warn("Persist stitch checkpoint: %v", err)
	}
}

func (c *Controller) onAdvancing() {
	debug.Move(c.advanceSteps, motor.Forward.String())
	if err := c.motor.Step(c.advanceSteps, motor.Forward); err != nil {
		c.setError(fmt.Errorf("advance: %w", err))
		c.fire("motor_fail")
		return
	}

	c.mu.Lock()
	c.motorRecoveries = 0
	c.mu.Unlock()

	c.fire("advance_done")
}

func (c *Controller) onCheckingCompletion() {
	c.mu.Lock()
	count := len(c.frames)
	var last, prev gocv.Mat
	if count > 0 {
		last = c.frames[count-1]
	}
	if count > 1 {
		prev = c.frames[count-2]
	}
	c.mu.Unlock()

	if count >= c.maxFrames {
		debug.Info("Frame limit reached (%d)", c.maxFrames)
		c.fire("scan_complete")
		return
	}

	if c.detectFilmEnd && count > 0 && c.filmExhausted(last) {
		c.fire("scan_complete")
		return
	}

	if c.overlapGating && count > 1 {
		stalled := c.evaluator.NeedsMoreCaptures(prev, last)
		c.mu.Lock()
		if stalled {
			c.stallCount++
		} else {
			c.stallCount = 0
		}
		stalls := c.stallCount
		c.mu.Unlock()

		if stalls >= stallLimit {
			debug.Info("Transport stalled for %d cycles, ending scan", stalls)
			c.fire("scan_complete")
			return
		}
	}

	c.fire("more_frames")
}

// filmExhausted applies the dark-frame and featureless-leader heuristics
// to the most recent frame.
func (c *Controller) filmExhausted(frame gocv.Mat) bool {
	gray := toGray(frame)
	defer gray.Close()

	brightness := gray.Mean().Val1
	if brightness < c.darkThreshold {
		debug.Info("Dark frame (%.1f < %.1f), end of film", brightness, c.darkThreshold)
		return true
	}

	density := c.evaluator.EdgeDensity(frame)
	if density < c.minEdgeDensity {
		debug.Info("Featureless frame (density %.4f < %.4f), end of film", density, c.minEdgeDensity)
		return true
	}
	return false
}

func (c *Controller) onFinished() {
	c.mu.Lock()
	count := len(c.frames)
	hasMosaic := !c.mosaic.Empty()
	var final gocv.Mat
	if hasMosaic {
		final = c.mosaic.Clone()
	}
	c.mu.Unlock()

	debug.Info("Scan finished: %d frames", count)
	if !hasMosaic {
		debug.Warn("No mosaic to persist")
		return
	}
	defer final.Close()

	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		debug.Error("Create output dir: %v", err)
		return
	}
	path := filepath.Join(c.outputDir, fmt.Sprintf("mosaic_%s.png", time.Now().Format("20060102_150405")))
	if err := c.stitcher.Save(final, path); err != nil {
		debug.Error("Persist mosaic: %v", err)
		return
	}
	debug.Info("Mosaic written to %s", path)
}

func (c *Controller) onError() {
	c.mu.Lock()
	err := c.lastErr
	c.mu.Unlock()
	debug.Error("Scan failed: %v", err)
}

func (c *Controller) onCameraError() {
	c.mu.Lock()
	c.camRecoveries++
	exhausted := c.camRecoveries > maxRecoveries
	attempt := c.camRecoveries
	c.mu.Unlock()

	if exhausted {
		c.setError(fmt.Errorf("camera fault persists after reinitialization"))
		c.fire("fail")
		return
	}

	debug.Warn("Camera fault, reinitializing (attempt %d)", attempt)
	if err := c.camera.Shutdown(); err != nil {
		debug.Warn("Camera shutdown during recovery: %v", err)
	}
	if err := c.camera.Initialize(camera.ModePreview); err != nil {
		c.setError(fmt.Errorf("camera recovery: %w", err))
		c.fire("fail")
		return
	}
	c.fire("recover_camera")
}

func (c *Controller) onMotorError() {
	c.mu.Lock()
	c.motorRecoveries++
	exhausted := c.motorRecoveries > maxRecoveries
	attempt := c.motorRecoveries
	c.mu.Unlock()

	if exhausted {
		c.setError(fmt.Errorf("motor fault persists after reinitialization"))
		c.fire("fail")
		return
	}

	debug.Warn("Motor fault, reinitializing (attempt %d)", attempt)
	if err := c.motor.Reinitialize(); err != nil {
		c.setError(fmt.Errorf("motor recovery: %w", err))
		c.fire("fail")
		return
	}
	c.fire("recover_motor")
}

// onIdle runs when a scan is aborted: release the hardware but keep the
// session's frames readable for inspection.
func (c *Controller) onIdle() {
	if err := c.camera.Shutdown(); err != nil {
		debug.Warn("Camera shutdown: %v", err)
	}
	if err := c.motor.Cleanup(); err != nil {
		debug.Warn("Motor cleanup: %v", err)
	}
}

func (c *Controller) setError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// fire forwards a trigger from inside an entry action. Triggers queued
// here are processed by the machine's outer drain loop; a transition the
// table does not allow is a bug in the action logic, so it is only
// logged.
func (c *Controller) fire(trigger string) {
	if err := c.machine.Fire(trigger); err != nil {
		debug.Error("Trigger %q: %v", trigger, err)
	}
}
