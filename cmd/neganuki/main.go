package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/neganuki/neganuki/internal/config"
	"github.com/neganuki/neganuki/internal/debug"
	"github.com/neganuki/neganuki/internal/hw/camera"
	"github.com/neganuki/neganuki/internal/hw/gpio"
	"github.com/neganuki/neganuki/internal/hw/motor"
	"github.com/neganuki/neganuki/internal/pipeline"
	"github.com/neganuki/neganuki/internal/web"
)

func main() {
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	maxFrames := flag.Int("frames", 0, "override max frames per scan (0 = use config)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if *maxFrames < 0 {
		log.Fatalf("frames must be >= 0, got %d", *maxFrames)
	}
	if *maxFrames > 0 {
		cfg.Pipeline.MaxFrames = *maxFrames
	}

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)

	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	mot, err := motor.NewULN2003(gpioDriver, motor.Config{
		Pins:      cfg.Motor.Pins,
		StepDelay: cfg.StepDelay(),
	})
	if err != nil {
		log.Fatalf("init motor failed: %v", err)
	}
	defer func() {
		if err := mot.Cleanup(); err != nil {
			log.Printf("motor cleanup failed: %v", err)
		}
	}()
	debug.Value("Motor pins", cfg.Motor.Pins)

	cam, err := newCameraFromConfig(cfg)
	if err != nil {
		log.Fatalf("init camera failed: %v", err)
	}
	defer func() {
		if err := cam.Shutdown(); err != nil {
			log.Printf("camera shutdown failed: %v", err)
		}
	}()
	debug.Value("Camera type", cfg.Camera.Type)

	engine, err := pipeline.NewController(cfg, cam, mot)
	if err != nil {
		log.Fatalf("build scan engine failed: %v", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Printf("closing scan engine failed: %v", err)
		}
	}()

	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		engine.SetObserver(broadcaster.BroadcastState)

		srv := web.NewServer(webAddr, broadcaster, engine)
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	// One-shot scan: abort cleanly on SIGINT/SIGTERM.
	go func() {
		<-ctx.Done()
		if err := engine.Abort(); err != nil {
			debug.Error("Abort on shutdown: %v", err)
		}
	}()

	if err := engine.StartScan(); err != nil {
		log.Fatalf("scan failed: %v", err)
	}
	if engine.CurrentState() == "error" {
		log.Fatalf("scan failed: %v", engine.LastError())
	}
	debug.Section("Scan Complete")
	debug.Value("Frames", engine.FrameCount())
}

// newCameraFromConfig selects a camera implementation based on configuration.
func newCameraFromConfig(cfg *config.Config) (camera.Camera, error) {
	switch cfg.Camera.Type {
	case "v4l2":
		return camera.NewV4L2Camera(camera.V4L2Config{
			Device:        cfg.Camera.Device,
			PreviewWidth:  cfg.Camera.PreviewWidth,
			PreviewHeight: cfg.Camera.PreviewHeight,
			StillWidth:    cfg.Camera.StillWidth,
			StillHeight:   cfg.Camera.StillHeight,
			WarmupFrames:  cfg.Camera.WarmupFrames,
		}), nil
	case "folder":
		return camera.NewFolderCamera(cfg.Camera.Folder), nil
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
