package web

import (
	"encoding/json"
	"net/http"
	"time"

	"gocv.io/x/gocv"

	"github.com/neganuki/neganuki/internal/debug"
)

// Engine is the slice of the pipeline controller the HTTP surface needs.
type Engine interface {
	StartScan() error
	PauseScan()
	ResumeScan() error
	Abort() error
	CurrentState() string
	FrameCount() int
	RetryCount() int
	LastError() error
	Mosaic() (gocv.Mat, error)
}

// Status is the GET /status response body.
type Status struct {
	State      string `json:"state"`
	FrameCount int    `json:"frame_count"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Engine      Engine
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(broadcaster *StatusBroadcaster, engine Engine) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Engine:      engine,
	}
}

// HandleStatus returns the engine's current status as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		State:      h.Engine.CurrentState(),
		FrameCount: h.Engine.FrameCount(),
		RetryCount: h.Engine.RetryCount(),
	}
	if err := h.Engine.LastError(); err != nil {
		st.LastError = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// HandleStartScan starts a scan. The scan runs on its own goroutine; the
// response only acknowledges that it was accepted.
func (h *Handlers) HandleStartScan(w http.ResponseWriter, r *http.Request) {
	switch h.Engine.CurrentState() {
	case "idle", "finished", "error":
	default:
		http.Error(w, "scan already in progress", http.StatusConflict)
		return
	}

	go func() {
		if err := h.Engine.StartScan(); err != nil {
			h.Broadcaster.Broadcast("error", "Scan failed to start: "+err.Error())
			debug.Error("Scan start: %v", err)
			return
		}
		h.Broadcaster.Broadcast("info", "Scan settled in "+h.Engine.CurrentState())
	}()

	writeAccepted(w, "started")
}

// HandlePauseScan requests a pause; outside active states it is a no-op.
func (h *Handlers) HandlePauseScan(w http.ResponseWriter, r *http.Request) {
	h.Engine.PauseScan()
	writeAccepted(w, "pause requested")
}

// HandleResumeScan continues a paused scan on its own goroutine.
func (h *Handlers) HandleResumeScan(w http.ResponseWriter, r *http.Request) {
	if h.Engine.CurrentState() != "paused" {
		http.Error(w, "scan is not paused", http.StatusConflict)
		return
	}

	go func() {
		if err := h.Engine.ResumeScan(); err != nil {
			h.Broadcaster.Broadcast("error", "Resume failed: "+err.Error())
			debug.Error("Scan resume: %v", err)
			return
		}
		h.Broadcaster.Broadcast("info", "Scan settled in "+h.Engine.CurrentState())
	}()

	writeAccepted(w, "resumed")
}

// HandleAbort hard-resets the engine to idle.
func (h *Handlers) HandleAbort(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Abort(); err != nil {
		http.Error(w, "abort failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeAccepted(w, "aborted")
}

// HandleMosaic serves the current mosaic as PNG, 404 until a stitch has
// produced one.
func (h *Handlers) HandleMosaic(w http.ResponseWriter, r *http.Request) {
	img, err := h.Engine.Mosaic()
	if err != nil {
		http.Error(w, "no mosaic available", http.StatusNotFound)
		return
	}
	defer img.Close()

	buf, err := gocv.IMEncode(gocv.PNGFileExt, img)
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	defer buf.Close()

	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.GetBytes())
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func writeAccepted(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}
