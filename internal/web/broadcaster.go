package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// ScanEvent represents a single status message for SSE. State-change
// events carry State; log lines carry Msg.
type ScanEvent struct {
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	State string `json:"state,omitempty"`
	Msg   string `json:"msg,omitempty"`
}

// StatusBroadcaster distributes scan events to multiple SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Broadcast sends a log message to all subscribed clients.
// Slow clients may miss messages (non-blocking, buffered).
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.send(ScanEvent{
		Time:  time.Now().Format(time.RFC3339),
		Level: level,
		Msg:   msg,
	})
}

// BroadcastState publishes a scan state change, wired to the engine's
// transition observer.
func (b *StatusBroadcaster) BroadcastState(from, to, trigger string) {
	b.send(ScanEvent{
		Time:  time.Now().Format(time.RFC3339),
		Level: "state",
		State: to,
		Msg:   from + " -> " + to + " (" + trigger + ")",
	})
}

func (b *StatusBroadcaster) send(evt ScanEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// BroadcastWriter wraps the broadcaster as an io.Writer so the debug
// logger's output reaches SSE clients too.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.b.Broadcast("info", msg)
	}
	return len(p), nil
}
