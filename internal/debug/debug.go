package debug

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (scan start/finish, faults)
	LevelLive    = 2 // Live info (state changes, captures, motor moves)
	LevelVerbose = 3 // Verbose (scores, thresholds, transform details)
	LevelTrace   = 4 // Trace (GPIO, very low level)
)

var (
	level  int
	logger *log.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (session lifecycle, faults)
// 2 = live info (state transitions, frames captured, advances)
// 3 = verbose (quality scores, match counts, completion checks)
// 4 = trace (GPIO writes, very low level)
func Init(debugLevel int) {
	level = debugLevel
	if level > LevelOff {
		logger = log.New(os.Stdout, "[neganuki] ", log.LstdFlags|log.Lmicroseconds)
	}
}

// Level returns the current debug level.
func Level() int {
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return level >= minLevel
}

// SetOutput redirects log output, e.g. to a MultiWriter feeding the
// web status broadcaster.
func SetOutput(w io.Writer) {
	if logger != nil {
		logger.SetOutput(w)
	}
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[INFO] "+format, args...)
	}
}

// Warn prints a level 1 warning.
func Warn(format string, args ...interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[WARN] "+format, args...)
	}
}

// Error prints a level 1 error message.
func Error(format string, args ...interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[ERROR] "+format, args...)
	}
}

// Section prints a visual section separator (level 1).
func Section(title string) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("═══════════════════════════════════════")
		logger.Printf("  %s", title)
		logger.Printf("═══════════════════════════════════════")
	}
}

// Value prints a labelled value (level 1).
func Value(label string, v interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[INFO] %s: %v", label, v)
	}
}

// --- Level 2 functions (Live): real-time scan progress ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if level >= LevelLive && logger != nil {
		logger.Printf("[LIVE] "+format, args...)
	}
}

// State prints a state machine transition (level 2).
func State(from, to, trigger string) {
	if level >= LevelLive && logger != nil {
		logger.Printf("[LIVE] State %s -> %s (trigger: %s)", from, to, trigger)
	}
}

// Capture prints a frame capture (level 2).
func Capture(index int) {
	if level >= LevelLive && logger != nil {
		logger.Printf("[LIVE] Frame %d captured", index)
	}
}

// Move prints a motor movement (level 2).
func Move(steps int, direction string) {
	if level >= LevelLive && logger != nil {
		logger.Printf("[LIVE] Motor: %d steps (%s)", steps, direction)
	}
}

// Retry prints a capture retry (level 2).
func Retry(attempt, max int) {
	if level >= LevelLive && logger != nil {
		logger.Printf("[LIVE] Retrying capture (attempt %d/%d)", attempt, max)
	}
}

// --- Level 3 functions (Verbose) ---

// Verbose prints a level 3 message.
func Verbose(format string, args ...interface{}) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("[VERBOSE] "+format, args...)
	}
}

// Score prints a named quality score (level 3).
func Score(name string, value float64) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("[VERBOSE] %s: %.3f", name, value)
	}
}

// --- Level 4 functions (Trace) ---

// Trace prints a level 4 message (very low level).
func Trace(format string, args ...interface{}) {
	if level >= LevelTrace && logger != nil {
		logger.Printf("[TRACE] "+format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(op string, pin int, detail interface{}) {
	if level >= LevelTrace && logger != nil {
		if detail != nil {
			logger.Printf("[TRACE] GPIO %s pin=%d %v", op, pin, detail)
		} else {
			logger.Printf("[TRACE] GPIO %s pin=%d", op, pin)
		}
	}
}

// Printf prints at trace level without a prefix tag.
func Printf(format string, args ...interface{}) {
	if level >= LevelTrace && logger != nil {
		logger.Print(fmt.Sprintf(format, args...))
	}
}
