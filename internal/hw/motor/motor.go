// Package motor drives the film-transport stepper. The scan engine only
// depends on the Motor interface; the concrete implementation targets a
// 28BYJ-48 geared stepper behind a ULN2003 darlington driver.
package motor

// Direction selects the motor rotation sense.
type Direction int

const (
	Forward  Direction = 1
	Backward Direction = -1
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Motor is the capability surface the scan engine requires from the
// film-transport hardware. Calls are synchronous and return a definite
// success/failure signal.
type Motor interface {
	// Step moves the motor by count half-steps in the given direction.
	Step(count int, dir Direction) error
	// Stop de-energizes all coils (safe stop, keeps GPIO claimed).
	Stop() error
	// Reinitialize re-claims the GPIO pins after a fault or Cleanup.
	Reinitialize() error
	// Cleanup stops the motor and releases its pins.
	Cleanup() error
	// Position returns the absolute position in half-steps since creation.
	Position() int
}
