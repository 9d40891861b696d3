package motor

import (
	"fmt"
	"time"

	"github.com/neganuki/neganuki/internal/debug"
	"github.com/neganuki/neganuki/internal/hw/gpio"
)

// StepsPerRev is the number of half-steps per output-shaft revolution of
// a 28BYJ-48 (64 steps × 64:1 internal gearing, half-stepped).
const StepsPerRev = 4096

// halfStepSeq is the 8-phase half-step sequence for IN1-IN4.
var halfStepSeq = [8][4]gpio.Level{
	{gpio.High, gpio.Low, gpio.Low, gpio.Low},
	{gpio.High, gpio.High, gpio.Low, gpio.Low},
	{gpio.Low, gpio.High, gpio.Low, gpio.Low},
	{gpio.Low, gpio.High, gpio.High, gpio.Low},
	{gpio.Low, gpio.Low, gpio.High, gpio.Low},
	{gpio.Low, gpio.Low, gpio.High, gpio.High},
	{gpio.Low, gpio.Low, gpio.Low, gpio.High},
	{gpio.High, gpio.Low, gpio.Low, gpio.High},
}

// Config holds the hardware configuration for the transport stepper.
type Config struct {
	Pins      [4]int        // GPIO pins wired to ULN2003 IN1-IN4
	StepDelay time.Duration // delay between half-steps; 0 defaults to 2ms
}

// ULN2003 drives a 28BYJ-48 stepper through a ULN2003 board.
// It tracks the coil phase and the absolute position in half-steps.
type ULN2003 struct {
	gpio     gpio.Driver
	cfg      Config
	delay    time.Duration
	phase    int
	position int
	ready    bool
}

// NewULN2003 claims the four pins as outputs and de-energizes the coils.
func NewULN2003(g gpio.Driver, cfg Config) (*ULN2003, error) {
	delay := cfg.StepDelay
	if delay <= 0 {
		delay = 2 * time.Millisecond
	}

	m := &ULN2003{
		gpio:  g,
		cfg:   cfg,
		delay: delay,
	}
	if err := m.claimPins(); err != nil {
		return nil, err
	}
	m.ready = true
	return m, nil
}

func (m *ULN2003) claimPins() error {
	for _, pin := range m.cfg.Pins {
		if err := m.gpio.SetupPin(pin, gpio.Output); err != nil {
			return fmt.Errorf("setup pin %d: %w", pin, err)
		}
		if err := m.gpio.WritePin(pin, gpio.Low); err != nil {
			return fmt.Errorf("clear pin %d: %w", pin, err)
		}
	}
	return nil
}

// Step moves the motor by count half-steps in the given direction.
// count must be >= 0.
func (m *ULN2003) Step(count int, dir Direction) error {
	if count < 0 {
		return fmt.Errorf("invalid step count: %d (must be >= 0)", count)
	}
	if dir != Forward && dir != Backward {
		return fmt.Errorf("invalid direction: %d", dir)
	}
	if !m.ready {
		return fmt.Errorf("motor not initialized")
	}

	debug.Move(count, dir.String())

	for i := 0; i < count; i++ {
		m.phase = (m.phase + int(dir) + len(halfStepSeq)) % len(halfStepSeq)
		seq := halfStepSeq[m.phase]

		for j, pin := range m.cfg.Pins {
			if err := m.gpio.WritePin(pin, seq[j]); err != nil {
				return fmt.Errorf("write pin %d: %w", pin, err)
			}
		}

		time.Sleep(m.delay)
		m.position += int(dir)
	}

	debug.Verbose("Motor at absolute position %d", m.position)
	return nil
}

// Stop de-energizes all coils. The motor freewheels; position is kept.
func (m *ULN2003) Stop() error {
	if !m.ready {
		return nil
	}
	for _, pin := range m.cfg.Pins {
		if err := m.gpio.WritePin(pin, gpio.Low); err != nil {
			return fmt.Errorf("clear pin %d: %w", pin, err)
		}
	}
	return nil
}

// Reinitialize re-claims the pins after a fault or Cleanup. The coil phase
// is reset; the absolute position is preserved.
func (m *ULN2003) Reinitialize() error {
	debug.Info("Reinitializing transport motor")
	if err := m.claimPins(); err != nil {
		m.ready = false
		return err
	}
	m.phase = 0
	m.ready = true
	return nil
}

// Cleanup stops the motor and releases it. Step fails until Reinitialize.
func (m *ULN2003) Cleanup() error {
	if err := m.Stop(); err != nil {
		return err
	}
	m.ready = false
	return nil
}

// Position returns the absolute position in half-steps since creation.
func (m *ULN2003) Position() int {
	return m.position
}
