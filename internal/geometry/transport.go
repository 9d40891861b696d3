// Package geometry converts physical film-transport distances into motor
// steps from the drive train parameters.
package geometry

import "math"

// Frame135PitchMm is the standard frame pitch of 135 film: 8 perforations
// of 4.75mm per frame.
const Frame135PitchMm = 38.0

// Transport describes the film drive train: the stepper's resolution, any
// external gearing between motor and spool, and the effective spool (or
// drive sprocket) diameter pulling the film.
type Transport struct {
	StepsPerRev     int     // motor half-steps per motor revolution
	GearRatio       float64 // motor revs per spool rev (>= 1 for reduction)
	SpoolDiameterMm float64 // effective diameter pulling the film
}

// StepsPerMm returns motor steps needed to advance the film by 1mm.
func (t Transport) StepsPerMm() float64 {
	circumference := math.Pi * t.SpoolDiameterMm
	if circumference <= 0 {
		return 0
	}
	return float64(t.StepsPerRev) * t.GearRatio / circumference
}

// StepsForAdvance returns the motor steps (rounded to nearest) for a film
// advance of mm millimeters. Returns 0 for non-positive distances or an
// unconfigured transport.
func (t Transport) StepsForAdvance(mm float64) int {
	if mm <= 0 {
		return 0
	}
	steps := t.StepsPerMm() * mm
	return int(math.Round(steps))
}

// AdvancePerStepMm returns the film travel per single motor step.
func (t Transport) AdvancePerStepMm() float64 {
	perMm := t.StepsPerMm()
	if perMm <= 0 {
		return 0
	}
	return 1.0 / perMm
}
