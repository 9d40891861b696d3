// Package fsm implements the declarative state machine driving the scan
// lifecycle. The structure (states, transitions, guards) is data, loaded
// from YAML; behavior (guard predicates, state entry actions) is bound by
// the caller at construction.
package fsm

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed states.yaml
var defaultStatesYAML []byte

// Wildcard matches any source state in a transition.
const Wildcard = "*"

// DestResume routes a transition back to the state that was active before
// the machine was preempted into its current state (see Machine.Preempt).
const DestResume = "$resume"

// Transition declares that Trigger moves the machine from any state in
// Sources to Dest. If Guard names a predicate, the transition only fires
// while the predicate holds; a rejected guard routes to Unless when set,
// otherwise the machine stays in the source state.
type Transition struct {
	Trigger string   `yaml:"trigger"`
	Sources []string `yaml:"from"`
	Dest    string   `yaml:"to"`
	Guard   string   `yaml:"guard,omitempty"`
	Unless  string   `yaml:"unless,omitempty"`
}

// Definition is the declarative structure of a state machine.
type Definition struct {
	States      []string     `yaml:"states"`
	Initial     string       `yaml:"initial"`
	Transitions []Transition `yaml:"transitions"`
}

// DefaultDefinition returns the built-in scan lifecycle definition.
func DefaultDefinition() *Definition {
	def, err := ParseDefinition(defaultStatesYAML)
	if err != nil {
		// The embedded definition is validated by tests; reaching this
		// means a broken build.
		panic(fmt.Sprintf("fsm: embedded definition invalid: %v", err))
	}
	return def
}

// LoadDefinition reads and validates a YAML definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition parses and validates a YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) validate() error {
	if len(d.States) == 0 {
		return fmt.Errorf("definition has no states")
	}

	known := make(map[string]bool, len(d.States))
	for _, s := range d.States {
		if s == "" || s == Wildcard || s == DestResume {
			return fmt.Errorf("invalid state name: %q", s)
		}
		if known[s] {
			return fmt.Errorf("duplicate state: %q", s)
		}
		known[s] = true
	}

	if !known[d.Initial] {
		return fmt.Errorf("initial state %q not declared", d.Initial)
	}

	for i, tr := range d.Transitions {
		if tr.Trigger == "" {
			return fmt.Errorf("transition %d has no trigger", i)
		}
		if len(tr.Sources) == 0 {
			return fmt.Errorf("transition %q has no source states", tr.Trigger)
		}
		for _, src := range tr.Sources {
			if src != Wildcard && !known[src] {
				return fmt.Errorf("transition %q: unknown source state %q", tr.Trigger, src)
			}
		}
		if tr.Dest != DestResume && !known[tr.Dest] {
			return fmt.Errorf("transition %q: unknown destination %q", tr.Trigger, tr.Dest)
		}
		if tr.Unless != "" {
			if tr.Guard == "" {
				return fmt.Errorf("transition %q: unless without guard", tr.Trigger)
			}
			if !known[tr.Unless] {
				return fmt.Errorf("transition %q: unknown unless destination %q", tr.Trigger, tr.Unless)
			}
		}
	}

	return nil
}

// GuardNames returns the distinct guard predicate names the definition
// references, for validation against the bound guard set.
func (d *Definition) GuardNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, tr := range d.Transitions {
		if tr.Guard != "" && !seen[tr.Guard] {
			seen[tr.Guard] = true
			names = append(names, tr.Guard)
		}
	}
	return names
}
