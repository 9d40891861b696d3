package fsm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/neganuki/neganuki/internal/debug"
)

var (
	// ErrNoTransition: the current state has no transition for the trigger.
	ErrNoTransition = errors.New("no transition for trigger")
	// ErrGuardRejected: the transition's guard returned false and no
	// fallback destination is declared; the machine stays put.
	ErrGuardRejected = errors.New("transition guard rejected")
	// ErrUnknownTrigger: the trigger appears nowhere in the definition.
	ErrUnknownTrigger = errors.New("unknown trigger")
	// ErrNoHistory: a $resume destination was reached without a prior
	// preemption to return to.
	ErrNoHistory = errors.New("no state to resume to")
)

// Guard is a pure predicate over engine state. Guards must not mutate
// anything and must not fire triggers.
type Guard func() bool

// Action is a state entry action. Actions may fire follow-up triggers;
// those are queued and processed after the action returns.
type Action func()

// Observer is notified after every applied transition, outside the
// machine lock.
type Observer func(from, to, trigger string)

// Machine executes a Definition: a table lookup from (state, trigger) to
// destination, guarded transitions, and per-state entry actions.
//
// Triggers fired from inside an entry action are queued and drained in
// order by the outermost Fire call, so arbitrarily long scan sessions run
// without growing the stack. The machine is safe for concurrent Fire
// calls; entry actions themselves always run sequentially.
type Machine struct {
	mu       sync.Mutex
	table    map[string]map[string]Transition // state -> trigger -> transition
	wildcard map[string]Transition            // trigger -> transition (from "*")
	triggers map[string]bool
	guards   map[string]Guard
	actions  map[string]Action
	observer Observer

	state    string
	prior    string // state interrupted by the last preemption
	queue    []firing
	draining bool
	preempt  string // pending preempt trigger, applied before the next entry action
}

type firing struct {
	trigger string
}

// NewMachine binds a validated definition to guard predicates and state
// entry actions. Every guard the definition references must be present;
// actions are optional per state.
func NewMachine(def *Definition, guards map[string]Guard, actions map[string]Action) (*Machine, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}

	for _, name := range def.GuardNames() {
		if guards[name] == nil {
			return nil, fmt.Errorf("guard %q referenced but not bound", name)
		}
	}
	known := make(map[string]bool, len(def.States))
	for _, s := range def.States {
		known[s] = true
	}
	for state := range actions {
		if !known[state] {
			return nil, fmt.Errorf("entry action bound to unknown state %q", state)
		}
	}

	m := &Machine{
		table:    make(map[string]map[string]Transition),
		wildcard: make(map[string]Transition),
		triggers: make(map[string]bool),
		guards:   guards,
		actions:  actions,
		state:    def.Initial,
	}

	for _, tr := range def.Transitions {
		m.triggers[tr.Trigger] = true
		for _, src := range tr.Sources {
			if src == Wildcard {
				m.wildcard[tr.Trigger] = tr
				continue
			}
			if m.table[src] == nil {
				m.table[src] = make(map[string]Transition)
			}
			if _, dup := m.table[src][tr.Trigger]; dup {
				return nil, fmt.Errorf("duplicate transition %q from %q", tr.Trigger, src)
			}
			m.table[src][tr.Trigger] = tr
		}
	}

	return m, nil
}

// SetObserver registers a transition observer. Must be called before the
// first Fire.
func (m *Machine) SetObserver(obs Observer) {
	m.observer = obs
}

// State returns the current state name.
func (m *Machine) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire processes a trigger. If the machine is already draining its queue
// (i.e. Fire was called from inside an entry action, or from another
// goroutine while the engine runs), the trigger is appended and processed
// in order; the nested call returns nil immediately and any resulting
// error is reported by the outermost Fire.
func (m *Machine) Fire(trigger string) error {
	m.mu.Lock()
	if !m.triggers[trigger] {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownTrigger, trigger)
	}
	m.queue = append(m.queue, firing{trigger: trigger})
	if m.draining {
		m.mu.Unlock()
		return nil
	}
	m.draining = true
	m.mu.Unlock()

	return m.drain()
}

// Preempt requests that trigger be applied right after the next
// transition, before its destination's entry action runs. This is how
// pause interrupts the scan loop without repeating completed side
// effects. The request applies to the immediately following transition
// only: if that state has no transition for the trigger, the request is
// dropped with a warning.
func (m *Machine) Preempt(trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preempt = trigger
}

func (m *Machine) drain() error {
	var firstErr error
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			if m.preempt != "" {
				debug.Warn("Dropping preempt trigger %q: engine settled in %s", m.preempt, m.state)
				m.preempt = ""
			}
			m.draining = false
			m.mu.Unlock()
			return firstErr
		}
		f := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		if err := m.step(f.trigger); err != nil && firstErr == nil {
			firstErr = err
		}
	}
}

// step applies one trigger: transition lookup, guard check, state change,
// optional preemption, then the entry action (outside the lock).
func (m *Machine) step(trigger string) error {
	m.mu.Lock()

	src := m.state
	tr, ok := m.lookup(src, trigger)
	if !ok {
		m.mu.Unlock()
		debug.Verbose("Ignoring trigger %q in state %s", trigger, src)
		return fmt.Errorf("%w: %q from %q", ErrNoTransition, trigger, src)
	}

	dest := tr.Dest
	if tr.Guard != "" && !m.guards[tr.Guard]() {
		if tr.Unless == "" {
			m.mu.Unlock()
			debug.Verbose("Guard %s rejected trigger %q in state %s", tr.Guard, trigger, src)
			return fmt.Errorf("%w: guard %q for trigger %q", ErrGuardRejected, tr.Guard, trigger)
		}
		dest = tr.Unless
	}

	if dest == DestResume {
		if m.prior == "" {
			m.mu.Unlock()
			return fmt.Errorf("%w: trigger %q", ErrNoHistory, trigger)
		}
		dest = m.prior
		m.prior = ""
	}

	m.state = dest

	type applied struct{ from, to, trigger string }
	changes := []applied{{src, dest, trigger}}

	// A pending preemption (pause request) applies between the transition
	// and its entry action, so the interrupted state's work is deferred,
	// never repeated.
	var action Action
	if p := m.preempt; p != "" {
		m.preempt = ""
		if ptr, ok := m.lookup(dest, p); ok && ptr.Guard == "" && ptr.Dest != DestResume {
			m.prior = dest
			m.state = ptr.Dest
			changes = append(changes, applied{dest, ptr.Dest, p})
			action = m.actions[ptr.Dest]
		} else {
			debug.Warn("Dropping preempt trigger %q: not applicable in %s", p, dest)
			action = m.actions[dest]
		}
	} else {
		action = m.actions[dest]
	}
	m.mu.Unlock()

	for _, ch := range changes {
		debug.State(ch.from, ch.to, ch.trigger)
		if m.observer != nil {
			m.observer(ch.from, ch.to, ch.trigger)
		}
	}

	if action != nil {
		action()
	}
	return nil
}

// lookup resolves (state, trigger) against the table, falling back to
// wildcard-source transitions.
func (m *Machine) lookup(state, trigger string) (Transition, bool) {
	if byTrigger, ok := m.table[state]; ok {
		if tr, ok := byTrigger[trigger]; ok {
			return tr, true
		}
	}
	tr, ok := m.wildcard[trigger]
	return tr, ok
}
