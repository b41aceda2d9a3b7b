package supervisor

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/pipebridge/internal/bus"
)

// State is a worker lifecycle state.
type State string

const (
	Stopped  State = "STOPPED"
	Starting State = "STARTING"
	Running  State = "RUNNING"
	Failed   State = "FAILED"
	Aborted  State = "ABORTED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Stopped:  {Starting},
	Starting: {Running, Failed, Stopped},
	Running:  {Failed, Stopped},
	Failed:   {Starting, Aborted, Stopped},
	Aborted:  {},
}

// Machine tracks and enforces one worker's state transitions and publishes
// every change on the bus.
type Machine struct {
	mu      sync.RWMutex
	worker  string
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a machine in the Stopped state.
func NewMachine(worker string, b *bus.Bus) *Machine {
	return &Machine{worker: worker, current: Stopped, since: time.Now(), bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition moves to a new state. Returns error if the transition is invalid.
func (m *Machine) Transition(to State, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("worker %s: invalid transition from %s to %s", m.worker, m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindWorkerState,
			Timestamp: m.since,
			Payload: StateChange{
				Worker: m.worker,
				RunID:  runID,
				From:   from,
				To:     to,
			},
		})
	}
	return nil
}

// StateChange is the payload for worker state events.
type StateChange struct {
	Worker string
	RunID  string
	From   State
	To     State
}
