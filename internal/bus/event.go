package bus

import "time"

// Event kinds published by the bridge. Subscribers filter by prefix, so
// "worker." receives every worker event.
const (
	KindWorkerState = "worker.state_changed"
	KindWorkerError = "worker.error"
	KindPipeChanged = "pipe.changed"
	KindSupervisor  = "supervisor.aborted"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
