package manager

// State is the lifecycle tag attached to a handle. Creating and Stopping
// are transient and never observed outside the manager goroutine; Running,
// Paused, and Failed are the tags List can report.
type State int

const (
	// Creating names a VM whose Create is still in progress. Create inserts
	// a handle only after Boot succeeds, directly as Running, so no handle
	// ever carries this tag and List never reports it.
	Creating State = iota
	// Running is the default state after a successful boot.
	Running
	// Paused means the backend's pause capability was exercised
	// successfully. Optional — not every backend supports it.
	Paused
	// Stopping is set for the duration of Delete's cleanup sequence.
	Stopping
	// Failed means the backend itself reported the hypervisor process as
	// no longer alive. Reason carries whatever diagnostic the backend gave.
	Failed
)

func (s State) String() string {
	switch s {
	case Creating:
		return "creating"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
