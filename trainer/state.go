package trainer

// State is the phase a Session is in.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCheckpointing
	StateSampling
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCheckpointing:
		return "checkpointing"
	case StateSampling:
		return "sampling"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
