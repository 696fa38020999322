package scheduler

import "time"

type TickKind int

const (
	TickDispatch TickKind = iota
	TickRotation
	TickPerformance
	TickReconcile
)

func (k TickKind) String() string {
	switch k {
	case TickDispatch:
		return "dispatch"
	case TickRotation:
		return "rotation"
	case TickPerformance:
		return "performance"
	case TickReconcile:
		return "reconcile"
	default:
		return "unknown"
	}
}

type Tick struct {
	Kind TickKind
	At   time.Time
}

// Emit returns a task that pushes a tick of kind onto out, dropping it when
// the previous one of the same consumer has not been taken yet.
func Emit(out chan<- Tick, kind TickKind) func() {
	return func() {
		select {
		case out <- Tick{Kind: kind, At: time.Now()}:
		default:
		}
	}
}
