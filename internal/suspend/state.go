// Package suspend implements the Suspend State Machine (spec.md §4.E): a
// dedicated goroutine that classifies device idleness, negotiates the
// two-round Ack/Nack vote with opted-in clients, and drives the
// platform through a suspend/resume cycle.
//
// Grounded on _examples/original_source/src/pwrevents/suspend.c for the
// state table itself, and on REDESIGN FLAGS' explicit instruction to
// model the chain of signal-handler callbacks as a data-driven state
// table with named actions instead. The only blocking primitives are
// the ones spec.md §5 names: internal/clients.Ledger's condition-variable
// wait and the platform hal.Suspend call; everything else is driven by
// a single select loop, in the style of the teacher's own event-loop
// package (github.com/joeycumines/go-eventloop), though this state
// machine is simple enough not to need the library directly.
package suspend

// State is one of the eight states of the suspend state table.
type State int

const (
	StateOn State = iota
	StateOnIdle
	StateSuspendRequest
	StatePrepareSuspend
	StateSleep
	StateKernelResume
	StateActivityResume
	StateAbortSuspend
)

func (s State) String() string {
	switch s {
	case StateOn:
		return "On"
	case StateOnIdle:
		return "OnIdle"
	case StateSuspendRequest:
		return "SuspendRequest"
	case StatePrepareSuspend:
		return "PrepareSuspend"
	case StateSleep:
		return "Sleep"
	case StateKernelResume:
		return "KernelResume"
	case StateActivityResume:
		return "ActivityResume"
	case StateAbortSuspend:
		return "AbortSuspend"
	default:
		return "Unknown"
	}
}
