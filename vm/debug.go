package vm

import (
	"github.com/chazu/harrier/jdwp"
)

// DebugBridge is the VM's view of an attached wire debugger. The
// jdwp package's connection state satisfies it; the VM never learns
// about sockets or packet framing.
//
// Every Post reports whether the event's suspend policy requires the
// posting thread to stop. The caller owns the parking: the bridge only
// answers the policy question.
type DebugBridge interface {
	// IsActive reports whether a debugger connection is up. Posts on
	// an inactive bridge are no-ops returning false.
	IsActive() bool

	// PostVMStart announces the machine coming up.
	PostVMStart(thread jdwp.ThreadID) bool

	// PostLocationEvent posts one of the location-grouped kinds:
	// breakpoint, single step, method entry, method exit.
	PostLocationEvent(kind jdwp.EventKind, thread jdwp.ThreadID, loc jdwp.Location) bool

	// PostException posts a thrown exception with its throw location
	// and, when caught, the catch location. An uncaught exception
	// carries a zero catch location.
	PostException(thread jdwp.ThreadID, throwLoc jdwp.Location, exception jdwp.ObjectID, catchLoc jdwp.Location) bool

	// PostThreadChange posts a thread start or death.
	PostThreadChange(kind jdwp.EventKind, thread jdwp.ThreadID) bool

	// PostClassPrepare announces a type becoming known to the machine.
	PostClassPrepare(thread jdwp.ThreadID, refType jdwp.RefTypeID, signature string) bool

	// PostVMDeath announces shutdown. Always the last event out.
	PostVMDeath() bool

	// Shutdown tears the connection down. Idempotent.
	Shutdown() error
}
