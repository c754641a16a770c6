package breakpoint

import (
	. "github.com/pattyshack/rda/debugger/common"
	"github.com/pattyshack/rda/debugger/debugregs"
)

// Returned by ThreadHandle.Suspend.  The thread resumes when the token is
// released.
type SuspendToken interface {
	Release()
}

// A thread owned by the surrounding process management subsystem.  The
// thread's debug register snapshot is exclusively owned by its handle; all
// mutations are read-modify-write while the thread is suspended.
//
// Any of these calls may fail because the target thread exited concurrently.
// Callers treat that as "already gone", not as an error.
type ThreadHandle interface {
	Koid() ThreadId

	Suspend() (SuspendToken, error)

	ReadDebugRegisters() (debugregs.Snapshot, error)

	WriteDebugRegisters(debugregs.Snapshot) error
}

// An attached process owned by the surrounding process management subsystem.
type Process interface {
	Koid() ProcessId

	// The slot allocator built from this process' hardware descriptor at
	// attach time.
	Allocator() debugregs.Allocator

	Threads() []ThreadHandle

	Thread(id ThreadId) (ThreadHandle, bool)
}
