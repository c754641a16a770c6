package breakpoint

import (
	"fmt"

	. "github.com/pattyshack/rda/debugger/common"
)

type BreakpointId int64

// A single declared breakpoint location.
type Location struct {
	Process ProcessId

	// AllThreads targets every thread of the process.
	Thread ThreadId

	Address VirtualAddress
}

func (loc Location) String() string {
	return fmt.Sprintf("process %d thread %d %s", loc.Process, loc.Thread, loc.Address)
}

// A single declared watchpoint location.
type RangeLocation struct {
	Process ProcessId

	// AllThreads targets every thread of the process.
	Thread ThreadId

	Range AddressRange
}

func (loc RangeLocation) String() string {
	return fmt.Sprintf("process %d thread %d %s", loc.Process, loc.Thread, loc.Range)
}

// User-declared breakpoint settings.  A breakpoint may span locations in
// many processes and threads simultaneously.
type Settings struct {
	Id   BreakpointId
	Kind Kind
	Name string

	// One-shot breakpoints request removal after their first hit.
	OneShot bool

	Locations []Location
}

func (settings Settings) Validate() error {
	err := settings.Kind.Validate()
	if err != nil {
		return err
	}

	if settings.Kind != HardwareKind {
		// Software breakpoints are instruction patches, not debug register
		// installations.  They are handled elsewhere.
		return fmt.Errorf(
			"%w. cannot manage %s breakpoints with debug registers",
			ErrInvalidArgument,
			settings.Kind)
	}

	return nil
}

// User-declared watchpoint settings.  Identical shape to Settings, with
// address ranges instead of addresses.
type WatchpointSettings struct {
	Id   BreakpointId
	Kind Kind
	Name string

	OneShot bool

	Locations []RangeLocation
}

func (settings WatchpointSettings) Validate() error {
	_, err := settings.Kind.WatchMode()
	return err
}

// Hit bookkeeping for one breakpoint.  ShouldDelete is advisory: the object
// is not removed until the caller's next maintenance pass, so an in-progress
// exception-handling iteration never observes a dangling breakpoint.
type Stats struct {
	Id           BreakpointId
	HitCount     uint32
	ShouldDelete bool
}

type HitOutcome string

const (
	// Keep the breakpoint installed.
	Continue = HitOutcome("continue")

	// The breakpoint was one-shot; the caller should remove it on its next
	// maintenance pass.
	RequestRemoval = HitOutcome("request removal")
)

// Reports whether an exception raised by an installation of the installed
// kind should notify a breakpoint declared with the requested kind.
func DoesExceptionApply(installed Kind, requested Kind) bool {
	switch installed {
	case SoftwareKind:
		return requested == SoftwareKind
	case HardwareKind:
		return requested == HardwareKind
	case WriteKind, ReadWriteKind:
		// A write watch exception applies to both watch kinds: every write
		// access is also a read/write access.
		return requested == WriteKind || requested == ReadWriteKind
	default:
		return false
	}
}
