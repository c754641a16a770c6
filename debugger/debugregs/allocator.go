package debugregs

import (
	"fmt"

	. "github.com/pattyshack/rda/debugger/common"
)

type Arch string

const (
	X64   = Arch("x64")
	Arm64 = Arch("arm64")
)

// Both supported architectures expose four slots of each kind in the
// observed configurations.  arm64 hardware may expose up to sixteen; the
// usable counts are read from the hardware descriptor at attach time.
const DefaultSlotCount = 4

// Slot index sentinel for failed watchpoint installations.
const NoSlot = -1

// The concrete hardware installation produced by SetupWatchpoint.  The
// installed range may be a hardware-aligned superset of the requested range.
type WatchpointInstallation struct {
	InstalledRange AddressRange
	SlotIndex      int
}

// Architecture-specific in-memory debug register state for one thread.
// Implementations never partially mutate on failure.
type Snapshot interface {
	SetupHWBreakpoint(address VirtualAddress, slotCount int) error

	RemoveHWBreakpoint(address VirtualAddress, slotCount int) error

	SetupWatchpoint(
		mode AccessMode,
		requested AddressRange,
		slotCount int,
	) (WatchpointInstallation, error)

	// The range must match a previously installed (hardware-aligned) range,
	// not the original request.
	RemoveWatchpoint(installed AddressRange, slotCount int) error
}

// Allocation policy layer over the per-architecture codecs.  Slot counts are
// read once per process at attach time since real counts vary by cpu model.
// One allocator per attached process.
type Allocator struct {
	arch Arch

	hwBreakpointSlotCount int
	watchpointSlotCount   int
}

func NewAllocator(
	arch Arch,
	hwBreakpointSlotCount int,
	watchpointSlotCount int,
) (
	Allocator,
	error,
) {
	switch arch {
	case X64:
		// dr0 - dr3 are architectural; x64 always exposes exactly four.
		if hwBreakpointSlotCount != X64SlotCount ||
			watchpointSlotCount != X64SlotCount {

			return Allocator{}, fmt.Errorf(
				"%w. x64 exposes exactly %d debug register slots "+
					"(breakpoints=%d watchpoints=%d)",
				ErrInvalidArgument,
				X64SlotCount,
				hwBreakpointSlotCount,
				watchpointSlotCount)
		}
	case Arm64:
		if hwBreakpointSlotCount < 1 ||
			hwBreakpointSlotCount > Arm64MaxSlotCount {

			return Allocator{}, fmt.Errorf(
				"%w. invalid arm64 breakpoint slot count (%d)",
				ErrInvalidArgument,
				hwBreakpointSlotCount)
		}

		if watchpointSlotCount < 1 || watchpointSlotCount > Arm64MaxSlotCount {
			return Allocator{}, fmt.Errorf(
				"%w. invalid arm64 watchpoint slot count (%d)",
				ErrInvalidArgument,
				watchpointSlotCount)
		}
	default:
		return Allocator{}, fmt.Errorf(
			"%w. unsupported architecture (%s)",
			ErrInvalidArgument,
			arch)
	}

	return Allocator{
		arch:                  arch,
		hwBreakpointSlotCount: hwBreakpointSlotCount,
		watchpointSlotCount:   watchpointSlotCount,
	}, nil
}

func (allocator Allocator) Arch() Arch {
	return allocator.arch
}

func (allocator Allocator) HWBreakpointSlotCount() int {
	return allocator.hwBreakpointSlotCount
}

func (allocator Allocator) WatchpointSlotCount() int {
	return allocator.watchpointSlotCount
}

func (allocator Allocator) NewSnapshot() Snapshot {
	switch allocator.arch {
	case X64:
		return &X64Snapshot{}
	case Arm64:
		return &Arm64Snapshot{}
	default:
		panic("should never happen")
	}
}

func (allocator Allocator) SetupHWBreakpoint(
	snapshot Snapshot,
	address VirtualAddress,
) error {
	return snapshot.SetupHWBreakpoint(
		address,
		allocator.hwBreakpointSlotCount)
}

func (allocator Allocator) RemoveHWBreakpoint(
	snapshot Snapshot,
	address VirtualAddress,
) error {
	return snapshot.RemoveHWBreakpoint(
		address,
		allocator.hwBreakpointSlotCount)
}

func (allocator Allocator) SetupWatchpoint(
	snapshot Snapshot,
	mode AccessMode,
	requested AddressRange,
) (
	WatchpointInstallation,
	error,
) {
	return snapshot.SetupWatchpoint(
		mode,
		requested,
		allocator.watchpointSlotCount)
}

func (allocator Allocator) RemoveWatchpoint(
	snapshot Snapshot,
	installed AddressRange,
) error {
	return snapshot.RemoveWatchpoint(
		installed,
		allocator.watchpointSlotCount)
}

// A watch range must span 1, 2, 4, or 8 bytes and must be naturally aligned
// to its size.
func validateWatchRange(requested AddressRange) error {
	size := requested.Size()
	switch size {
	case 1, 2, 4, 8:
		if uint64(requested.Low)%size != 0 {
			return fmt.Errorf(
				"%w. address (%s) not aligned with watch size (%d)",
				ErrOutOfRange,
				requested.Low,
				size)
		}
	default:
		return fmt.Errorf(
			"%w. invalid watch size (%d)",
			ErrOutOfRange,
			size)
	}

	return nil
}
