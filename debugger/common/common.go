package common

import (
	"fmt"
)

var (
	// All hardware debug register slots are occupied.  The caller may retry
	// after freeing another installation.
	ErrNoResources = fmt.Errorf("no debug register slots available")

	// The address / range is not currently installed, or cannot be
	// represented by the hardware.
	ErrOutOfRange = fmt.Errorf("out of range")

	// The install request exactly duplicates a live installation.
	ErrAlreadyBound = fmt.Errorf("already bound")

	ErrInvalidArgument = fmt.Errorf("invalid argument")

	// Unexpected collaborator failure (suspend / register read / register
	// write).
	ErrInternal = fmt.Errorf("internal failure")
)

// Kernel object ids.  The target kernel never reuses koids.
type ProcessId uint64

type ThreadId uint64

// In breakpoint / watchpoint settings, thread id 0 targets every thread of
// the owning process.
const AllThreads = ThreadId(0)

type VirtualAddress uint64

func (addr VirtualAddress) String() string {
	return fmt.Sprintf("0x%016x", uint64(addr))
}

type VirtualAddresses []VirtualAddress

func (s VirtualAddresses) Len() int {
	return len(s)
}

func (s VirtualAddresses) Less(i int, j int) bool {
	return uint64(s[i]) < uint64(s[j])
}

func (s VirtualAddresses) Swap(i int, j int) {
	s[i], s[j] = s[j], s[i]
}

// Half-open address range [Low, High).
type AddressRange struct {
	Low  VirtualAddress
	High VirtualAddress
}

func NewAddressRange(addr VirtualAddress, size uint64) AddressRange {
	return AddressRange{
		Low:  addr,
		High: addr + VirtualAddress(size),
	}
}

func (ar AddressRange) String() string {
	return fmt.Sprintf("[%s, %s)", ar.Low, ar.High)
}

func (ar AddressRange) Size() uint64 {
	if ar.High < ar.Low {
		return 0
	}
	return uint64(ar.High - ar.Low)
}

func (ar AddressRange) Contains(addr VirtualAddress) bool {
	return ar.Low <= addr && addr < ar.High
}

func (ar AddressRange) Overlaps(other AddressRange) bool {
	return ar.Low < other.High && other.Low < ar.High
}

func (ar AddressRange) Equals(other AddressRange) bool {
	return ar == other
}

type AccessMode string

const (
	ExecuteMode   = AccessMode("execute")
	WriteMode     = AccessMode("write")
	ReadWriteMode = AccessMode("read/write")
)

func (mode AccessMode) Validate() error {
	switch mode {
	case ExecuteMode, WriteMode, ReadWriteMode:
		return nil
	default:
		return fmt.Errorf("%w. invalid access mode (%s)", ErrInvalidArgument, mode)
	}
}

// User-declared breakpoint / watchpoint kind.
type Kind string

const (
	SoftwareKind  = Kind("software")
	HardwareKind  = Kind("hardware")
	WriteKind     = Kind("write")
	ReadWriteKind = Kind("read/write")
)

func (kind Kind) Validate() error {
	switch kind {
	case SoftwareKind, HardwareKind, WriteKind, ReadWriteKind:
		return nil
	default:
		return fmt.Errorf("%w. invalid kind (%s)", ErrInvalidArgument, kind)
	}
}

// The watch access mode encoded into debug registers for a watchpoint of
// this kind.
func (kind Kind) WatchMode() (AccessMode, error) {
	switch kind {
	case WriteKind:
		return WriteMode, nil
	case ReadWriteKind:
		return ReadWriteMode, nil
	default:
		return "", fmt.Errorf(
			"%w. kind (%s) is not a watchpoint kind",
			ErrInvalidArgument,
			kind)
	}
}

// The cause of a SIGTRAP stop, classified from the signal's si_code.
type TrapKind string

const (
	UnknownTrap    = TrapKind("")
	SoftwareTrap   = TrapKind("software break")
	HardwareTrap   = TrapKind("hardware break")
	SingleStepTrap = TrapKind("single step")
)

func TrapCodeToKind(code int32) TrapKind {
	// NOTE: on x64, linux incorrectly reports software traps as SI_KERNEL
	// (0x80) when it should have reported TRAP_BRKPT (1).
	switch code {
	case 0x80: // SI_KERNEL
		return SoftwareTrap
	case 4: // TRAP_HWBKPT
		return HardwareTrap
	case 2: // TRAP_TRACE
		return SingleStepTrap
	default:
		// Most si_code values are not handled.  e.g, SI_TKILL (-6)
		return UnknownTrap
	}
}
